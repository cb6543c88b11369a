// Package slack implements the Slack platform adapter. Webhook
// verification follows Slack's v0 signing scheme; pull-sync reads
// channel history for the channels named in the credential metadata.
package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/contexthub/internal/adapter"
	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/types"
)

const PlatformName = types.Platform("slack")

// signatureTolerance rejects replayed requests with stale timestamps.
const signatureTolerance = 5 * time.Minute

type Config struct {
	ClientID      string
	ClientSecret  string
	SigningSecret string
	APIBaseURL    string
}

type Adapter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://slack.com/api"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
}

func (a *Adapter) Platform() types.Platform { return PlatformName }

func (a *Adapter) OAuthURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("scope", "channels:history,channels:read,users:read")
	return "https://slack.com/oauth/v2/authorize?" + q.Encode()
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*types.PlatformCredentials, error) {
	form := url.Values{}
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIBaseURL+"/oauth.v2.access", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "exchange_code", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		OK          bool   `json:"ok"`
		Error       string `json:"error"`
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
		Team        struct {
			ID string `json:"id"`
		} `json:"team"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "exchange_code", Retryable: true, Err: err}
	}
	if !body.OK || body.AccessToken == "" {
		return nil, &cherr.AdapterError{
			Platform: string(PlatformName), Op: "exchange_code", Retryable: false,
			Err: fmt.Errorf("authorization code rejected"),
		}
	}

	var scopes []string
	if body.Scope != "" {
		scopes = strings.Split(body.Scope, ",")
	}
	return &types.PlatformCredentials{
		Platform:    PlatformName,
		AccessToken: body.AccessToken,
		Scopes:      scopes,
		Metadata:    map[string]string{"slack_team_id": body.Team.ID},
	}, nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context, creds *types.PlatformCredentials) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBaseURL+"/auth.test", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.OK
}

type historyMessage struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// Sync pulls message history for every channel in the credential
// metadata ("channels": comma-separated channel IDs). A channel that
// fails to fetch is recorded as a SyncError; the sync continues.
func (a *Adapter) Sync(ctx context.Context, creds *types.PlatformCredentials, opts types.SyncOptions) (*types.SyncResult, error) {
	result := &types.SyncResult{
		Platform: PlatformName,
		TeamID:   creds.TeamID,
	}

	channels := splitList(creds.Metadata["channels"])
	for _, channel := range channels {
		items, err := a.syncChannel(ctx, creds, channel, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "sync", Retryable: true, Err: ctx.Err()}
			}
			result.Errors = append(result.Errors, types.SyncError{
				ItemID:    channel,
				Error:     err.Error(),
				At:        time.Now(),
				Retryable: true,
			})
			continue
		}
		result.Items = append(result.Items, items...)
		if opts.Limit > 0 && len(result.Items) >= opts.Limit {
			result.Items = result.Items[:opts.Limit]
			break
		}
	}

	result.TotalSynced = len(result.Items)
	return result, nil
}

func (a *Adapter) syncChannel(ctx context.Context, creds *types.PlatformCredentials, channel string, opts types.SyncOptions) ([]types.SyncItem, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("limit", "200")
	if !opts.Full && opts.Since != nil {
		q.Set("oldest", fmt.Sprintf("%d.000000", opts.Since.Unix()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.APIBaseURL+"/conversations.history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		OK       bool             `json:"ok"`
		Error    string           `json:"error"`
		Messages []historyMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", channel, err)
	}
	if !body.OK {
		return nil, fmt.Errorf("channel %s: %s", channel, body.Error)
	}

	items := make([]types.SyncItem, 0, len(body.Messages))
	for _, msg := range body.Messages {
		if msg.Type != "message" || msg.Text == "" {
			continue
		}
		items = append(items, messageToItem(channel, msg))
	}
	return items, nil
}

func messageToItem(channel string, msg historyMessage) types.SyncItem {
	at := tsToTime(msg.TS)
	item := types.SyncItem{
		ExternalID: channel + ":" + msg.TS,
		Type:       types.NodeMessage,
		Content:    msg.Text,
		Author:     msg.User,
		CreatedAt:  at,
		UpdatedAt:  at,
		Metadata:   map[string]string{"channel": channel},
	}
	if msg.ThreadTS != "" && msg.ThreadTS != msg.TS {
		item.RelatedTo = []types.ItemRelation{
			{TargetExternalID: channel + ":" + msg.ThreadTS, Type: types.RelRepliesTo},
		}
	}
	return item
}

// VerifyWebhook checks Slack's v0 signature: HMAC-SHA256 over
// "v0:<timestamp>:<body>" with the signing secret, compared in constant
// time. Requests with timestamps outside the tolerance window are
// rejected to stop replays.
func (a *Adapter) VerifyWebhook(headers http.Header, body []byte) bool {
	if a.cfg.SigningSecret == "" {
		return false
	}
	ts := headers.Get("X-Slack-Request-Timestamp")
	sig := headers.Get("X-Slack-Signature")
	if ts == "" || !strings.HasPrefix(sig, "v0=") {
		return false
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := a.now().Sub(time.Unix(tsInt, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, "v0="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.SigningSecret))
	io.WriteString(mac, "v0:"+ts+":")
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	Event     *struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		User     string `json:"user"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
		Channel  string `json:"channel"`
	} `json:"event"`
}

// ParseWebhook translates a Slack Events API envelope. URL verification
// challenges and non-message events come back with a nil Item and are
// dropped downstream.
func (a *Adapter) ParseWebhook(body []byte) ([]types.WebhookEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, cherr.Validationf("malformed slack webhook payload: %v", err)
	}

	switch env.Type {
	case "url_verification":
		return []types.WebhookEvent{{
			Type:     "url_verification",
			Metadata: map[string]string{"challenge": env.Challenge},
		}}, nil

	case "event_callback":
		if env.Event == nil || env.Event.Type != "message" || env.Event.Subtype != "" || env.Event.Text == "" {
			eventType := "unknown"
			if env.Event != nil {
				eventType = env.Event.Type
			}
			return []types.WebhookEvent{{Type: eventType}}, nil
		}
		item := messageToItem(env.Event.Channel, historyMessage{
			Type:     "message",
			User:     env.Event.User,
			Text:     env.Event.Text,
			TS:       env.Event.TS,
			ThreadTS: env.Event.ThreadTS,
		})
		return []types.WebhookEvent{{
			Type:     "message",
			Item:     &item,
			Metadata: map[string]string{"slack_team_id": env.TeamID},
		}}, nil

	default:
		return []types.WebhookEvent{{Type: env.Type}}, nil
	}
}

func tsToTime(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
