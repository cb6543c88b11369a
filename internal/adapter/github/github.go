// Package github implements the GitHub platform adapter: OAuth code
// exchange, issue/PR pull-sync, and webhook verification and parsing.
package github

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
	"strings"
	"time"

	"github.com/user/contexthub/internal/adapter"
	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/types"
)

const PlatformName = types.Platform("github")

// Config holds the GitHub app registration and webhook secret.
type Config struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	APIBaseURL    string
	OAuthBaseURL  string
}

// Adapter talks to the GitHub REST API. Each call is bounded by the
// HTTP client timeout; a timed-out sync surfaces as a retryable error.
type Adapter struct {
	cfg    Config
	client *http.Client
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.ItemFetcher = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.github.com"
	}
	if cfg.OAuthBaseURL == "" {
		cfg.OAuthBaseURL = "https://github.com"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Platform() types.Platform { return PlatformName }

// OAuthURL composes the authorize URL. Pure; no I/O.
func (a *Adapter) OAuthURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("scope", "repo read:org")
	return a.cfg.OAuthBaseURL + "/login/oauth/authorize?" + q.Encode()
}

// ExchangeCode trades an OAuth code for an access token. The code and
// resulting tokens are never logged.
func (a *Adapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*types.PlatformCredentials, error) {
	form := url.Values{}
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.OAuthBaseURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "exchange_code", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "exchange_code", Retryable: true, Err: err}
	}
	if body.Error != "" || body.AccessToken == "" {
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
	}, nil
}

// ValidateCredentials probes the authenticated user endpoint. Never
// returns an error; any failure reports as false.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds *types.PlatformCredentials) bool {
	req, err := a.apiRequest(ctx, http.MethodGet, "/user", creds)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type issuePayload struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	HTMLURL   string     `json:"html_url"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	User      *userRef   `json:"user"`
	PR        *struct{}  `json:"pull_request,omitempty"`
	Labels    []labelRef `json:"labels"`
}

type userRef struct {
	Login string `json:"login"`
}

type labelRef struct {
	Name string `json:"name"`
}

// Sync pulls issues and pull requests for every repository listed in
// the credential metadata ("repos": comma-separated "owner/name"). A
// repository that fails to list is recorded as a SyncError and the
// sync continues with the rest.
func (a *Adapter) Sync(ctx context.Context, creds *types.PlatformCredentials, opts types.SyncOptions) (*types.SyncResult, error) {
	result := &types.SyncResult{
		Platform: PlatformName,
		TeamID:   creds.TeamID,
	}

	repos := splitRepos(creds.Metadata["repos"])
	if len(repos) == 0 {
		return result, nil
	}

	for _, repo := range repos {
		items, err := a.syncRepo(ctx, creds, repo, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "sync", Retryable: true, Err: ctx.Err()}
			}
			result.Errors = append(result.Errors, types.SyncError{
				ItemID:    repo,
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
	if len(result.Items) > 0 {
		result.NextCursor = time.Now().UTC().Format(time.RFC3339)
	}
	return result, nil
}

func (a *Adapter) syncRepo(ctx context.Context, creds *types.PlatformCredentials, repo string, opts types.SyncOptions) ([]types.SyncItem, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("per_page", "100")
	q.Set("sort", "updated")
	q.Set("direction", "asc")
	if !opts.Full && opts.Since != nil {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}

	req, err := a.apiRequest(ctx, http.MethodGet, "/repos/"+repo+"/issues?"+q.Encode(), creds)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &cherr.AdapterError{
			Platform: string(PlatformName), Op: "sync", Retryable: false,
			Err: fmt.Errorf("repo %s: status %d", repo, resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("repo %s: status %d", repo, resp.StatusCode)
	}

	var issues []issuePayload
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, fmt.Errorf("decode issues for %s: %w", repo, err)
	}

	items := make([]types.SyncItem, 0, len(issues))
	for _, iss := range issues {
		items = append(items, issueToItem(repo, iss))
	}
	return items, nil
}

func issueToItem(repo string, iss issuePayload) types.SyncItem {
	nodeType := types.NodeIssue
	if iss.PR != nil {
		nodeType = types.NodePullRequest
	}
	author := ""
	if iss.User != nil {
		author = iss.User.Login
	}
	meta := map[string]string{
		"repo":  repo,
		"state": iss.State,
	}
	if len(iss.Labels) > 0 {
		names := make([]string, len(iss.Labels))
		for i, l := range iss.Labels {
			names[i] = l.Name
		}
		meta["labels"] = strings.Join(names, ",")
	}
	return types.SyncItem{
		ExternalID: issueExternalID(repo, iss.Number),
		Type:       nodeType,
		Title:      iss.Title,
		Content:    adapter.NormalizeContent(iss.Body),
		URL:        iss.HTMLURL,
		Author:     author,
		CreatedAt:  iss.CreatedAt,
		UpdatedAt:  iss.UpdatedAt,
		Metadata:   meta,
	}
}

// GetItem fetches one issue by its external ID ("owner/repo#number").
func (a *Adapter) GetItem(ctx context.Context, creds *types.PlatformCredentials, externalID string) (*types.SyncItem, error) {
	repo, number, ok := strings.Cut(externalID, "#")
	if !ok {
		return nil, cherr.Validationf("malformed github external id: %s", externalID)
	}
	req, err := a.apiRequest(ctx, http.MethodGet, "/repos/"+repo+"/issues/"+number, creds)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &cherr.AdapterError{Platform: string(PlatformName), Op: "get_item", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", externalID, resp.StatusCode)
	}
	var iss issuePayload
	if err := json.NewDecoder(resp.Body).Decode(&iss); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	item := issueToItem(repo, iss)
	return &item, nil
}

// VerifyWebhook checks the X-Hub-Signature-256 header: HMAC-SHA256 over
// the raw body with the shared webhook secret, compared in constant
// time. Malformed input verifies as false, never as an error.
func (a *Adapter) VerifyWebhook(headers http.Header, body []byte) bool {
	if a.cfg.WebhookSecret == "" {
		return false
	}
	sig := headers.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type webhookPayload struct {
	Action     string        `json:"action"`
	Issue      *issuePayload `json:"issue"`
	Comment    *struct {
		ID        int64     `json:"id"`
		Body      string    `json:"body"`
		HTMLURL   string    `json:"html_url"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		User      *userRef  `json:"user"`
	} `json:"comment"`
	Ref        string `json:"ref"`
	Commits    []struct {
		ID        string    `json:"id"`
		Message   string    `json:"message"`
		URL       string    `json:"url"`
		Timestamp time.Time `json:"timestamp"`
		Author    struct {
			Username string `json:"username"`
			Name     string `json:"name"`
		} `json:"author"`
	} `json:"commits"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Zen string `json:"zen"`
}

// ParseWebhook translates a GitHub payload into canonical events. The
// payload shape identifies the event; types the pipeline does not
// ingest (ping, unknown) come back with a nil Item.
func (a *Adapter) ParseWebhook(body []byte) ([]types.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, cherr.Validationf("malformed github webhook payload: %v", err)
	}

	repo := ""
	if p.Repository != nil {
		repo = p.Repository.FullName
	}

	switch {
	case p.Comment != nil && p.Issue != nil:
		item := commentToItem(repo, p)
		return []types.WebhookEvent{{
			Type:   "issue_comment",
			Action: p.Action,
			Item:   &item,
			Metadata: map[string]string{
				"repo": repo,
			},
		}}, nil

	case p.Issue != nil:
		item := issueToItem(repo, *p.Issue)
		return []types.WebhookEvent{{
			Type:     "issues",
			Action:   p.Action,
			Item:     &item,
			Metadata: map[string]string{"repo": repo},
		}}, nil

	case len(p.Commits) > 0:
		events := make([]types.WebhookEvent, 0, len(p.Commits))
		for _, c := range p.Commits {
			author := c.Author.Username
			if author == "" {
				author = c.Author.Name
			}
			item := types.SyncItem{
				ExternalID: c.ID,
				Type:       types.NodeCommit,
				Title:      firstLine(c.Message),
				Content:    c.Message,
				URL:        c.URL,
				Author:     author,
				CreatedAt:  c.Timestamp,
				UpdatedAt:  c.Timestamp,
				Metadata:   map[string]string{"repo": repo, "ref": p.Ref},
			}
			events = append(events, types.WebhookEvent{
				Type:     "push",
				Item:     &item,
				Metadata: map[string]string{"repo": repo},
			})
		}
		return events, nil

	case p.Zen != "":
		return []types.WebhookEvent{{Type: "ping"}}, nil

	default:
		return []types.WebhookEvent{{Type: "unknown", Action: p.Action}}, nil
	}
}

func commentToItem(repo string, p webhookPayload) types.SyncItem {
	issueID := issueExternalID(repo, p.Issue.Number)
	author := ""
	if p.Comment.User != nil {
		author = p.Comment.User.Login
	}
	return types.SyncItem{
		ExternalID: fmt.Sprintf("%s#comment-%d", issueID, p.Comment.ID),
		Type:       types.NodeComment,
		Content:    adapter.NormalizeContent(p.Comment.Body),
		URL:        p.Comment.HTMLURL,
		Author:     author,
		CreatedAt:  p.Comment.CreatedAt,
		UpdatedAt:  p.Comment.UpdatedAt,
		RelatedTo: []types.ItemRelation{
			{TargetExternalID: issueID, Type: types.RelRepliesTo},
		},
		Metadata: map[string]string{"repo": repo},
	}
}

func (a *Adapter) apiRequest(ctx context.Context, method, path string, creds *types.PlatformCredentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	return req, nil
}

func issueExternalID(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func splitRepos(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
