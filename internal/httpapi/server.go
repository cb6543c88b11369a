// Package httpapi exposes the webhook ingress, the OAuth connect flow,
// and the status/search API.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/jobs"
	"github.com/user/contexthub/internal/platform"
	"github.com/user/contexthub/internal/types"
)

// maxWebhookBody caps webhook payload reads at 2 MiB.
const maxWebhookBody = 2 << 20

// stateTTL bounds how long an OAuth state token stays redeemable.
const stateTTL = 10 * time.Minute

// Server is the HTTP surface in front of the platform manager.
type Server struct {
	manager   *platform.Manager
	graph     types.GraphStore
	status    types.StatusStore
	orch      *jobs.Orchestrator
	resolver  types.IdentityResolver
	publicURL string
	mux       *http.ServeMux

	mu     sync.Mutex
	states map[string]oauthState
}

type oauthState struct {
	identity types.Identity
	platform types.Platform
	expires  time.Time
}

func NewServer(manager *platform.Manager, graph types.GraphStore, status types.StatusStore,
	orch *jobs.Orchestrator, resolver types.IdentityResolver, publicURL string) *Server {
	s := &Server{
		manager:   manager,
		graph:     graph,
		status:    status,
		orch:      orch,
		resolver:  resolver,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		mux:       http.NewServeMux(),
		states:    make(map[string]oauthState),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhooks/{platform}", s.handleWebhook)
	s.mux.HandleFunc("GET /oauth/connect/{platform}", s.handleOAuthConnect)
	s.mux.HandleFunc("GET /oauth/callback/{platform}", s.handleOAuthCallback)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync/{platform}", s.handleManualSync)
	s.mux.HandleFunc("POST /api/disconnect/{platform}", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/jobs/{queue}", s.handleQueueStats)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook verifies and enqueues synchronously; ingestion happens
// on the webhook-process queue. Vendors retry on non-2xx, so a bad
// signature gets a clean 401 and nothing else happens.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platformName := types.Platform(r.PathValue("platform"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	if err := s.manager.HandleWebhook(r.Context(), platformName, r.Header, body); err != nil {
		var ue *cherr.UnauthorizedError
		var ve *cherr.ValidationError
		switch {
		case errors.As(err, &ue):
			http.Error(w, `{"error":"signature verification failed"}`, http.StatusUnauthorized)
		case errors.As(err, &ve):
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		default:
			slog.Error("webhook handling failed", "platform", string(platformName), "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		}
		return
	}

	// Slack's Events API handshake expects its challenge echoed back.
	var probe struct {
		Challenge string `json:"challenge"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": probe.Challenge})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	platformName := types.Platform(r.PathValue("platform"))
	a := s.manager.Adapters().Get(platformName)
	if a == nil {
		http.Error(w, `{"error":"unknown platform"}`, http.StatusNotFound)
		return
	}

	state := uuid.New().String()
	s.mu.Lock()
	s.sweepStatesLocked()
	s.states[state] = oauthState{
		identity: *identity,
		platform: platformName,
		expires:  time.Now().Add(stateTTL),
	}
	s.mu.Unlock()

	redirectURI := s.redirectURI(platformName)
	writeJSON(w, http.StatusOK, map[string]string{
		"url":   a.OAuthURL(state, redirectURI),
		"state": state,
	})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	platformName := types.Platform(r.PathValue("platform"))
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, `{"error":"code and state are required"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	pending, ok := s.states[state]
	if ok {
		delete(s.states, state)
	}
	s.mu.Unlock()
	if !ok || pending.platform != platformName || time.Now().After(pending.expires) {
		http.Error(w, `{"error":"invalid or expired state"}`, http.StatusBadRequest)
		return
	}

	err := s.manager.CompleteOAuth(r.Context(), platformName, pending.identity, code, s.redirectURI(platformName))
	if err != nil {
		var ae *cherr.AdapterError
		if errors.As(err, &ae) && !ae.Retryable {
			http.Error(w, `{"error":"authorization code rejected"}`, http.StatusBadRequest)
			return
		}
		slog.Error("oauth completion failed", "platform", string(platformName), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := types.SearchQuery{
		TeamID: identity.TeamID,
		Query:  q.Get("q"),
	}
	for _, p := range splitParam(q.Get("platforms")) {
		query.Platforms = append(query.Platforms, types.Platform(p))
	}
	for _, t := range splitParam(q.Get("types")) {
		query.Types = append(query.Types, types.NodeType(t))
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		query.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		query.Offset = n
	}

	results, err := s.graph.Search(r.Context(), query)
	if err != nil {
		slog.Error("search failed", "team_id", string(identity.TeamID), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	records, err := s.status.List(r.Context(), identity.UserID)
	if err != nil {
		slog.Error("list sync status failed", "user_id", string(identity.UserID), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*types.SyncStatusRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	platformName := types.Platform(r.PathValue("platform"))
	opts := types.SyncOptions{Full: r.URL.Query().Get("full") == "1"}

	job, err := s.manager.TriggerSync(r.Context(), platformName, identity.UserID, opts)
	if err != nil {
		if errors.Is(err, platform.ErrSyncInFlight) {
			http.Error(w, `{"error":"sync already in flight"}`, http.StatusConflict)
			return
		}
		var ve *cherr.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, `{"error":"unknown platform"}`, http.StatusNotFound)
			return
		}
		slog.Error("manual sync trigger failed", "platform", string(platformName), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": string(job.ID),
		"state":  string(job.State()),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	platformName := types.Platform(r.PathValue("platform"))
	if err := s.manager.DisconnectPlatform(r.Context(), identity.UserID, platformName); err != nil {
		slog.Error("disconnect failed", "platform", string(platformName), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type queueStatsResponse struct {
	Queue   string   `json:"queue"`
	Waiting int      `json:"waiting"`
	Active  int64    `json:"active"`
	Dead    []string `json:"dead"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	q := s.orch.Queue(name)
	if q == nil {
		http.Error(w, `{"error":"unknown queue"}`, http.StatusNotFound)
		return
	}
	dead := q.Dead()
	deadIDs := make([]string, len(dead))
	for i, j := range dead {
		deadIDs[i] = string(j.ID)
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{
		Queue:   name,
		Waiting: q.Depth(),
		Active:  q.Active(),
		Dead:    deadIDs,
	})
}

// authenticate resolves the bearer token. On failure it writes a 401
// and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*types.Identity, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	identity, err := s.resolver.ResolveIdentity(r.Context(), token)
	if err != nil {
		slog.Error("identity resolution failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

func (s *Server) redirectURI(platform types.Platform) string {
	return s.publicURL + "/oauth/callback/" + string(platform)
}

func (s *Server) sweepStatesLocked() {
	now := time.Now()
	for k, v := range s.states {
		if now.After(v.expires) {
			delete(s.states, k)
		}
	}
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
