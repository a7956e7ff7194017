package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-hq/lattice/internal/adapter/litellm"
	"github.com/lattice-hq/lattice/internal/adapter/ws"
	"github.com/lattice-hq/lattice/internal/domain/connector"
	"github.com/lattice-hq/lattice/internal/domain/conversation"
	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/port/eventstore"
	"github.com/lattice-hq/lattice/internal/port/messagequeue"
	"github.com/lattice-hq/lattice/internal/service"
	"github.com/lattice-hq/lattice/internal/tool"
)

const maxRequestBodySize = 1 << 20 // 1 MB
const maxQueryLength = 2000

// Pinger reports database liveness. Satisfied by pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Store   database.Store
	Events  eventstore.Store
	Sync    *service.SyncService
	Chat    *service.ChatService
	OAuth   *service.OAuthService
	Tools   *tool.Registry
	LiteLLM *litellm.Client
	Queue   messagequeue.Queue
	DB      Pinger
	Hub     *ws.Hub
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

type healthResponse struct {
	Status     string            `json:"status"` // "ok" or "degraded"
	Components map[string]string `json:"components"`
}

// Health handles GET /health. It reports per-component state and returns
// 503 when any hard dependency is down.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: map[string]string{}}

	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			resp.Components["postgres"] = "down: " + err.Error()
			resp.Status = "degraded"
		} else {
			resp.Components["postgres"] = "ok"
		}
	}

	if h.Queue != nil {
		if h.Queue.IsConnected() {
			resp.Components["nats"] = "ok"
		} else {
			resp.Components["nats"] = "down"
			resp.Status = "degraded"
		}
	}

	if h.LiteLLM != nil {
		if healthy, err := h.LiteLLM.Health(ctx); err != nil || !healthy {
			// The LLM proxy being down degrades chat only; syncing and
			// indexing keep working.
			resp.Components["llm"] = "down"
		} else {
			resp.Components["llm"] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ---------------------------------------------------------------------------
// Connectors
// ---------------------------------------------------------------------------

// CreateConnector handles POST /api/v1/connectors
func (h *Handlers) CreateConnector(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[connector.CreateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Name, "name") || !requireField(w, req.SourceType, "source_type") {
		return
	}

	conn, err := h.Store.CreateConnector(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "connector creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

type connectorStatusRequest struct {
	Status connector.Status `json:"status"`
}

// UpdateConnectorStatus handles PUT /api/v1/connectors/{id}/status
func (h *Handlers) UpdateConnectorStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[connectorStatusRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	switch req.Status {
	case connector.StatusActive, connector.StatusDisabled:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or disabled")
		return
	}
	if err := h.Store.UpdateConnectorStatus(r.Context(), urlParam(r, "id"), req.Status); err != nil {
		writeDomainError(w, err, "connector not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/v1/connectors/{id}/sync
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	run, err := h.Sync.Trigger(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "connector not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// ListSyncRuns handles GET /api/v1/connectors/{id}/runs
func (h *Handlers) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := h.Store.ListSyncRuns(r.Context(), urlParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err, "connector not found")
		return
	}
	if runs == nil {
		runs = []connector.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// ListRecords handles GET /api/v1/records?group_id=...
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	if !requireField(w, groupID, "group_id") {
		return
	}
	limit := queryInt(r, "limit", 100)

	records, err := h.Store.ListRecordsByGroup(r.Context(), groupID, limit)
	if err != nil {
		writeDomainError(w, err, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// SearchRecords handles GET /api/v1/records/search?q=...
func (h *Handlers) SearchRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if !requireField(w, query, "q") {
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "query too long")
		return
	}
	limit := queryInt(r, "limit", 20)

	records, err := h.Store.SearchRecords(r.Context(), query, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetRecord handles GET /api/v1/records/{id}. The response includes the
// record's fragments and permissions.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rec, err := h.Store.GetRecord(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "record not found")
		return
	}

	frags, err := h.Store.ListFragments(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	perms, err := h.Store.ListRecordPermissions(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record":      rec,
		"fragments":   frags,
		"permissions": perms,
	})
}

// ---------------------------------------------------------------------------
// OAuth
// ---------------------------------------------------------------------------

// ListOAuthProviders handles GET /api/v1/oauth/providers
func (h *Handlers) ListOAuthProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.OAuth.Providers()})
}

// OAuthAuthorize handles GET /api/v1/oauth/{provider}/authorize and
// redirects the browser to the provider's consent page.
func (h *Handlers) OAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	connectorID := r.URL.Query().Get("connector_id")
	if !requireField(w, connectorID, "connector_id") {
		return
	}
	if _, err := h.Store.GetConnector(r.Context(), connectorID); err != nil {
		writeDomainError(w, err, "connector not found")
		return
	}

	authURL, err := h.OAuth.Begin(r.Context(), urlParam(r, "provider"), connectorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback handles GET /api/v1/oauth/{provider}/callback
func (h *Handlers) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeError(w, http.StatusBadRequest, "provider denied authorization: "+errCode)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if !requireField(w, state, "state") || !requireField(w, code, "code") {
		return
	}

	connectorID, err := h.OAuth.Complete(r.Context(), state, code)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"connector_id": connectorID,
		"status":       "connected",
	})
}

// OAuthDisconnect handles DELETE /api/v1/oauth/{provider}?connector_id=...
func (h *Handlers) OAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	connectorID := r.URL.Query().Get("connector_id")
	if !requireField(w, connectorID, "connector_id") {
		return
	}
	if err := h.OAuth.Disconnect(r.Context(), urlParam(r, "provider"), connectorID); err != nil {
		writeDomainError(w, err, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// CreateConversation handles POST /api/v1/conversations
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[conversation.CreateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	title := req.Title
	if title == "" {
		title = "New conversation"
	}

	conv, err := h.Store.CreateConversation(r.Context(), &conversation.Conversation{Title: title})
	if err != nil {
		writeDomainError(w, err, "conversation creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// ListMessages handles GET /api/v1/conversations/{id}/messages
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Store.GetConversation(r.Context(), id); err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	msgs, err := h.Store.ListMessages(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage handles POST /api/v1/conversations/{id}/messages. It runs a
// full agent turn and responds with the final assistant message.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[conversation.SendMessageRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Content, "content") {
		return
	}

	msg, err := h.Chat.Send(r.Context(), urlParam(r, "id"), req.Content)
	if err != nil {
		if errors.Is(err, service.ErrTurnAborted) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// ListTrajectory handles GET /api/v1/conversations/{id}/events. The
// optional ?types= query holds a comma-separated event type filter.
func (h *Handlers) ListTrajectory(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Store.GetConversation(r.Context(), id); err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}

	var filter eventstore.Filter
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range splitCSV(raw) {
			filter.Types = append(filter.Types, event.Type(t))
		}
	}

	events, err := h.Events.LoadByConversation(r.Context(), id, filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if events == nil {
		events = []event.TrajectoryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

type toolView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	App         string `json:"app"`
	Source      string `json:"source"`
	Mutating    bool   `json:"mutating"`
	Blocked     bool   `json:"blocked"`
	CooldownMS  int64  `json:"cooldown_ms,omitempty"`
}

// ListTools handles GET /api/v1/tools, including each tool's blocked state.
func (h *Handlers) ListTools(w http.ResponseWriter, _ *http.Request) {
	names := h.Tools.Names()
	views := make([]toolView, 0, len(names))
	for _, name := range names {
		t, err := h.Tools.Get(name)
		if err != nil {
			continue
		}
		info := t.Info()
		blocked, remaining := h.Tools.Blocked(name)
		views = append(views, toolView{
			Name:        info.Name,
			Description: info.Description,
			App:         info.App,
			Source:      info.Source,
			Mutating:    info.Mutating,
			Blocked:     blocked,
			CooldownMS:  remaining.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// ---------------------------------------------------------------------------
// LLM proxy
// ---------------------------------------------------------------------------

// ListModels handles GET /api/v1/llm/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.LiteLLM.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "llm proxy unavailable")
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
