// Package agentapi is the capture agent's local HTTP API, consumed by the
// barista UI running on the same device.
package agentapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/drafts"
	"brewlog/internal/httpjson"
	"brewlog/internal/models"
	"brewlog/internal/naming"
	"brewlog/internal/services"

	"github.com/gorilla/mux"
)

type Handler struct {
	agentID string
	capture Capture
	sync    Syncer
	drafts  DraftCounter
	conn    Connectivity
	names   NameResolver
	logger  *slog.Logger
}

func NewHandler(
	agentID string,
	capture Capture,
	sync Syncer,
	draftCounter DraftCounter,
	conn Connectivity,
	names NameResolver,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		agentID: agentID,
		capture: capture,
		sync:    sync,
		drafts:  draftCounter,
		conn:    conn,
		names:   names,
		logger:  logger,
	}
}

type submitRequest struct {
	models.BrewPayload
	AsDraft bool `json:"as_draft"`
}

// SubmitBrew answers 201 when the brew reached the store of record and 202
// when it was kept as a draft.
func (h *Handler) SubmitBrew(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	res, err := h.capture.Submit(r.Context(), req.BrewPayload, services.SubmitOptions{AsDraft: req.AsDraft})
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Drafted {
		status = http.StatusAccepted
	}
	httpjson.Write(w, status, res)
}

// ListDrafts accepts ?state=pending,failed.
func (h *Handler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	var filter drafts.Filter
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := models.SyncState(strings.TrimSpace(s))
			if !state.Valid() {
				httpjson.Error(w, h.logger, apperrors.Validation("state", "unknown sync state "+string(state)))
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	views, err := h.capture.ListViews(r.Context(), filter)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]any{"drafts": views})
}

func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	v, err := h.capture.View(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, v)
}

func (h *Handler) EditDraft(w http.ResponseWriter, r *http.Request) {
	var patch models.BrewPatch
	if err := httpjson.Decode(r, &patch); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := h.capture.Edit(r.Context(), id, patch); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	h.writeView(w, r, id)
}

func (h *Handler) CompleteDraft(w http.ResponseWriter, r *http.Request) {
	var reflection models.Reflection
	if err := httpjson.Decode(r, &reflection); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := h.capture.Complete(r.Context(), id, reflection); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	h.writeView(w, r, id)
}

func (h *Handler) RetryDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sync.Retry(r.Context(), id); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	h.writeView(w, r, id)
}

// writeView answers with the current view of a draft that may have been
// synced and removed in the meantime.
func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, id string) {
	v, err := h.capture.View(r.Context(), id)
	if apperrors.IsNotFound(err) {
		httpjson.Write(w, http.StatusOK, map[string]any{"local_id": id, "synced": true})
		return
	}
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, v)
}

// Sync runs a pass now and returns its result.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.sync.SyncPendingDrafts(r.Context())
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, res)
}

type statusResponse struct {
	AgentID     string     `json:"agent_id"`
	Online      bool       `json:"online"`
	Drafts      int        `json:"drafts"`
	Passes      int64      `json:"passes"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	n, err := h.drafts.Count(r.Context())
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	resp := statusResponse{
		AgentID: h.agentID,
		Online:  h.conn.IsOnline(),
		Drafts:  n,
		Passes:  h.sync.Passes(),
	}
	if at := h.sync.NextRetryAt(); !at.IsZero() {
		resp.NextRetryAt = &at
	}
	httpjson.Write(w, http.StatusOK, resp)
}

// ResolveName renders a template from the JSON object in the body.
func (h *Handler) ResolveName(w http.ResponseWriter, r *http.Request) {
	fields := naming.Fields{}
	if err := httpjson.Decode(r, &fields); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	template := mux.Vars(r)["template"]
	name, err := h.names.Resolve(r.Context(), template, fields)
	if apperrors.IsConfiguration(err) {
		httpjson.Error(w, h.logger, apperrors.NotFound("template", template))
		return
	}
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]string{"template": template, "name": name})
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]any{"templates": h.names.Templates()})
}
