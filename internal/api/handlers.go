package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"brewlog/internal/apperrors"
	"brewlog/internal/httpjson"
	"brewlog/internal/models"
	"brewlog/internal/remote"

	"github.com/gorilla/mux"
)

const maxListLimit = 200

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	brews    BrewRepository
	catalog  CatalogRepository
	namer    BrewNamer
	presence Presence
	logger   *slog.Logger
}

func NewHandler(
	brews BrewRepository,
	catalog CatalogRepository,
	namer BrewNamer,
	presence Presence,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		brews:    brews,
		catalog:  catalog,
		namer:    namer,
		presence: presence,
		logger:   logger,
	}
}

// Brew handlers

// CreateBrew stores a brew under the Idempotency-Key header. A new record is
// answered with 201, a replayed key with 200 and the original record.
func (h *Handler) CreateBrew(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(remote.IdempotencyHeader))
	if key == "" {
		httpjson.Error(w, h.logger, apperrors.Validation("idempotency_key", "Idempotency-Key header is required"))
		return
	}
	if len(key) > 64 {
		httpjson.Error(w, h.logger, apperrors.Validation("idempotency_key", "must be at most 64 characters"))
		return
	}

	var payload models.BrewPayload
	if err := httpjson.Decode(r, &payload); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	// A replay answers with the stored record even if the bag or barista it
	// references has since been removed.
	existing, err := h.brews.GetByIdempotencyKey(r.Context(), key)
	if err == nil {
		httpjson.Write(w, http.StatusOK, h.view(r, existing))
		return
	}
	if !apperrors.IsNotFound(err) {
		httpjson.Error(w, h.logger, err)
		return
	}

	if err := payload.Validate(); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	if err := h.checkReferences(r, payload); err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	brew, created, err := h.brews.Create(r.Context(), payload, key)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpjson.Write(w, status, h.view(r, brew))
}

// checkReferences rejects brews pointing at an unknown bag or barista.
func (h *Handler) checkReferences(r *http.Request, p models.BrewPayload) error {
	if _, err := h.catalog.GetBag(r.Context(), p.BagID); err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.Validation("bag_id", "unknown bag")
		}
		return err
	}
	if _, err := h.catalog.GetBarista(r.Context(), p.BaristaID); err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.Validation("barista_id", "unknown barista")
		}
		return err
	}
	return nil
}

func (h *Handler) ListBrews(w http.ResponseWriter, r *http.Request) {
	// Parse pagination parameters
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	limit = min(max(limit, 1), maxListLimit)
	offset = max(offset, 0)

	var filter models.BrewFilter
	for _, f := range []struct {
		param string
		dst   **int64
	}{
		{"barista_id", &filter.BaristaID},
		{"bag_id", &filter.BagID},
		{"bean_id", &filter.BeanID},
	} {
		if *f.dst, err = queryID(r, f.param); err != nil {
			httpjson.Error(w, h.logger, err)
			return
		}
	}

	brews, err := h.brews.List(r.Context(), filter, limit, offset)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}

	views := make([]*models.BrewView, 0, len(brews))
	for _, b := range brews {
		views = append(views, h.view(r, b))
	}

	httpjson.Write(w, http.StatusOK, map[string]any{
		"brews":  views,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) GetBrew(w http.ResponseWriter, r *http.Request) {
	brew, err := h.brews.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, h.view(r, brew))
}

// GetBrewByKey is the reconciliation read: 404 means the key was never
// stored and a create is safe.
func (h *Handler) GetBrewByKey(w http.ResponseWriter, r *http.Request) {
	brew, err := h.brews.GetByIdempotencyKey(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, h.view(r, brew))
}

func (h *Handler) view(r *http.Request, b *models.Brew) *models.BrewView {
	name := ""
	if h.namer != nil {
		name = h.namer.Name(r.Context(), b.Payload(), b.CreatedAt)
	}
	return models.NewBrewView(b, name)
}

// Catalog handlers

func (h *Handler) GetBarista(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	b, err := h.catalog.GetBarista(r.Context(), id)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, b)
}

func (h *Handler) GetBag(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	bag, err := h.catalog.GetBag(r.Context(), id)
	if err != nil {
		httpjson.Error(w, h.logger, err)
		return
	}
	httpjson.Write(w, http.StatusOK, bag)
}

// Presence handlers

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.presence != nil {
		body["agents"] = h.presence.Count()
	}
	httpjson.Write(w, http.StatusOK, body)
}

func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		httpjson.Write(w, http.StatusOK, map[string]any{"agents": []models.PresenceSession{}})
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]any{"agents": h.presence.Agents()})
}

func (h *Handler) HandleConnectivityWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		httpjson.Error(w, h.logger, apperrors.NotFound("endpoint", r.URL.Path))
		return
	}
	h.presence.HandleConnectivity(w, r)
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation("id", "must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation(key, "must be an integer")
	}
	return n, nil
}

// queryID reads an optional positive id filter.
func queryID(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, apperrors.Validation(key, "must be a positive integer")
	}
	return &id, nil
}
