package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/config"
	"brewlog/internal/connectivity"
	"brewlog/internal/drafts"
	"brewlog/internal/httpjson"
	"brewlog/internal/kv"
	"brewlog/internal/models"
	"brewlog/internal/naming"
	"brewlog/internal/remote"
	"brewlog/internal/services"
	"brewlog/internal/services/presence"
	"brewlog/internal/syncengine"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBrews struct {
	mu    sync.Mutex
	byKey map[string]*models.Brew
	order []*models.Brew
}

func newMemoryBrews() *memoryBrews {
	return &memoryBrews{byKey: make(map[string]*models.Brew)}
}

func (m *memoryBrews) Create(_ context.Context, p models.BrewPayload, key string) (*models.Brew, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.byKey[key]; ok {
		return b, false, nil
	}
	b := models.NewBrew(p, key)
	b.ID = uuid.NewString()
	b.CreatedAt = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	m.byKey[key] = b
	m.order = append(m.order, b)
	return b, true, nil
}

func (m *memoryBrews) GetByID(_ context.Context, id string) (*models.Brew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.order {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, apperrors.NotFound("brew", id)
}

func (m *memoryBrews) GetByIdempotencyKey(_ context.Context, key string) (*models.Brew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.byKey[key]; ok {
		return b, nil
	}
	return nil, apperrors.NotFound("brew", key)
}

// bagBeans maps the catalog's bags to their beans.
var bagBeans = map[int64]int64{2: 7, 3: 8}

func (m *memoryBrews) List(_ context.Context, f models.BrewFilter, limit, offset int) ([]*models.Brew, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Brew
	for _, b := range m.order {
		switch {
		case f.BaristaID != nil && b.BaristaID != *f.BaristaID:
		case f.BagID != nil && b.BagID != *f.BagID:
		case f.BeanID != nil && bagBeans[b.BagID] != *f.BeanID:
		default:
			matched = append(matched, b)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}

func (m *memoryBrews) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

type memoryCatalog struct{}

func (memoryCatalog) GetBarista(_ context.Context, id int64) (*models.Barista, error) {
	if id != 4 {
		return nil, apperrors.NotFound("barista", strconv.FormatInt(id, 10))
	}
	return &models.Barista{ID: 4, FirstName: "Maëlle", LastName: "Durand"}, nil
}

func (memoryCatalog) GetBag(_ context.Context, id int64) (*models.Bag, error) {
	switch id {
	case 2:
		return &models.Bag{ID: 2, Name: "Hambela", BeanID: bagBeans[2]}, nil
	case 3:
		return &models.Bag{ID: 3, Name: "Kiambu", BeanID: bagBeans[3]}, nil
	}
	return nil, apperrors.NotFound("bag", strconv.FormatInt(id, 10))
}

type server struct {
	*httptest.Server
	brews *memoryBrews
	hub   *presence.Hub
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T) *server {
	t.Helper()

	logger := discard()
	resolver, err := naming.New(config.DefaultNaming(), naming.WithLogger(logger))
	require.NoError(t, err)

	brews := newMemoryBrews()
	hub := presence.NewHub(50*time.Millisecond, logger)
	hub.Start()

	h := NewHandler(brews, memoryCatalog{}, services.NewBrewNamer(memoryCatalog{}, resolver, logger), presence.NewHandler(hub), logger)
	srv := httptest.NewServer(SetupRoutes(h, logger))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &server{Server: srv, brews: brews, hub: hub}
}

func payload() models.BrewPayload {
	return models.BrewPayload{
		MachineID: 1, BagID: 2, GrinderID: 3, BaristaID: 4, Dose: 18,
		Yield:     models.Ptr(36.0),
		Timestamp: models.Ptr(time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)),
	}
}

func TestCreateBrew_IdempotentOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	client := remote.NewClient(srv.URL, time.Second)
	ctx := context.Background()

	first, err := client.Create(ctx, payload(), "key-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := client.Create(ctx, payload(), "key-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.RemoteID, again.RemoteID)
	assert.Equal(t, 1, srv.brews.Len())

	ref, found, err := client.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first.RemoteID, ref.RemoteID)

	_, found, err = client.FindByIdempotencyKey(ctx, "never-sent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateBrew_ReturnsViewWithDerivedFields(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/brews", strings.NewReader(`{"machine_id":1,"bag_id":2,"grinder_id":3,"barista_id":4,"dose":18,"yield":36,"brew_time":28,"timestamp":"2024-03-06T07:30:00Z"}`))
	require.NoError(t, err)
	req.Header.Set(remote.IdempotencyHeader, "key-2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		ID           string `json:"id"`
		RatioDisplay string `json:"ratio_display"`
		DisplayName  string `json:"display_name"`
		Derived      struct {
			Ratio    float64 `json:"ratio"`
			FlowRate float64 `json:"flow_rate"`
		} `json:"derived"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "2.00", body.RatioDisplay)
	assert.InDelta(t, 36.0/28.0, body.Derived.FlowRate, 1e-9)
	assert.Equal(t, "Hambela by Maëlle Durand on 2024-03-06", body.DisplayName)
}

func TestCreateBrew_Validation(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	client := remote.NewClient(srv.URL, time.Second)

	tests := []struct {
		name  string
		p     func() models.BrewPayload
		field string
	}{
		{"missing dose", func() models.BrewPayload { p := payload(); p.Dose = 0; return p }, "dose"},
		{"rating out of range", func() models.BrewPayload { p := payload(); p.Rating = models.Ptr(9); return p }, "rating"},
		{"unknown bag", func() models.BrewPayload { p := payload(); p.BagID = 77; return p }, "bag_id"},
		{"unknown barista", func() models.BrewPayload { p := payload(); p.BaristaID = 77; return p }, "barista_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Create(context.Background(), tt.p(), "key-"+tt.name)
			var verr *apperrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Zero(t, srv.brews.Len())
}

func TestCreateBrew_ReplayDoesNotRecheckReferences(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	client := remote.NewClient(srv.URL, time.Second)
	ctx := context.Background()

	first, err := client.Create(ctx, payload(), "key-1")
	require.NoError(t, err)

	// The retry carries a bag the catalog no longer knows. The key already
	// has a record, so the original is returned unchanged.
	retried := payload()
	retried.BagID = 77
	again, err := client.Create(ctx, retried, "key-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.RemoteID, again.RemoteID)
	assert.Equal(t, 1, srv.brews.Len())

	stored, err := srv.brews.GetByID(ctx, first.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.BagID)
}

func TestCreateBrew_RequiresIdempotencyKey(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	resp, err := http.Post(srv.URL+"/api/brews", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body httpjson.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "idempotency_key", body.Field)
	assert.Equal(t, "validation", body.Kind)
}

func TestGetAndListBrews(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	client := remote.NewClient(srv.URL, time.Second)
	ref, err := client.Create(context.Background(), payload(), "key-1")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/brews/" + ref.RemoteID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/brews/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/brews?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list struct {
		Brews []models.BrewView `json:"brews"`
		Limit int               `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Brews, 1)
	assert.Equal(t, 5, list.Limit)

	resp, err = http.Get(srv.URL + "/api/brews?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestListBrews_Filters(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	client := remote.NewClient(srv.URL, time.Second)
	ctx := context.Background()

	other := payload()
	other.BagID = 3
	_, err := client.Create(ctx, payload(), "key-hambela")
	require.NoError(t, err)
	_, err = client.Create(ctx, other, "key-kiambu")
	require.NoError(t, err)

	list := func(t *testing.T, query string) []models.BrewView {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/brews?" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Brews []models.BrewView `json:"brews"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body.Brews
	}

	tests := []struct {
		query string
		bags  []int64
	}{
		{"", []int64{2, 3}},
		{"barista_id=4", []int64{2, 3}},
		{"barista_id=5", nil},
		{"bag_id=3", []int64{3}},
		{"bean_id=7", []int64{2}},
		{"bag_id=2&bean_id=8", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var bags []int64
			for _, b := range list(t, tt.query) {
				bags = append(bags, b.BagID)
			}
			assert.Equal(t, tt.bags, bags)
		})
	}

	resp, err := http.Get(srv.URL + "/api/brews?bag_id=zero")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body httpjson.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "bag_id", body.Field)
}

func TestCatalogLookups(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	client := remote.NewClient(srv.URL, time.Second)
	ctx := context.Background()

	b, err := client.GetBarista(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Maëlle", b.FirstName)

	bag, err := client.GetBag(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Hambela", bag.Name)

	_, err = client.GetBag(ctx, 9)
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, client.Health(ctx))
}

func TestConnectivityWebSocketThroughRouter(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	logger := discard()

	url, err := connectivity.HeartbeatURL(srv.URL, "kiosk-1")
	require.NoError(t, err)
	monitor := connectivity.NewMonitor(false, logger)
	probe := connectivity.NewProbe(url, monitor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go probe.Run(ctx)

	require.Eventually(t, monitor.IsOnline, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Agents []models.PresenceSession `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "kiosk-1", body.Agents[0].AgentID)
}

// A draft captured offline reaches the server exactly once, even when the
// first response is lost.
func TestOfflineDraftSyncsToServer(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	logger := discard()
	ctx := context.Background()

	store := drafts.NewStore(kv.NewMemoryStore(), drafts.WithLogger(logger))
	client := remote.NewClient(srv.URL, time.Second)
	engine := syncengine.New(store, client, config.DefaultSync(), syncengine.WithLogger(logger))

	id, err := store.Save(ctx, models.DraftRecord{Payload: payload()})
	require.NoError(t, err)

	// The previous run created the brew but crashed before recording it.
	_, err = client.Create(ctx, payload(), id)
	require.NoError(t, err)
	_, err = store.Update(ctx, id, models.DraftPatch{NeedsReconcile: models.Ptr(true)})
	require.NoError(t, err)

	res, err := engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 1, srv.brews.Len())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
