package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/httpjson"
	"brewlog/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload() models.BrewPayload {
	return models.BrewPayload{MachineID: 1, BagID: 2, GrinderID: 3, BaristaID: 4, Dose: 18}
}

// fakeServer mimics the store of record's idempotent create.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	byKey := map[string]string{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/brews", func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		var p models.BrewPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))

		w.Header().Set("Content-Type", "application/json")
		if p.Dose <= 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(httpjson.ErrorBody{Error: "must be positive", Field: "dose"})
			return
		}

		mu.Lock()
		id, replay := byKey[key]
		if !replay {
			id = "remote-" + key
			byKey[key] = id
		}
		mu.Unlock()

		if replay {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(models.Brew{ID: id, IdempotencyKey: key})
	})
	mux.HandleFunc("GET /api/brews/by-key/{key}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		id, ok := byKey[r.PathValue("key")]
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(httpjson.ErrorBody{Error: "brew not found"})
			return
		}
		json.NewEncoder(w).Encode(models.Brew{ID: id})
	})
	mux.HandleFunc("GET /api/baristas/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Barista{ID: 4, FirstName: "Ana", LastName: "Lima"})
	})
	mux.HandleFunc("GET /api/bags/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CreateIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient(fakeServer(t).URL, 5*time.Second)
	ctx := context.Background()

	first, err := c.Create(ctx, payload(), "key-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := c.Create(ctx, payload(), "key-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RemoteID, second.RemoteID)
}

func TestClient_ValidationError(t *testing.T) {
	t.Parallel()

	c := NewClient(fakeServer(t).URL, 5*time.Second)
	p := payload()
	p.Dose = 0

	_, err := c.Create(context.Background(), p, "key-2")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dose", verr.Field)
}

func TestClient_FindByIdempotencyKey(t *testing.T) {
	t.Parallel()

	c := NewClient(fakeServer(t).URL, 5*time.Second)
	ctx := context.Background()

	_, found, err := c.FindByIdempotencyKey(ctx, "key-3")
	require.NoError(t, err)
	assert.False(t, found)

	created, err := c.Create(ctx, payload(), "key-3")
	require.NoError(t, err)

	ref, found, err := c.FindByIdempotencyKey(ctx, "key-3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, created.RemoteID, ref.RemoteID)
}

func TestClient_ServerErrorsAreTransient(t *testing.T) {
	t.Parallel()

	c := NewClient(fakeServer(t).URL, 5*time.Second)

	_, err := c.GetBag(context.Background(), 1)
	assert.True(t, apperrors.IsTransient(err))

	b, err := c.GetBarista(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "Ana", b.FirstName)
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Create(ctx, payload(), "key-4")
	assert.True(t, apperrors.IsTransient(err))
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Create(context.Background(), payload(), "key-5")
	assert.True(t, apperrors.IsTransient(err))
}

func TestMemory_IdempotentCreate(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	a, err := m.Create(ctx, payload(), "k")
	require.NoError(t, err)
	b, err := m.Create(ctx, payload(), "k")
	require.NoError(t, err)

	assert.Equal(t, a.RemoteID, b.RemoteID)
	assert.True(t, b.Replayed)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, m.Calls())
}
