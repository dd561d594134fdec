// Package remote talks to the store of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/httpjson"
	"brewlog/internal/middleware"
	"brewlog/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

const IdempotencyHeader = "Idempotency-Key"

// Client is the HTTP implementation of the remote draft repository.
type Client struct {
	BaseURL string
	client  *http.Client
}

// NewClient builds a client. Per-call deadlines come from the caller's
// context; timeout is only a ceiling for calls made without one.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Create posts a brew with idempotencyKey. Replaying the key returns the
// record created the first time.
func (c *Client) Create(ctx context.Context, payload models.BrewPayload, idempotencyKey string) (models.RemoteRef, error) {
	ctx, span := middleware.StartSpan(ctx, "RemoteClient.Create",
		attribute.String("idempotency.key", idempotencyKey),
	)
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return models.RemoteRef{}, fmt.Errorf("failed to marshal brew: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/brews", bytes.NewReader(body))
	if err != nil {
		return models.RemoteRef{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, idempotencyKey)

	var brew models.Brew
	status, err := c.do(req, &brew)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.RemoteRef{}, err
	}
	if brew.ID == "" {
		return models.RemoteRef{}, apperrors.Transient("create brew", fmt.Errorf("response carried no id"))
	}

	return models.RemoteRef{RemoteID: brew.ID, Replayed: status == http.StatusOK}, nil
}

// FindByIdempotencyKey looks up a brew by the key it was created with.
func (c *Client) FindByIdempotencyKey(ctx context.Context, key string) (models.RemoteRef, bool, error) {
	ctx, span := middleware.StartSpan(ctx, "RemoteClient.FindByIdempotencyKey",
		attribute.String("idempotency.key", key),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/brews/by-key/"+url.PathEscape(key), nil)
	if err != nil {
		return models.RemoteRef{}, false, fmt.Errorf("failed to create request: %w", err)
	}

	var brew models.Brew
	if _, err := c.do(req, &brew); err != nil {
		if apperrors.IsNotFound(err) {
			return models.RemoteRef{}, false, nil
		}
		middleware.AddSpanError(ctx, err)
		return models.RemoteRef{}, false, err
	}
	return models.RemoteRef{RemoteID: brew.ID, Replayed: true}, true, nil
}

func (c *Client) GetBarista(ctx context.Context, id int64) (*models.Barista, error) {
	var b models.Barista
	if err := c.get(ctx, "/api/baristas/"+strconv.FormatInt(id, 10), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) GetBag(ctx context.Context, id int64) (*models.Bag, error) {
	var b models.Bag
	if err := c.get(ctx, "/api/bags/"+strconv.FormatInt(id, 10), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.get(ctx, "/api/health", &out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	_, err = c.do(req, out)
	return err
}

// do sends req and decodes a 2xx body into out. Failures are classified:
// 400/422 are validation errors, 404 not found, 409 conflict, and everything
// else (transport errors, timeouts, 429, 5xx) transient.
func (c *Client) do(req *http.Request, out any) (int, error) {
	op := req.Method + " " + req.URL.Path

	middleware.InjectTraceContext(req.Context(), req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apperrors.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, apperrors.Transient(op, fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return resp.StatusCode, nil
	}

	var body httpjson.ErrorBody
	_ = json.Unmarshal(data, &body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return resp.StatusCode, apperrors.Validation(body.Field, body.Error)
	case http.StatusNotFound:
		return resp.StatusCode, apperrors.NotFound(req.URL.Path, body.Error)
	case http.StatusConflict:
		return resp.StatusCode, apperrors.Conflict(req.URL.Path, "", body.Error)
	default:
		return resp.StatusCode, apperrors.Transient(op, fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error))
	}
}
