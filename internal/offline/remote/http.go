package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
)

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	// BaseURL of the POS API, e.g. https://pos.example.com
	BaseURL string

	// HealthPath is probed by Ping. Default: /api/health
	HealthPath string

	// Timeout bounds each request. Default: 15s
	Timeout time.Duration

	// RateLimitPerMin spaces requests out. Zero disables the limit.
	RateLimitPerMin int

	// PageSize is the limit sent with pulls. Default: 200
	PageSize int

	Retry  RetryConfig
	Tokens TokenSource

	// Client overrides the HTTP client, mostly for tests.
	Client *http.Client
	Logger *logrus.Logger
}

// HTTPAdapter implements Adapter over the server's REST API.
type HTTPAdapter struct {
	baseURL    string
	healthPath string
	pageSize   int
	tokens     TokenSource
	http       *http.Client
	retry      *Retryer
	log        *logrus.Entry

	limiter *time.Ticker
}

// envelope is the shape of every API response.
type envelope struct {
	OK         *bool           `json:"ok"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	Msg        string          `json:"msg"`
	NextCursor string          `json:"nextCursor"`
}

func (e envelope) message() string {
	switch {
	case e.Error != "" && e.Msg != "":
		return e.Error + ": " + e.Msg
	case e.Error != "":
		return e.Error
	default:
		return e.Msg
	}
}

// NewHTTPAdapter creates an adapter. Call Close to release the rate
// limiter.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote base URL is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/api/health"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	a := &HTTPAdapter{
		baseURL:    base,
		healthPath: cfg.HealthPath,
		pageSize:   cfg.PageSize,
		tokens:     cfg.Tokens,
		http:       client,
		retry:      NewRetryer(cfg.Retry),
		log:        logging.Component(cfg.Logger, "remote"),
	}
	if cfg.RateLimitPerMin > 0 {
		a.limiter = time.NewTicker(time.Minute / time.Duration(cfg.RateLimitPerMin))
	}
	return a, nil
}

// Close stops the rate limiter.
func (a *HTTPAdapter) Close() {
	if a.limiter != nil {
		a.limiter.Stop()
	}
}

// Push sends one mutation. Create posts to /api/{resource}; update and
// delete address /api/{resource}/{serverId}.
func (a *HTTPAdapter) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	resource := req.Entity.Resource()
	if resource == "" {
		return PushResult{}, offline.Permanent("push", fmt.Errorf("unknown entity %q", req.Entity))
	}

	var method, path string
	switch req.Op {
	case offline.OpCreate:
		method, path = http.MethodPost, "/api/"+resource
	case offline.OpUpdate, offline.OpDelete:
		if req.ServerID == "" {
			return PushResult{}, offline.Permanent("push", fmt.Errorf("%s %s has no server id", req.Op, req.RecordKey))
		}
		method = http.MethodPut
		if req.Op == offline.OpDelete {
			method = http.MethodDelete
		}
		path = "/api/" + resource + "/" + url.PathEscape(req.ServerID)
	default:
		return PushResult{}, offline.Permanent("push", fmt.Errorf("unknown op %q", req.Op))
	}

	var env envelope
	attempts, err := a.retry.Do(ctx, func() error {
		var err error
		env, err = a.do(ctx, method, path, req.Payload, req.MutationID)
		return err
	})
	entry := a.log.WithFields(logrus.Fields{
		"entity":      string(req.Entity),
		"mutation_id": req.MutationID,
		"attempts":    attempts,
	})
	if err != nil {
		entry.WithError(err).Debug("push failed")
		return PushResult{}, err
	}

	res := PushResult{Data: env.Data, ServerID: ServerIDOf(env.Data)}
	if res.ServerID == "" {
		res.ServerID = req.ServerID
	}
	entry.WithField("server_id", res.ServerID).Debug("push accepted")
	return res, nil
}

// Pull fetches the records of entity changed since the filter's time,
// following cursor pagination.
func (a *HTTPAdapter) Pull(ctx context.Context, entity offline.EntityType, filter PullFilter) ([]json.RawMessage, error) {
	resource := entity.Resource()
	if resource == "" {
		return nil, offline.Permanent("pull", fmt.Errorf("unknown entity %q", entity))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = a.pageSize
	}

	var out []json.RawMessage
	cursor := ""
	for {
		params := url.Values{}
		params.Set("limit", fmt.Sprint(limit))
		if !filter.UpdatedSince.IsZero() {
			params.Set("updated_since", filter.UpdatedSince.UTC().Format(time.RFC3339Nano))
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var env envelope
		_, err := a.retry.Do(ctx, func() error {
			var err error
			env, err = a.do(ctx, http.MethodGet, "/api/"+resource+"?"+params.Encode(), nil, "")
			return err
		})
		if err != nil {
			return nil, err
		}

		var page []json.RawMessage
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &page); err != nil {
				return nil, offline.Permanent("pull", fmt.Errorf("unexpected %s payload: %w", resource, err))
			}
		}
		out = append(out, page...)

		if env.NextCursor == "" || env.NextCursor == cursor || len(page) == 0 {
			return out, nil
		}
		cursor = env.NextCursor
	}
}

// Ping probes the health endpoint once. Any 2xx means reachable.
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, a.healthPath, nil, "")
	return err
}

// do performs one request and classifies the outcome.
func (a *HTTPAdapter) do(ctx context.Context, method, path string, body json.RawMessage, idempotencyKey string) (envelope, error) {
	op := strings.ToLower(method) + " " + path

	if a.limiter != nil {
		select {
		case <-ctx.Done():
			return envelope{}, offline.Transient(op, ctx.Err())
		case <-a.limiter.C:
		}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return envelope{}, offline.Permanent(op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if a.tokens != nil {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return envelope{}, offline.Auth(op, fmt.Errorf("failed to obtain token: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return envelope{}, offline.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return envelope{}, offline.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return envelope{}, offline.Permanent(op, fmt.Errorf("invalid response body: %w", err))
		}
	}

	return env, classify(op, resp.StatusCode, env)
}

// classify maps a response to the offline error taxonomy.
func classify(op string, status int, env envelope) error {
	detail := env.message()
	if detail == "" {
		detail = http.StatusText(status)
	}
	cause := fmt.Errorf("status %d: %s", status, detail)

	switch {
	case status == http.StatusUnauthorized:
		return offline.Auth(op, cause)
	case status == http.StatusConflict:
		return offline.Conflict(op, env.Data, cause)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return offline.Transient(op, cause)
	case status >= 400:
		return offline.Permanent(op, cause)
	case status >= 300:
		return offline.Transient(op, cause)
	case env.OK != nil && !*env.OK:
		return offline.Permanent(op, fmt.Errorf("rejected: %s", detail))
	}
	return nil
}
