// Package remote is the engine's client for the remote backend.
//
// The backend exposes, per entity type, four logical operations: list,
// create, update, delete. Every request carries a bearer credential; a
// 401-class response surfaces as an authentication error and is never
// retried here with the same credential (credential refresh is the host
// application's concern). Transient failures (network, 5xx) are retried a
// bounded number of times with backoff before the classified error is
// returned to the caller.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/trailbook/trailbook/internal/entity"
)

// Entity is the remote backend's representation of one record.
type Entity struct {
	// ID is the remote-assigned identifier.
	ID string

	// UpdatedAt is the remote copy's last-mutation timestamp.
	UpdatedAt time.Time

	// Fields holds the type-specific attributes.
	Fields entity.Snapshot
}

// ScopeFilter restricts a list operation to the records the user can see.
type ScopeFilter struct {
	// OwnerID scopes to trips the user owns or has membership in.
	OwnerID string

	// TripIDs optionally narrows to specific trips (server ids).
	TripIDs []string
}

// Client is the collaborator interface the orchestrator depends on.
// The production implementation is HTTPClient; tests substitute fakes.
type Client interface {
	// ListAll fetches the authoritative remote state for all records of
	// one type within the scope.
	ListAll(ctx context.Context, t entity.Type, scope ScopeFilter) ([]Entity, error)

	// Create pushes a purely-local record and returns the remote copy
	// carrying its newly assigned server id.
	Create(ctx context.Context, t entity.Type, payload entity.Snapshot) (Entity, error)

	// Update replaces the remote copy identified by serverID.
	Update(ctx context.Context, t entity.Type, serverID string, payload entity.Snapshot) (Entity, error)

	// Delete removes the remote copy identified by serverID.
	// Deleting an id the remote no longer knows is not an error.
	Delete(ctx context.Context, t entity.Type, serverID string) error
}

// TokenSource supplies the bearer credential attached to every request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed credential.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Config holds HTTP client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.trailbook.app".
	BaseURL string

	// Token supplies the bearer credential.
	Token TokenSource

	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration

	// RetryMax is how many times a transient failure is retried before
	// the classified error is returned. Defaults to 3.
	RetryMax int

	// RetryWaitMin is the initial backoff delay. Defaults to 500ms.
	RetryWaitMin time.Duration

	// Logger for request activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// HTTPClient implements Client against the JSON HTTP backend.
type HTTPClient struct {
	rc     *resty.Client
	token  TokenSource
	retry  int
	wait   time.Duration
	logger *log.Logger
}

// typePaths maps entity types to their collection paths on the backend.
var typePaths = map[entity.Type]string{
	entity.TypeTagCategory:    "tag-categories",
	entity.TypeTag:            "tags",
	entity.TypeTrip:           "trips",
	entity.TypeMemory:         "memories",
	entity.TypeMediaItem:      "media-items",
	entity.TypeGPXTrack:       "gpx-tracks",
	entity.TypeBucketListItem: "bucket-list-items",
}

// NewHTTPClient creates a backend client.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 3
	}
	if config.RetryWaitMin == 0 {
		config.RetryWaitMin = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	rc := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		rc:     rc,
		token:  config.Token,
		retry:  config.RetryMax,
		wait:   config.RetryWaitMin,
		logger: config.Logger,
	}, nil
}

// wireEntity is the backend's JSON envelope for one record.
type wireEntity struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Fields    entity.Snapshot `json:"fields"`
}

func (w wireEntity) toEntity() Entity {
	return Entity{ID: w.ID, UpdatedAt: w.UpdatedAt, Fields: w.Fields}
}

// ListAll implements Client.ListAll.
func (c *HTTPClient) ListAll(ctx context.Context, t entity.Type, scope ScopeFilter) ([]Entity, error) {
	path, err := pathFor(t)
	if err != nil {
		return nil, err
	}
	op := "list " + string(t)

	var out []Entity
	err = c.do(ctx, op, func() error {
		req, err := c.newRequest(ctx, op)
		if err != nil {
			return err
		}
		if scope.OwnerID != "" {
			req.SetQueryParam("owner", scope.OwnerID)
		}
		for _, id := range scope.TripIDs {
			req.QueryParam.Add("trip", id)
		}

		resp, err := req.Get("/api/v1/" + path)
		if err != nil {
			return &Error{Kind: classifyTransport(err), Op: op, Err: err}
		}
		if resp.IsError() {
			return c.statusError(op, resp)
		}

		var wire []wireEntity
		if err := json.Unmarshal(resp.Body(), &wire); err != nil {
			return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode(),
				Err: fmt.Errorf("malformed response: %w", err)}
		}

		out = out[:0]
		for _, w := range wire {
			out = append(out, w.toEntity())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, t entity.Type, payload entity.Snapshot) (Entity, error) {
	path, err := pathFor(t)
	if err != nil {
		return Entity{}, err
	}
	op := "create " + string(t)

	var out Entity
	err = c.do(ctx, op, func() error {
		req, err := c.newRequest(ctx, op)
		if err != nil {
			return err
		}

		resp, err := req.
			SetBody(map[string]any{"fields": payload}).
			Post("/api/v1/" + path)
		if err != nil {
			return &Error{Kind: classifyTransport(err), Op: op, Err: err}
		}
		if resp.IsError() {
			return c.statusError(op, resp)
		}

		return c.decodeEntity(op, resp, &out)
	})
	if err != nil {
		return Entity{}, err
	}

	return out, nil
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, t entity.Type, serverID string, payload entity.Snapshot) (Entity, error) {
	path, err := pathFor(t)
	if err != nil {
		return Entity{}, err
	}
	if serverID == "" {
		return Entity{}, fmt.Errorf("server id is required for update")
	}
	op := "update " + string(t)

	var out Entity
	err = c.do(ctx, op, func() error {
		req, err := c.newRequest(ctx, op)
		if err != nil {
			return err
		}

		resp, err := req.
			SetBody(map[string]any{"fields": payload}).
			Put("/api/v1/" + path + "/" + serverID)
		if err != nil {
			return &Error{Kind: classifyTransport(err), Op: op, Err: err}
		}
		if resp.IsError() {
			return c.statusError(op, resp)
		}

		return c.decodeEntity(op, resp, &out)
	})
	if err != nil {
		return Entity{}, err
	}

	return out, nil
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, t entity.Type, serverID string) error {
	path, err := pathFor(t)
	if err != nil {
		return err
	}
	if serverID == "" {
		return fmt.Errorf("server id is required for delete")
	}
	op := "delete " + string(t)

	return c.do(ctx, op, func() error {
		req, err := c.newRequest(ctx, op)
		if err != nil {
			return err
		}

		resp, err := req.Delete("/api/v1/" + path + "/" + serverID)
		if err != nil {
			return &Error{Kind: classifyTransport(err), Op: op, Err: err}
		}
		// Deleting an already-deleted record is fine.
		if resp.StatusCode() == 404 {
			return nil
		}
		if resp.IsError() {
			return c.statusError(op, resp)
		}
		return nil
	})
}

/// do runs fn under the transient-retry policy: network and server-class
// failures are retried with backoff up to the configured retry ceiling
// on top of the first attempt; auth and validation failures return
// immediately.
func (c *HTTPClient) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(c.retry)+1),
		retry.Delay(c.wait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Printf("Retrying %s (attempt %d): %v", op, n+1, err)
		}),
	)
}

// newRequest builds a request with the bearer credential attached.
func (c *HTTPClient) newRequest(ctx context.Context, op string) (*resty.Request, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("no credential: %w", err)}
	}
	return c.rc.R().SetContext(ctx).SetAuthToken(token), nil
}

func (c *HTTPClient) statusError(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	return &Error{
		Kind:   classifyStatus(status),
		Op:     op,
		Status: status,
		Err:    fmt.Errorf("%s", resp.Status()),
	}
}

func (c *HTTPClient) decodeEntity(op string, resp *resty.Response, out *Entity) error {
	var wire wireEntity
	if err := json.Unmarshal(resp.Body(), &wire); err != nil {
		return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode(),
			Err: fmt.Errorf("malformed response: %w", err)}
	}
	if wire.ID == "" {
		return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode(),
			Err: fmt.Errorf("response missing id")}
	}
	*out = wire.toEntity()
	return nil
}

func pathFor(t entity.Type) (string, error) {
	path, ok := typePaths[t]
	if !ok {
		return "", fmt.Errorf("unknown entity type: %s", t)
	}
	return path, nil
}
