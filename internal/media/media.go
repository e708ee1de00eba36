// Package media handles binary attachments (photos, GPX files) by
// reference.
//
// The sync engine never streams binary content itself: entities carry an
// opaque object-name string, and actual transfer goes through presigned
// URLs obtained from the object-storage collaborator. This keeps media
// transfer orthogonal to the orchestrator's state machine; a failed photo
// upload never blocks entity sync.
package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/trailbook/trailbook/internal/remote"
)

// Presigned is one granted presigned-URL exchange.
type Presigned struct {
	// ObjectName is the opaque reference persisted on the entity.
	ObjectName string `json:"object_name"`

	// URL is the presigned transfer URL.
	URL string `json:"url"`

	// Headers must be sent verbatim with the transfer request.
	Headers map[string]string `json:"headers,omitempty"`

	// ExpiresAt is when the grant stops working.
	ExpiresAt time.Time `json:"expires_at"`
}

// Config holds media client configuration.
type Config struct {
	// BaseURL is the object-storage collaborator root.
	BaseURL string

	// Token supplies the bearer credential for presign requests.
	// Transfers to the presigned URL itself carry no credential.
	Token remote.TokenSource

	// Timeout bounds presign requests. Transfers use TransferTimeout.
	Timeout time.Duration

	// TransferTimeout bounds the actual binary transfer.
	TransferTimeout time.Duration

	// Logger for transfer activity.
	Logger *log.Logger
}

// Client exchanges presigned URLs and moves bytes through them.
type Client struct {
	api      *resty.Client
	transfer *resty.Client
	token    remote.TokenSource
	logger   *log.Logger
}

// NewClient creates a media client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.TransferTimeout == 0 {
		config.TransferTimeout = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}

	return &Client{
		api:      resty.New().SetBaseURL(config.BaseURL).SetTimeout(config.Timeout),
		transfer: resty.New().SetTimeout(config.TransferTimeout),
		token:    config.Token,
		logger:   config.Logger,
	}, nil
}

// PresignUpload requests an upload grant for a new object and returns the
// object name the caller persists on the owning entity.
func (c *Client) PresignUpload(ctx context.Context, contentType string) (Presigned, error) {
	return c.presign(ctx, "/api/v1/media/presign-upload", map[string]string{
		"content_type": contentType,
	})
}

// PresignDownload requests a download grant for an existing object.
func (c *Client) PresignDownload(ctx context.Context, objectName string) (Presigned, error) {
	return c.presign(ctx, "/api/v1/media/presign-download", map[string]string{
		"object_name": objectName,
	})
}

func (c *Client) presign(ctx context.Context, path string, body map[string]string) (Presigned, error) {
	token, err := c.token(ctx)
	if err != nil {
		return Presigned{}, fmt.Errorf("no credential: %w", err)
	}

	var grant Presigned
	resp, err := c.api.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&grant).
		Post(path)
	if err != nil {
		return Presigned{}, fmt.Errorf("presign exchange failed: %w", err)
	}
	if resp.IsError() {
		return Presigned{}, fmt.Errorf("presign exchange failed: %s", resp.Status())
	}
	if grant.ObjectName == "" || grant.URL == "" {
		return Presigned{}, fmt.Errorf("presign response missing object name or URL")
	}

	return grant, nil
}

// Upload streams content to a presigned upload URL.
func (c *Client) Upload(ctx context.Context, grant Presigned, content io.Reader) error {
	req := c.transfer.R().SetContext(ctx).SetBody(content)
	for k, v := range grant.Headers {
		req.SetHeader(k, v)
	}

	resp, err := req.Put(grant.URL)
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", grant.ObjectName, err)
	}
	if resp.IsError() {
		return fmt.Errorf("upload of %s failed: %s", grant.ObjectName, resp.Status())
	}

	c.logger.Printf("Uploaded %s", grant.ObjectName)
	return nil
}

// Download fetches content from a presigned download URL.
func (c *Client) Download(ctx context.Context, grant Presigned) ([]byte, error) {
	req := c.transfer.R().SetContext(ctx)
	for k, v := range grant.Headers {
		req.SetHeader(k, v)
	}

	resp, err := req.Get(grant.URL)
	if err != nil {
		return nil, fmt.Errorf("download of %s failed: %w", grant.ObjectName, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download of %s failed: %s", grant.ObjectName, resp.Status())
	}

	return resp.Body(), nil
}

// Remove deletes an object by name. Removing an unknown object is not an
// error (idempotent).
func (c *Client) Remove(ctx context.Context, objectName string) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("no credential: %w", err)
	}

	resp, err := c.api.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"object_name": objectName}).
		Post("/api/v1/media/delete")
	if err != nil {
		return fmt.Errorf("delete of %s failed: %w", objectName, err)
	}
	if resp.StatusCode() == 404 {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("delete of %s failed: %s", objectName, resp.Status())
	}

	return nil
}
