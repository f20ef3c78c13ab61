package sync

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	stdsync "sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"

	"github.com/dropsync/dropsync/internal/utils"
	"github.com/dropsync/dropsync/internal/version"
)

const headerRequestID = "x-dropsync-request-id"

// RemoteClient is the capability the sync engine consumes; its concrete
// implementation (HTTP/long-poll, OAuth) lives outside the core per the
// system's scope boundary. The core only depends on this interface.
type RemoteClient interface {
	ListChanges(ctx context.Context, cursor Cursor) (changes []RemoteChange, next Cursor, reset bool, err error)
	WaitForChanges(ctx context.Context, cursor Cursor) error
	Download(ctx context.Context, path string, rev string) (io.ReadCloser, error)
	Upload(ctx context.Context, path string, r io.Reader, ifMatch *string) (rev string, contentHash string, serverModified time.Time, err error)
	Delete(ctx context.Context, path string, ifMatch *string) error
	Move(ctx context.Context, src, dst string, ifMatch *string) error
	ListFolder(ctx context.Context, path string) ([]RemoteChange, error)
}

const headerIfMatch = "If-Match"

// HTTPRemoteClient is the default RemoteClient: a long-poll HTTP client
// built on imroc/req/v3 with retry and TLS config, and a websocket push
// channel that short-circuits WaitForChanges when the server can notify
// faster than the long-poll timeout.
type HTTPRemoteClient struct {
	client  *req.Client
	baseURL string
	wsURL   string
	email   string

	mu   stdsync.Mutex
	push *pushWatcher
}

type HTTPRemoteClientConfig struct {
	BaseURL     string
	WSURL       string
	Email       string
	AccessToken string
}

func NewHTTPRemoteClient(cfg HTTPRemoteClientConfig) *HTTPRemoteClient {
	client := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetCommonRetryCount(3).
		SetCommonRetryFixedInterval(time.Second).
		SetUserAgent("dropsync-client/" + version.Version).
		SetCommonHeader("X-Dropsync-User", cfg.Email).
		SetCommonBearerAuthToken(cfg.AccessToken).
		SetJsonMarshal(gojson.Marshal).
		SetJsonUnmarshal(gojson.Unmarshal)

	return &HTTPRemoteClient{client: client, baseURL: cfg.BaseURL, wsURL: cfg.WSURL, email: cfg.Email}
}

// Close releases the push-notification socket, if one was ever dialed.
func (c *HTTPRemoteClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.push != nil {
		c.push.Close()
		c.push = nil
	}
}

func (c *HTTPRemoteClient) ensurePush(ctx context.Context) *pushWatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.push != nil {
		return c.push
	}
	if c.wsURL == "" {
		return nil
	}
	w, err := dialPushWatcher(ctx, c.wsURL)
	if err != nil {
		return nil
	}
	c.push = w
	return w
}

type listChangesResponse struct {
	Changes []struct {
		Kind           string    `json:"kind"`
		Path           string    `json:"path"`
		Rev            string    `json:"rev"`
		ContentHash    string    `json:"content_hash"`
		ServerModified time.Time `json:"server_modified"`
	} `json:"changes"`
	Cursor string `json:"cursor"`
	Reset  bool   `json:"reset"`
}

func (c *HTTPRemoteClient) ListChanges(ctx context.Context, cursor Cursor) ([]RemoteChange, Cursor, bool, error) {
	var body listChangesResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("cursor", string(cursor)).
		SetSuccessResult(&body).
		Get("/api/v1/sync/list_changes")
	if err := classifyHTTPErr(resp, err); err != nil {
		return nil, "", false, err
	}

	out := make([]RemoteChange, 0, len(body.Changes))
	for _, rc := range body.Changes {
		out = append(out, RemoteChange{
			Kind:           RemoteChangeKind(rc.Kind),
			Path:           rc.Path,
			Rev:            rc.Rev,
			ContentHash:    rc.ContentHash,
			ServerModified: rc.ServerModified,
		})
	}
	return out, Cursor(body.Cursor), body.Reset, nil
}

// WaitForChanges long-polls the server; it returns as soon as the server
// reports new changes for cursor, or ctx is canceled. If a push socket is
// available it races the long-poll against the socket's notify channel and
// returns whichever answers first; the long-poll alone still works if the
// socket never connects.
func (c *HTTPRemoteClient) WaitForChanges(ctx context.Context, cursor Cursor) error {
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	done := make(chan error, 1)
	go func() {
		resp, err := c.client.R().
			SetContext(pollCtx).
			SetQueryParam("cursor", string(cursor)).
			SetRetryCount(0).
			Get("/api/v1/sync/wait_for_changes")
		done <- classifyHTTPErr(resp, err)
	}()

	if w := c.ensurePush(ctx); w != nil {
		select {
		case <-w.Notify():
			return nil
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *HTTPRemoteClient) Download(ctx context.Context, path string, rev string) (io.ReadCloser, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		SetQueryParam("path", path).
		SetQueryParam("rev", rev).
		Get("/api/v1/sync/download")
	if err != nil {
		return nil, &RemoteError{Kind: ErrNetwork, Err: err}
	}
	if resp.IsErrorState() {
		resp.Body.Close()
		return nil, statusToRemoteError(resp.GetStatusCode())
	}
	return resp.Body, nil
}

func (c *HTTPRemoteClient) Upload(ctx context.Context, path string, r io.Reader, ifMatch *string) (string, string, time.Time, error) {
	rb := c.client.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetContentType(utils.DetectContentType(path)).
		SetHeader(headerRequestID, uuid.New().String()).
		SetBody(r)
	if ifMatch != nil {
		rb.SetHeader(headerIfMatch, *ifMatch)
	}

	var body struct {
		Rev            string    `json:"rev"`
		ContentHash    string    `json:"content_hash"`
		ServerModified time.Time `json:"server_modified"`
	}
	resp, err := rb.SetSuccessResult(&body).Put("/api/v1/sync/upload")
	if err := classifyHTTPErr(resp, err); err != nil {
		return "", "", time.Time{}, err
	}
	return body.Rev, body.ContentHash, body.ServerModified, nil
}

func (c *HTTPRemoteClient) Delete(ctx context.Context, path string, ifMatch *string) error {
	rb := c.client.R().SetContext(ctx).
		SetQueryParam("path", path).
		SetHeader(headerRequestID, uuid.New().String())
	if ifMatch != nil {
		rb.SetHeader(headerIfMatch, *ifMatch)
	}
	resp, err := rb.Delete("/api/v1/sync/delete")
	if resp != nil && resp.GetStatusCode() == http.StatusNotFound {
		return nil // idempotent per the error handling policy
	}
	return classifyHTTPErr(resp, err)
}

func (c *HTTPRemoteClient) Move(ctx context.Context, src, dst string, ifMatch *string) error {
	rb := c.client.R().SetContext(ctx).
		SetQueryParam("src", src).
		SetQueryParam("dst", dst).
		SetHeader(headerRequestID, uuid.New().String())
	if ifMatch != nil {
		rb.SetHeader(headerIfMatch, *ifMatch)
	}
	resp, err := rb.Post("/api/v1/sync/move")
	return classifyHTTPErr(resp, err)
}

func (c *HTTPRemoteClient) ListFolder(ctx context.Context, path string) ([]RemoteChange, error) {
	var body listChangesResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetSuccessResult(&body).
		Get("/api/v1/sync/list_folder")
	if err := classifyHTTPErr(resp, err); err != nil {
		return nil, err
	}
	out := make([]RemoteChange, 0, len(body.Changes))
	for _, rc := range body.Changes {
		out = append(out, RemoteChange{
			Kind:           RemoteChangeKind(rc.Kind),
			Path:           rc.Path,
			Rev:            rc.Rev,
			ContentHash:    rc.ContentHash,
			ServerModified: rc.ServerModified,
		})
	}
	return out, nil
}

func classifyHTTPErr(resp *req.Response, err error) error {
	if err != nil {
		return &RemoteError{Kind: ErrNetwork, Err: err}
	}
	if resp == nil {
		return nil
	}
	if resp.IsErrorState() {
		return statusToRemoteError(resp.GetStatusCode())
	}
	return nil
}

func statusToRemoteError(status int) error {
	switch status {
	case http.StatusNotFound:
		return &RemoteError{Kind: ErrNotFound}
	case http.StatusTooManyRequests:
		return &RemoteError{Kind: ErrRateLimited, RetryAfter: 30}
	case http.StatusUnauthorized:
		return &RemoteError{Kind: ErrAuthExpired}
	case http.StatusForbidden:
		return &RemoteError{Kind: ErrPermissionDenied}
	case http.StatusConflict:
		return &RemoteError{Kind: ErrConflict}
	case http.StatusInsufficientStorage, http.StatusRequestEntityTooLarge:
		return &RemoteError{Kind: ErrInsufficientQuota}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &RemoteError{Kind: ErrServerError}
	default:
		if status >= 500 {
			return &RemoteError{Kind: ErrServerError}
		}
		return &RemoteError{Kind: ErrTempIO, Err: fmt.Errorf("unexpected status %d", status)}
	}
}
