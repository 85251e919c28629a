// Package remote is the HTTP client for the remote authority.
//
// The protocol is one resource per entity:
//
//	PUT    {base}/v1/entities/{type}/{id}   apply fields, conditional on If-Match
//	DELETE {base}/v1/entities/{type}/{id}   delete, conditional on If-Match
//	GET    {base}/v1/entities/{type}/{id}   current state
//
// Mutations carry an Idempotency-Key header; the server answers a repeated
// key with the original response instead of applying the change again. A
// 409 or 412 response carries the current remote entity.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Headers
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
	HeaderIfNoneMatch    = "If-None-Match"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody is how much of an error response is kept for messages.
const maxErrorBody = 512

// Errors
var (
	// ErrTransient is a failure worth retrying: network errors, timeouts,
	// 408, 429 and 5xx responses.
	ErrTransient = errors.New("remote: transient failure")
	// ErrRejected is a permanent rejection of the request.
	ErrRejected = errors.New("remote: request rejected")
	// ErrNotFound means the remote has no such entity.
	ErrNotFound = errors.New("remote: entity not found")
)

// Entity is the remote state of one record.
type Entity struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Version   string         `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// Method of a submitted mutation.
const (
	MethodPut    = "put"
	MethodDelete = "delete"
)

// Request is one mutation to apply remotely.
type Request struct {
	Method         string
	Type           string
	ID             string
	IdempotencyKey string
	// BaseVersion is the version the mutation assumes; empty means the
	// entity is expected not to exist yet.
	BaseVersion string
	Fields      map[string]any
	UpdatedAt   time.Time
}

// ConflictError reports that the remote entity is not at the assumed base
// version.
type ConflictError struct {
	Remote *Entity
}

func (e *ConflictError) Error() string {
	if e.Remote == nil {
		return "remote: conflict"
	}
	return fmt.Sprintf("remote: conflict on %s/%s, remote at version %q", e.Remote.Type, e.Remote.ID, e.Remote.Version)
}

// StatusError carries the HTTP status behind ErrTransient or ErrRejected.
type StatusError struct {
	Kind   error
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%v: HTTP %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", e.Kind, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Kind }

// Options configure a Client.
type Options struct {
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the remote authority over HTTP.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
	log   *slog.Logger
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: invalid base URL %q: scheme must be http or https", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{base: u, http: hc, token: opts.Token, log: log.With("component", "remote")}, nil
}

func (c *Client) entityURL(typ, id string) string {
	return c.base.String() + "/v1/entities/" + url.PathEscape(typ) + "/" + url.PathEscape(id)
}

type putBody struct {
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Submit applies r remotely. It returns the resulting entity, a
// *ConflictError, or an error wrapping ErrTransient or ErrRejected.
func (c *Client) Submit(ctx context.Context, r Request) (*Entity, error) {
	var (
		method string
		body   io.Reader
	)
	switch r.Method {
	case MethodPut:
		method = http.MethodPut
		data, err := json.Marshal(putBody{Fields: r.Fields, UpdatedAt: r.UpdatedAt})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode body: %v", ErrRejected, err)
		}
		body = bytes.NewReader(data)
	case MethodDelete:
		method = http.MethodDelete
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrRejected, r.Method)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.entityURL(r.Type, r.ID), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderIdempotencyKey, r.IdempotencyKey)
	if r.BaseVersion != "" {
		req.Header.Set(HeaderIfMatch, r.BaseVersion)
	} else {
		req.Header.Set(HeaderIfNoneMatch, "*")
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return c.readEntity(resp, r.Type, r.ID)
}

// Fetch returns the current remote state of an entity, or ErrNotFound.
func (c *Client) Fetch(ctx context.Context, typ, id string) (*Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entityURL(typ, id), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, id)
	}
	return c.readEntity(resp, typ, id)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	c.log.DebugContext(req.Context(), "remote request", "method", req.Method, "status", resp.StatusCode)
	return resp, nil
}

func (c *Client) readEntity(resp *http.Response, typ, id string) (*Entity, error) {
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &Entity{Type: typ, ID: id, Version: resp.Header.Get("ETag"), Deleted: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		e, err := decodeEntity(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid response body: %v", ErrTransient, err)
		}
		return e, nil

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		e, err := decodeEntity(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: conflict without entity: %v", ErrTransient, err)
		}
		return nil, &ConflictError{Remote: e}

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, &StatusError{Kind: ErrTransient, Status: resp.StatusCode, Body: readSnippet(resp.Body)}

	default:
		return nil, &StatusError{Kind: ErrRejected, Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
}

func decodeEntity(r io.Reader) (*Entity, error) {
	var e Entity
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}
