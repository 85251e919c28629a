package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/painvault/pkg/remote"
	"github.com/forest6511/painvault/pkg/remote/remotetest"
)

func newClient(t *testing.T, url string) *remote.Client {
	t.Helper()
	c, err := remote.New(url, remote.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := remote.New("ftp://example.com", remote.Options{})
	assert.Error(t, err)
	_, err = remote.New("://", remote.Options{})
	assert.Error(t, err)
}

func TestSubmitCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New()
	defer srv.Close()
	c := newClient(t, srv.URL)

	e, err := c.Submit(ctx, remote.Request{
		Method: remote.MethodPut, Type: "entries", ID: "e1",
		IdempotencyKey: "k1", Fields: map[string]any{"pain": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", e.Version)
	assert.Equal(t, float64(7), e.Fields["pain"])

	e, err = c.Submit(ctx, remote.Request{
		Method: remote.MethodPut, Type: "entries", ID: "e1",
		IdempotencyKey: "k2", BaseVersion: "v1", Fields: map[string]any{"pain": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Version)

	got, err := c.Fetch(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Version)
	assert.Equal(t, float64(5), got.Fields["pain"])
}

func TestSubmitConflict(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New()
	defer srv.Close()
	srv.Set(remote.Entity{Type: "entries", ID: "e1", Version: "v2", Fields: map[string]any{"pain": 3}})
	c := newClient(t, srv.URL)

	_, err := c.Submit(ctx, remote.Request{
		Method: remote.MethodPut, Type: "entries", ID: "e1",
		IdempotencyKey: "k1", BaseVersion: "v1", Fields: map[string]any{"pain": 9},
	})
	var ce *remote.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "v2", ce.Remote.Version)
	assert.Equal(t, float64(3), ce.Remote.Fields["pain"])
	assert.Zero(t, srv.Applied("k1"))

	// creating something that already exists
	_, err = c.Submit(ctx, remote.Request{
		Method: remote.MethodPut, Type: "entries", ID: "e1", IdempotencyKey: "k2",
	})
	require.ErrorAs(t, err, &ce)
}

func TestIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New()
	defer srv.Close()
	c := newClient(t, srv.URL)
	srv.LoseReplies(1)

	req := remote.Request{
		Method: remote.MethodPut, Type: "entries", ID: "e1",
		IdempotencyKey: "same-key", Fields: map[string]any{"pain": 7},
	}
	_, err := c.Submit(ctx, req)
	require.ErrorIs(t, err, remote.ErrTransient)

	e, err := c.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "v1", e.Version)
	assert.Equal(t, 1, srv.Applied("same-key"))
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusRequestTimeout, remote.ErrTransient},
		{http.StatusTooManyRequests, remote.ErrTransient},
		{http.StatusInternalServerError, remote.ErrTransient},
		{http.StatusBadGateway, remote.ErrTransient},
		{http.StatusBadRequest, remote.ErrRejected},
		{http.StatusUnauthorized, remote.ErrRejected},
		{http.StatusUnprocessableEntity, remote.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := remotetest.New()
			defer srv.Close()
			srv.FailNext(tt.status)
			c := newClient(t, srv.URL)

			_, err := c.Submit(context.Background(), remote.Request{
				Method: remote.MethodDelete, Type: "entries", ID: "e1", IdempotencyKey: "k",
			})
			require.ErrorIs(t, err, tt.want)
			var se *remote.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url)
	_, err := c.Fetch(context.Background(), "entries", "e1")
	assert.ErrorIs(t, err, remote.ErrTransient)
}

func TestCancelledContext(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	c := newClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, "entries", "e1")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NotErrorIs(t, err, remote.ErrTransient)
}

func TestFetchNotFoundAndEscapedID(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.New()
	defer srv.Close()
	c := newClient(t, srv.URL)

	_, err := c.Fetch(ctx, "entries", "2026/03/e1")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, err = c.Submit(ctx, remote.Request{
		Method: remote.MethodPut, Type: "entries", ID: "2026/03/e1",
		IdempotencyKey: "k", Fields: map[string]any{"pain": 1},
	})
	require.NoError(t, err)
	_, ok := srv.Entity("entries", "2026/03/e1")
	assert.True(t, ok)
}

func TestBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"entries","id":"e1","version":"v1"}`))
	}))
	defer srv.Close()

	c, err := remote.New(srv.URL, remote.Options{Token: "t0ken"})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer t0ken", auth)
}
