package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_ClosesInReverseOrderOnce(t *testing.T) {
	s := NewShutdown(ShutdownConfig{}, nil)
	var order []string
	s.Register("buffer", CloserFunc(func() error { order = append(order, "buffer"); return nil }))
	s.Register("view", CloserFunc(func() error { order = append(order, "view"); return errors.New("locked") }))
	s.Register("http", CloserFunc(func() error { order = append(order, "http"); return nil }))

	err := s.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close view")
	assert.Equal(t, []string{"http", "view", "buffer"}, order)

	assert.NoError(t, s.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 3)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestShutdown_WaitReturnsOnContext(t *testing.T) {
	s := NewShutdown(ShutdownConfig{}, nil)
	closed := false
	s.Register("x", CloserFunc(func() error { closed = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Wait(ctx))
	assert.True(t, closed)
}

func TestShutdown_MiddlewareDrainsAndRejects(t *testing.T) {
	s := NewShutdown(ShutdownConfig{DrainTimeout: 2 * time.Second}, nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))

	slow := httptest.NewRecorder()
	go h.ServeHTTP(slow, httptest.NewRequest(http.MethodGet, "/", nil))
	<-entered
	assert.Equal(t, int64(1), s.InFlight())

	finished := make(chan struct{})
	go func() {
		_ = s.Shutdown(context.Background(), "test")
		close(finished)
	}()
	<-s.Done()

	rejected := httptest.NewRecorder()
	h.ServeHTTP(rejected, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rejected.Code)

	close(release)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish after the request drained")
	}
	assert.Equal(t, int64(0), s.InFlight())
}
