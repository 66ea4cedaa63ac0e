package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factlog/factlog/internal/access"
	"github.com/factlog/factlog/internal/config"
	"github.com/factlog/factlog/internal/ingest"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/internal/view"
)

type fixture struct {
	srv    *httptest.Server
	hasher *access.CredentialHasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	wal, err := ingest.OpenWAL(filepath.Join(dir, "wal"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	store, err := view.Open(filepath.Join(dir, "view.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipe, err := pipeline.New(pipeline.Options{DefaultSchemaVersion: "1.0.0"}, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	stats := observability.NewQueryStats(time.Hour)

	refresher := view.NewRefresher(view.RefresherConfig{}, store, pipe,
		[]view.Source{{Name: view.PrimarySource, Scanner: wal}}, view.WithMetrics(metrics))
	waiter := view.NewWaiter(store, nil, view.PrimarySource, 10*time.Millisecond, func() {
		refresher.RunOnce(context.Background())
	})
	querier, err := view.NewQuerier(store, stats, metrics)
	require.NoError(t, err)

	cfg := access.ConfigFrom(config.DefaultConfig().Access)
	hasher := access.NewCredentialHasher("pepper")
	emitter := access.NewEmitter(wal, nil)
	perms := access.NewPermissionResolver(cfg, store, emitter, access.WithMetrics(metrics))
	budgets := access.NewBudgetTracker(cfg, store, perms, emitter, access.WithMetrics(metrics))
	replays := access.NewReplayGuard(cfg, store, nil, emitter, access.WithMetrics(metrics))

	handler := NewRouter(Deps{
		Buffer:       wal,
		Refresher:    refresher,
		Waiter:       waiter,
		Querier:      querier,
		Perms:        perms,
		Budgets:      budgets,
		Replays:      replays,
		Gate:         access.NewGate(cfg, hasher, perms, budgets, replays, wal, emitter, access.WithMetrics(metrics)),
		Admin:        access.NewAdmin(cfg, hasher, wal),
		Hasher:       hasher,
		QueryStats:   stats,
		Gatherer:     reg,
		WaitTimeout:  5 * time.Second,
		MaxBodyBytes: 4096,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, hasher: hasher}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (f *fixture) grant(t *testing.T, state string, change access.PermissionChange) uint64 {
	t.Helper()
	code, raw := f.do(t, http.MethodPost, "/v1/admin/"+state, change, nil)
	require.Equal(t, http.StatusAccepted, code, string(raw))
	return decode[AppendResponse](t, raw).LSN
}

func orderEnvelope(id string) map[string]interface{} {
	return map[string]interface{}{
		"occurred_at": "2026-05-04T10:00:00Z",
		"actor_id":    "web-1",
		"action":      "order.created",
		"object":      map[string]string{"type": "order", "id": id},
		"source":      "web",
		"attributes":  map[string]interface{}{"amount": 42},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, raw := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	code, _ = f.do(t, http.MethodPost, "/v1/refresh", nil, nil)
	require.Equal(t, http.StatusOK, code)

	code, raw = f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "factlog_refresh_cycles_total")
}

func TestAppendThenReadYourWrite(t *testing.T) {
	f := newFixture(t)

	code, raw := f.do(t, http.MethodPost, "/v1/events", orderEnvelope("o-1"),
		map[string]string{"X-Source-Lane": "web", "X-Request-ID": "req-1"})
	require.Equal(t, http.StatusAccepted, code, string(raw))
	ack := decode[AppendResponse](t, raw)
	assert.Equal(t, uint64(1), ack.LSN)
	assert.Equal(t, "web", ack.SourceLane)
	assert.Equal(t, "req-1", ack.RequestID)
	assert.NotEmpty(t, ack.CandidateID)

	code, raw = f.do(t, http.MethodPost, "/v1/query", QueryRequest{
		Actions: []string{"order.created"},
		MinLSN:  ack.LSN,
	}, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	resp := decode[QueryResponse](t, raw)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "o-1", resp.Events[0].Object.ID)
	assert.Equal(t, ack.LSN, resp.Events[0].LSN)
	assert.NotEmpty(t, resp.Events[0].EventID)
}

func TestAppend_Rejections(t *testing.T) {
	f := newFixture(t)

	code, raw := f.do(t, http.MethodPost, "/v1/events", []byte(strings.Repeat("x", 5000)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code, string(raw))

	code, raw = f.do(t, http.MethodPost, "/v1/events", orderEnvelope("o-1"),
		map[string]string{"X-Received-At": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION", decode[ErrorResponse](t, raw).Category)
}

func TestAppend_MalformedBodyIsStored(t *testing.T) {
	f := newFixture(t)

	code, raw := f.do(t, http.MethodPost, "/v1/events", []byte(`{"action":`), nil)
	require.Equal(t, http.StatusAccepted, code)
	ack := decode[AppendResponse](t, raw)

	code, raw = f.do(t, http.MethodPost, "/v1/query", QueryRequest{ActionPrefix: "quality.", MinLSN: ack.LSN}, nil)
	require.Equal(t, http.StatusOK, code)
	resp := decode[QueryResponse](t, raw)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "quality.malformed", resp.Events[0].Action)
}

func TestQuery_PredicateAndStats(t *testing.T) {
	f := newFixture(t)

	var last uint64
	for i, amount := range []int{10, 50, 90} {
		env := orderEnvelope(fmt.Sprintf("o-%d", i))
		env["attributes"] = map[string]interface{}{"amount": amount}
		code, raw := f.do(t, http.MethodPost, "/v1/events", env, nil)
		require.Equal(t, http.StatusAccepted, code)
		last = decode[AppendResponse](t, raw).LSN
	}

	code, raw := f.do(t, http.MethodPost, "/v1/query", QueryRequest{
		Actions:   []string{"order.created"},
		Predicate: `event.attributes.amount > 20`,
		MinLSN:    last,
	}, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, 2, decode[QueryResponse](t, raw).Count)

	code, raw = f.do(t, http.MethodPost, "/v1/query", QueryRequest{Predicate: `event.attributes.amount +`}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PREDICATE", decode[ErrorResponse](t, raw).Code)

	code, raw = f.do(t, http.MethodGet, "/v1/stats/queries?top=5", nil, nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[statsResponse](t, raw)
	names := make([]string, 0, len(stats.Filters))
	for _, s := range stats.Filters {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "action")
	assert.Contains(t, names, "predicate")
	require.NotEmpty(t, stats.Attributes)
	assert.Equal(t, "amount", stats.Attributes[0].Name)

	code, _ = f.do(t, http.MethodGet, "/v1/stats/queries?top=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQuery_BadRequests(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/v1/query", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/v1/query", QueryRequest{Limit: maxQueryLimit + 1}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	lsn := f.grant(t, "grant", access.PermissionChange{
		Principal:      "alice",
		Token:          "tok-1",
		AllowedActions: []string{"query"},
	})
	q := fmt.Sprintf("?min_lsn=%d", lsn)

	code, raw := f.do(t, http.MethodGet, "/v1/permissions/alice"+q, nil, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	perm := decode[access.Permission](t, raw)
	assert.Equal(t, access.StateGranted, perm.State)
	assert.Equal(t, []string{"query"}, perm.AllowedActions)

	code, raw = f.do(t, http.MethodGet, "/v1/permissions"+q, nil, map[string]string{CredentialHeader: "tok-1"})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, f.hasher.Hash("tok-1"), decode[access.Permission](t, raw).TokenHash)

	code, _ = f.do(t, http.MethodGet, "/v1/permissions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, raw = f.do(t, http.MethodGet, "/v1/permissions/bob", nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", decode[ErrorResponse](t, raw).Code)

	lsn = f.grant(t, "deny", access.PermissionChange{Principal: "alice", Reason: "offboarded"})
	code, raw = f.do(t, http.MethodGet, fmt.Sprintf("/v1/permissions/alice?min_lsn=%d", lsn), nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "denied", decode[ErrorResponse](t, raw).Details["reason"])

	code, _ = f.do(t, http.MethodGet, "/v1/permissions/alice?min_lsn=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmin_UnknownChange(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/v1/admin/promote", access.PermissionChange{Principal: "alice"}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, raw := f.do(t, http.MethodPost, "/v1/admin/grant", access.PermissionChange{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "MALFORMED", decode[ErrorResponse](t, raw).Code)
}

func TestAdmitUsageBudgetAndReplay(t *testing.T) {
	f := newFixture(t)
	quota := 60.0
	lsn := f.grant(t, "granted", access.PermissionChange{
		Principal:      "alice",
		AllowedActions: []string{"query"},
		BudgetSeconds:  &quota,
	})

	code, raw := f.do(t, http.MethodPost, fmt.Sprintf("/v1/admit?min_lsn=%d", lsn),
		access.AdmitRequest{Principal: "alice", Action: "query", Nonce: "n-1"}, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	adm := decode[access.Admission](t, raw)
	assert.Equal(t, "alice", adm.Principal)
	assert.NotZero(t, adm.RequestLSN)

	code, raw = f.do(t, http.MethodGet, fmt.Sprintf("/v1/nonces/n-1?principal=alice&min_lsn=%d", adm.RequestLSN), nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, access.NonceReplay, decode[NonceResponse](t, raw).Verdict)

	code, raw = f.do(t, http.MethodGet, "/v1/nonces/n-fresh?principal=alice", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, access.NonceFresh, decode[NonceResponse](t, raw).Verdict)

	code, raw = f.do(t, http.MethodPost, "/v1/admit",
		access.AdmitRequest{Principal: "alice", Action: "query", Nonce: "n-1"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "REPLAY_DETECTED", decode[ErrorResponse](t, raw).Code)

	code, raw = f.do(t, http.MethodPost, "/v1/admit",
		access.AdmitRequest{Principal: "alice", Action: "delete", Nonce: "n-2"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", decode[ErrorResponse](t, raw).Code)

	code, raw = f.do(t, http.MethodPost, "/v1/usage", UsageRequest{Principal: "alice", Nonce: "n-1", ExecutionSeconds: 61}, nil)
	require.Equal(t, http.StatusAccepted, code, string(raw))
	usageLSN := decode[AppendResponse](t, raw).LSN

	code, raw = f.do(t, http.MethodGet, fmt.Sprintf("/v1/budgets/alice?min_lsn=%d", usageLSN), nil, nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[access.BudgetStatus](t, raw)
	assert.Equal(t, 61.0, status.UsedSeconds)
	assert.True(t, status.Exceeded)

	code, raw = f.do(t, http.MethodPost, "/v1/admit",
		access.AdmitRequest{Principal: "alice", Action: "query", Nonce: "n-3"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "BUDGET_EXCEEDED", decode[ErrorResponse](t, raw).Code)

	code, _ = f.do(t, http.MethodPost, "/v1/usage", UsageRequest{Principal: "alice", ExecutionSeconds: -1}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmit_CredentialHeader(t *testing.T) {
	f := newFixture(t)
	lsn := f.grant(t, "grant", access.PermissionChange{
		Principal:      "carol",
		Token:          "carol-token",
		AllowedActions: []string{access.WildcardAction},
	})

	code, raw := f.do(t, http.MethodPost, fmt.Sprintf("/v1/admit?min_lsn=%d", lsn),
		access.AdmitRequest{Action: "anything", Nonce: "c-1"},
		map[string]string{CredentialHeader: "carol-token"})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, "carol", decode[access.Admission](t, raw).Principal)
}

func TestRouter_UnmountedServices(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{}))
	defer srv.Close()

	for _, path := range []string{"/v1/query", "/v1/events", "/v1/admit"} {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
