package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/seantiz/funclite/internal/fleet"
	"github.com/seantiz/funclite/internal/function"
	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/pkgstore"
	"github.com/seantiz/funclite/internal/pool"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/provisioner/fake"
	"github.com/seantiz/funclite/internal/retry"
	"github.com/seantiz/funclite/internal/store"
)

const testSecret = "test-secret"

type testEnv struct {
	srv  *Server
	ts   *httptest.Server
	prov *fake.Provisioner
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t, "").srv
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	packages := pkgstore.New(memblob.OpenBucket(nil))
	t.Cleanup(func() { packages.Close() })

	prov := fake.New()
	runtimes := provisioner.DefaultRegistry(prov, model.Tags, time.Second)
	pools := pool.NewManager(prov, runtimes, pool.Options{
		Targets:     map[model.Tag]int{model.TagNode: 1, model.TagPython: 1},
		CreateRetry: retry.Policy{Attempts: 1},
	}, logger)
	if err := pools.ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	fleetOpts := fleet.DefaultOptions()
	fleetOpts.CreateRetry = retry.Policy{Attempts: 1}
	fl := fleet.New(prov, fleetOpts, logger)
	t.Cleanup(fl.Wait)

	srv := NewServer(":0", Services{
		Functions: function.NewRegistry(packages, pools, runtimes, st, logger),
		Fleet:     fl,
		Pools:     pools,
		Store:     st,
	}, secret, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, prov: prov}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *testEnv) expect(t *testing.T, method, path string, body []byte, want int) []byte {
	t.Helper()
	resp, data := e.do(t, method, path, "", body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d (body %s)", method, path, resp.StatusCode, want, data)
	}
	return data
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	e := newTestEnv(t, "")

	req, _ := http.NewRequest("OPTIONS", e.ts.URL+"/v1/functions", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestFunctionLifecycle(t *testing.T) {
	e := newTestEnv(t, "")

	var info function.Info
	data := e.expect(t, "POST", "/v1/functions/resize?tag=python", []byte("print('hi')"), http.StatusCreated)
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != "resize" || info.Tag != model.TagPython || len(info.Versions) != 1 || info.Versions[0] != 1 {
		t.Errorf("created = %+v", info)
	}
	e.expect(t, "POST", "/v1/functions/resize?tag=python", []byte("v2"), http.StatusCreated)

	data = e.expect(t, "GET", "/v1/functions/resize/versions", nil, http.StatusOK)
	var versions struct {
		Versions []int `json:"versions"`
	}
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versions.Versions) != 2 {
		t.Errorf("versions = %v, want 2 entries", versions.Versions)
	}

	data = e.expect(t, "POST", "/v1/functions/resize/run?version=1", []byte(`{"width":10}`), http.StatusOK)
	if !bytes.Equal(bytes.TrimSpace(data), []byte(`{"width":10}`)) {
		t.Errorf("run response = %s", data)
	}

	var list []function.Info
	data = e.expect(t, "GET", "/v1/functions", nil, http.StatusOK)
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %+v, want one function", list)
	}

	e.expect(t, "DELETE", "/v1/functions/resize/versions/1", nil, http.StatusNoContent)
	e.expect(t, "POST", "/v1/functions/resize/run?version=1", nil, http.StatusNotFound)
	e.expect(t, "DELETE", "/v1/functions/resize", nil, http.StatusNoContent)
	e.expect(t, "GET", "/v1/functions/resize", nil, http.StatusNotFound)
}

func TestFunctionErrors(t *testing.T) {
	e := newTestEnv(t, "")
	e.expect(t, "POST", "/v1/functions/fn?tag=node", []byte("x"), http.StatusCreated)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown tag", "POST", "/v1/functions/fn?tag=cobol", "x", http.StatusBadRequest},
		{"missing package", "POST", "/v1/functions/other?tag=node", "", http.StatusBadRequest},
		{"tag mismatch", "POST", "/v1/functions/fn?tag=python", "x", http.StatusConflict},
		{"invalid name", "POST", "/v1/functions/Bad!Name?tag=node", "x", http.StatusBadRequest},
		{"unknown function", "GET", "/v1/functions/nope", "", http.StatusNotFound},
		{"bad version", "POST", "/v1/functions/fn/run?version=abc", "", http.StatusBadRequest},
		{"bad payload", "POST", "/v1/functions/fn/run", "{not json", http.StatusBadRequest},
		{"bad version path", "DELETE", "/v1/functions/fn/versions/zero", "", http.StatusBadRequest},
		{"unknown version", "DELETE", "/v1/functions/fn/versions/9", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := e.do(t, tt.method, tt.path, "", []byte(tt.body))
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, data)
			}
		})
	}
}

func TestRunWithoutCapacity(t *testing.T) {
	e := newTestEnv(t, "")
	e.expect(t, "POST", "/v1/functions/a?tag=node", []byte("a"), http.StatusCreated)
	e.expect(t, "POST", "/v1/functions/b?tag=node", []byte("b"), http.StatusCreated)

	e.expect(t, "POST", "/v1/functions/a/run", []byte(`1`), http.StatusOK)
	// The single node worker is bound to a.
	e.expect(t, "POST", "/v1/functions/b/run", []byte(`1`), http.StatusServiceUnavailable)
}

func TestInvocationsAndStats(t *testing.T) {
	e := newTestEnv(t, "")
	e.expect(t, "POST", "/v1/functions/echo?tag=python", []byte("x"), http.StatusCreated)
	for range 3 {
		e.expect(t, "POST", "/v1/functions/echo/run", []byte(`"hi"`), http.StatusOK)
	}

	var page listInvocationsResponse
	data := e.expect(t, "GET", "/v1/invocations?function=echo&limit=2", nil, http.StatusOK)
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode invocations: %v", err)
	}
	if page.Total != 3 || len(page.Invocations) != 2 || page.Limit != 2 {
		t.Errorf("page = total %d, len %d, limit %d", page.Total, len(page.Invocations), page.Limit)
	}

	data = e.expect(t, "GET", "/v1/invocations?function=other", nil, http.StatusOK)
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode invocations: %v", err)
	}
	if page.Total != 0 || page.Invocations == nil || page.Limit != defaultListLimit {
		t.Errorf("empty page = %+v", page)
	}

	var stats store.InvocationStats
	data = e.expect(t, "GET", "/v1/stats", nil, http.StatusOK)
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.CountByTag["python"] != 3 || stats.CountByStatus[model.InvocationSucceeded] != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestListPools(t *testing.T) {
	e := newTestEnv(t, "")

	var pools []pool.Status
	data := e.expect(t, "GET", "/v1/pools", nil, http.StatusOK)
	if err := json.Unmarshal(data, &pools); err != nil {
		t.Fatalf("decode pools: %v", err)
	}
	idle := 0
	for _, p := range pools {
		idle += p.Idle
	}
	if idle != 2 {
		t.Errorf("idle workers = %d, want 2", idle)
	}
}

func TestAppLifecycle(t *testing.T) {
	e := newTestEnv(t, "")
	template := []byte(`{"containers":[{"name":"web","image":"shop:1","ports":[{"port":80,"public":true}]}]}`)

	var groups []model.ReplicaGroup
	data := e.expect(t, "POST", "/v1/apps/shop", template, http.StatusCreated)
	if err := json.Unmarshal(data, &groups); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	if len(groups) != fleet.DefaultMinGroups {
		t.Fatalf("created %d groups, want %d", len(groups), fleet.DefaultMinGroups)
	}
	e.expect(t, "POST", "/v1/apps/shop", template, http.StatusConflict)

	data = e.expect(t, "POST", "/v1/apps/shop/functions/checkout", []byte(`{"cart":1}`), http.StatusOK)
	var resp struct {
		Group    string `json:"group"`
		Function string `json:"function"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode invoke: %v", err)
	}
	if resp.Function != "checkout" || model.AppFromGroupName(resp.Group) != "shop" {
		t.Errorf("invoke response = %+v", resp)
	}

	var apps []fleet.AppStatus
	data = e.expect(t, "GET", "/v1/apps", nil, http.StatusOK)
	if err := json.Unmarshal(data, &apps); err != nil {
		t.Fatalf("decode apps: %v", err)
	}
	if len(apps) != 1 || apps[0].RecentUsage != 1 {
		t.Errorf("apps = %+v", apps)
	}

	e.expect(t, "GET", "/v1/apps/shop/groups", nil, http.StatusOK)
	e.expect(t, "DELETE", "/v1/apps/shop", nil, http.StatusNoContent)
	e.expect(t, "GET", "/v1/apps/shop/groups", nil, http.StatusNotFound)
	e.expect(t, "POST", "/v1/apps/shop/functions/checkout", nil, http.StatusNotFound)
}

func TestCreateAppErrors(t *testing.T) {
	e := newTestEnv(t, "")

	tests := []struct {
		name string
		app  string
		body string
		want int
	}{
		{"malformed body", "shop", `{"containers":`, http.StatusBadRequest},
		{"unknown field", "shop", `{"replicas":3}`, http.StatusBadRequest},
		{"no containers", "shop", `{"containers":[]}`, http.StatusBadRequest},
		{"dash in name", "my-shop", `{"containers":[{"name":"web","image":"x"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := e.do(t, "POST", "/v1/apps/"+tt.app, "", []byte(tt.body))
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, data)
			}
		})
	}

	e.prov.FailGroupCreates(1)
	resp, _ := e.do(t, "POST", "/v1/apps/shop", "", []byte(`{"containers":[{"name":"web","image":"x"}]}`))
	if resp.StatusCode < http.StatusInternalServerError {
		t.Errorf("failed provisioning status = %d, want 5xx", resp.StatusCode)
	}
}

func TestRequireToken(t *testing.T) {
	e := newTestEnv(t, testSecret)

	valid, err := NewToken(testSecret, "ci", time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	expired, err := NewToken(testSecret, "ci", -time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	foreign, err := NewToken("other-secret", "ci", time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong secret", foreign, http.StatusUnauthorized},
		{"valid", valid, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := e.do(t, "POST", "/v1/functions/guarded?tag=node", tt.token, []byte("pkg"))
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, data)
			}
		})
	}

	// Reads and invocations stay open.
	e.expect(t, "GET", "/v1/functions/guarded", nil, http.StatusOK)
	e.expect(t, "POST", "/v1/functions/guarded/run", []byte(`{}`), http.StatusOK)
}

func TestVerifyTokenRejectsOtherAlgorithms(t *testing.T) {
	// {"alg":"none"} with an empty signature.
	raw := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJjaSJ9."
	if _, err := verifyToken(raw, []byte(testSecret)); err == nil {
		t.Error("verifyToken accepted an unsigned token")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{function.ErrNotFound, http.StatusNotFound},
		{fleet.ErrExists, http.StatusConflict},
		{pool.ErrNoCapacity, http.StatusServiceUnavailable},
		{provisioner.ErrNoRuntime, http.StatusBadRequest},
		{provisioner.ErrProvisioning, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
