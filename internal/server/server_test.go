package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hjanuschka/go-projections/internal/auth"
	"github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/engine/gojaengine"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/metrics"
	"github.com/hjanuschka/go-projections/internal/projection"
	"github.com/hjanuschka/go-projections/internal/realtime"
	"github.com/hjanuschka/go-projections/internal/server"
)

const masterKey = "mk_test_master_key"

const counterQuery = `
fromAll().when({
  $init: function () { return { count: 0 }; },
  OrderPlaced: function (s, e) { s.count += e.data.qty; return s; }
});`

const partitionedQuery = `
fromCategory("order").foreachStream().when({
  $init: function () { return { count: 0 }; },
  $any: function (s) { s.count++; return s; }
}).transformBy(function (s) { return { doubled: s.count * 2 }; });`

type testServer struct {
	*httptest.Server
	api     *server.Server
	manager *projection.Manager
	logs    *logging.Logger
	token   string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	hash, err := auth.HashMasterKey(masterKey)
	require.NoError(t, err)
	security := &config.SecurityConfig{
		MasterKeyHash: hash,
		JWTSecret:     "test-jwt-secret",
		JWTExpiration: "1h",
	}

	broker := realtime.NewMemoryBroker()
	collector := metrics.NewCollector()
	manager, err := projection.NewManager(projection.Options{
		Engine:    &gojaengine.Engine{},
		Publisher: broker,
		Metrics:   collector,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	logs, err := logging.NewLogger(t.TempDir())
	require.NoError(t, err)
	logs.SetConsole(&bytes.Buffer{})
	t.Cleanup(logs.Close)

	api := server.New(&server.Config{Port: 0, Development: true}, server.Options{
		Manager:  manager,
		Security: security,
		Realtime: config.DefaultRealtimeConfig(),
		Broker:   broker,
		Metrics:  collector,
		Logs:     logs,
	})

	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	srv := &testServer{Server: ts, api: api, manager: manager, logs: logs}
	srv.token = srv.login(t)
	return srv
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, "POST", "/auth/login", "", `{"masterKey":"`+masterKey+`"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var login server.LoginResponse
	require.NoError(t, json.Unmarshal(resp.Body, &login))
	require.NotEmpty(t, login.Token)
	assert.True(t, login.IsAdmin)
	assert.Greater(t, login.ExpiresAt, time.Now().Unix())
	return login.Token
}

type response struct {
	Code int
	Body []byte
}

func (r response) decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body, v), string(r.Body))
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return response{Code: resp.StatusCode, Body: buf.Bytes()}
}

func TestLogin(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "wrong key", body: `{"masterKey":"mk_wrong"}`, want: http.StatusUnauthorized},
		{name: "missing key", body: `{}`, want: http.StatusBadRequest},
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ts.do(t, "POST", "/auth/login", "", tt.body).Code)
		})
	}

	resp := ts.do(t, "GET", "/auth/validate", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var claims map[string]interface{}
	resp.decode(t, &claims)
	assert.Equal(t, "master", claims["subject"])
	assert.Equal(t, true, claims["isAdmin"])

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "GET", "/auth/validate", "", "").Code)
}

func TestProjectionLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, "PUT", "/projections/orders", "", counterQuery)
	assert.Equal(t, http.StatusUnauthorized, resp.Code, "mutations need a token")

	resp = ts.do(t, "PUT", "/projections/orders", ts.token, counterQuery)
	require.Equal(t, http.StatusCreated, resp.Code, string(resp.Body))
	var created server.ProjectionResponse
	resp.decode(t, &created)
	assert.Equal(t, "orders", created.Name)
	assert.Equal(t, "orders.js", created.FileName)
	assert.Equal(t, counterQuery, created.Query)

	resp = ts.do(t, "GET", "/projections", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list []projection.Status
	resp.decode(t, &list)
	require.Len(t, list, 1)

	resp = ts.do(t, "GET", "/projections/orders/sources", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var sources projection.SourceDefinition
	resp.decode(t, &sources)
	assert.True(t, sources.AllStreams)
	assert.Equal(t, []string{"OrderPlaced"}, sources.Events)

	resp = ts.do(t, "POST", "/projections/orders/events", ts.token,
		`{"streamId":"order-1","eventType":"OrderPlaced","body":{"qty":2}}`)
	require.Equal(t, http.StatusOK, resp.Code, string(resp.Body))
	var result projection.Result
	resp.decode(t, &result)
	assert.True(t, result.Handled)
	assert.JSONEq(t, `{"count":2}`, string(result.State))

	resp = ts.do(t, "POST", "/projections/orders/events", ts.token, `[
		{"streamId":"order-1","eventType":"OrderPlaced","body":{"qty":3}},
		{"streamId":"order-2","eventType":"OrderShipped","body":{}}
	]`)
	require.Equal(t, http.StatusOK, resp.Code, string(resp.Body))
	var results []projection.Result
	resp.decode(t, &results)
	require.Len(t, results, 2)
	assert.False(t, results[1].Handled)

	resp = ts.do(t, "GET", "/projections/orders/state", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"count":5}`, string(resp.Body))

	resp = ts.do(t, "GET", "/projections/orders", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var got server.ProjectionResponse
	resp.decode(t, &got)
	assert.Equal(t, "C:3/P:3", got.LastTag.String())

	resp = ts.do(t, "PUT", "/projections/orders?file=orders.js", ts.token, counterQuery+"\n")
	require.Equal(t, http.StatusOK, resp.Code, "existing projections are replaced")
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/projections/orders/state", "", "").Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/projections/orders", ts.token, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/projections/orders", "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/projections/orders", ts.token, "").Code)
}

func TestPartitionedResults(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, "PUT", "/projections/per-order", ts.token, partitionedQuery).Code)

	for _, stream := range []string{"order-1", "order-1", "order-2", "customer-9"} {
		resp := ts.do(t, "POST", "/projections/per-order/events", ts.token,
			`{"streamId":"`+stream+`","eventType":"Touched"}`)
		require.Equal(t, http.StatusOK, resp.Code, string(resp.Body))
	}

	resp := ts.do(t, "GET", "/projections/per-order/partitions", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"partitions":["order-1","order-2"]}`, string(resp.Body))

	resp = ts.do(t, "GET", "/projections/per-order/state?partition=order-1", "", "")
	assert.JSONEq(t, `{"count":2}`, string(resp.Body))
	resp = ts.do(t, "GET", "/projections/per-order/result?partition=order-1", "", "")
	assert.JSONEq(t, `{"doubled":4}`, string(resp.Body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/projections/per-order/state?partition=nope", "", "").Code)
}

func TestQueryErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name  string
		path  string
		body  string
		want  int
		kind  string
		check func(t *testing.T, d *server.ErrorDetail)
	}{
		{
			name: "syntax error",
			path: "/projections/broken",
			body: "fromAll().when({\n",
			want: http.StatusUnprocessableEntity,
			kind: "compile error",
			check: func(t *testing.T, d *server.ErrorDetail) {
				assert.Equal(t, "broken.js", d.Module)
				assert.Positive(t, d.Line)
			},
		},
		{
			name: "throws at load",
			path: "/projections/thrower",
			body: `throw new Error("nope");`,
			want: http.StatusUnprocessableEntity,
			kind: "runtime error",
		},
		{name: "no sources", path: "/projections/empty", body: `var x = 1;`, want: http.StatusBadRequest, kind: "validation"},
		{name: "invalid name", path: "/projections/bad%20name", body: counterQuery, want: http.StatusBadRequest, kind: "validation"},
		{name: "empty body", path: "/projections/blank", body: "  ", want: http.StatusBadRequest},
		{name: "nested file", path: "/projections/x?file=../x.js", body: counterQuery, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, "PUT", tt.path, ts.token, tt.body)
			require.Equal(t, tt.want, resp.Code, string(resp.Body))
			var body server.ErrorResponse
			resp.decode(t, &body)
			assert.NotEmpty(t, body.Error)
			if tt.kind != "" {
				require.NotNil(t, body.Details)
				assert.Equal(t, tt.kind, body.Details.Kind)
			}
			if tt.check != nil {
				tt.check(t, body.Details)
			}
		})
	}
	assert.Empty(t, ts.manager.List())
}

func TestTypeScriptQuery(t *testing.T) {
	ts := setupTestServer(t)
	query := `
interface State { count: number }
fromAll().when({
  $init: (): State => ({ count: 0 }),
  $any: (s: State): State => { s.count++; return s; }
});`
	resp := ts.do(t, "PUT", "/projections/typed?file=typed.ts", ts.token, query)
	require.Equal(t, http.StatusCreated, resp.Code, string(resp.Body))

	resp = ts.do(t, "POST", "/projections/typed/events", ts.token, `{"streamId":"a","eventType":"Any"}`)
	require.Equal(t, http.StatusOK, resp.Code, string(resp.Body))
	resp = ts.do(t, "GET", "/projections/typed/state", "", "")
	assert.JSONEq(t, `{"count":1}`, string(resp.Body))
}

func TestFeedErrors(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, "PUT", "/projections/orders", ts.token, counterQuery).Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/projections/missing/events", ts.token, `{"streamId":"a","eventType":"X"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/projections/orders/events", ts.token, `{"streamId":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/projections/orders/events", ts.token, `nope`).Code)

	resp := ts.do(t, "POST", "/projections/orders/events", ts.token, `[
		{"streamId":"a","eventType":"OrderPlaced","body":{"qty":1},"position":{"commit":10,"prepare":10}},
		{"streamId":"a","eventType":"OrderPlaced","body":{"qty":1},"position":{"commit":5,"prepare":5}}
	]`)
	require.Equal(t, http.StatusConflict, resp.Code, string(resp.Body))
	var feedErr server.FeedError
	resp.decode(t, &feedErr)
	assert.Equal(t, 1, feedErr.Index)
	assert.Len(t, feedErr.Results, 1)

	resp = ts.do(t, "GET", "/projections/orders/state", "", "")
	assert.JSONEq(t, `{"count":1}`, string(resp.Body), "earlier events of a failed batch stay applied")
}

func TestNonAdminTokenIsForbidden(t *testing.T) {
	ts := setupTestServer(t)
	token, _, err := ts.api.JWTManager().GenerateToken("dashboard", "reader")
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, ts.do(t, "PUT", "/projections/orders", token, counterQuery).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/metrics", token, "").Code, "reads only need a valid token")
}

func TestLogEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	log := ts.logs.WithComponent("projection")
	log.Info("Projection created", logging.Fields{"projection": "orders"})
	log.Error("Event processing failed", logging.Fields{"projection": "orders"})
	log.Info("Projection deleted", logging.Fields{"projection": "orders"})

	reader, _, err := ts.api.JWTManager().GenerateToken("dashboard", "reader")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "GET", "/logs", "", "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, "GET", "/logs", reader, "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, "GET", "/logs/files", reader, "").Code)

	resp := ts.do(t, "GET", "/logs/files", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var files struct {
		Files []string `json:"files"`
	}
	resp.decode(t, &files)
	require.Len(t, files.Files, 1)
	assert.Equal(t, time.Now().Format("2006-01-02")+".jsonl", files.Files[0])

	var logs struct {
		Logs  []logging.LogEntry `json:"logs"`
		Count int                `json:"count"`
	}
	resp = ts.do(t, "GET", "/logs?level=error", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	resp.decode(t, &logs)
	require.Equal(t, 1, logs.Count)
	assert.Equal(t, "Event processing failed", logs.Logs[0].Message)

	resp = ts.do(t, "GET", "/logs?file="+files.Files[0]+"&limit=1", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	resp.decode(t, &logs)
	require.Equal(t, 1, logs.Count)
	assert.Equal(t, "Projection deleted", logs.Logs[0].Message, "limit keeps the newest entries")

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/logs?limit=0", ts.token, "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/logs?file=..%2Fsecrets.jsonl", ts.token, "").Code)
}

func TestMetricsEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do(t, "PUT", "/projections/orders", ts.token, counterQuery).Code)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "GET", "/metrics", "", "").Code)

	resp := ts.do(t, "GET", "/metrics?period=hourly&projection=orders", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var agg struct {
		Period string `json:"period"`
		Count  int    `json:"count"`
	}
	resp.decode(t, &agg)
	assert.Equal(t, "hourly", agg.Period)
	assert.Positive(t, agg.Count)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/metrics?period=yearly", ts.token, "").Code)

	resp = ts.do(t, "GET", "/metrics/system", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var stats map[string]interface{}
	resp.decode(t, &stats)
	assert.EqualValues(t, 1, stats["projections_loaded"])

	resp = ts.do(t, "GET", "/metrics/projections", ts.token, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, string(resp.Body), "orders")
}

func TestHealthAndNotFound(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.do(t, "GET", "/health", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, string(resp.Body), `"engine":"goja"`)

	resp = ts.do(t, "GET", "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(t, "OPTIONS", "/projections/orders", "", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWebSocketReceivesStateUpdates(t *testing.T) {
	ts := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.api.Hub().Run(ctx)

	require.Equal(t, http.StatusCreated, ts.do(t, "PUT", "/projections/orders", ts.token, counterQuery).Code)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readType := func(want string) map[string]interface{} {
		t.Helper()
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var msg map[string]interface{}
			require.NoError(t, conn.ReadJSON(&msg))
			if msg["type"] == want {
				return msg
			}
		}
	}

	readType(realtime.MessageTypeConnect)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "join", "room": "orders"}))
	readType(realtime.MessageTypeJoin)

	resp := ts.do(t, "POST", "/projections/orders/events", ts.token, `{"streamId":"a","eventType":"OrderPlaced","body":{"qty":4}}`)
	require.Equal(t, http.StatusOK, resp.Code)

	msg := readType(realtime.MessageTypeProjectionState)
	assert.Equal(t, "orders", msg["room"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"count": float64(4)}, data["state"])
}
