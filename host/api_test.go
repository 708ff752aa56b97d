package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Blackrose-blackhat/run-state/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type testHost struct {
	state *supervisor.State
	diag  *supervisor.Diagnostics
	api   *API
	url   string
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	logger := zaptest.NewLogger(t)
	state := supervisor.NewState()
	diag := supervisor.NewDiagnostics(100)
	sup := supervisor.New(state, supervisor.WithLogger(logger), supervisor.WithDiagnostics(diag))
	control := supervisor.NewControlClient(state, supervisor.WithControlLogger(logger))
	reaper := supervisor.NewReaper(state, logger, time.Second)

	api := NewAPI(NewCommands(state, sup, control), reaper, WithLogger(logger))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testHost{state: state, diag: diag, api: api, url: srv.URL}
}

// fakeEngine serves h as the engine control endpoint and announces its port into state.
func fakeEngine(t *testing.T, state *supervisor.State, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	state.SetPort(uint16(port))
}

func getJSON(t *testing.T, u string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func post(t *testing.T, u, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(u, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestEnginePort(t *testing.T) {
	h := newTestHost(t)

	var resp PortResponse
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/port", &resp))
	assert.Nil(t, resp.Port)

	h.state.SetPort(54321)
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/port", &resp))
	require.NotNil(t, resp.Port)
	assert.Equal(t, uint16(54321), *resp.Port)
}

func TestEngineStatus(t *testing.T) {
	h := newTestHost(t)

	var st supervisor.Status
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/status", &st))
	assert.Equal(t, supervisor.PhaseNotStarted, st.Phase)
	assert.Nil(t, st.Port)
}

func TestKillProcessNotReady(t *testing.T) {
	h := newTestHost(t)

	code, body := post(t, h.url+"/process/kill", `{"pid":1234}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not ready")
}

func TestKillProcess(t *testing.T) {
	cases := []struct {
		name       string
		reqBody    string
		engineCode int
		engineBody string
		expCode    int
		expBody    string
		expCalls   int32
	}{
		{name: "success", reqBody: `{"pid":1234,"force":true}`, engineCode: http.StatusOK, engineBody: `{"success":true}`, expCode: http.StatusNoContent, expCalls: 1},
		{name: "engine error", reqBody: `{"pid":1234}`, engineCode: http.StatusInternalServerError, engineBody: "boom", expCode: http.StatusBadGateway, expBody: "boom", expCalls: 1},
		{name: "engine error without body", reqBody: `{"pid":1234}`, engineCode: http.StatusInternalServerError, expCode: http.StatusBadGateway, expBody: "Unknown error", expCalls: 1},
		{name: "negative pid", reqBody: `{"pid":-1}`, expCode: http.StatusBadRequest},
		{name: "malformed", reqBody: `{`, expCode: http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newTestHost(t)
			var calls int32
			var got supervisor.KillRequest
			fakeEngine(t, h.state, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(c.engineCode)
				_, _ = w.Write([]byte(c.engineBody))
			})

			code, body := post(t, h.url+"/process/kill", c.reqBody)
			assert.Equal(t, c.expCode, code)
			assert.Contains(t, body, c.expBody)
			assert.Equal(t, c.expCalls, atomic.LoadInt32(&calls))
			if c.expCode == http.StatusNoContent {
				assert.Equal(t, supervisor.KillRequest{PID: 1234, Force: true}, got)
			}
		})
	}
}

func TestEngineHealth(t *testing.T) {
	h := newTestHost(t)
	var errResp errorResponse
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, h.url+"/engine/health", &errResp))
	assert.Contains(t, errResp.Error, "not ready")

	fakeEngine(t, h.state, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(supervisor.HealthResult{Status: "ok", PID: 42})
	})
	var health supervisor.HealthResult
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/health", &health))
	assert.Equal(t, 42, health.PID)
}

func TestDiagnostics(t *testing.T) {
	h := newTestHost(t)

	var resp DiagnosticsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/diagnostics", &resp))
	assert.Empty(t, resp.Lines)

	h.diag.Append("stderr", "rules loaded")
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/diagnostics", &resp))
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "rules loaded", resp.Lines[0].Text)
	assert.Equal(t, "stderr", resp.Lines[0].Stream)
}

func TestDiagnosticsStream(t *testing.T) {
	h := newTestHost(t)
	h.diag.Append("stderr", "first")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/engine/diagnostics/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var line supervisor.Line
	require.NoError(t, wsjson.Read(ctx, conn, &line))
	assert.Equal(t, "first", line.Text)

	// lines appended after connecting are streamed
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.diag.Append("stdout", "second")
	}()
	require.NoError(t, wsjson.Read(ctx, conn, &line))
	assert.Equal(t, "second", line.Text)
	assert.Equal(t, "stdout", line.Stream)
}

func TestLifecycleClose(t *testing.T) {
	h := newTestHost(t)

	code, body := post(t, h.url+"/lifecycle/close", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"reaped":false}`, body)

	select {
	case <-h.api.Closed():
	default:
		t.Fatal("API not closed after lifecycle close")
	}

	// closing twice is harmless
	code, _ = post(t, h.url+"/lifecycle/close", "")
	assert.Equal(t, http.StatusAccepted, code)
}

func TestDiagnosticsStreamNoGapsOrDuplicates(t *testing.T) {
	h := newTestHost(t)
	for i := 0; i < 5; i++ {
		h.diag.Append("stderr", "before")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/engine/diagnostics/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// stdout and stderr are appended from separate goroutines, like the engine's two drainers
	for _, stream := range []string{"stdout", "stderr"} {
		go func(stream string) {
			for i := 0; i < 25; i++ {
				h.diag.Append(stream, "during")
			}
		}(stream)
	}

	for want := uint64(1); want <= 55; want++ {
		var line supervisor.Line
		require.NoError(t, wsjson.Read(ctx, conn, &line))
		require.Equal(t, want, line.Seq)
	}
}
