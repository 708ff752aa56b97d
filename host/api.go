package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Blackrose-blackhat/run-state/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// API serves Commands over HTTP on loopback to the UI layer.
type API struct {
	logger   *zap.SugaredLogger
	commands *Commands
	reaper   *supervisor.Reaper

	originPatterns []string

	httpServer *http.Server
	serverMut  sync.Mutex
	shutdown   bool

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(a *API)

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		a.logger = l.Named("host_api").Sugar()
	}
}

// WithOriginPatterns allows cross-origin WebSocket connections from the given host patterns,
// such as the origin the shell serves its UI from.
func WithOriginPatterns(patterns ...string) Option {
	return func(a *API) {
		a.originPatterns = patterns
	}
}

func NewAPI(commands *Commands, reaper *supervisor.Reaper, opts ...Option) *API {
	a := &API{
		logger:   zap.NewNop().Sugar(),
		commands: commands,
		reaper:   reaper,
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *API) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/engine/port", a.enginePort)
	router.GET("/engine/status", a.engineStatus)
	router.GET("/engine/health", a.engineHealth)
	router.GET("/engine/diagnostics", a.diagnostics)
	router.GET("/engine/diagnostics/stream", a.diagnosticsStream)
	router.POST("/process/kill", a.killProcess)
	router.POST("/lifecycle/close", a.lifecycleClose)
	return router
}

// Serve serves the API on l until Shutdown is called.
func (a *API) Serve(l net.Listener) error {
	server := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	a.serverMut.Lock()
	if a.shutdown {
		a.serverMut.Unlock()
		return nil
	}
	a.httpServer = server
	a.serverMut.Unlock()

	a.logger.Infof("serving host API on %s", l.Addr())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	a.serverMut.Lock()
	a.shutdown = true
	server := a.httpServer
	a.serverMut.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Closed is closed when the UI reports its window was closed.
func (a *API) Closed() <-chan struct{} {
	return a.closed
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, err error) {
	a.writeJSON(w, code, errorResponse{Error: err.Error()})
}

type PortResponse struct {
	Port *uint16 `json:"port"`
}

func (a *API) enginePort(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var resp PortResponse
	if port, ok := a.commands.EnginePort(); ok {
		resp.Port = &port
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) engineStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, a.commands.EngineStatus())
}

func (a *API) engineHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	health, err := a.commands.EngineHealth(r.Context())
	if err != nil {
		a.writeError(w, controlErrorStatus(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, health)
}

type KillProcessRequest struct {
	PID   uint32 `json:"pid"`
	Force bool   `json:"force"`
}

func (a *API) killProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req KillProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	err := a.commands.KillProcess(r.Context(), req.PID, req.Force)
	if err != nil {
		a.logger.Debugf("kill_process %d failed: %s", req.PID, err)
		a.writeError(w, controlErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// controlErrorStatus maps control channel errors to the status returned to the UI.
func controlErrorStatus(err error) int {
	if errors.Is(err, supervisor.ErrNotReady) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

type DiagnosticsResponse struct {
	Lines []supervisor.Line `json:"lines"`
}

func (a *API) diagnostics(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	lines := a.commands.Diagnostics().Recent()
	if lines == nil {
		lines = []supervisor.Line{}
	}
	a.writeJSON(w, http.StatusOK, DiagnosticsResponse{Lines: lines})
}

// diagnosticsStream sends the buffered engine output followed by every new line as JSON messages.
func (a *API) diagnosticsStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  a.originPatterns,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusInternalError, "")

	// the client never sends anything, CloseRead notices when it goes away
	ctx := wsConn.CloseRead(r.Context())

	diag := a.commands.Diagnostics()
	lines, unsubscribe := diag.Subscribe(64)
	defer unsubscribe()

	var last uint64
	for _, line := range diag.Recent() {
		if err := wsjson.Write(ctx, wsConn, line); err != nil {
			a.logger.Debugf("error writing diagnostics: %s", err)
			return
		}
		last = line.Seq
	}

	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case <-a.closed:
			wsConn.Close(websocket.StatusGoingAway, "host closing")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			// lines appended between Subscribe and Recent were already sent
			if line.Seq <= last {
				continue
			}
			if err := wsjson.Write(ctx, wsConn, line); err != nil {
				a.logger.Debugf("error writing diagnostics: %s", err)
				return
			}
		}
	}
}

// lifecycleClose handles the UI's window close: the engine is reaped before the response is sent.
func (a *API) lifecycleClose(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	reaped := a.reaper.Reap(supervisor.TriggerWindowClose)
	a.closeOnce.Do(func() { close(a.closed) })
	a.writeJSON(w, http.StatusAccepted, struct {
		Reaped bool `json:"reaped"`
	}{Reaped: reaped})
}
