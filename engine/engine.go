// Package engine is the privileged helper supervised by the runstate host.
// It announces its control port on stdout with a single "PORT=<n>" line and then serves
// kill requests for arbitrary processes on 127.0.0.1.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	rsnet "github.com/Blackrose-blackhat/run-state/internal/net"
	"github.com/Blackrose-blackhat/run-state/internal/proc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const DefaultKillGrace = 4 * time.Second

// Engine is the privileged helper's control endpoint.
// It only ever listens on loopback and is not authenticated.
type Engine struct {
	logger *zap.SugaredLogger

	killGrace         time.Duration
	parent            io.Reader
	parentGoneHandler func()

	httpServer *http.Server
	serverMut  sync.Mutex
	shutdown   bool
}

type Option func(e *Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l.Named("engine").Sugar()
	}
}

// WithKillGrace sets how long a process gets to exit after SIGTERM before it is killed.
func WithKillGrace(d time.Duration) Option {
	return func(e *Engine) {
		e.killGrace = d
	}
}

// WithParentWatch calls f once r reaches EOF.
// The supervisor holds the write end of the engine's stdin, so EOF means the supervisor is gone.
func WithParentWatch(r io.Reader, f func()) Option {
	return func(e *Engine) {
		e.parent = r
		e.parentGoneHandler = f
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		logger:    zap.NewNop().Sugar(),
		killGrace: DefaultKillGrace,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Announce writes the handshake line for port.
func Announce(w io.Writer, port int) error {
	_, err := fmt.Fprintf(w, "PORT=%d\n", port)
	return err
}

// startParentWatch starts a goroutine that runs the parent-gone handler once stdin hits EOF.
func (e *Engine) startParentWatch() {
	if e.parent == nil {
		return
	}
	go func() {
		_, err := io.Copy(io.Discard, e.parent)
		if err != nil {
			e.logger.Debugf("reading parent pipe: %s", err)
		}
		e.logger.Info("parent pipe closed")
		if e.parentGoneHandler != nil {
			e.parentGoneHandler()
		}
	}()
}

func (e *Engine) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", e.health)
	router.POST("/kill", e.kill)
	router.PanicHandler = e.recoverPanic
	return e.logRequests(router)
}

// Listen binds an ephemeral loopback port.
func (e *Engine) Listen() (net.Listener, error) {
	l, err := rsnet.ListenLoopback()
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Run announces the listener's port on out and serves until Stop or Shutdown is called.
func (e *Engine) Run(l net.Listener, out io.Writer) error {
	server := &http.Server{Handler: e.Handler(), ReadHeaderTimeout: 10 * time.Second}
	e.serverMut.Lock()
	if e.shutdown {
		e.serverMut.Unlock()
		return nil
	}
	e.httpServer = server
	e.serverMut.Unlock()

	port := rsnet.Port(l)
	if err := Announce(out, port); err != nil {
		return fmt.Errorf("announcing port: %w", err)
	}
	e.logger.Infof("listening on %s", l.Addr())
	e.startParentWatch()

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.serverMut.Lock()
	e.shutdown = true
	server := e.httpServer
	e.serverMut.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type HealthResponse struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

func (e *Engine) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	e.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", PID: os.Getpid()})
}

type KillRequest struct {
	PID   int64 `json:"pid"`
	Force bool  `json:"force"`
}

type KillResponse struct {
	Success bool   `json:"success"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *Engine) kill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req KillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}

	switch {
	case req.PID <= 0:
		http.Error(w, fmt.Sprintf("Cannot terminate system kernel process (PID %d)", req.PID), http.StatusForbidden)
		return
	case req.PID > math.MaxInt32:
		http.Error(w, fmt.Sprintf("invalid pid %d", req.PID), http.StatusBadRequest)
		return
	case req.PID == int64(os.Getpid()):
		http.Error(w, "refusing to terminate the engine itself", http.StatusForbidden)
		return
	}

	pid := int(req.PID)
	e.logger.Infof("terminating pid %d (force=%v)", pid, req.Force)
	phase, err := proc.Terminate(pid, e.killGrace, req.Force)
	if errors.Is(err, proc.ErrNotRunning) {
		http.Error(w, fmt.Sprintf("process %d not found", pid), http.StatusNotFound)
		return
	}
	if err != nil {
		e.logger.Debugf("terminating pid %d: %s", pid, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	e.writeJSON(w, http.StatusOK, KillResponse{
		Success: true,
		Phase:   phase,
		Message: fmt.Sprintf("process %d terminated", pid),
	})
}

func (e *Engine) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		e.logger.Debugf("error writing response: %s", err)
	}
}

func (e *Engine) recoverPanic(w http.ResponseWriter, r *http.Request, v interface{}) {
	e.logger.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, v)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (e *Engine) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		e.logger.Infow("request",
			"Method", r.Method,
			"Path", r.URL.Path,
			"Status", rec.status,
			"Duration", time.Since(start),
			"RequestID", r.Header.Get("X-Request-Id"),
		)
	})
}
