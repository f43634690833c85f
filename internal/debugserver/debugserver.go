// Package debugserver exposes profiling and metrics of the shell daemon on a
// separate HTTP listener, and optionally records a CPU profile to a file
// for the lifetime of the process.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/sockshell/internal/consts"
	"github.com/codefionn/sockshell/internal/logger"
	"github.com/hashicorp/go-metrics"
	"github.com/julienschmidt/httprouter"
)

// Routes served on Config.Addr
const (
	PprofPath   = "/debug/pprof/"
	MetricsPath = "/debug/metrics"
	StatusPath  = "/debug/status"
)

// Config holds the debug server configuration
type Config struct {
	// Addr is the HTTP address, e.g. "localhost:6060". Empty disables HTTP.
	Addr string
	// CPUProfile is written from Start until Stop when set
	CPUProfile string
	// HeapProfile is written on Stop when set
	HeapProfile string
	// Metrics backs MetricsPath; the route is omitted when nil
	Metrics *metrics.InmemSink
	// Status reports daemon state on StatusPath
	Status func() map[string]any
}

// Server serves the debug endpoints
type Server struct {
	config Config
	log    *logger.Logger

	mu       sync.Mutex
	server   *http.Server
	addr     net.Addr
	cpuFile  *os.File
	stopping bool
}

// New creates a debug server; nothing runs until Start
func New(config Config) *Server {
	return &Server{
		config: config,
		log:    logger.Global().WithPrefix("debug"),
	}
}

// Start begins CPU profiling and serving HTTP as configured
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.CPUProfile != "" {
		f, err := createFile(s.config.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		s.cpuFile = f
	}

	if s.config.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.stopCPUProfile()
		return fmt.Errorf("failed to bind debug server: %w", err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          slog.NewLogLogger(logger.NewSlogHandler(s.log), slog.LevelError),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Debug server error: %v", err)
		}
	}()

	s.log.Info("Debug server listening on %s", s.addr)
	return nil
}

// Addr returns the bound HTTP address, nil before Start or without HTTP
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET(PprofPath+"*item", handlePprof)
	router.POST(PprofPath+"symbol", wrap(netpprof.Symbol))
	if s.config.Metrics != nil {
		router.GET(MetricsPath, s.handleMetrics)
	}
	router.GET(StatusPath, s.handleStatus)
	return router
}

func wrap(fn http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		fn(w, r)
	}
}

// handlePprof dispatches to the net/http/pprof handlers. Index also serves
// every named runtime profile.
func handlePprof(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch strings.TrimPrefix(ps.ByName("item"), "/") {
	case "cmdline":
		netpprof.Cmdline(w, r)
	case "profile":
		netpprof.Profile(w, r)
	case "symbol":
		netpprof.Symbol(w, r)
	case "trace":
		netpprof.Trace(w, r)
	default:
		netpprof.Index(w, r)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	summary, err := s.config.Metrics.DisplayMetrics(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status := map[string]any{}
	if s.config.Status != nil {
		status = s.config.Status()
	}
	status["time"] = time.Now().Format(time.RFC3339)
	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Stop ends profiling, writes the heap profile and shuts the HTTP server down
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil
	}
	s.stopping = true

	var errs []error
	if err := s.stopCPUProfile(); err != nil {
		errs = append(errs, err)
	}

	if s.config.HeapProfile != "" {
		if err := writeHeapProfile(s.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown debug server: %w", err))
		}
		s.server = nil
	}

	return errors.Join(errs...)
}

func (s *Server) stopCPUProfile() error {
	if s.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := s.cpuFile.Close()
	s.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func writeHeapProfile(path string) error {
	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
