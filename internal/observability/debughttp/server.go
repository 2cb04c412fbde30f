// Package debughttp serves the operator debug surface: liveness, instance
// snapshots, recent alerts, manual maintenance runs and pprof.
//
// Security: bind to loopback (the default). A non-loopback address needs a
// Token unless AllowInsecure is set.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mjrelay/internal/instance"
	"mjrelay/internal/notifier"
	rtsup "mjrelay/internal/runtime/supervisor"
	"mjrelay/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Deps are the views the debug surface reads. Nil funcs disable their routes.
type Deps struct {
	Instances func() []instance.Snapshot
	Alerts    func() []notifier.HistoryItem
	// Ready reports why the relay cannot take jobs, or nil.
	Ready func() error
	// RunTask triggers a maintenance task by name.
	RunTask func(ctx context.Context, task string) error
}

var ErrInsecureBind = errors.New("debughttp: non-loopback addr requires token or allow_insecure")

type Service struct {
	log  logx.Logger
	deps Deps

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "debughttp"))}
}

// Handler builds the router for the current configuration.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	token := strings.TrimSpace(s.cfg.Token)
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, bearer(token))

	r.Get("/healthz", s.health)
	if s.deps.Instances != nil {
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.instances)
			r.Get("/{id}", s.instanceByID)
		})
	}
	if s.deps.Alerts != nil {
		r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, s.deps.Alerts()) })
	}
	if s.deps.RunTask != nil {
		r.Post("/maintenance/{task}", s.runTask)
	}
	r.Mount("/debug", middleware.Profiler())
	return r
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) instances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Instances())
}

func (s *Service) instanceByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, snap := range s.deps.Instances() {
		if snap.ID == id {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	http.Error(w, "instance not found", http.StatusNotFound)
}

func (s *Service) runTask(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	if err := s.deps.RunTask(r.Context(), task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"task": task, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task": task, "status": "done"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if strings.TrimSpace(got) != token {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start serves in the background until Stop or ctx ends. It is a no-op when
// disabled or running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return ErrInsecureBind
	}
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("debughttp.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("debug http started", logx.String("addr", s.addr), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Addr is the bound listen address while running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
		s.log.Info("debug http stopped")
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
