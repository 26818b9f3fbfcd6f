// Package httpapi serves the admin endpoints: liveness, readiness, metrics
// and a read-only view of the job table.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobsched/internal/poller"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// JobReader is the read side of storage.Store.
type JobReader interface {
	ListJobs(ctx context.Context) ([]*storage.Job, error)
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	CountJobs(ctx context.Context) (int, error)
	GetParameters(ctx context.Context, jobID string) ([]storage.JobParameter, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Store    JobReader
	WorkerID string
	// Status reports the poller state; nil means the poller is not wired.
	Status  func() poller.Status
	Metrics http.Handler
	Debug   DebugConfig
	Log     logx.Logger
}

type Server struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Server{d: d, log: d.Log.With(logx.String("comp", "http"))}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if s.d.Metrics != nil {
		r.Handle("/metrics", s.d.Metrics)
	}
	r.Get("/status", s.status)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
	})
	if s.d.Debug.Enabled {
		r.Mount("/debug", s.debugHandler())
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.log.Enabled(logx.LevelDebug) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ready"}
	code := http.StatusOK
	if err := s.d.Store.Ping(ctx); err != nil {
		body["status"], body["store"] = "not ready", err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.d.Status != nil && !s.d.Status().Running {
		body["status"], body["poller"] = "not ready", "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

type poolView struct {
	Workers   int    `json:"workers"`
	Idle      int    `json:"idle"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type statusView struct {
	WorkerID string     `json:"worker_id"`
	Jobs     int        `json:"jobs"`
	Running  bool       `json:"running"`
	LastTick *time.Time `json:"last_tick,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
	Pool     *poolView  `json:"pool,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Store.CountJobs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	v := statusView{WorkerID: s.d.WorkerID, Jobs: n}
	if s.d.Status != nil {
		st := s.d.Status()
		v.Running, v.LastErr = st.Running, st.LastErr
		if !st.LastRun.IsZero() {
			v.LastTick = &st.LastRun
		}
		p := st.Pool
		v.Pool = &poolView{p.Workers, p.Idle, p.QueueLen, p.QueueCap, p.Submitted, p.Completed, p.Failed}
	}
	writeJSON(w, http.StatusOK, v)
}

type jobView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Pattern         string            `json:"pattern"`
	Handler         string            `json:"handler"`
	Enabled         bool              `json:"enabled"`
	Status          string            `json:"status"`
	Attempts        int               `json:"attempts"`
	LockOwner       string            `json:"lock_owner,omitempty"`
	LastExecutedAt  *time.Time        `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time        `json:"next_execution_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

func viewOf(j *storage.Job) jobView {
	return jobView{
		ID: j.ID, Name: j.Name, Pattern: j.Pattern, Handler: j.HandlerRef, Enabled: j.Enabled,
		Status: j.Status.String(), Attempts: j.Attempts, LockOwner: j.LockOwner,
		LastExecutedAt: j.LastExecutedAt, NextExecutionAt: j.NextExecutionAt, UpdatedAt: j.UpdatedAt,
	}
}

// listJobs accepts an optional ?status= filter.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var want storage.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := storage.ParseStatus(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		want = st
	}
	jobs, err := s.d.Store.ListJobs(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		if want != "" && j.Status != want {
			continue
		}
		out = append(out, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.d.Store.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found", "id": id})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	params, err := s.d.Store.GetParameters(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	v := viewOf(job)
	if len(params) > 0 {
		v.Parameters = make(map[string]string, len(params))
		for _, p := range params {
			v.Parameters[p.Name] = p.Value
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error("admin request failed", logx.Err(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves h on addr until ctx ends, then shuts down within
// shutdownTimeout.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration, log logx.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("admin http listening", logx.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "listen on %s", addr)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "shutdown admin http")
	}
	return nil
}
