package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasew/imgcache/internal/errutil"
	"github.com/lucasew/imgcache/internal/eviction"
	"github.com/lucasew/imgcache/internal/offline"
	"github.com/lucasew/imgcache/internal/optimizer"
	"github.com/lucasew/imgcache/internal/perf"
	"github.com/lucasew/imgcache/internal/queue"
	"github.com/lucasew/imgcache/internal/retry"
	"github.com/lucasew/imgcache/internal/store"
	"github.com/lucasew/imgcache/internal/worker"
)

type Scheduler interface {
	Stats() queue.Stats
	Health() queue.Health
	EstimatedTimeToCompletion() (time.Duration, bool)
}

type Cleaner interface {
	Run(ctx context.Context) (eviction.Result, error)
	RunAggressive(ctx context.Context) (eviction.Result, error)
	Status() eviction.Status
}

type Messenger interface {
	Handle(ctx context.Context, req worker.Request, emit func(worker.Response)) error
}

// API exposes the state of every component and the maintenance
// operations as JSON endpoints.
type API struct {
	Store     store.Store
	Scheduler Scheduler
	Errors    interface{ Status() retry.Status }
	Optimizer interface{ Status() optimizer.Status }
	Offline   interface {
		Status(ctx context.Context) (offline.Status, error)
	}
	Perf interface {
		Metrics() perf.Metrics
		Export() perf.Export
	}
	Cleaner Cleaner
	Worker  Messenger
}

// QueueStats is the scheduler section of Stats.
type QueueStats struct {
	queue.Stats
	Health              queue.Health  `json:"health"`
	EstimatedCompletion time.Duration `json:"estimatedCompletion,omitempty"`
}

type Stats struct {
	Cache       store.Stats      `json:"cache"`
	Queue       QueueStats       `json:"queue"`
	Errors      retry.Status     `json:"errors"`
	Optimizer   optimizer.Status `json:"optimizer"`
	Offline     offline.Status   `json:"offline"`
	Performance perf.Metrics     `json:"performance"`
	Cleanup     eviction.Status  `json:"cleanup"`
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", a.stats)
	mux.HandleFunc("GET /api/performance/export", a.export)
	mux.HandleFunc("POST /api/cleanup", a.cleanup)
	mux.HandleFunc("DELETE /api/cache", a.clear)
	mux.HandleFunc("POST /api/messages", a.messages)
}

func (a *API) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Cache, err = a.Store.Stats(ctx); err != nil {
		return st, err
	}
	if st.Offline, err = a.Offline.Status(ctx); err != nil {
		return st, err
	}
	st.Queue = QueueStats{Stats: a.Scheduler.Stats(), Health: a.Scheduler.Health()}
	if eta, ok := a.Scheduler.EstimatedTimeToCompletion(); ok {
		st.Queue.EstimatedCompletion = eta
	}
	st.Errors = a.Errors.Status()
	st.Optimizer = a.Optimizer.Status()
	st.Performance = a.Perf.Metrics()
	st.Cleanup = a.Cleaner.Status()
	return st, nil
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Stats(r.Context())
	if err != nil {
		errutil.ReportError(err, "Failed to collect stats")
		http.Error(w, "Failed to collect stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Disposition", `attachment; filename="performance.json"`)
	writeJSON(w, http.StatusOK, a.Perf.Export())
}

func (a *API) cleanup(w http.ResponseWriter, r *http.Request) {
	run := a.Cleaner.Run
	if r.URL.Query().Get("aggressive") != "" {
		run = a.Cleaner.RunAggressive
	}
	res, err := run(r.Context())
	if err != nil {
		errutil.ReportError(err, "Cleanup failed")
		http.Error(w, "Cleanup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) clear(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.Clear(r.Context())
	if err != nil {
		errutil.ReportError(err, "Failed to clear cache")
		http.Error(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, worker.Cleared{Cleared: n})
}

// messages reads newline delimited worker requests and streams the
// responses back as newline delimited JSON.
func (a *API) messages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	emit := func(resp worker.Response) {
		if err := enc.Encode(resp); err != nil {
			slog.Debug("Failed to write message", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	dec := json.NewDecoder(r.Body)
	for {
		var req worker.Request
		err := dec.Decode(&req)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			emit(worker.Response{Type: worker.Error, Error: "invalid message: " + err.Error()})
			return
		}
		if err := a.Worker.Handle(r.Context(), req, emit); err != nil {
			emit(worker.Response{Type: worker.Error, Error: err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	errutil.LogMsg(json.NewEncoder(w).Encode(v), "Failed to encode response")
}
