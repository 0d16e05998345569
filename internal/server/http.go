package server

// ============================================================================
// HTTP API (chi)
// ============================================================================
//
//   POST /enqueue          204, X-Job-Id header
//   POST /seed?n=5         204
//   GET  /job              200 {job_id, payload, lease_sec} | 204
//   POST /result           204 {job_id, result}
//   POST /fail             204 {job_id, error}
//   GET  /result/{job_id}  200 | 404
//   GET  /queue/status     counts + recent results
//   GET  /queue/jobs       queued / inflight with payloads
//   POST /queue/clear      204
//   GET  /ping             "pong"
//   GET  /healthz          200 | 503
//   GET  /events           text/event-stream
//
// 錯誤回應格式: {"detail": "<message>"}
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akamine-lab/calc-pi-dist/internal/events"
	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const defaultSeed = 5

type httpAPI struct {
	queue  Queue
	hub    *events.Hub
	logger *slog.Logger
	now    func() time.Time
}

// HTTPHandler builds the router. rootPath ("" or "/pi") prefixes every route;
// hub may be nil, in which case /events is not served and no recent results
// are reported.
func HTTPHandler(q Queue, hub *events.Hub, rootPath string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	api := &httpAPI{queue: q, hub: hub, logger: logger, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/enqueue", api.enqueue)
	r.Post("/seed", api.seed)
	r.Get("/job", api.lease)
	r.Post("/result", api.complete)
	r.Post("/fail", api.fail)
	r.Get("/result/{job_id}", api.result)
	r.Get("/queue/status", api.status)
	r.Get("/queue/jobs", api.jobs)
	r.Post("/queue/clear", api.clear)
	r.Get("/ping", api.ping)
	r.Get("/healthz", api.healthz)
	if hub != nil {
		r.Get("/events", api.events)
	}

	rootPath = strings.TrimRight(rootPath, "/")
	if rootPath == "" {
		return r
	}
	root := chi.NewRouter()
	root.Mount(rootPath, r)
	return root
}

func (a *httpAPI) enqueue(w http.ResponseWriter, r *http.Request) {
	var payload types.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		writeDetail(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	id, err := a.queue.Enqueue(r.Context(), payload)
	if err != nil {
		a.writeError(w, "enqueue", err)
		return
	}
	w.Header().Set("X-Job-Id", string(id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *httpAPI) seed(w http.ResponseWriter, r *http.Request) {
	n := defaultSeed
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeDetail(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = v
	}
	if _, err := a.queue.Seed(r.Context(), n); err != nil {
		a.writeError(w, "seed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *httpAPI) lease(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.LeaseNext(r.Context())
	if err != nil {
		a.writeError(w, "lease", err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type resultIn struct {
	JobID  types.JobID   `json:"job_id"`
	Result types.Payload `json:"result"`
}

type failIn struct {
	JobID types.JobID `json:"job_id"`
	Error string      `json:"error"`
}

func (a *httpAPI) complete(w http.ResponseWriter, r *http.Request) {
	var in resultIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := a.queue.Complete(r.Context(), in.JobID, in.Result); err != nil {
		a.writeError(w, "complete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *httpAPI) fail(w http.ResponseWriter, r *http.Request) {
	var in failIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := a.queue.Fail(r.Context(), in.JobID, in.Error); err != nil {
		a.writeError(w, "fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *httpAPI) result(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "job_id"))
	result, err := a.queue.GetResult(r.Context(), id)
	if errors.Is(err, jobmanager.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "no result")
		return
	}
	if err != nil {
		a.writeError(w, "get result", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type recentResult struct {
	JobID     types.JobID   `json:"job_id"`
	Result    types.Payload `json:"result"`
	Timestamp int64         `json:"timestamp"`
}

func (a *httpAPI) status(w http.ResponseWriter, r *http.Request) {
	state, err := a.queue.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, "status", err)
		return
	}
	recent := []recentResult{}
	if a.hub != nil {
		for _, e := range a.hub.Recent() {
			recent = append(recent, recentResult{JobID: e.JobID, Result: e.Result, Timestamp: e.Timestamp})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_length":   state.QueueLength,
		"inflight_count": state.InflightCount,
		"recent_results": recent,
	})
}

func (a *httpAPI) jobs(w http.ResponseWriter, r *http.Request) {
	listing, err := a.queue.ListJobs(r.Context())
	if err != nil {
		a.writeError(w, "list jobs", err)
		return
	}
	if listing.Queued == nil {
		listing.Queued = []types.JobEntry{}
	}
	if listing.Inflight == nil {
		listing.Inflight = []types.JobEntry{}
	}
	writeJSON(w, http.StatusOK, listing)
}

func (a *httpAPI) clear(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.ClearAll(r.Context()); err != nil {
		a.writeError(w, "clear", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *httpAPI) ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pong"))
}

func (a *httpAPI) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Ping(r.Context()); err != nil {
		a.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "ng", "store": "ng"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"store":  "ok",
		"time":   a.now().Unix(),
	})
}

// events streams lifecycle events as Server-Sent Events. The first two
// events are the current counts and job listing, followed by the replayed
// recent results.
func (a *httpAPI) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := r.Context()

	state, err := a.queue.Snapshot(ctx)
	if err != nil {
		a.writeError(w, "events", err)
		return
	}
	listing, err := a.queue.ListJobs(ctx)
	if err != nil {
		a.writeError(w, "events", err)
		return
	}
	sub := a.hub.Subscribe(types.StateEvent(state), types.ListingEvent(types.EventJobUpdate, listing))
	defer a.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				// 訂閱者太慢被 Hub 移除
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				a.logger.Error("encode event failed", "event", e.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *httpAPI) writeError(w http.ResponseWriter, op string, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed", "op", op, "error", err)
	}
	writeDetail(w, code, err.Error())
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
