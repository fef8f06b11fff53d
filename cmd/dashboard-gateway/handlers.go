package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/batch"
	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/connectivity"
	"github.com/Sternrassler/dashboard-cache/pkg/coordinator"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/Sternrassler/dashboard-cache/pkg/metrics"
	"github.com/Sternrassler/dashboard-cache/pkg/offline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies of the write endpoints.
const maxBodyBytes = 1 << 20

// gateway bundles what the HTTP handlers need.
type gateway struct {
	coord   *coordinator.Coordinator
	batch   *batch.Fetcher
	offline offline.Store
	tracker *connectivity.Tracker

	// redis is nil when the gateway runs without REDIS_ADDR
	redis *redis.Client

	// endpoints maps offline collections to resource endpoints
	endpoints map[string]string

	logger zerolog.Logger
}

func (g *gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(g.redis, g.tracker))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/", g.resourceHandler)
	mux.HandleFunc("GET /watch/api/", g.watchHandler)
	mux.HandleFunc("GET /batch", g.batchHandler)

	mux.HandleFunc("POST /invalidate", g.invalidateHandler)
	mux.HandleFunc("GET /actions", g.actionsHandler)
	mux.HandleFunc("POST /actions/{name}", g.actionHandler)

	mux.HandleFunc("GET /offline/{collection}", g.offlineListHandler)
	mux.HandleFunc("POST /offline/{collection}", g.offlineCreateHandler)
	mux.HandleFunc("PUT /offline/{collection}/{id}", g.offlineUpdateHandler)
	mux.HandleFunc("DELETE /offline/{collection}/{id}", g.offlineDeleteHandler)
	mux.HandleFunc("POST /offline/sync", g.offlineSyncHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while redis is configured but unreachable.
// An offline backend does not make the gateway unready: fallbacks keep
// the dashboard usable.
func readyHandler(redisClient *redis.Client, tracker *connectivity.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		if tracker != nil && tracker.Offline(ctx) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "OK (offline mode)")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// resourceHandler serves GET /api/... through the coordinator.
// "Cache-Control: no-cache" bypasses fresh entries.
func (g *gateway) resourceHandler(w http.ResponseWriter, r *http.Request) {
	key := cache.NewKey(r.URL.Path, r.URL.Query())
	force := strings.Contains(r.Header.Get("Cache-Control"), "no-cache")

	res, err := g.coord.Fetch(r.Context(), key, force)
	if err != nil {
		g.writeFetchError(w, r, key, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Cache", string(res.Source))
	h.Set("Age", strconv.Itoa(int(res.Entry.Age(g.coord.Store().Now()).Seconds())))
	if res.Entry.ETag != "" {
		h.Set("ETag", res.Entry.ETag)
	}
	if res.Entry.Fallback {
		h.Set("X-Cache-Fallback", "true")
	}
	if res.SoftFailure != nil {
		h.Set("X-Backend-Error", res.SoftFailure.Message)
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Entry.Value); err != nil {
		g.logger.Debug().Err(err).Str("key", key.String()).Msg("Failed to write response")
	}
}

func (g *gateway) writeFetchError(w http.ResponseWriter, r *http.Request, key cache.Key, err error) {
	if coordinator.IsCancelled(err) {
		// the caller is gone
		g.logger.Debug().Str("key", key.String()).Msg("Request cancelled")
		return
	}

	failure, ok := coordinator.AsFailure(err)
	if !ok {
		writeError(w, http.StatusBadGateway, err.Error(), "")
		return
	}

	status := http.StatusBadGateway
	if failure.Class == coordinator.FailureClient {
		status = failure.StatusCode
		if status < 400 || status > 499 {
			status = http.StatusBadRequest
		}
	}
	writeError(w, status, failure.Message, string(failure.Class))
}

// watchHandler streams binding snapshots for GET /watch/api/... as
// server-sent events until the client disconnects.
func (g *gateway) watchHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	endpoint := strings.TrimPrefix(r.URL.Path, "/watch")
	updates := newSnapshotQueue()

	b := g.coord.Bind(r.Context(), endpoint, r.URL.Query(), coordinator.Options{
		OnChange: updates.push,
	})
	defer b.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, b.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates.ready:
			s, ok := updates.take()
			if !ok {
				continue
			}
			if err := writeEvent(w, s); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// snapshotQueue holds the latest unsent snapshot of a watch. A slow
// watcher skips intermediate snapshots but always receives the last one.
type snapshotQueue struct {
	mu      sync.Mutex
	latest  coordinator.Snapshot
	pending bool
	ready   chan struct{}
}

func newSnapshotQueue() *snapshotQueue {
	return &snapshotQueue{ready: make(chan struct{}, 1)}
}

func (q *snapshotQueue) push(s coordinator.Snapshot) {
	q.mu.Lock()
	q.latest, q.pending = s, true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *snapshotQueue) take() (coordinator.Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.pending {
		return coordinator.Snapshot{}, false
	}
	q.pending = false
	return q.latest, true
}

func writeEvent(w io.Writer, s coordinator.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", s.State, data)
	return err
}

type batchResult struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value,omitempty"`
	Source   string          `json:"source,omitempty"`
	Degraded bool            `json:"degraded,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// batchHandler serves GET /batch?resource=/api/products&resource=stock:/api/stock_data.
// A "name:" prefix names the resource in the response; the target otherwise.
func (g *gateway) batchHandler(w http.ResponseWriter, r *http.Request) {
	resources := r.URL.Query()["resource"]
	if len(resources) == 0 {
		writeError(w, http.StatusBadRequest, "at least one resource parameter is required", "")
		return
	}

	reqs := make([]batch.Request, 0, len(resources))
	for _, resource := range resources {
		name, target := "", resource
		if i := strings.IndexByte(resource, ':'); i > 0 && !strings.HasPrefix(resource, "/") {
			name, target = resource[:i], resource[i+1:]
		}
		key, err := cache.ParseKey(target)
		if err != nil || !strings.HasPrefix(key.Endpoint, "/api/") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid resource %q", resource), "")
			return
		}
		reqs = append(reqs, batch.Request{Name: name, Key: key})
	}

	outcomes, err := g.batch.FetchAll(r.Context(), reqs)
	if err != nil && r.Context().Err() != nil {
		return
	}

	results := make(map[string]batchResult, len(outcomes))
	for name, o := range outcomes {
		res := batchResult{Key: o.Key, Value: o.Value, Source: string(o.Source), Degraded: o.Degraded}
		if o.Err != nil {
			res.Error = o.Err.Error()
			if f, ok := coordinator.AsFailure(o.Err); ok {
				res.Error = f.Message
			}
		}
		results[name] = res
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"complete": err == nil,
	})
}

// invalidateHandler serves POST /invalidate with an invalidation event body.
func (g *gateway) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	var ev invalidation.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if ev.Empty() {
		writeError(w, http.StatusBadRequest, "event needs keys, patterns or all", "")
		return
	}
	ev.Origin = ""

	n := g.coord.PublishInvalidation(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]any{"notified": n})
}

func (g *gateway) actionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.coord.Actions())
}

// actionHandler serves POST /actions/{name}; the optional body is the
// action payload.
func (g *gateway) actionHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var payload any
	if r.ContentLength != 0 {
		if err := decodeBody(r, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
	}

	n, err := g.coord.PublishDomainAction(r.Context(), name, payload)
	if errors.Is(err, invalidation.ErrUnknownAction) {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": name, "notified": n})
}

func (g *gateway) offlineListHandler(w http.ResponseWriter, r *http.Request) {
	records, err := g.offline.ListAll(r.Context(), r.PathValue("collection"))
	if err != nil {
		g.writeOfflineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (g *gateway) offlineCreateHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var rec offline.Record
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	created, err := g.offline.Create(r.Context(), collection, rec)
	if err != nil {
		g.writeOfflineError(w, err)
		return
	}
	g.offlineChanged(r.Context(), collection)
	writeJSON(w, http.StatusCreated, created)
}

func (g *gateway) offlineUpdateHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var patch offline.Record
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	updated, err := g.offline.Update(r.Context(), collection, r.PathValue("id"), patch)
	if err != nil {
		g.writeOfflineError(w, err)
		return
	}
	g.offlineChanged(r.Context(), collection)
	writeJSON(w, http.StatusOK, updated)
}

func (g *gateway) offlineDeleteHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if err := g.offline.Delete(r.Context(), collection, r.PathValue("id")); err != nil {
		g.writeOfflineError(w, err)
		return
	}
	g.offlineChanged(r.Context(), collection)
	w.WriteHeader(http.StatusNoContent)
}

// offlineSyncHandler republishes every offline collection into the cache.
func (g *gateway) offlineSyncHandler(w http.ResponseWriter, r *http.Request) {
	n, err := offline.Sync(r.Context(), g.offline, g.coord, g.endpoints)
	if err != nil {
		g.logger.Warn().Err(err).Int("published", n).Msg("Offline sync incomplete")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"published": n, "error": err.Error()})
		return
	}
	g.logger.Info().Int("published", n).Msg("Offline store synced")
	writeJSON(w, http.StatusOK, map[string]any{"published": n})
}

// offlineChanged invalidates the collection's resource so bindings pick up
// the offline write (through the fallback while the backend is down).
func (g *gateway) offlineChanged(ctx context.Context, collection string) {
	endpoint := offline.EndpointFor(collection, g.endpoints)
	g.coord.PublishInvalidation(ctx, invalidation.Event{Keys: []string{endpoint}, Action: "offline_" + collection})
}

func (g *gateway) writeOfflineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, offline.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, offline.ErrInvalidCollection):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	default:
		g.logger.Error().Err(err).Msg("Offline store operation failed")
		writeError(w, http.StatusInternalServerError, "offline store unavailable", "")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, class string) {
	body := map[string]string{"error": message}
	if class != "" {
		body["class"] = class
	}
	writeJSON(w, status, body)
}
