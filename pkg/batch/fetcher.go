package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/coordinator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	resourcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_batch_resources_total",
		Help: "Total resources loaded by batch fetches by outcome",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dashboard_batch_duration_seconds",
		Help:    "Duration of complete batch fetches",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// progressEvery controls how often progress is logged.
const progressEvery = 10

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel loads
	MaxConcurrency int

	// Timeout per resource load
	Timeout time.Duration

	// Logger defaults to the global zerolog logger
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration: six workers, which
// matches the connection limit browsers apply per backend host.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 6,
		Timeout:        15 * time.Second,
	}
}

// Loader loads a single resource. *coordinator.Coordinator implements it.
type Loader interface {
	Fetch(ctx context.Context, key cache.Key, force bool) (*coordinator.Result, error)
}

// Request names one resource of a batch.
type Request struct {
	// Name is the key of the resource in the result map
	Name string

	Key cache.Key

	// Force bypasses fresh cache entries
	Force bool
}

// NewRequest builds a Request for endpoint and params.
func NewRequest(name, endpoint string, params url.Values) Request {
	return Request{Name: name, Key: cache.NewKey(endpoint, params)}
}

func (r Request) name() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Key.String()
}

// Outcome is the result of one resource load.
type Outcome struct {
	Key    string             `json:"key"`
	Value  json.RawMessage    `json:"value,omitempty"`
	Source coordinator.Source `json:"source,omitempty"`

	// Degraded is true for fallback values and soft failures
	Degraded bool `json:"degraded,omitempty"`

	Err error `json:"-"`
}

// OK reports whether the resource was loaded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Fetcher handles parallel loading of multiple resources
type Fetcher struct {
	loader Loader
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a new batch fetcher
func NewFetcher(loader Loader, config Config) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 6
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	logger := log.With().Str("component", "batch").Logger()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "batch").Logger()
	}

	return &Fetcher{
		loader: loader,
		config: config,
		logger: logger,
	}
}

type jobResult struct {
	name    string
	outcome Outcome
}

// FetchAll loads every request in parallel using the worker pool.
// The returned map holds an Outcome per request name, including failed ones.
// The error is non-nil when at least one resource failed or ctx ended; the
// map is still valid then and carries the partial results.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) (map[string]Outcome, error) {
	start := time.Now()
	results := make(map[string]Outcome, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	workers := f.config.MaxConcurrency
	if workers > len(reqs) {
		workers = len(reqs)
	}

	f.logger.Debug().
		Int("resources", len(reqs)).
		Int("workers", workers).
		Msg("Starting batch fetch")

	queue := make(chan Request, len(reqs))
	for _, req := range reqs {
		queue <- req
	}
	close(queue)

	out := make(chan jobResult, len(reqs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(ctx, queue, out, &wg, i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var errs []error
	loaded := 0
	for res := range out {
		results[res.name] = res.outcome
		if res.outcome.Err != nil {
			resourcesTotal.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", res.name, res.outcome.Err))
			continue
		}

		loaded++
		if res.outcome.Degraded {
			resourcesTotal.WithLabelValues("degraded").Inc()
		} else {
			resourcesTotal.WithLabelValues("loaded").Inc()
		}

		if loaded%progressEvery == 0 {
			f.logger.Info().
				Int("loaded", loaded).
				Int("total", len(reqs)).
				Float64("progress_pct", float64(loaded)/float64(len(reqs))*100).
				Msg("Batch progress")
		}
	}
	batchDuration.Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		f.logger.Debug().
			Int("loaded", loaded).
			Int("total", len(reqs)).
			Msg("Batch stopped (context cancelled)")
		return results, fmt.Errorf("batch cancelled (partial data: %d/%d resources): %w", loaded, len(reqs), err)
	}

	if len(errs) > 0 {
		f.logger.Warn().
			Int("loaded", loaded).
			Int("failed", len(errs)).
			Int("total", len(reqs)).
			Msg("Batch finished with failures - returning partial results")
		return results, fmt.Errorf("batch incomplete (partial data: %d/%d resources): %w", loaded, len(reqs), errors.Join(errs...))
	}

	f.logger.Debug().
		Int("resources", loaded).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")
	return results, nil
}

// worker processes requests from the queue
func (f *Fetcher) worker(ctx context.Context, queue <-chan Request, out chan<- jobResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for req := range queue {
		select {
		case <-ctx.Done():
			f.logger.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		out <- jobResult{name: req.name(), outcome: f.load(ctx, req)}
		processed++
	}

	if processed > 0 {
		f.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}

func (f *Fetcher) load(ctx context.Context, req Request) Outcome {
	loadCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	o := Outcome{Key: req.Key.String()}
	res, err := f.loader.Fetch(loadCtx, req.Key, req.Force)
	if err != nil {
		f.logger.Debug().Err(err).Str("key", o.Key).Msg("Resource load failed")
		o.Err = err
		return o
	}
	o.Value = res.Entry.Value
	o.Source = res.Source
	o.Degraded = res.Degraded()
	return o
}

// Warm loads every endpoint into the cache. Each endpoint may carry a query
// string. It returns the number of resources loaded.
func (f *Fetcher) Warm(ctx context.Context, endpoints []string) (int, error) {
	reqs := make([]Request, 0, len(endpoints))
	for _, target := range endpoints {
		key, err := cache.ParseKey(target)
		if err != nil {
			return 0, fmt.Errorf("parse warm endpoint %q: %w", target, err)
		}
		reqs = append(reqs, Request{Name: key.String(), Key: key})
	}

	results, err := f.FetchAll(ctx, reqs)
	loaded := 0
	for _, o := range results {
		if o.OK() {
			loaded++
		}
	}

	f.logger.Info().
		Int("loaded", loaded).
		Int("total", len(reqs)).
		Strs("endpoints", sortedNames(results)).
		Msg("Cache warmed")
	return loaded, err
}

func sortedNames(results map[string]Outcome) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
