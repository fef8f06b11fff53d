package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
)

// Sink receives collection snapshots; the coordinator implements it.
type Sink interface {
	Put(key cache.Key, value any) error
}

// EndpointFor returns the resource endpoint a collection is published under.
func EndpointFor(collection string, endpoints map[string]string) string {
	if ep, ok := endpoints[collection]; ok {
		return ep
	}
	return "/api/" + collection
}

// Sync republishes every collection of store into sink, one cache entry per
// collection. endpoints overrides the default "/api/<collection>" mapping.
// A failing collection does not stop the others; all failures are returned
// joined.
func Sync(ctx context.Context, store Store, sink Sink, endpoints map[string]string) (int, error) {
	names, err := store.Collections(ctx)
	if err != nil {
		return 0, fmt.Errorf("list collections: %w", err)
	}

	var errs []error
	published := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		records, err := store.ListAll(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", name, err))
			continue
		}

		key := cache.NewKey(EndpointFor(name, endpoints), nil)
		if err := sink.Put(key, records); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", name, err))
			continue
		}
		published++
	}

	return published, errors.Join(errs...)
}
