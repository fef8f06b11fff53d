// Package offline implements the local fallback store for dashboard records.
//
// Records are grouped by collection name ("deliveries", "sales", ...) and
// survive backend outages. Sync republishes every collection into the
// resource cache so views keep working while the backend is unreachable.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Record field names maintained by every backend.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// TimeFormat is the fixed-width timestamp layout; records sort by it lexically.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrNotFound is returned when a record id does not exist in its collection.
	ErrNotFound = errors.New("offline record not found")

	// ErrInvalidCollection is returned for an empty collection name.
	ErrInvalidCollection = errors.New("collection name is required")
)

// Record is one JSON object of a collection.
type Record map[string]any

// ID returns the record id, or "" when absent.
func (r Record) ID() string {
	switch id := r[FieldID].(type) {
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// String returns a string field, or "".
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Number returns a numeric field as float64, or 0.
func (r Record) Number(field string) float64 {
	switch n := r[field].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store persists records keyed by collection.
type Store interface {
	// Create stores rec, assigning an id when it has none.
	Create(ctx context.Context, collection string, rec Record) (Record, error)

	// Update merges patch into the record with the given id.
	Update(ctx context.Context, collection, id string, patch Record) (Record, error)

	// Delete removes the record with the given id.
	Delete(ctx context.Context, collection, id string) error

	// ListAll returns every record of collection ordered by creation time.
	ListAll(ctx context.Context, collection string) ([]Record, error)

	// Collections returns the names of all non-empty collections.
	Collections(ctx context.Context) ([]string, error)
}

func stampNew(rec Record, now time.Time) Record {
	out := rec.Clone()
	if out.ID() == "" {
		out[FieldID] = uuid.NewString()
	} else {
		out[FieldID] = out.ID()
	}
	ts := now.UTC().Format(TimeFormat)
	out[FieldCreatedAt] = ts
	out[FieldUpdatedAt] = ts
	return out
}

func merge(existing, patch Record, now time.Time) Record {
	out := existing.Clone()
	for k, v := range patch {
		if k == FieldID || k == FieldCreatedAt {
			continue
		}
		out[k] = v
	}
	out[FieldUpdatedAt] = now.UTC().Format(TimeFormat)
	return out
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := records[i].String(FieldCreatedAt), records[j].String(FieldCreatedAt)
		if ci != cj {
			return ci < cj
		}
		return records[i].ID() < records[j].ID()
	})
}

func checkCollection(collection string) error {
	if collection == "" {
		return ErrInvalidCollection
	}
	return nil
}
