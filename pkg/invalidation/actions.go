package invalidation

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownAction is returned for an action missing from the table.
var ErrUnknownAction = errors.New("unknown domain action")

// ActionTable maps a domain action to the resource patterns it makes stale.
type ActionTable map[string][]string

// DefaultActions returns the dashboard's action vocabulary.
func DefaultActions() ActionTable {
	return ActionTable{
		"provider_created": {"/api/providers", "/api/provider_categories"},
		"provider_updated": {"/api/providers", "/api/provider_categories"},
		"provider_deleted": {"/api/providers", "/api/provider_categories"},

		"product_created": {"/api/products", "/api/product_categories", "/api/flavors"},
		"product_updated": {"/api/products", "/api/product_categories", "/api/flavors"},

		"stock_updated": {"/api/stock_data", "/api/inventory"},

		"sale_created": {"/api/sales", "/api/stock_data", "/api/dashboard/overview"},

		"delivery_created": {"/api/deliveries", "/api/dashboard/overview"},
		"delivery_updated": {"/api/deliveries", "/api/dashboard/overview"},

		"production_order_created": {"/api/production_orders", "/api/production_batches"},

		"store_updated": {"/api/stores"},
	}
}

// Event returns the invalidation event for action.
func (t ActionTable) Event(action string) (Event, error) {
	patterns, ok := t[action]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return Event{
		Patterns: append([]string(nil), patterns...),
		Action:   action,
	}, nil
}

// Names returns the known actions in sorted order.
func (t ActionTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of the table with extra entries added or replaced.
func (t ActionTable) With(extra ActionTable) ActionTable {
	out := make(ActionTable, len(t)+len(extra))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
