package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/offline"
)

// objectPrefixes lists endpoints that return a JSON object rather than a list.
var objectPrefixes = []string{
	"/api/dashboard",
	"/api/analytics",
	"/api/reports",
	"/api/pos/live-metrics",
}

// EmptyShape answers {} for object-shaped endpoints and [] for everything else.
func EmptyShape(ctx context.Context, req Request) (any, error) {
	for _, prefix := range objectPrefixes {
		if strings.HasPrefix(req.Key.Endpoint, prefix) {
			return map[string]any{}, nil
		}
	}
	return []any{}, nil
}

// Static always returns value.
func Static(value any) Producer {
	return func(ctx context.Context, req Request) (any, error) {
		return value, nil
	}
}

// StaticJSON returns a producer for a literal JSON document.
func StaticJSON(doc string) (Producer, error) {
	if !json.Valid([]byte(doc)) {
		return nil, fmt.Errorf("static fallback is not valid JSON")
	}
	return Static(json.RawMessage(doc)), nil
}

// Collection serves the offline copy of collection.
func Collection(store offline.Store, collection string) Producer {
	return func(ctx context.Context, req Request) (any, error) {
		records, err := store.ListAll(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("list offline %s: %w", collection, err)
		}
		return records, nil
	}
}

// DayTotals is one day's figures in the dashboard overview.
type DayTotals struct {
	Sales          float64 `json:"sales"`
	Orders         int     `json:"orders"`
	Customers      int     `json:"customers"`
	DeliveryOrders int     `json:"delivery_orders"`
}

// Overview is the dashboard summary served while the backend is unreachable.
type Overview struct {
	Today        DayTotals        `json:"today"`
	Yesterday    DayTotals        `json:"yesterday"`
	WeeklySales  []DailyAmount    `json:"weekly_sales"`
	TopProducts  []map[string]any `json:"top_products"`
	RecentOrders []offline.Record `json:"recent_orders"`
	Offline      bool             `json:"offline"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// DailyAmount is one point of the weekly sales series.
type DailyAmount struct {
	Day    string  `json:"day"`
	Amount float64 `json:"amount"`
}

const recentOrdersLimit = 5

// DashboardOverview derives the dashboard summary from offline sales and
// deliveries. now nil means time.Now.
func DashboardOverview(store offline.Store, now func() time.Time) Producer {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, req Request) (any, error) {
		sales, err := store.ListAll(ctx, "sales")
		if err != nil {
			return nil, fmt.Errorf("list offline sales: %w", err)
		}
		deliveries, err := store.ListAll(ctx, "deliveries")
		if err != nil {
			return nil, fmt.Errorf("list offline deliveries: %w", err)
		}

		ts := now().UTC()
		today := ts.Format(time.DateOnly)
		yesterday := ts.AddDate(0, 0, -1).Format(time.DateOnly)

		ov := Overview{
			TopProducts:  []map[string]any{},
			RecentOrders: []offline.Record{},
			Offline:      true,
			GeneratedAt:  ts,
		}

		weekly := make(map[string]float64)
		customers := map[string]map[string]bool{today: {}, yesterday: {}}
		for _, sale := range sales {
			day := dayOf(sale)
			total := sale.Number("total")
			weekly[day] += total

			var bucket *DayTotals
			switch day {
			case today:
				bucket = &ov.Today
			case yesterday:
				bucket = &ov.Yesterday
			default:
				continue
			}
			bucket.Sales += total
			bucket.Orders++
			if c := sale.String("customer"); c != "" {
				customers[day][c] = true
			}
		}
		ov.Today.Customers = len(customers[today])
		ov.Yesterday.Customers = len(customers[yesterday])

		for _, d := range deliveries {
			switch dayOf(d) {
			case today:
				ov.Today.DeliveryOrders++
			case yesterday:
				ov.Yesterday.DeliveryOrders++
			}
		}

		for i := 6; i >= 0; i-- {
			day := ts.AddDate(0, 0, -i)
			ov.WeeklySales = append(ov.WeeklySales, DailyAmount{
				Day:    day.Weekday().String()[:3],
				Amount: weekly[day.Format(time.DateOnly)],
			})
		}

		for i := len(sales) - 1; i >= 0 && len(ov.RecentOrders) < recentOrdersLimit; i-- {
			ov.RecentOrders = append(ov.RecentOrders, sales[i])
		}

		return ov, nil
	}
}

// dayOf returns the YYYY-MM-DD day a record was created on.
func dayOf(rec offline.Record) string {
	created := rec.String(offline.FieldCreatedAt)
	if len(created) < len(time.DateOnly) {
		return ""
	}
	return created[:len(time.DateOnly)]
}

// offlineCollections are the collections the dashboard edits offline.
// Each is served from its own endpoint, "/api/<collection>".
var offlineCollections = []string{
	"deliveries",
	"sales",
	"stock_data",
	"inventory",
	"production_orders",
	"production_batches",
}

// RegisterDefaults installs the bespoke producers backed by store.
func RegisterDefaults(r *Resolver, store offline.Store) {
	r.Register("/api/dashboard/overview", DashboardOverview(store, nil))
	for _, collection := range offlineCollections {
		r.Register("/api/"+collection, Collection(store, collection))
	}
}
