package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newLazyPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig("postgres://rules@127.0.0.1:1/admin3?sslmode=disable")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	cfg.MaxConns = 7
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRegisterPoolMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, newLazyPool(t))

	expected := `
# HELP admin3_store_pool_connections Rules store connections by state.
# TYPE admin3_store_pool_connections gauge
admin3_store_pool_connections{state="acquired"} 0
admin3_store_pool_connections{state="constructing"} 0
admin3_store_pool_connections{state="idle"} 0
# HELP admin3_store_pool_max_connections Maximum rules store connections allowed.
# TYPE admin3_store_pool_max_connections gauge
admin3_store_pool_max_connections 7
# HELP admin3_store_pool_empty_acquires_total Acquires that waited because no idle connection was available.
# TYPE admin3_store_pool_empty_acquires_total counter
admin3_store_pool_empty_acquires_total 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"admin3_store_pool_connections",
		"admin3_store_pool_max_connections",
		"admin3_store_pool_empty_acquires_total",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
	if n := testutil.CollectAndCount(newStoreCollector(newLazyPool(t))); n != 8 {
		t.Errorf("CollectAndCount() = %d, want 8", n)
	}
}
