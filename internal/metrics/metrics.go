package metrics

import (
	"context"
	"sync"

	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Reservation counters
	ReservationsTotal *telemetry.Counter
	ConfirmsTotal     *telemetry.Counter
	ReleasesTotal     *telemetry.Counter
	LeasesExpired     *telemetry.Counter

	// Stock counters
	StockOpsTotal     *telemetry.Counter
	StockClampAnomaly *telemetry.Counter

	// Cache counters
	CacheDirtyMarks *telemetry.Counter
	CacheRepairs    *telemetry.Counter

	// Reconciliation counters
	ReconcileSyncs    *telemetry.Counter
	ReconcileChanges  *telemetry.Counter
	DoubleSales       *telemetry.Counter
	StructuralDrifts  *telemetry.Counter
	BoxOfficeAuthFail *telemetry.Counter

	// Histograms
	ReserveDuration   *telemetry.Histogram
	ReconcileDuration *telemetry.Histogram

	// Gauges
	PausedAccounts *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Init initializes all inventory metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func counter(name, desc string) (*telemetry.Counter, error) {
	return telemetry.NewCounter(telemetry.MetricOpts{Name: name, Description: desc, Unit: "1"})
}

func initMetrics() error {
	var err error

	if ReservationsTotal, err = counter("inventory_reservations_total", "Reserve calls by result"); err != nil {
		return err
	}
	if ConfirmsTotal, err = counter("inventory_confirms_total", "Confirm calls by result"); err != nil {
		return err
	}
	if ReleasesTotal, err = counter("inventory_releases_total", "Seats released by reason"); err != nil {
		return err
	}
	if LeasesExpired, err = counter("inventory_leases_expired_total", "Leases released by the sweeper"); err != nil {
		return err
	}
	if StockOpsTotal, err = counter("inventory_stock_ops_total", "Stock counter operations by op and result"); err != nil {
		return err
	}
	if StockClampAnomaly, err = counter("inventory_stock_increment_clamped_total", "Increments clamped at total"); err != nil {
		return err
	}
	if CacheDirtyMarks, err = counter("inventory_cache_dirty_marks_total", "Seat cache writes that failed and were marked dirty"); err != nil {
		return err
	}
	if CacheRepairs, err = counter("inventory_cache_repairs_total", "Dirty cache keys repaired on read"); err != nil {
		return err
	}
	if ReconcileSyncs, err = counter("reconcile_syncs_total", "Box office sync cycles by result"); err != nil {
		return err
	}
	if ReconcileChanges, err = counter("reconcile_changed_seats_total", "Changed seats by transition kind"); err != nil {
		return err
	}
	if DoubleSales, err = counter("reconcile_double_sales_total", "Seats sold by both platform and box office"); err != nil {
		return err
	}
	if StructuralDrifts, err = counter("reconcile_structural_drift_total", "Sessions whose seat layout changed"); err != nil {
		return err
	}
	if BoxOfficeAuthFail, err = counter("reconcile_auth_failures_total", "Box office auth expiries"); err != nil {
		return err
	}

	ReserveDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "inventory_reserve_duration_seconds",
		Description: "Duration of Reserve calls",
		Unit:        "s",
	}, durationBuckets)
	if err != nil {
		return err
	}

	ReconcileDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "reconcile_sync_duration_seconds",
		Description: "Duration of one session sync",
		Unit:        "s",
	}, durationBuckets)
	if err != nil {
		return err
	}

	PausedAccounts, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "reconcile_paused_accounts",
		Description: "Box office accounts currently paused",
		Unit:        "1",
	})
	return err
}

// RecordReserve records a Reserve outcome
func RecordReserve(ctx context.Context, sessionID, result string, seats int, durationSeconds float64) {
	if ReservationsTotal != nil {
		ReservationsTotal.Add(ctx, int64(seats),
			attribute.String("session_id", sessionID),
			attribute.String("result", result),
		)
	}
	if ReserveDuration != nil {
		ReserveDuration.Record(ctx, durationSeconds, attribute.String("result", result))
	}
}

// RecordConfirm records a Confirm outcome
func RecordConfirm(ctx context.Context, result string) {
	if ConfirmsTotal != nil {
		ConfirmsTotal.Inc(ctx, attribute.String("result", result))
	}
}

// RecordRelease records released seats
func RecordRelease(ctx context.Context, reason string, seats int) {
	if ReleasesTotal != nil && seats > 0 {
		ReleasesTotal.Add(ctx, int64(seats), attribute.String("reason", reason))
	}
}

// RecordLeaseExpired records a lease lapsed and swept
func RecordLeaseExpired(ctx context.Context, kind string) {
	if LeasesExpired != nil {
		LeasesExpired.Inc(ctx, attribute.String("kind", kind))
	}
}

// RecordStockOp records a stock counter operation
func RecordStockOp(ctx context.Context, op, result string) {
	if StockOpsTotal != nil {
		StockOpsTotal.Inc(ctx, attribute.String("op", op), attribute.String("result", result))
	}
}

// RecordStockClamped records an Increment that would have exceeded total
func RecordStockClamped(ctx context.Context, sessionID, tierID string, dropped int) {
	if StockClampAnomaly != nil {
		StockClampAnomaly.Add(ctx, int64(dropped),
			attribute.String("session_id", sessionID),
			attribute.String("tier_id", tierID),
		)
	}
}

// RecordCacheDirty records a cache write that fell back to a dirty mark
func RecordCacheDirty(ctx context.Context, sessionID string) {
	if CacheDirtyMarks != nil {
		CacheDirtyMarks.Inc(ctx, attribute.String("session_id", sessionID))
	}
}

// RecordCacheRepair records dirty keys repaired on read
func RecordCacheRepair(ctx context.Context, sessionID string, n int) {
	if CacheRepairs != nil && n > 0 {
		CacheRepairs.Add(ctx, int64(n), attribute.String("session_id", sessionID))
	}
}

// RecordSync records one reconciliation cycle
func RecordSync(ctx context.Context, sessionID, result string, durationSeconds float64) {
	if ReconcileSyncs != nil {
		ReconcileSyncs.Inc(ctx,
			attribute.String("session_id", sessionID),
			attribute.String("result", result),
		)
	}
	if ReconcileDuration != nil {
		ReconcileDuration.Record(ctx, durationSeconds, attribute.String("result", result))
	}
}

// RecordTransition records a changed seat handled by the reconciler
func RecordTransition(ctx context.Context, kind string) {
	if ReconcileChanges != nil {
		ReconcileChanges.Inc(ctx, attribute.String("kind", kind))
	}
}

// RecordDoubleSale records a seat both systems sold
func RecordDoubleSale(ctx context.Context, sessionID string) {
	if DoubleSales != nil {
		DoubleSales.Inc(ctx, attribute.String("session_id", sessionID))
	}
}

// RecordStructuralDrift records a layout change
func RecordStructuralDrift(ctx context.Context, sessionID string) {
	if StructuralDrifts != nil {
		StructuralDrifts.Inc(ctx, attribute.String("session_id", sessionID))
	}
}

// RecordAuthFailure records a box office auth expiry
func RecordAuthFailure(ctx context.Context, account string) {
	if BoxOfficeAuthFail != nil {
		BoxOfficeAuthFail.Inc(ctx, attribute.String("account", account))
	}
}

// RecordAccountPaused tracks paused accounts
func RecordAccountPaused(ctx context.Context, paused bool) {
	if PausedAccounts == nil {
		return
	}
	if paused {
		PausedAccounts.Inc(ctx)
	} else {
		PausedAccounts.Dec(ctx)
	}
}
