package internaldefs

import (
	goSession "github.com/ngthtrong/goSession"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

// HistogramDef names one latency histogram for exporters.
type HistogramDef struct {
	ID   goSession.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: goSession.MetricLoginSuccess, Name: "gosession_login_success_total", Help: "Successful logins."},
	{ID: goSession.MetricLoginFailure, Name: "gosession_login_failure_total", Help: "Failed logins."},
	{ID: goSession.MetricLoginRateLimited, Name: "gosession_login_rate_limited_total", Help: "Logins refused by the throttle."},
	{ID: goSession.MetricExchangeSuccess, Name: "gosession_exchange_success_total", Help: "Successful identity exchanges."},
	{ID: goSession.MetricExchangeFailure, Name: "gosession_exchange_failure_total", Help: "Failed identity exchanges."},
	{ID: goSession.MetricRefreshSuccess, Name: "gosession_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: goSession.MetricRefreshFailure, Name: "gosession_refresh_failure_total", Help: "Refused refresh attempts other than reuse and throttling."},
	{ID: goSession.MetricRefreshReuseDetected, Name: "gosession_refresh_reuse_detected_total", Help: "Rotated refresh tokens presented again."},
	{ID: goSession.MetricRefreshRateLimited, Name: "gosession_refresh_rate_limited_total", Help: "Refreshes refused by the throttle."},
	{ID: goSession.MetricSessionCreated, Name: "gosession_session_created_total", Help: "New session families."},
	{ID: goSession.MetricSessionEvicted, Name: "gosession_session_evicted_total", Help: "Families evicted by the session limit."},
	{ID: goSession.MetricSessionLimitReached, Name: "gosession_session_limit_reached_total", Help: "Issuances refused by the session limit."},
	{ID: goSession.MetricFamilyRevoked, Name: "gosession_family_records_revoked_total", Help: "Records revoked by family-wide revocation."},
	{ID: goSession.MetricLogout, Name: "gosession_logout_total", Help: "Logout calls."},
	{ID: goSession.MetricLogoutAll, Name: "gosession_logout_all_total", Help: "Logout-all calls."},
	{ID: goSession.MetricValidateFailure, Name: "gosession_validate_failure_total", Help: "Rejected access tokens."},
	{ID: goSession.MetricStoreRetry, Name: "gosession_store_retry_total", Help: "Store reads retried after a transient failure."},
	{ID: goSession.MetricStoreTimeout, Name: "gosession_store_timeout_total", Help: "Store operations that hit the operation timeout."},
	{ID: goSession.MetricStoreUnavailable, Name: "gosession_store_unavailable_total", Help: "Operations failed closed on a backend error."},
	{ID: goSession.MetricSweepDeleted, Name: "gosession_sweep_deleted_total", Help: "Expired records removed by the sweeper."},
}

var HistogramDefs = []HistogramDef{
	{ID: goSession.MetricRefreshLatency, Name: "gosession_refresh_latency_seconds", Help: "Refresh latency."},
	{ID: goSession.MetricValidateLatency, Name: "gosession_validate_latency_seconds", Help: "Access token validation latency."},
}

// BucketCount is the number of histogram buckets including +Inf.
const BucketCount = 8

// HistogramBounds are the upper bounds in seconds, without +Inf, derived from
// [goSession.HistogramBounds].
var HistogramBounds = func() []float64 {
	out := make([]float64, len(goSession.HistogramBounds))
	for i, d := range goSession.HistogramBounds {
		out[i] = d.Seconds()
	}
	return out
}()

// HistogramBoundSuffix names each bucket for exporters that flatten buckets
// into separate instruments.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
