package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_runs_created_total", Help: "Runs created via the API"})
	RunsClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_runs_claimed_total", Help: "Runs claimed by workers"})
	LockTakeovers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_lock_takeovers_total", Help: "Stale-heartbeat takeovers of running runs"})
	RunsFinalized  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "campaign_runs_finalized_total", Help: "Runs reaching a terminal status"}, []string{"status"})
	CallsPlaced    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_calls_placed_total", Help: "Dial attempts sent to the telephony provider"})
	CallsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_calls_completed_total", Help: "Calls that reached a completed outcome"})
	CallsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_calls_failed_total", Help: "Jobs that exhausted their dial attempts"})
	AdmissionBusy  = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_admission_busy_total", Help: "Admission attempts rejected at tenant capacity"})
	TenantDenials  = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_tenant_denials_total", Help: "Cross-tenant accesses rejected by the isolation guard"})
	ActiveCalls    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "campaign_active_calls", Help: "Calls currently dialing across all runs"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsCreated,
			RunsClaimed,
			LockTakeovers,
			RunsFinalized,
			CallsPlaced,
			CallsCompleted,
			CallsFailed,
			AdmissionBusy,
			TenantDenials,
			ActiveCalls,
		)
	})
	return promhttp.Handler()
}
