// Package metrics exposes Prometheus instrumentation for the agent
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantro/swingbot/internal/config"
)

var (
	// TradesExecuted counts confirmed fills by signal kind and mode
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "trades_executed_total",
		Help:      "Confirmed order fills",
	}, []string{"signal", "mode"})

	// OrdersFailed counts failed order attempts by error classification
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "orders_failed_total",
		Help:      "Failed order attempts by classification",
	}, []string{"reason"})

	// ApprovalResults counts approval outcomes
	ApprovalResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "approval_results_total",
		Help:      "Approval request outcomes",
	}, []string{"result"})

	// HedgeTiersTriggered counts trailing-hedge tier fires
	HedgeTiersTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "hedge_tiers_triggered_total",
		Help:      "Trailing hedge tier activations",
	})

	// JobRuns counts scheduler job completions by job ID and status
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "scheduler_job_runs_total",
		Help:      "Scheduler job completions",
	}, []string{"job", "status"})

	// JobMisfires counts jobs dropped past the misfire grace window
	JobMisfires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "scheduler_misfires_total",
		Help:      "Jobs dropped because they fired past the grace window",
	})

	// PortfolioValue reports the last computed total portfolio value
	PortfolioValue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "swingbot",
		Name:      "portfolio_value_dollars",
		Help:      "Last computed total portfolio value",
	})

	// TokenRenewals counts broker token renewals
	TokenRenewals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swingbot",
		Name:      "broker_token_renewals_total",
		Help:      "Broker access token renewals",
	})
)

// Serve runs the /metrics endpoint until ctx is cancelled
func Serve(ctx context.Context, cfg config.MonitoringConfig) error {
	if !cfg.EnableMetrics {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := config.NewLogger("metrics")
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
