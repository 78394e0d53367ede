package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/sweeper"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barvault_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "barvault_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	sealedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barvault_containers_sealed_total",
		Help: "Containers sealed, by custody.",
	}, []string{"custody"})

	redemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barvault_redemptions_total",
		Help: "Redemption attempts, by custody and outcome.",
	}, []string{"custody", "outcome"})

	securityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barvault_security_events_total",
		Help: "Tamper and integrity failures seen on redemption.",
	}, []string{"kind"})

	erasuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barvault_erasures_total",
		Help: "Containers securely erased, by trigger.",
	}, []string{"trigger"})

	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "barvault_sweeps_total",
		Help: "Completed sweeper runs.",
	})

	sweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "barvault_sweep_erase_failures_total",
		Help: "Erasures the sweeper failed and will retry.",
	})

	activeContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "barvault_active_containers",
		Help: "Server-custody containers not yet destroyed, as of the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal, requestDuration,
		sealedTotal, redemptionsTotal, securityEventsTotal,
		erasuresTotal, sweepsTotal, sweepFailuresTotal, activeContainers,
	)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveSweep records the outcome of one sweeper run.
func ObserveSweep(st sweeper.Stats) {
	sweepsTotal.Inc()
	erasuresTotal.WithLabelValues("sweep").Add(float64(st.Erased))
	sweepFailuresTotal.Add(float64(st.Failed))
}

// ActiveCounter counts live server-custody containers.
type ActiveCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// SweepObserver returns a sweeper callback that records the run and
// refreshes the active-containers gauge from c.
func SweepObserver(c ActiveCounter) func(sweeper.Stats) {
	return func(st sweeper.Stats) {
		ObserveSweep(st)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := c.CountActive(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("counting active containers")
			return
		}
		activeContainers.Set(float64(n))
	}
}

func observeRedemption(custody, outcome string, err error) {
	redemptionsTotal.WithLabelValues(custody, outcome).Inc()
	if barerr.IsSecurityEvent(err) {
		securityEventsTotal.WithLabelValues(string(barerr.KindOf(err))).Inc()
	}
}

// metricsMiddleware records request metrics. Routes are labelled by their
// pattern so share tokens never reach a label.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, route, status).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}
