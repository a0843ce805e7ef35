// Package metrics exposes Prometheus counters and gauges for the DVM,
// served on an optional listener alongside a health endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pidgeon-dvm/internal/logging"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidgeon_requests_total",
			Help: "Total intake requests by inner rumor kind",
		},
		[]string{"kind"},
	)

	RequestsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidgeon_requests_rejected_total",
			Help: "Total intake requests rejected by reason",
		},
		[]string{"reason"},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidgeon_publish_total",
			Help: "Total job publish outcomes by result",
		},
		[]string{"result"},
	)

	MailboxFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidgeon_mailbox_flushes_total",
			Help: "Total mailbox flush attempts by outcome",
		},
		[]string{"outcome"},
	)

	MailboxFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pidgeon_mailbox_flush_duration_seconds",
			Help:    "Time taken to build and publish one mailbox flush",
			Buckets: prometheus.DefBuckets,
		},
	)

	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidgeon_gate_rejections_total",
			Help: "Total support gate rejections by reason",
		},
		[]string{"reason"},
	)

	InvoicesSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pidgeon_invoices_settled_total",
			Help: "Total support invoices observed settled",
		},
	)

	SchedulerPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pidgeon_scheduler_pending",
			Help: "Jobs currently awaiting their due time",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pidgeon_queue_depth",
			Help: "Queued plus running tasks per work queue",
		},
		[]string{"queue"},
	)

	RelayPublishSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pidgeon_relay_publish_duration_seconds",
			Help:    "Round-trip time from EVENT write to OK per relay publish",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestsRejected)
	prometheus.MustRegister(PublishTotal)
	prometheus.MustRegister(MailboxFlushes)
	prometheus.MustRegister(MailboxFlushDuration)
	prometheus.MustRegister(GateRejections)
	prometheus.MustRegister(InvoicesSettled)
	prometheus.MustRegister(SchedulerPending)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RelayPublishSeconds)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics listener on addr with /metrics and /healthz.
// Returns the server so the caller can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := logging.WithComponent("metrics")
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	return srv
}

// Shutdown stops the metrics listener gracefully.
func Shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
