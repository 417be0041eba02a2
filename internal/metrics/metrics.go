// Registers:
//
//	#feedflow_frames_received_total
//	#feedflow_frames_dropped_total
//	#feedflow_rows_written_total
//	#feedflow_reconnect_attempts_total
//	#feedflow_notifications_dropped_total
//	#go_* and process_* system metrics
//
// Serve exposes them on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedflow/logger"
)

var (
	registry = prometheus.NewRegistry()

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedflow_frames_received_total",
		Help: "Data frames delivered to subscription sessions",
	}, []string{"source"})

	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedflow_frames_dropped_total",
		Help: "Frames discarded because they could not be decoded or mapped",
	})

	rowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedflow_rows_written_total",
		Help: "Rows appended to symbol files",
	}, []string{"source"})

	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedflow_reconnect_attempts_total",
		Help: "Reconnect attempts made by the connection bus",
	})

	notificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedflow_notifications_dropped_total",
		Help: "Notifications discarded because the UI channel was full",
	}, []string{"kind"})

	registerOnce sync.Once

	totals struct {
		framesReceived       atomic.Int64
		framesDropped        atomic.Int64
		rowsWritten          atomic.Int64
		reconnectAttempts    atomic.Int64
		notificationsDropped atomic.Int64
	}
)

func register() {
	registerOnce.Do(func() {
		registry.MustRegister(
			framesReceived,
			framesDropped,
			rowsWritten,
			reconnectAttempts,
			notificationsDropped,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Registry returns the registry backing Serve, mainly for tests.
func Registry() *prometheus.Registry {
	register()
	return registry
}

// IncFramesReceived counts one data frame handed to a session.
func IncFramesReceived(source string) {
	framesReceived.WithLabelValues(source).Inc()
	totals.framesReceived.Add(1)
}

// IncRowsWritten counts one row appended by the writer.
func IncRowsWritten(source string) {
	rowsWritten.WithLabelValues(source).Inc()
	totals.rowsWritten.Add(1)
}

// IncReconnectAttempt counts one reconnect attempt and forwards it to metric handlers.
func IncReconnectAttempt(log *logger.Log, attempt int) {
	reconnectAttempts.Inc()
	totals.reconnectAttempts.Add(1)
	EmitMetric(log, "bus", "reconnect_attempts", 1, "counter", logger.Fields{"attempt": attempt})
}

func recordDrop(metric DropMetric) {
	switch metric {
	case DropMetricFrame:
		framesDropped.Inc()
		totals.framesDropped.Add(1)
	case DropMetricStats:
		notificationsDropped.WithLabelValues("stats").Inc()
		totals.notificationsDropped.Add(1)
	case DropMetricLifecycle:
		notificationsDropped.WithLabelValues("lifecycle").Inc()
		totals.notificationsDropped.Add(1)
	}
}

// Snapshot returns the process-wide totals as log fields. It feeds the
// periodic resource report.
func Snapshot() logger.Fields {
	return logger.Fields{
		"frames_received":       totals.framesReceived.Load(),
		"frames_dropped":        totals.framesDropped.Load(),
		"rows_written":          totals.rowsWritten.Load(),
		"reconnect_attempts":    totals.reconnectAttempts.Load(),
		"notifications_dropped": totals.notificationsDropped.Load(),
	}
}

// Serve runs the Prometheus endpoint until ctx is cancelled. An empty addr
// disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log := logger.GetLogger().WithComponent("metrics")
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving prometheus metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
