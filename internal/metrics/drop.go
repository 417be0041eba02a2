package metrics

import "feedflow/logger"

// DropMetric identifies the metric name emitted when a message is discarded.
type DropMetric string

const (
	// DropMetricFrame records inbound frames that could not be decoded or mapped.
	DropMetricFrame DropMetric = "frames_dropped"
	// DropMetricStats records stats snapshots the UI channel had no room for.
	DropMetricStats DropMetric = "stats_notifications_dropped"
	// DropMetricLifecycle records lifecycle events the UI channel had no room for.
	DropMetricLifecycle DropMetric = "lifecycle_notifications_dropped"
)

// EmitDropMetric counts one dropped message. key is an optional dimension
// (task id, pattern or event kind).
func EmitDropMetric(log *logger.Log, metric DropMetric, key string) {
	fields := logger.Fields{}
	if key != "" {
		fields["key"] = key
	}
	recordDrop(metric)
	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
