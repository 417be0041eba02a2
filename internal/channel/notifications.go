package channel

import (
	"context"
	"sync"

	"feedflow/internal/metrics"
	"feedflow/logger"
	"feedflow/models"
)

type NotificationStats struct {
	StatsSent        int64
	StatsDropped     int64
	LifecycleSent    int64
	LifecycleDropped int64
}

// Notifications carries progress snapshots and connection lifecycle events
// to the UI layer. Sends never block; a full buffer drops the message.
type Notifications struct {
	Stats     chan models.StatsSnapshot
	Lifecycle chan models.ConnectionEvent

	mu         sync.RWMutex
	closed     bool
	stats      NotificationStats
	statsMutex sync.Mutex
	log        *logger.Log
}

func NewNotifications(bufferSize int) *Notifications {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	n := &Notifications{
		Stats:     make(chan models.StatsSnapshot, bufferSize),
		Lifecycle: make(chan models.ConnectionEvent, bufferSize),
		log:       log,
	}

	log.WithComponent("notifications").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("notification channels initialized")

	return n
}

// SendStats publishes a progress snapshot. A nil receiver is a no-op so
// components can run without a UI attached.
func (n *Notifications) SendStats(ctx context.Context, snap models.StatsSnapshot) bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.Stats <- snap:
		n.count(func(s *NotificationStats) { s.StatsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		n.count(func(s *NotificationStats) { s.StatsDropped++ })
		metrics.EmitDropMetric(n.log, metrics.DropMetricStats, snap.TaskID)
		return false
	}
}

// SendLifecycle publishes a connection event.
func (n *Notifications) SendLifecycle(evt models.ConnectionEvent) bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.Lifecycle <- evt:
		n.count(func(s *NotificationStats) { s.LifecycleSent++ })
		return true
	default:
		n.count(func(s *NotificationStats) { s.LifecycleDropped++ })
		metrics.EmitDropMetric(n.log, metrics.DropMetricLifecycle, string(evt.Kind))
		return false
	}
}

func (n *Notifications) count(apply func(*NotificationStats)) {
	n.statsMutex.Lock()
	apply(&n.stats)
	n.statsMutex.Unlock()
}

func (n *Notifications) GetStats() NotificationStats {
	n.statsMutex.Lock()
	defer n.statsMutex.Unlock()
	return n.stats
}

// Close closes both channels. Later sends are ignored.
func (n *Notifications) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.Stats)
	close(n.Lifecycle)
	n.log.WithComponent("notifications").Info("notification channels closed")
}
