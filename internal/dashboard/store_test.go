package dashboard

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"feedflow/internal/metrics"
	"feedflow/logger"
	"feedflow/models"
)

func TestMetricStoreKeepsMostRecentDrops(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{
			Timestamp: time.Unix(int64(i), 0),
			Component: "drops",
			Name:      string(metrics.DropMetricFrame),
			Value:     i,
			Type:      "counter",
			Fields:    logger.Fields{"key": fmt.Sprintf("task-%d", i)},
		})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Fields["key"] != "task-3" || snapshot[1].Fields["key"] != "task-4" {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesSessionEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "dropping malformed frame"
	entry.Data = logrus.Fields{
		"component": "session",
		"task_id":   "t1",
		"channel":   "DECODED/ZZ-01/SZ.000001/tick",
		"error":     errors.New("decode payload: unexpected EOF"),
		"elapsed":   1500 * time.Millisecond,
	}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	rec := snapshot[0]
	if rec.Component != "session" || rec.Level != "warning" || rec.Fields["task_id"] != "t1" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatalf("component should not be repeated in fields")
	}
	if rec.Fields["error"] != "decode payload: unexpected EOF" || rec.Fields["elapsed"] != "1.5s" {
		t.Fatalf("errors and stringers should be rendered as text: %#v", rec.Fields)
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "handler subscribed"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"component": "pubsub", "index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[1].Fields["index"] != 3 {
		t.Fatalf("expected the 2 newest entries after pruning, got %#v", snapshot)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestEventStoreKeepsRecentLifecycleEvents(t *testing.T) {
	store := newEventStore(2)
	store.addEvent(models.ConnectionEvent{Kind: models.EventConnected})
	store.addEvent(models.ConnectionEvent{Kind: models.EventReconnecting, Attempt: 1})
	store.addEvent(models.ConnectionEvent{Kind: models.EventReconnected, Attempt: 1})

	events := store.recentEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != models.EventReconnecting || events[1].Kind != models.EventReconnected {
		t.Fatalf("unexpected events retained: %#v", events)
	}

	events[0].Kind = models.EventServerError
	if store.recentEvents()[0].Kind != models.EventReconnecting {
		t.Fatalf("recentEvents must return a copy")
	}
}

func TestEventStoreTracksLatestSnapshotPerTask(t *testing.T) {
	store := newEventStore(10)
	store.setStats(models.StatsSnapshot{TaskID: "t1", TotalReceived: 100})
	store.setStats(models.StatsSnapshot{TaskID: "t1", TotalReceived: 200,
		SymbolStats: []models.SymbolCount{{Symbol: "SZ.000001", Count: 200}}})
	store.setStats(models.StatsSnapshot{TaskID: "t2", TotalReceived: 100})
	store.setStats(models.StatsSnapshot{TotalReceived: 999})

	snap, ok := store.latestStats("t1")
	if !ok || snap.TotalReceived != 200 || len(snap.SymbolStats) != 1 {
		t.Fatalf("unexpected snapshot for t1: %#v (%v)", snap, ok)
	}
	if _, ok := store.latestStats(""); ok {
		t.Fatalf("snapshots without a task id must be ignored")
	}
	if _, ok := store.latestStats("t3"); ok {
		t.Fatalf("unexpected snapshot for unknown task")
	}
}
