package processor

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"feedflow/internal/channel"
	"feedflow/internal/pubsub"
	"feedflow/models"
	"feedflow/writer"
)

type fakeBus struct {
	mu           sync.Mutex
	connectErr   error
	subscribeErr error
	connects     int
	subscribing  chan struct{}
	release      chan struct{}
	handlers     map[string][]pubsub.Handler
	unsubscribed [][]string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]pubsub.Handler)}
}

func (b *fakeBus) Connect(ctx context.Context, credential string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	return b.connectErr
}

func (b *fakeBus) Subscribe(patterns []string, h pubsub.Handler) error {
	if b.release != nil {
		close(b.subscribing)
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	for _, p := range patterns {
		b.handlers[p] = append(b.handlers[p], h)
	}
	return nil
}

func (b *fakeBus) Unsubscribe(patterns []string, h pubsub.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, patterns)
	for _, p := range patterns {
		delete(b.handlers, p)
	}
	return nil
}

func (b *fakeBus) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

func (b *fakeBus) deliver(pattern, channelName, payload string) {
	b.mu.Lock()
	hs := append([]pubsub.Handler(nil), b.handlers[pattern]...)
	b.mu.Unlock()
	data, _ := jsonString(payload)
	for _, h := range hs {
		h.HandleFrame(models.Frame{Type: models.FrameData, Pattern: pattern, Channel: channelName, Data: data})
	}
}

func jsonString(s string) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return []byte(b.String()), nil
}

func testSessionConfig(t *testing.T, source string, symbols []string) SessionConfig {
	t.Helper()
	return SessionConfig{
		TaskID:     "task-1",
		Credential: "secret",
		Task: models.TaskConfig{
			Source:  source,
			Symbols: symbols,
			Fields: []models.FieldMeta{
				{Name: "price", CNName: "价格"},
				{Name: "qty"},
			},
			DestDir: filepath.Join(t.TempDir(), "out"),
		},
		KlineSources: []string{"ZZ-5001", "ZZ-5002"},
		Writer:       writer.Options{PreviewInitialDelay: time.Hour, Location: time.UTC},
	}
}

func TestSessionStartSubscribesPatterns(t *testing.T) {
	bus := newFakeBus()
	s := NewSession(testSessionConfig(t, "ZZ-5001", []string{"SZ.000001", "SZ.000002"}), bus, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Cleanup)

	st := s.Status()
	want := []string{"KLINE-1M/ZZ-5001/SZ.000001", "KLINE-1M/ZZ-5001/SZ.000002"}
	if !st.Running || !reflect.DeepEqual(st.Patterns, want) {
		t.Fatalf("unexpected status: %+v", st)
	}
	if bus.connects != 1 {
		t.Fatalf("expected one connect, got %d", bus.connects)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSessionStopWhenNotRunning(t *testing.T) {
	s := NewSession(testSessionConfig(t, "ZZ-01", nil), newFakeBus(), nil)
	if _, err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	s.Cleanup()
}

func TestSessionStartFailures(t *testing.T) {
	bus := newFakeBus()
	bus.connectErr = errors.New("refused")
	s := NewSession(testSessionConfig(t, "ZZ-01", nil), bus, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if s.Running() {
		t.Fatalf("session should not be running")
	}

	bus = newFakeBus()
	bus.subscribeErr = pubsub.ErrNotConnected
	s = NewSession(testSessionConfig(t, "ZZ-01", nil), bus, nil)
	if err := s.Start(context.Background()); !errors.Is(err, pubsub.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if s.Running() {
		t.Fatalf("session should not be running")
	}

	cfg := testSessionConfig(t, "", nil)
	if err := NewSession(cfg, newFakeBus(), nil).Start(context.Background()); err == nil {
		t.Fatalf("expected validation error for empty source")
	}
}

func TestSessionStopWaitsForStart(t *testing.T) {
	bus := newFakeBus()
	bus.subscribing = make(chan struct{})
	bus.release = make(chan struct{})
	s := NewSession(testSessionConfig(t, "ZZ-01", []string{"SZ.000001"}), bus, nil)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-bus.subscribing

	if s.Running() {
		t.Fatalf("session should not report running while subscribing")
	}

	stopped := make(chan error, 1)
	go func() {
		_, err := s.Stop()
		stopped <- err
	}()

	select {
	case err := <-stopped:
		t.Fatalf("stop returned before start finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(bus.release)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}

	if s.Running() {
		t.Fatalf("session should be stopped")
	}
	if n := bus.handlerCount(); n != 0 {
		t.Fatalf("expected no handlers left on the bus, got %d", n)
	}
	if len(bus.unsubscribed) != 1 {
		t.Fatalf("expected one unsubscribe, got %v", bus.unsubscribed)
	}
}

func TestSessionWritesRowsPerSymbol(t *testing.T) {
	bus := newFakeBus()
	cfg := testSessionConfig(t, "ZZ-01", nil)
	s := NewSession(cfg, bus, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	pattern := "DECODED/ZZ-01/*"
	bus.deliver(pattern, "DECODED/ZZ-01/SZ.000001/tick", `{"key":"K1","data":{"price":1,"qty":2}}`)
	bus.deliver(pattern, "DECODED/ZZ-01/SZ.000001/tick", `{"data":"{\"price\":3}"}`)
	bus.deliver(pattern, "DECODED/ZZ-01/SZ.000002/tick", `{"symbol":"SZ.000002","价格":5,"QTY":6}`)
	bus.deliver(pattern, "DECODED/ZZ-01/SZ.000002/tick", `not json`)

	st := s.Status()
	if st.TotalReceived != 3 {
		t.Fatalf("expected 3 received, got %d", st.TotalReceived)
	}
	wantStats := []models.SymbolCount{{Symbol: "SZ.000001", Count: 2}, {Symbol: "SZ.000002", Count: 1}}
	if !reflect.DeepEqual(st.SymbolStats, wantStats) {
		t.Fatalf("unexpected symbol stats: %+v", st.SymbolStats)
	}
	if dropped, _ := s.Counters(); dropped != 1 {
		t.Fatalf("expected one dropped frame, got %d", dropped)
	}

	dest, err := s.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dest != cfg.Task.DestDir {
		t.Fatalf("unexpected dest %q", dest)
	}
	if len(bus.unsubscribed) != 1 || !reflect.DeepEqual(bus.unsubscribed[0], []string{pattern}) {
		t.Fatalf("unexpected unsubscribe calls: %v", bus.unsubscribed)
	}

	rows := readRows(t, filepath.Join(dest, "SZ.000001.csv"))
	want := [][]string{{"价格(price)", "qty"}, {"1", "2"}, {"3", "-"}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("unexpected rows: %v", rows)
	}
	rows = readRows(t, filepath.Join(dest, "SZ.000002.csv"))
	if !reflect.DeepEqual(rows[1], []string{"5", "6"}) {
		t.Fatalf("unexpected rows: %v", rows)
	}

	bus.deliver(pattern, "DECODED/ZZ-01/SZ.000001/tick", `{"price":9}`)
	if got := s.Status().TotalReceived; got != 3 {
		t.Fatalf("stopped session should ignore frames, got %d", got)
	}
}

func TestSessionPushesStatsEveryHundredRecords(t *testing.T) {
	bus := newFakeBus()
	notify := channel.NewNotifications(4)
	s := NewSession(testSessionConfig(t, "ZZ-01", []string{"SH.600000"}), bus, notify)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Cleanup)

	pattern := "DECODED/ZZ-01/SH.600000/*"
	for i := 0; i < 199; i++ {
		bus.deliver(pattern, "DECODED/ZZ-01/SH.600000/tick", `{"price":1}`)
	}

	if got := len(notify.Stats); got != 1 {
		t.Fatalf("expected one snapshot, got %d", got)
	}
	snap := <-notify.Stats
	if snap.TotalReceived != 100 || snap.TaskID != "task-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.SymbolStats) != 1 || snap.SymbolStats[0].Count != 100 {
		t.Fatalf("unexpected symbol stats: %+v", snap.SymbolStats)
	}
}

func TestSessionStatusWhileFramesArrive(t *testing.T) {
	bus := newFakeBus()
	notify := channel.NewNotifications(16)
	s := NewSession(testSessionConfig(t, "ZZ-01", []string{"SH.600000"}), bus, notify)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Cleanup)

	pattern := "DECODED/ZZ-01/SH.600000/*"
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bus.deliver(pattern, "DECODED/ZZ-01/SH.600000/tick", `{"price":1,"qty":2}`)
		}
	}()

	var last int64
	for polling := true; polling; {
		select {
		case <-done:
			polling = false
		default:
		}
		st := s.Status()
		if st.TotalReceived < last {
			t.Fatalf("received count went backwards: %d after %d", st.TotalReceived, last)
		}
		last = st.TotalReceived
	}

	st := s.Status()
	if st.TotalReceived != 500 || len(st.SymbolStats) != 1 || st.SymbolStats[0].Count != 500 {
		t.Fatalf("unexpected final status: %+v", st)
	}
	if got := len(notify.Stats); got != 5 {
		t.Fatalf("expected 5 snapshots, got %d", got)
	}
	for i := 1; i <= 5; i++ {
		snap := <-notify.Stats
		if snap.TotalReceived != int64(i*100) || snap.SymbolStats[0].Count != int64(i*100) {
			t.Fatalf("snapshot %d: %+v", i, snap)
		}
	}
}

func TestSessionUnknownSymbolPlaceholder(t *testing.T) {
	bus := newFakeBus()
	s := NewSession(testSessionConfig(t, "ZZ-01", nil), bus, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Cleanup)

	bus.deliver("DECODED/ZZ-01/*", "", `{"price":1}`)
	st := s.Status()
	if len(st.SymbolStats) != 1 || st.SymbolStats[0].Symbol != UnknownSymbol {
		t.Fatalf("expected UNKNOWN symbol, got %+v", st.SymbolStats)
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	text := strings.TrimPrefix(string(data), "\uFEFF")
	rows, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return rows
}
