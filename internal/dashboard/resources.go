package dashboard

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"feedflow/logger"
	"feedflow/models"
)

// destinationUsage is the disk usage of the volume a task writes into.
type destinationUsage struct {
	Path    string   `json:"path"`
	Tasks   []string `json:"tasks,omitempty"`
	Used    uint64   `json:"used"`
	Total   uint64   `json:"total"`
	Percent float64  `json:"percent"`
}

// resourceSnapshot is one sample of the host and of the capture destinations.
type resourceSnapshot struct {
	Timestamp    time.Time          `json:"timestamp"`
	CPUPercent   float64            `json:"cpu_percent"`
	MemoryUsed   uint64             `json:"memory_used"`
	MemoryTotal  uint64             `json:"memory_total"`
	MemoryPct    float64            `json:"memory_percent"`
	ActiveTasks  int                `json:"active_tasks"`
	Destinations []destinationUsage `json:"destinations"`
}

// taskLister returns the tasks whose destinations are sampled.
type taskLister func() []models.TaskRecord

type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration
	fallback string
	tasks    taskLister

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// newResourceSampler samples every destination returned by tasks. fallback is
// sampled while no task exists.
func newResourceSampler(limit int, interval time.Duration, fallback string, tasks taskLister, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if fallback == "" {
		fallback = "."
	}
	return &resourceSampler{
		limit:    limit,
		interval: interval,
		fallback: fallback,
		tasks:    tasks,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(snapshot resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snapshot)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		snapshot, err := s.sample(ctx)
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host usage")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}
		s.append(snapshot)
	}
}

// sample blocks for one CPU interval. A destination that cannot be measured
// is left out of the snapshot.
func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}

	snapshot := resourceSnapshot{
		Timestamp:   time.Now(),
		CPUPercent:  firstSample(cpuSamples),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
	}

	var records []models.TaskRecord
	if s.tasks != nil {
		records = s.tasks()
	}
	for _, r := range records {
		if r.State == models.TaskConnecting || r.State == models.TaskRunning {
			snapshot.ActiveTasks++
		}
	}

	for _, dest := range groupDestinations(records, s.fallback) {
		usage, err := diskUsageFn(ctx, existingDir(dest.Path))
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).WithField("path", dest.Path).Debug("failed to sample disk usage")
			continue
		}
		dest.Used = usage.Used
		dest.Total = usage.Total
		dest.Percent = usage.UsedPercent
		snapshot.Destinations = append(snapshot.Destinations, dest)
	}
	return snapshot, nil
}

// groupDestinations collects task ids per destination directory, sorted by path.
func groupDestinations(records []models.TaskRecord, fallback string) []destinationUsage {
	byPath := make(map[string][]string)
	for _, r := range records {
		dest := r.DestPath
		if dest == "" {
			dest = r.Config.DestDir
		}
		if dest == "" {
			continue
		}
		dest = filepath.Clean(dest)
		byPath[dest] = append(byPath[dest], r.ID)
	}
	if len(byPath) == 0 {
		return []destinationUsage{{Path: fallback}}
	}

	out := make([]destinationUsage, 0, len(byPath))
	for p, ids := range byPath {
		sort.Strings(ids)
		out = append(out, destinationUsage{Path: p, Tasks: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// existingDir returns path or its nearest existing ancestor.
func existingDir(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
