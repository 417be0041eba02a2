package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type componentCounts struct {
	warns  int64
	errors int64
}

var components sync.Map // map[string]*componentCounts

func counts(component string) *componentCounts {
	v, _ := components.LoadOrStore(component, &componentCounts{})
	return v.(*componentCounts)
}

func recordWarn(component string) {
	atomic.AddInt64(&counts(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&counts(component).errors, 1)
}

// ComponentCounts returns the number of warnings and errors logged so far
// for the given component.
func ComponentCounts(component string) (warns, errors int64) {
	c := counts(component)
	return atomic.LoadInt64(&c.warns), atomic.LoadInt64(&c.errors)
}

// StartReport logs a runtime report every interval until ctx is done. extra,
// when non-nil, contributes pipeline counters to each report.
func StartReport(ctx context.Context, log *Log, interval time.Duration, extra func() Fields) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, extra)
			}
		}
	}()
}

func logReport(log *Log, extra func() Fields) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsedMB int64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedMB = int64(vm.Used) / 1024 / 1024
	}

	perComponent := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		c := v.(*componentCounts)
		perComponent[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&c.warns),
			"errors": atomic.LoadInt64(&c.errors),
		}
		return true
	})

	fields := Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   memUsedMB,
		"components":  perComponent,
	}
	if extra != nil {
		for k, v := range extra() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
