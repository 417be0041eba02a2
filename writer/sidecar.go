package writer

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// InfoFileName is the sidecar status file written next to the preview copies.
const InfoFileName = "订阅信息.txt"

// Meta describes the capture job for the sidecar file.
type Meta struct {
	TaskID     string
	Source     string
	SourceName string
	Symbols    []string
	StartedAt  time.Time
}

type sidecarState struct {
	running  bool
	received int64
	rate     float64
	rows     int64
	symbols  int
	stopped  time.Time
}

func (w *CSVWriter) renderSidecar(st sidecarState) string {
	var b strings.Builder
	source := w.meta.Source
	if w.meta.SourceName != "" {
		source = fmt.Sprintf("%s (%s)", w.meta.SourceName, w.meta.Source)
	}
	symbols := "全部"
	if len(w.meta.Symbols) > 0 {
		symbols = strings.Join(w.meta.Symbols, ", ")
	}
	fields := make([]string, 0, len(w.headers))
	for _, h := range w.headers {
		if name, ok := w.display[h]; ok && name != "" {
			fields = append(fields, fmt.Sprintf("%s(%s)", name, h))
		} else {
			fields = append(fields, h)
		}
	}

	fmt.Fprintf(&b, "订阅信息\n")
	if w.meta.TaskID != "" {
		fmt.Fprintf(&b, "任务ID: %s\n", w.meta.TaskID)
	}
	fmt.Fprintf(&b, "数据源: %s\n", source)
	fmt.Fprintf(&b, "标的: %s\n", symbols)
	fmt.Fprintf(&b, "字段: %s\n", strings.Join(fields, ", "))
	fmt.Fprintf(&b, "保存目录: %s\n", w.destDir)
	fmt.Fprintf(&b, "开始时间: %s\n", w.meta.StartedAt.In(w.loc).Format(timeLayout))
	if st.running {
		fmt.Fprintf(&b, "状态: 运行中\n")
	} else {
		fmt.Fprintf(&b, "状态: 已停止\n")
		fmt.Fprintf(&b, "结束时间: %s\n", st.stopped.In(w.loc).Format(timeLayout))
	}
	fmt.Fprintf(&b, "已接收: %d 条\n", st.received)
	fmt.Fprintf(&b, "速率: %.2f 条/秒\n", st.rate)
	fmt.Fprintf(&b, "已写入: %d 行, %d 个标的\n", st.rows, st.symbols)
	fmt.Fprintf(&b, "更新时间: %s\n", time.Now().In(w.loc).Format(timeLayout))
	return b.String()
}

func (w *CSVWriter) writeSidecar(st sidecarState) error {
	if err := os.WriteFile(w.infoPath, []byte(w.renderSidecar(st)), 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}
