package models

import "time"

// FieldMeta is one column as described by the catalog service.
type FieldMeta struct {
	Name   string `yaml:"name" json:"name"`
	CNName string `yaml:"cn_name" json:"cn_name"`
}

// TaskConfig describes one capture job.
type TaskConfig struct {
	Name       string      `yaml:"name" json:"name,omitempty"`
	Source     string      `yaml:"source" json:"source"`
	SourceName string      `yaml:"source_name" json:"sourceName,omitempty"`
	Symbols    []string    `yaml:"symbols" json:"symbols"`
	Fields     []FieldMeta `yaml:"fields" json:"fields"`
	DestDir    string      `yaml:"dest" json:"destDir"`
}

// FieldNames returns the output columns in declared order.
func (c TaskConfig) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		names = append(names, f.Name)
	}
	return names
}

// DisplayNames maps field name to display name for fields that have one.
func (c TaskConfig) DisplayNames() map[string]string {
	out := make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		if f.CNName != "" {
			out[f.Name] = f.CNName
		}
	}
	return out
}

// TaskState is the registry-level lifecycle of a task.
type TaskState string

const (
	TaskConnecting TaskState = "connecting"
	TaskRunning    TaskState = "running"
	TaskStopped    TaskState = "stopped"
	TaskError      TaskState = "error"
)

// SymbolCount is the number of rows written for one symbol.
type SymbolCount struct {
	Symbol string `json:"symbol"`
	Count  int64  `json:"count"`
}

// StatsSnapshot is the periodic progress report pushed to the UI layer.
type StatsSnapshot struct {
	TaskID        string        `json:"taskId,omitempty"`
	TotalReceived int64         `json:"totalReceived"`
	DataRate      float64       `json:"dataRate"`
	RunningTime   time.Duration `json:"runningTime"`
	SymbolStats   []SymbolCount `json:"symbolStats"`
}

// SessionStatus is a point-in-time view of a subscription session.
type SessionStatus struct {
	StatsSnapshot
	Running  bool     `json:"running"`
	Patterns []string `json:"patterns"`
	DestDir  string   `json:"destDir"`
}

// TaskRecord is what the registry stores and returns for a task.
type TaskRecord struct {
	ID        string         `json:"id"`
	Config    TaskConfig     `json:"config"`
	State     TaskState      `json:"state"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	StoppedAt time.Time      `json:"stoppedAt,omitempty"`
	DestPath  string         `json:"destPath,omitempty"`
	Status    *SessionStatus `json:"status,omitempty"`
}
