package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileName is the object name the table metadata is stored under.
const FileName = "metadata.json"

// DataFile describes a single parquet object produced by an archive run.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot is one committed set of data files.
type Snapshot struct {
	SnapshotID  int64           `json:"snapshot-id"`
	TimestampMs int64           `json:"timestamp-ms"`
	Summary     map[string]any  `json:"summary"`
	Manifest    []ManifestEntry `json:"manifest"`
}

// TableMetadata is the Iceberg style document written next to the data.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	TableName         string     `json:"table-name"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator collects the data files of one archive run and renders the
// table metadata describing them.
type Generator struct {
	location  string
	tableName string
	tableUUID string

	mu    sync.Mutex
	files []DataFile
}

// NewGenerator returns a generator for the table rooted at location.
func NewGenerator(location, tableName string) *Generator {
	return &Generator{
		location:  location,
		tableName: tableName,
		tableUUID: uuid.NewString(),
	}
}

// AddFile records a written parquet object.
func (g *Generator) AddFile(df DataFile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files = append(g.files, df)
}

// Len reports the number of recorded files.
func (g *Generator) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.files)
}

// Build renders the table metadata with a single snapshot taken at ts.
func (g *Generator) Build(ts time.Time) ([]byte, error) {
	g.mu.Lock()
	files := append([]DataFile(nil), g.files...)
	g.mu.Unlock()

	if len(files) == 0 {
		return nil, fmt.Errorf("metadata: no data files for %s", g.tableName)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	entries := make([]ManifestEntry, 0, len(files))
	var records, bytes int64
	for _, df := range files {
		entries = append(entries, ManifestEntry{Status: 1, DataFile: df})
		records += df.RecordCount
		bytes += df.FileSize
	}

	snap := Snapshot{
		SnapshotID:  ts.UnixNano(),
		TimestampMs: ts.UnixMilli(),
		Summary: map[string]any{
			"operation":     "append",
			"added-files":   len(files),
			"added-records": records,
			"added-size":    bytes,
		},
		Manifest: entries,
	}
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         g.tableUUID,
		TableName:         g.tableName,
		Location:          g.location,
		CurrentSnapshotID: snap.SnapshotID,
		Snapshots:         []Snapshot{snap},
	}
	return json.MarshalIndent(tm, "", "  ")
}
