package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/pubsub"
	"feedflow/internal/task"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/processor"
)

type fakeTasks struct {
	records     map[string]models.TaskRecord
	credentials []string
	stopErr     error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{records: make(map[string]models.TaskRecord)}
}

func (f *fakeTasks) CreateTask(credential string, cfg models.TaskConfig) (string, error) {
	if cfg.Source == "" {
		return "", errors.New("task: source is required")
	}
	id := fmt.Sprintf("t%d", len(f.records)+1)
	f.credentials = append(f.credentials, credential)
	f.records[id] = models.TaskRecord{ID: id, Config: cfg, State: models.TaskConnecting}
	return id, nil
}

func (f *fakeTasks) StopTask(id string) error {
	if _, ok := f.records[id]; !ok {
		return fmt.Errorf("stop %s: %w", id, task.ErrTaskNotFound)
	}
	return f.stopErr
}

func (f *fakeTasks) DisconnectTask(id string) error {
	if _, ok := f.records[id]; !ok {
		return fmt.Errorf("disconnect %s: %w", id, task.ErrTaskNotFound)
	}
	delete(f.records, id)
	return nil
}

func (f *fakeTasks) GetAllTasks() []models.TaskRecord {
	out := make([]models.TaskRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out
}

func (f *fakeTasks) GetTask(id string) (models.TaskRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return models.TaskRecord{}, fmt.Errorf("get %s: %w", id, task.ErrTaskNotFound)
	}
	return r, nil
}

type fakeConn struct{}

func (fakeConn) Status() pubsub.Status { return pubsub.StatusConnected }
func (fakeConn) Patterns() []string    { return []string{"DECODED/ZZ-01/*"} }

func newTestServer(t *testing.T, tasks TaskController) *Server {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, logger.Logger(), tasks, fakeConn{}, "default-credential")
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func serve(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                          "0.0.0.0:8080",
		"  :9090  ":                 "0.0.0.0:9090",
		"localhost":                 "localhost:8080",
		"0.0.0.0:80":                "0.0.0.0:80",
		"[::1]:443":                 "[::1]:443",
		"::1":                       "[::1]:8080",
		"*:8080":                    "0.0.0.0:8080",
		"http://10.0.0.5:8080":      "10.0.0.5:8080",
		"https://10.0.0.5":          "10.0.0.5:8080",
		"http://:7070":              "0.0.0.0:7070",
		"tcp://localhost:5050":      "localhost:5050",
		"https://feed.example.com/": "feed.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabledReturnsNil(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.Logger(), newFakeTasks(), nil, "")
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v, %v", srv, err)
	}
	srv.ObserveEvent(models.ConnectionEvent{Kind: models.EventConnected})
	if got := srv.Address(); got != "" {
		t.Fatalf("nil server address = %q", got)
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), newFakeTasks(), nil, "")
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	srv.cleanup()
}

func TestCreateTaskEndpoint(t *testing.T) {
	tasks := newFakeTasks()
	srv := newTestServer(t, tasks)

	res := serve(t, srv, http.MethodPost, "/api/tasks", `{"source":"ZZ-01","symbols":["SZ.000001"],"destDir":"/tmp/x"}`)
	if res.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d (%s)", res.Code, res.Body.String())
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	rec := tasks.records[body.ID]
	if rec.Config.Source != "ZZ-01" || len(rec.Config.Symbols) != 1 || rec.Config.DestDir != "/tmp/x" {
		t.Fatalf("unexpected task config: %+v", rec.Config)
	}
	if tasks.credentials[0] != "default-credential" {
		t.Fatalf("expected configured credential, got %q", tasks.credentials[0])
	}

	res = serve(t, srv, http.MethodPost, "/api/tasks", `{"destDir":"/tmp/x"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid task, got %d", res.Code)
	}
}

func TestTaskEndpointsMapErrors(t *testing.T) {
	tasks := newFakeTasks()
	srv := newTestServer(t, tasks)
	id, _ := tasks.CreateTask("c", models.TaskConfig{Source: "ZZ-01"})

	srv.ObserveStats(models.StatsSnapshot{TaskID: id, TotalReceived: 42})
	res := serve(t, srv, http.MethodGet, "/api/tasks/"+id, "")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"totalReceived":42`) {
		t.Fatalf("unexpected response: %d %s", res.Code, res.Body.String())
	}

	if res := serve(t, srv, http.MethodGet, "/api/tasks/missing", ""); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}

	tasks.stopErr = fmt.Errorf("stop %s: %w", id, processor.ErrNotRunning)
	if res := serve(t, srv, http.MethodPost, "/api/tasks/"+id+"/stop", ""); res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	tasks.stopErr = nil
	if res := serve(t, srv, http.MethodPost, "/api/tasks/"+id+"/stop", ""); res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}

	if res := serve(t, srv, http.MethodDelete, "/api/tasks/"+id, ""); res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if res := serve(t, srv, http.MethodDelete, "/api/tasks/"+id, ""); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.Code)
	}
}

func TestConnectionEndpointReportsEvents(t *testing.T) {
	srv := newTestServer(t, newFakeTasks())
	srv.ObserveEvent(models.ConnectionEvent{Kind: models.EventReconnecting, Attempt: 2})

	res := serve(t, srv, http.MethodGet, "/api/connection", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body struct {
		Status   string                   `json:"status"`
		Patterns []string                 `json:"patterns"`
		Events   []models.ConnectionEvent `json:"events"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != string(pubsub.StatusConnected) || len(body.Patterns) != 1 {
		t.Fatalf("unexpected connection payload: %+v", body)
	}
	if len(body.Events) != 1 || body.Events[0].Attempt != 2 {
		t.Fatalf("unexpected events: %+v", body.Events)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv := newTestServer(t, newFakeTasks())

	metrics.EmitMetric(logger.Logger(), "session", "frames_received", 5, "counter", logger.Fields{"source": "ZZ-01"})

	res := serve(t, srv, http.MethodGet, "/api/metrics", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatalf("metrics store empty")
	}
}
