package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/nexusd/internal/bus"
	"github.com/basket/nexusd/internal/monitor"
	"github.com/basket/nexusd/internal/persistence"
	"github.com/basket/nexusd/internal/probe"
)

type testServer struct {
	store *persistence.Store
	bus   *bus.Bus
	http  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "nexus.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prober, err := probe.New(t.TempDir())
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}
	reconciler, err := monitor.New(monitor.Config{Store: store, Prober: prober})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	srv := New(Config{Store: store, Bus: eventBus, Reconciler: reconciler})
	stop := srv.Start()
	t.Cleanup(stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{store: store, bus: eventBus, http: ts}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(wrapper.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/api/health", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" || payload.Version != Version {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestCreateAndListTasks(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/api/tasks", map[string]string{
		"user_message": "Build the release pipeline",
		"source":       "api",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created persistence.Task
	decodeData(t, resp, &created)
	if created.ID == "" || created.Status != persistence.TaskStatusPending {
		t.Fatalf("created = %+v", created)
	}

	resp = ts.request(t, http.MethodGet, "/api/tasks", nil)
	var tasks []persistence.Task
	decodeData(t, resp, &tasks)
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestCreateTask_RejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/tasks", map[string]string{"user_message": "  "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTask_DetailAndNotFound(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	task, err := ts.store.CreateTask(ctx, "task with children", persistence.SourceAPI, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ts.store.AddSubtask(ctx, task.ID, "agent-1", "Agent One", "build", ""); err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	if _, err := ts.store.AddArtifact(ctx, persistence.ArtifactInput{TaskID: task.ID, FilePath: "/out/report.md"}); err != nil {
		t.Fatalf("add artifact: %v", err)
	}

	resp := ts.request(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	var detail struct {
		persistence.Task
		Subtasks  []persistence.Subtask       `json:"subtasks"`
		Artifacts []persistence.Artifact      `json:"artifacts"`
		Timeline  []persistence.TimelineEvent `json:"timeline"`
	}
	decodeData(t, resp, &detail)
	if detail.ID != task.ID || len(detail.Subtasks) != 1 || len(detail.Artifacts) != 1 {
		t.Fatalf("detail = %+v", detail)
	}
	// task-created + artifact-created
	if len(detail.Timeline) != 2 {
		t.Fatalf("timeline = %+v", detail.Timeline)
	}

	resp = ts.request(t, http.MethodGet, "/api/tasks/no-such-task", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateProgress(t *testing.T) {
	ts := newTestServer(t)
	task, err := ts.store.CreateTask(context.Background(), "progress target", persistence.SourceAPI, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := ts.request(t, http.MethodPatch, "/api/tasks/"+task.ID+"/progress", map[string]any{
		"progress": 40,
		"status":   "in_progress",
		"message":  "Halfway through the build",
		"agentExecution": map[string]string{
			"agentId":   "builder-1",
			"agentName": "Builder",
			"task":      "compile artifacts",
		},
	})
	var updated persistence.Task
	decodeData(t, resp, &updated)
	if updated.Status != persistence.TaskStatusInProgress || updated.Progress != 40 {
		t.Fatalf("updated = %+v", updated)
	}

	subs, _ := ts.store.ListSubtasks(context.Background(), task.ID)
	if len(subs) != 1 || subs[0].AgentID != "builder-1" {
		t.Fatalf("subtasks = %+v", subs)
	}
	events, _ := ts.store.ListTimelineEvents(context.Background(), task.ID)
	var progressEvents int
	for _, e := range events {
		if e.EventType == persistence.EventProgressUpdate {
			progressEvents++
		}
	}
	if progressEvents != 1 {
		t.Fatalf("progress events = %d, want 1", progressEvents)
	}
}

func TestUpdateProgress_InvalidTransitionConflicts(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	task, err := ts.store.CreateTask(ctx, "soon to be done", persistence.SourceAPI, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done := persistence.TaskStatusCompleted
	if _, err := ts.store.UpdateTaskProgress(ctx, task.ID, persistence.ProgressUpdate{Status: &done}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resp := ts.request(t, http.MethodPatch, "/api/tasks/"+task.ID+"/progress", map[string]any{
		"status": "in_progress",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	ts := newTestServer(t)
	task, err := ts.store.CreateTask(context.Background(), "to be deleted", persistence.SourceAPI, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := ts.request(t, http.MethodDelete, "/api/tasks/"+task.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = ts.request(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
}

func TestManualCheck(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.store.CreateTask(context.Background(), "active task", persistence.SourceAPI, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := ts.request(t, http.MethodPost, "/api/tasks/check", nil)
	var summary monitor.TickSummary
	decodeData(t, resp, &summary)
	if summary.Checked != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestManualCheckOne(t *testing.T) {
	ts := newTestServer(t)
	task, err := ts.store.CreateTask(context.Background(), "single check", persistence.SourceAPI, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := ts.request(t, http.MethodPost, "/api/tasks/"+task.ID+"/check", nil)
	var result monitor.CheckResult
	decodeData(t, resp, &result)
	if result.Status != persistence.TaskStatusPending {
		t.Fatalf("result = %+v", result)
	}

	resp = ts.request(t, http.MethodPost, "/api/tasks/no-such/check", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + ts.http.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestWS_InitialSnapshot(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		if _, err := ts.store.CreateTask(context.Background(), fmt.Sprintf("snapshot task %d", i), persistence.SourceAPI, ""); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	conn := dialWS(t, ts)
	env := readEnvelope(t, conn)
	if env.Type != "initial" {
		t.Fatalf("first message type = %q, want initial", env.Type)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", env.Data)
	}
	tasks, ok := data["tasks"].([]any)
	if !ok || len(tasks) != 3 {
		t.Fatalf("snapshot tasks = %v", data["tasks"])
	}
	if env.Timestamp == "" {
		t.Fatal("missing timestamp")
	}
}

func TestWS_BroadcastsLifecycle(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	if env := readEnvelope(t, conn); env.Type != "initial" {
		t.Fatalf("first message = %q", env.Type)
	}

	task, err := ts.store.CreateTask(context.Background(), "live broadcast task", persistence.SourceChat, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != "mission_created" {
		t.Fatalf("type = %q, want mission_created", env.Type)
	}
	data := env.Data.(map[string]any)
	if data["id"] != task.ID || data["source"] != "chat" {
		t.Fatalf("data = %v", data)
	}

	progress := 60
	status := persistence.TaskStatusInProgress
	if _, err := ts.store.UpdateTaskProgress(context.Background(), task.ID, persistence.ProgressUpdate{Progress: &progress, Status: &status}); err != nil {
		t.Fatalf("update: %v", err)
	}

	env = readEnvelope(t, conn)
	if env.Type != "mission_progress" {
		t.Fatalf("type = %q, want mission_progress", env.Type)
	}
	data = env.Data.(map[string]any)
	if data["task_id"] != task.ID || data["progress"].(float64) != 60 || data["status"] != "in_progress" {
		t.Fatalf("data = %v", data)
	}
}

func TestWS_MultipleClients(t *testing.T) {
	ts := newTestServer(t)
	connA := dialWS(t, ts)
	connB := dialWS(t, ts)
	readEnvelope(t, connA)
	readEnvelope(t, connB)

	if _, err := ts.store.CreateTask(context.Background(), "fan out to everyone", persistence.SourceAPI, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, conn := range []*websocket.Conn{connA, connB} {
		if env := readEnvelope(t, conn); env.Type != "mission_created" {
			t.Fatalf("type = %q", env.Type)
		}
	}
}
