package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/guregu/null.v3"

	"github.com/vincentbai/target-inspector/internal/database"
	"github.com/vincentbai/target-inspector/internal/flicker"
	"github.com/vincentbai/target-inspector/internal/inspector"
	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/models"
)

func setupTestServer(t *testing.T) (*Server, func()) {
	t.Helper()

	// Create temporary database
	tmpDir, err := os.MkdirTemp("", "target-inspector-server-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	logger := log.NewNullLogger()
	manager := inspector.NewManager(logger, inspector.Options{
		Correlator: flicker.NewCorrelator(db, nil, 0, logger),
	})
	hub := NewHub(logger)
	server := NewServer(manager, db, hub, "127.0.0.1:0", logger) // Port 0 for testing

	cleanup := func() {
		hub.Close()
		manager.Close()
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return server, cleanup
}

func testActivity(id string) models.Activity {
	return models.Activity{
		ID:                 "act-" + id,
		Timestamp:          1700000000000,
		URL:                "https://x.tt.omtrdc.net/rest/v1/delivery?client=abc",
		Method:             http.MethodPost,
		Type:               models.CallDelivery,
		StatusCode:         200,
		Name:               "Homepage Hero",
		Experience:         "Experience " + id,
		ActivityID:         id,
		ImplementationType: models.SchemaA,
		Fidelity:           models.FidelityDecision,
	}
}

func postMessage(t *testing.T, server *Server, msg models.Message) *httptest.ResponseRecorder {
	t.Helper()
	jsonData, _ := json.Marshal(msg)
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(jsonData))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.handleMessages(w, req)
	return w
}

func TestNewServer(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.manager == nil {
		t.Fatal("Expected non-nil manager")
	}
	if server.db == nil {
		t.Fatal("Expected non-nil database")
	}
	if server.address != "127.0.0.1:0" {
		t.Errorf("Expected address 127.0.0.1:0, got %s", server.address)
	}
}

func TestHandleHealthz(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	server.handleHealthz(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body := w.Body.String()
	if body != "ok" {
		t.Errorf("Expected body 'ok', got %s", body)
	}
}

func TestHandleMessagesGetActivities(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	server.manager.Store("tab-1", testActivity("101"))
	server.manager.Store("tab-1", testActivity("102"))
	server.manager.Store("tab-2", testActivity("201"))

	w := postMessage(t, server, models.Message{Type: models.MsgGetActivities, TabID: "tab-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}

	var reply models.ActivitiesReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if len(reply.Activities) != 2 {
		t.Fatalf("Expected 2 activities, got %d", len(reply.Activities))
	}
	if reply.Activities[0].ActivityID != "101" || reply.Activities[1].ActivityID != "102" {
		t.Errorf("Expected activities in commit order, got %s, %s", reply.Activities[0].ActivityID, reply.Activities[1].ActivityID)
	}
	if reply.IsDebugging {
		t.Error("Expected tab without observer to report isDebugging false")
	}
}

func TestHandleMessagesGetEventsEmpty(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgGetEvents, TabID: "tab-9"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"events":[]`) {
		t.Errorf("Expected empty events array, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"count":0`) {
		t.Errorf("Expected count 0, got %s", w.Body.String())
	}
}

func TestHandleMessagesGetPerformanceNone(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgGetPerformance, TabID: "tab-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"performanceData":null}` {
		t.Errorf("Expected null performance data, got %s", w.Body.String())
	}
}

func TestHandleMessagesClearActivities(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	server.manager.Store("tab-1", testActivity("101"))

	w := postMessage(t, server, models.Message{Type: models.MsgClearActivities, TabID: "tab-1"})
	var reply models.StatusReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if !reply.Success {
		t.Errorf("Expected success, got error %q", reply.Error)
	}
	if n := len(server.manager.Activities("tab-1")); n != 0 {
		t.Errorf("Expected no activities after clear, got %d", n)
	}
}

func TestHandleMessagesMeasureNotObserved(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgMeasurePerformance, TabID: "tab-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var reply models.MeasureReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Success {
		t.Error("Expected failure for an unobserved tab")
	}
	if reply.Error == "" {
		t.Error("Expected an error message")
	}
}

func TestHandleMessagesCollectFlickerNotObserved(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgCollectFlicker, TabID: "tab-1"})
	var reply models.CollectReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Success {
		t.Error("Expected failure for an unobserved tab")
	}
}

// stubPage answers timing measurements with a fixed page.
type stubPage struct {
	timing models.PageTiming
}

func (p *stubPage) Measure(context.Context) (models.PageTiming, error) {
	return p.timing, nil
}

func stubTiming(fcp, deliveryEnd float64) models.PageTiming {
	return models.PageTiming{
		URL:                  "https://shop.example.com/product?id=1",
		TimeOrigin:           1700000000000,
		FirstContentfulPaint: null.FloatFrom(fcp),
		PageLoad:             null.FloatFrom(1800),
		Resources: []models.ResourceEntry{
			{Name: "https://client.tt.omtrdc.net/rest/v1/delivery?client=client", ResponseEnd: deliveryEnd},
		},
	}
}

func decodeReply(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
}

func TestFlickerTestTwoPhases(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	page := &stubPage{timing: stubTiming(500, 700)}
	server.manager.Attach("tab-1", nil, page)
	server.manager.Store("tab-1", testActivity("101"))

	var status models.StatusReply
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgStartFlickerTest, TabID: "tab-1"}), &status)
	if !status.Success {
		t.Fatalf("Expected test to start, got %q", status.Error)
	}
	if phase, _, _ := server.db.Get(ctx, flicker.KeyState); phase != flicker.PhaseWithSnippet {
		t.Errorf("Expected persisted phase %s, got %q", flicker.PhaseWithSnippet, phase)
	}

	var collect models.CollectReply
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgCollectFlicker, TabID: "tab-1"}), &collect)
	if !collect.Success || !collect.Stored {
		t.Fatalf("Expected with-snippet metrics to be stored, got %+v", collect)
	}

	var results models.FlickerTestReply
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgGetFlickerResults, TabID: "tab-1"}), &results)
	if results.Phase != flicker.PhaseWithSnippet {
		t.Errorf("Expected phase %s, got %q", flicker.PhaseWithSnippet, results.Phase)
	}
	if results.Complete || results.Results != nil {
		t.Errorf("Expected no persisted results after one phase, got %+v", results)
	}

	decodeReply(t, postMessage(t, server, models.Message{
		Type:  models.MsgSetFlickerPhase,
		TabID: "tab-1",
		Phase: flicker.PhaseWithoutSnippet,
	}), &status)
	if !status.Success {
		t.Fatalf("Expected phase change, got %q", status.Error)
	}

	page.timing = stubTiming(500, 900)
	collect = models.CollectReply{}
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgCollectFlicker, TabID: "tab-1"}), &collect)
	if !collect.Stored {
		t.Fatalf("Expected without-snippet metrics to be stored, got %+v", collect)
	}

	results = models.FlickerTestReply{}
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgGetFlickerResults, TabID: "tab-1"}), &results)
	if !results.Complete || results.Results == nil {
		t.Fatalf("Expected complete results, got %+v", results)
	}
	if results.URL != "https://shop.example.com/product?id=1" {
		t.Errorf("Expected page URL, got %q", results.URL)
	}
	if got := results.Results.WithSnippet.Flicker; !got.Valid || got.Float64 != 200 {
		t.Errorf("Expected with-snippet flicker 200, got %+v", got)
	}
	if got := results.Results.WithoutSnippet.Flicker; !got.Valid || got.Float64 != 400 {
		t.Errorf("Expected without-snippet flicker 400, got %+v", got)
	}

	// another tab does not see the results
	other := models.FlickerTestReply{}
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgGetFlickerResults, TabID: "tab-2"}), &other)
	if other.Results != nil || other.Complete {
		t.Errorf("Expected no results for another tab, got %+v", other)
	}

	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgEndFlickerTest, TabID: "tab-1"}), &status)
	if !status.Success {
		t.Fatalf("Expected test to end, got %q", status.Error)
	}
	if _, ok, _ := server.db.Get(ctx, flicker.KeyState); ok {
		t.Error("Expected test state to be removed")
	}
	results = models.FlickerTestReply{}
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgGetFlickerResults, TabID: "tab-1"}), &results)
	if results.Phase != "" || !results.Complete {
		t.Errorf("Expected finished test to keep its results, got %+v", results)
	}

	// no test running: collection stores nothing
	collect = models.CollectReply{}
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgCollectFlicker, TabID: "tab-1"}), &collect)
	if collect.Stored {
		t.Error("Expected nothing stored outside a test")
	}

	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgResetFlickerTest, TabID: "tab-1"}), &status)
	if !status.Success {
		t.Fatalf("Expected reset, got %q", status.Error)
	}
	for _, key := range []string{flicker.KeyState, flicker.KeyTabID, flicker.KeyResults, flicker.KeyURL} {
		if _, ok, _ := server.db.Get(ctx, key); ok {
			t.Errorf("Expected %s to be removed", key)
		}
	}
}

func TestSetFlickerPhaseUnknown(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgSetFlickerPhase, TabID: "tab-1", Phase: "idle"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if _, ok, _ := server.db.Get(context.Background(), flicker.KeyState); ok {
		t.Error("Expected no test state to be written")
	}
}

func TestStartFlickerTestWithoutStore(t *testing.T) {
	logger := log.NewNullLogger()
	manager := inspector.NewManager(logger, inspector.Options{})
	defer manager.Close()
	server := NewServer(manager, nil, nil, "127.0.0.1:0", logger)

	var status models.StatusReply
	decodeReply(t, postMessage(t, server, models.Message{Type: models.MsgStartFlickerTest, TabID: "tab-1"}), &status)
	if status.Success || status.Error == "" {
		t.Errorf("Expected failure without a state store, got %+v", status)
	}
}

func TestHandleMessagesClearFlickerData(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgClearFlickerData, TabID: "tab-1"})
	var reply models.StatusReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if !reply.Success {
		t.Errorf("Expected success, got error %q", reply.Error)
	}
}

func TestHandleMessagesTestConnection(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	server.manager.Store("tab-1", testActivity("101"))
	server.manager.Store("tab-2", testActivity("201"))

	// tabId is optional for a connection test
	w := postMessage(t, server, models.Message{Type: models.MsgTestConnection})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var reply models.ConnectionReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if !reply.Success {
		t.Error("Expected success")
	}
	if reply.TotalActivities != 2 {
		t.Errorf("Expected 2 activities, got %d", reply.TotalActivities)
	}
	if reply.DebuggingSessions != 0 {
		t.Errorf("Expected no debugging sessions, got %d", reply.DebuggingSessions)
	}
	if reply.Timestamp <= 0 {
		t.Errorf("Expected positive timestamp, got %d", reply.Timestamp)
	}
}

func TestHandleMessagesMethodNotAllowed(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	w := httptest.NewRecorder()

	server.handleMessages(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHandleMessagesInvalidJSON(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader([]byte("invalid json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.handleMessages(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestHandleMessagesMissingTabID(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: models.MsgGetActivities})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleMessagesUnknownType(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	w := postMessage(t, server, models.Message{Type: "RELOAD_EVERYTHING", TabID: "tab-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	older := testActivity("101")
	newer := testActivity("102")
	newer.Timestamp = older.Timestamp + 1000
	if err := server.db.ArchiveActivities(context.Background(), "tab-1", []models.Activity{older, newer}); err != nil {
		t.Fatalf("Failed to archive activities: %v", err)
	}
	if err := server.db.ArchiveActivities(context.Background(), "tab-2", []models.Activity{testActivity("201")}); err != nil {
		t.Fatalf("Failed to archive activities: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/history?tabId=tab-1", nil)
	w := httptest.NewRecorder()
	server.handleHistory(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var reply models.ActivitiesReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if len(reply.Activities) != 2 {
		t.Fatalf("Expected 2 activities, got %d", len(reply.Activities))
	}
	if reply.Activities[0].ActivityID != "102" {
		t.Errorf("Expected newest activity first, got %s", reply.Activities[0].ActivityID)
	}

	// without tabId every tab is listed
	req = httptest.NewRequest(http.MethodGet, "/history?limit=10", nil)
	w = httptest.NewRecorder()
	server.handleHistory(w, req)
	reply = models.ActivitiesReply{}
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if len(reply.Activities) != 3 {
		t.Errorf("Expected 3 activities, got %d", len(reply.Activities))
	}
}

func TestHandleHistoryInvalidLimit(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/history?tabId=tab-1&limit=ten", nil)
	w := httptest.NewRecorder()
	server.handleHistory(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleHistoryMethodNotAllowed(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/history", nil)
	w := httptest.NewRecorder()
	server.handleHistory(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestSetupRoutes(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Failed to call healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/messages", "application/json", strings.NewReader(`{"type":"TEST_CONNECTION"}`))
	if err != nil {
		t.Fatalf("Failed to post message: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("Failed to call history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestSetupRoutesWithoutDatabase(t *testing.T) {
	logger := log.NewNullLogger()
	manager := inspector.NewManager(logger, inspector.Options{})
	defer manager.Close()
	server := NewServer(manager, nil, nil, "127.0.0.1:0", logger)

	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("Failed to call history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d hub clients, got %d", n, hub.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialHub(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	return conn
}

func TestHubBroadcast(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	all := dialHub(t, ts, "")
	defer all.Close()
	other := dialHub(t, ts, "?tabId=tab-2")
	defer other.Close()
	waitForClients(t, server.hub, 2)

	server.hub.ActivityCommitted("tab-1", testActivity("101"))

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notification models.Notification
	if err := all.ReadJSON(&notification); err != nil {
		t.Fatalf("Failed to read notification: %v", err)
	}
	if notification.Type != models.NotifyActivityDetected {
		t.Errorf("Expected %s, got %s", models.NotifyActivityDetected, notification.Type)
	}
	if notification.TabID != "tab-1" {
		t.Errorf("Expected tab-1, got %s", notification.TabID)
	}
	if notification.Activity.ActivityID != "101" {
		t.Errorf("Expected activity 101, got %s", notification.Activity.ActivityID)
	}

	// the tab-2 subscriber only sees its own tab
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("Expected no notification for another tab")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(log.NewNullLogger())
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	// never blocks even when the client does not read
	for i := 0; i < clientBufferSize*4; i++ {
		hub.ActivityCommitted("tab-1", testActivity("101"))
	}
	hub.Close()

	if n := hub.Clients(); n != 0 {
		t.Errorf("Expected no clients after close, got %d", n)
	}
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub := NewHub(log.NewNullLogger())
	defer hub.Close()
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestStartShutdown(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}

func TestStartInvalidAddress(t *testing.T) {
	logger := log.NewNullLogger()
	manager := inspector.NewManager(logger, inspector.Options{})
	defer manager.Close()
	server := NewServer(manager, nil, nil, "127.0.0.1:-1", logger)

	if err := server.Start(context.Background()); err == nil {
		t.Error("Expected error for an invalid address")
	}
}
