package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mistcharge/internal/dashboard"
	"mistcharge/internal/device"
	"mistcharge/internal/logging"
	"mistcharge/internal/network"
	"mistcharge/internal/outbox"
	"mistcharge/internal/syncer"
)

type FacadeMock struct {
	mock.Mock
}

func (m *FacadeMock) FetchStatus(ctx context.Context) dashboard.StatusResult {
	return m.Called().Get(0).(dashboard.StatusResult)
}

func (m *FacadeMock) FetchStats(ctx context.Context, days int) dashboard.StatsResult {
	return m.Called(days).Get(0).(dashboard.StatsResult)
}

func (m *FacadeMock) TogglePower(ctx context.Context, on bool) dashboard.CommandResult {
	return m.Called(on).Get(0).(dashboard.CommandResult)
}

func (m *FacadeMock) SendCommand(ctx context.Context, command string, params map[string]any) dashboard.CommandResult {
	return m.Called(command, params).Get(0).(dashboard.CommandResult)
}

func (m *FacadeMock) QueueStatus(ctx context.Context) (outbox.Status, error) {
	args := m.Called()
	return args.Get(0).(outbox.Status), args.Error(1)
}

func (m *FacadeMock) Settings(ctx context.Context) (device.AppSettings, error) {
	args := m.Called()
	return args.Get(0).(device.AppSettings), args.Error(1)
}

func (m *FacadeMock) UpdateSettings(ctx context.Context, patch device.SettingsPatch) (device.AppSettings, error) {
	args := m.Called(patch)
	return args.Get(0).(device.AppSettings), args.Error(1)
}

func (m *FacadeMock) SetOfflineModeOverride(ctx context.Context, offline bool) error {
	return m.Called(offline).Error(0)
}

func (m *FacadeMock) NetworkState() network.State {
	return m.Called().Get(0).(network.State)
}

type SyncerMock struct {
	mock.Mock
}

func (m *SyncerMock) Sync(ctx context.Context, opts syncer.Options) syncer.Result {
	return m.Called(opts).Get(0).(syncer.Result)
}

func (m *SyncerMock) Status() syncer.Status {
	return m.Called().Get(0).(syncer.Status)
}

func (m *SyncerMock) ClearQueue(ctx context.Context) error {
	return m.Called().Error(0)
}

type staticQueue []device.QueuedCommand

func (q staticQueue) List(ctx context.Context) ([]device.QueuedCommand, error) {
	return q, nil
}

type fixture struct {
	facade *FacadeMock
	syncer *SyncerMock
	server *Server
}

func newFixture(queue staticQueue) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{facade: new(FacadeMock), syncer: new(SyncerMock)}
	f.server = NewServer(ServerConfig{
		Port:      0,
		Dashboard: f.facade,
		Syncer:    f.syncer,
		Queue:     queue,
		Log:       logging.Discard(),
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(nil)
	reachable := true
	f.facade.On("NetworkState").Return(network.State{IsConnected: true, IsInternetReachable: &reachable})
	f.syncer.On("Status").Return(syncer.Status{IsSyncing: true})

	w := f.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["online"])
	assert.Equal(t, true, body["syncing"])
}

func TestStatus(t *testing.T) {
	f := newFixture(nil)
	snap := device.EmptySnapshot(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	snap.Temperature = 22.5
	f.facade.On("FetchStatus").Return(dashboard.StatusResult{Data: &snap, IsOffline: true}).Once()
	f.facade.On("FetchStatus").Return(dashboard.StatusResult{IsOffline: true, Err: dashboard.ErrNoData, Error: "no data available"})

	w := f.do(http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["isOffline"])
	assert.Equal(t, 22.5, body["data"].(map[string]any)["temperature"])

	w = f.do(http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no data available", decode(t, w)["error"])
}

func TestStatsValidatesDays(t *testing.T) {
	f := newFixture(nil)
	f.facade.On("FetchStats", 14).Return(dashboard.StatsResult{Data: device.StatisticsSeries{{Day: "Mon"}}})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/stats?days=14", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/stats?days=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/stats?days=0", "").Code)
}

func TestPower(t *testing.T) {
	f := newFixture(nil)
	f.facade.On("TogglePower", true).Return(dashboard.CommandResult{Success: true, Queued: true, ID: "abc"})
	f.facade.On("TogglePower", false).Return(dashboard.CommandResult{Success: true, Message: "Device powered off"})

	w := f.do(http.MethodPost, "/api/v1/power", `{"isOn": true}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "abc", decode(t, w)["id"])

	w = f.do(http.MethodPost, "/api/v1/power", `{"isOn": false}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/power", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommand(t *testing.T) {
	f := newFixture(nil)
	params := map[string]any{"mode": "eco"}
	f.facade.On("SendCommand", "set_mode", params).Return(dashboard.CommandResult{Success: true, Message: "ok"})

	w := f.do(http.MethodPost, "/api/v1/command", `{"command": "set_mode", "parameters": {"mode": "eco"}}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/command", `{"parameters": {}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.facade.AssertNumberOfCalls(t, "SendCommand", 1)
}

func TestQueue(t *testing.T) {
	queue := staticQueue{{ID: "1", Command: "power_toggle", Timestamp: 1714557600000}}
	f := newFixture(queue)
	oldest := queue[0].EnqueuedAt()
	f.facade.On("QueueStatus").Return(outbox.Status{Pending: 1, Oldest: &oldest}, nil)
	f.syncer.On("ClearQueue").Return(nil)

	w := f.do(http.MethodGet, "/api/v1/queue", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 1.0, body["pending"])
	assert.Len(t, body["commands"], 1)

	w = f.do(http.MethodDelete, "/api/v1/queue", "")
	assert.Equal(t, http.StatusOK, w.Code)
	f.syncer.AssertCalled(t, "ClearQueue")
}

func TestSync(t *testing.T) {
	f := newFixture(nil)
	f.syncer.On("Sync", syncer.Options{SyncCommands: true, SyncData: true}).
		Return(syncer.Result{Success: true, CommandsSent: 2, DataUpdated: true})
	f.syncer.On("Sync", syncer.Options{SyncData: true}).
		Return(syncer.Result{Error: syncer.ErrSyncInProgress.Error(), Err: syncer.ErrSyncInProgress})

	w := f.do(http.MethodPost, "/api/v1/sync", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["commandsSent"])

	w = f.do(http.MethodPost, "/api/v1/sync?scope=data", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/v1/sync?scope=everything", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettings(t *testing.T) {
	f := newFixture(nil)
	autoSync := false
	updated := device.DefaultSettings()
	updated.AutoSync = false
	f.facade.On("Settings").Return(device.DefaultSettings(), nil)
	f.facade.On("UpdateSettings", device.SettingsPatch{AutoSync: &autoSync}).Return(updated, nil)

	w := f.do(http.MethodGet, "/api/v1/settings", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30.0, decode(t, w)["dataRetentionDays"])

	w = f.do(http.MethodPatch, "/api/v1/settings", `{"autoSync": false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["autoSync"])
}

func TestSettingsValidationError(t *testing.T) {
	f := newFixture(nil)
	days := 0
	f.facade.On("UpdateSettings", device.SettingsPatch{DataRetentionDays: &days}).
		Return(device.AppSettings{}, &dashboard.ValidationError{Field: "dataRetentionDays", Reason: "must be at least 1"})

	w := f.do(http.MethodPatch, "/api/v1/settings", `{"dataRetentionDays": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfflineOverride(t *testing.T) {
	f := newFixture(nil)
	f.facade.On("SetOfflineModeOverride", true).Return(nil)
	f.facade.On("NetworkState").Return(network.State{IsConnected: true, OfflineMode: true})

	w := f.do(http.MethodPut, "/api/v1/network/offline", `{"offline": true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "Offline Mode", body["description"])

	w = f.do(http.MethodPut, "/api/v1/network/offline", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(nil)
	server := httptest.NewServer(f.server.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.events.Clients() == 1 }, time.Second, 5*time.Millisecond)
	f.server.events.Broadcast("sync", syncer.Result{Success: true, CommandsSent: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "sync", event.Type)
	assert.Equal(t, true, event.Data.(map[string]any)["success"])
}
