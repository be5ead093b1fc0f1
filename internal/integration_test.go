package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"class-mirror-backend/config"
	"class-mirror-backend/internal/api"
	"class-mirror-backend/internal/db"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/mirror/mirrortest"
	"class-mirror-backend/internal/model"
	"class-mirror-backend/internal/parse"
	"class-mirror-backend/internal/reconcile"
	"class-mirror-backend/internal/schedule"
	"class-mirror-backend/internal/store"
	"class-mirror-backend/internal/untis"
)

// timetableServer serves one class's timetable over JSON-RPC. Days missing
// from the map answer with the provider's "no allowed date" error.
type timetableServer struct {
	mu   sync.Mutex
	days map[int][]untis.RawEntry
}

func (s *timetableServer) set(date int, entries ...untis.RawEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[date] = entries
}

func (s *timetableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
		Params struct {
			Options struct {
				StartDate int `json:"startDate"`
			} `json:"options"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply := func(v any) {
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": v})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Method {
	case "authenticate":
		reply(map[string]any{"sessionId": "sess", "personType": 5, "personId": 1, "klasseId": 42})
	case "logout":
		reply(nil)
	case "getLatestImportTime":
		reply(time.Now().UnixMilli())
	case "getTimetable":
		entries, ok := s.days[req.Params.Options.StartDate]
		if !ok {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "error": map[string]any{"code": -7004, "message": "no allowed date"}})
			return
		}
		reply(entries)
	}
}

func element(name string) []untis.Element {
	return []untis.Element{{Name: name, LongName: name}}
}

// TestMirrorLifecycle runs the loop against a fake timetable and an in-memory
// calendar: a lesson is mirrored, moves to another room, gets cancelled, and
// every step shows up in the change journal and the status API.
func TestMirrorLifecycle(t *testing.T) {
	// --- Test Setup ---
	gormDB, err := db.Init(&config.DatabaseConfig{DSN: "file::memory:", MaxOpenConns: 1}, nil)
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	appStore := store.NewGormStore(gormDB)

	today := parse.DateNumber(time.Now().UTC())
	lesson := untis.RawEntry{
		ID: 1, Date: today, StartTime: 800, EndTime: 850,
		Subjects: element("Math"), Rooms: element("12"), Teachers: element("A"),
	}
	timetable := &timetableServer{days: map[int][]untis.RawEntry{}}
	timetable.set(today, lesson)
	server := httptest.NewServer(timetable)
	defer server.Close()

	logger := logging.Discard()
	client := untis.NewClient(config.SourceConfig{URL: server.URL, School: "demo", Username: "student", ClientName: "test"}, logger)
	session := schedule.NewSession(client, logger)
	fetcher := schedule.NewFetcher(session, schedule.NewNormalizer(nil, time.UTC), 30, logger)

	cal := mirrortest.NewCalendar()
	notifier := &mirrortest.Notifier{}
	applier := mirror.NewApplier(cal, notifier, 2, logger)
	reconciler := reconcile.NewReconciler(fetcher, applier, appStore, logger)

	loop := reconcile.NewLoop(reconciler, notifier, reconcile.Options{Interval: time.Hour, RetryBackoff: time.Millisecond, MaxRetries: 2}, logger)
	loop.Start(context.Background())
	defer loop.Stop()

	lastCycle := ""
	waitForCycle := func() {
		t.Helper()
		require.Eventually(t, func() bool {
			st := loop.Status()
			return st.LastResult != nil && st.LastResult.ID != lastCycle && st.State == reconcile.StateIdle
		}, 5*time.Second, 10*time.Millisecond)
		lastCycle = loop.Status().LastResult.ID
	}
	trigger := func() {
		t.Helper()
		require.Eventually(t, func() bool { return loop.Trigger() == nil }, 5*time.Second, 10*time.Millisecond)
	}

	// --- Step 1: first cycle mirrors the lesson ---
	waitForCycle()
	events := cal.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].LessonID)
	assert.Equal(t, "Math", events[0].Presentation.Title)
	assert.Equal(t, "12/A", events[0].Presentation.Location)

	// --- Step 2: the room changes ---
	lesson.Rooms = element("14")
	timetable.set(today, lesson)
	trigger()
	waitForCycle()

	assert.Equal(t, 1, cal.Calls(mirrortest.OpCreate))
	assert.Equal(t, 1, cal.Calls(mirrortest.OpUpdate))
	assert.Equal(t, "14/A", cal.Events()[0].Presentation.Location)

	// --- Step 3: the lesson is cancelled ---
	lesson.Code = "cancelled"
	timetable.set(today, lesson)
	trigger()
	waitForCycle()

	assert.Equal(t, model.ColorCancelled, cal.Events()[0].Presentation.ColorTag)
	cancellations, fatal := notifier.Counts()
	assert.Equal(t, 1, cancellations)
	assert.Equal(t, 0, fatal)

	// --- Step 4: an unchanged cycle touches nothing ---
	trigger()
	waitForCycle()
	assert.Equal(t, 1, cal.Calls(mirrortest.OpCreate))
	assert.Equal(t, 2, cal.Calls(mirrortest.OpUpdate))

	// --- Verify the journal ---
	records, err := appStore.ListChanges(context.Background(), 50)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, r := range records {
		kinds[r.Kind]++
		assert.NotEmpty(t, r.CycleID)
	}
	assert.Equal(t, map[string]int{
		model.ChangeKindNew:       1,
		model.ChangeKindUpdate:    2,
		model.ChangeKindCancelled: 1,
	}, kinds)

	// --- Verify the status API ---
	router := api.NewRouter(config.ServerConfig{RateLimitPerSec: 100, RateBurst: 100, CacheTTLSeconds: 1}, appStore, loop, nil, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		State        string `json:"state"`
		SnapshotSize int    `json:"snapshotSize"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "IDLE", status.State)
	assert.Equal(t, 1, status.SnapshotSize)
}
