package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"insightforge-client/api"
	"insightforge-client/config"
	apperrors "insightforge-client/errors"
	"insightforge-client/store"
	"insightforge-client/transport"
	"insightforge-client/upload"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// fakeRemote serves canned envelopes and never offers a streaming channel, so
// every session settles into polling.
type fakeRemote struct {
	mu          sync.Mutex
	sessions    map[string]*api.SessionEnvelope
	getCalls    int
	deleteCalls []string
	chatCalls   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{sessions: map[string]*api.SessionEnvelope{}}
}

func (f *fakeRemote) addSession(env *api.SessionEnvelope) {
	f.mu.Lock()
	f.sessions[env.Session.ID] = env
	f.mu.Unlock()
}

func (f *fakeRemote) GetSession(ctx context.Context, sessionID string) (*api.SessionEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	env, ok := f.sessions[sessionID]
	if !ok {
		return nil, apperrors.WrapError(apperrors.ErrSessionNotFound, sessionID)
	}
	return env, nil
}

func (f *fakeRemote) ListSessions(ctx context.Context, limit int) ([]api.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []api.SessionInfo
	for _, env := range f.sessions {
		infos = append(infos, env.Session)
	}
	return infos, nil
}

func (f *fakeRemote) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, sessionID)
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeRemote) SendChatMessage(ctx context.Context, text string, sessionID string, contextTag string) (api.ChatReply, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, text)
	f.mu.Unlock()
	return api.ChatReply{Response: "reply to " + text, Timestamp: time.Now()}, nil
}

func (f *fakeRemote) OpenChatChannel(ctx context.Context, sessionID string) (*api.ChatChannel, error) {
	return nil, errors.New("streaming unavailable")
}

func (f *fakeRemote) UploadAnalysis(ctx context.Context, dataset api.FileRef, document *api.FileRef, spec api.AnalysisSpec, onProgress func(float64)) (*api.SessionEnvelope, error) {
	env := &api.SessionEnvelope{
		Session: api.SessionInfo{
			ID:           "sess-upload",
			CreatedAt:    api.Timestamp{Time: time.Now()},
			TaskType:     spec.TaskType,
			TargetColumn: spec.TargetColumn,
		},
	}
	f.addSession(env)
	return env, nil
}

func (f *fakeRemote) AnalyzeChartImage(ctx context.Context, file api.FileRef, onProgress func(float64)) (*api.AnalysisResult, error) {
	return &api.AnalysisResult{}, nil
}

func (f *fakeRemote) sessionGetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func testEnvelope(id string, exchanges ...api.ExchangeRecord) *api.SessionEnvelope {
	return &api.SessionEnvelope{
		Session: api.SessionInfo{
			ID:           id,
			CreatedAt:    api.Timestamp{Time: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)},
			TaskType:     api.TaskClassification,
			TargetColumn: "churn",
		},
		Exchanges: exchanges,
	}
}

func newTestEngine(t *testing.T, remote Remote) (*Engine, *store.FileStore, afero.Fs) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	cfg := &config.Config{
		ChatReplyWait:   time.Minute,
		HistoryLimit:    50,
		ResultCacheSize: 4,
	}
	fs := afero.NewMemMapFs()
	st := store.NewFileStore(fs, ".insightforge", logger)
	eng, err := NewEngine(cfg, remote, st, logger)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng, st, fs
}

func TestCreateFromUploadActivatesSession(t *testing.T) {
	remote := newFakeRemote()
	eng, st, _ := newTestEngine(t, remote)
	defer eng.EndSession()

	dataset := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(dataset, []byte("age,churn\n34,0\n"), 0o644); err != nil {
		t.Fatalf("Failed to write dataset: %v", err)
	}

	info, err := eng.CreateFromUpload(context.Background(),
		upload.Files{Dataset: api.FileRef{Path: dataset}},
		api.AnalysisSpec{TaskType: api.TaskClassification, TargetColumn: "churn"})
	if err != nil {
		t.Fatalf("CreateFromUpload failed: %v", err)
	}
	if info.ID != "sess-upload" {
		t.Errorf("Session ID = %q, want sess-upload", info.ID)
	}

	vm := eng.Snapshot()
	if vm.Session == nil || vm.Session.ID != "sess-upload" {
		t.Fatalf("Snapshot session = %+v, want sess-upload", vm.Session)
	}
	if vm.Mode != transport.ModePolling {
		t.Errorf("Mode = %v, want polling when streaming is refused", vm.Mode)
	}

	rec, err := st.Load()
	if err != nil {
		t.Fatalf("Store load failed: %v", err)
	}
	if rec == nil || rec.SessionID != "sess-upload" {
		t.Errorf("Persisted record = %+v, want sess-upload", rec)
	}
}

func TestRestoreFromStoreResumesSession(t *testing.T) {
	remote := newFakeRemote()
	remote.addSession(testEnvelope("sess-old",
		api.ExchangeRecord{Message: "q1", Response: "a1"},
	))

	eng, st, _ := newTestEngine(t, remote)
	defer eng.EndSession()

	if err := st.Save(store.Record{SessionID: "sess-old", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Seed save failed: %v", err)
	}

	info, err := eng.RestoreFromStore(context.Background())
	if err != nil {
		t.Fatalf("RestoreFromStore failed: %v", err)
	}
	if info == nil || info.ID != "sess-old" {
		t.Fatalf("Restored session = %+v, want sess-old", info)
	}

	vm := eng.Snapshot()
	if len(vm.Messages) != 2 {
		t.Fatalf("Hydrated %d messages, want 2", len(vm.Messages))
	}
	if vm.Messages[0].Content != "q1" || vm.Messages[1].Content != "a1" {
		t.Errorf("Hydrated contents = %q, %q", vm.Messages[0].Content, vm.Messages[1].Content)
	}
}

func TestRestoreFromStoreWithEmptySlot(t *testing.T) {
	eng, _, _ := newTestEngine(t, newFakeRemote())

	info, err := eng.RestoreFromStore(context.Background())
	if err != nil {
		t.Fatalf("RestoreFromStore failed: %v", err)
	}
	if info != nil {
		t.Errorf("Expected no session, got %+v", info)
	}
}

func TestRestoreFromStoreRecoversFromCorruptSlot(t *testing.T) {
	eng, st, fs := newTestEngine(t, newFakeRemote())

	dir := ".insightforge"
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	slot := filepath.Join(dir, "session.json")
	if err := afero.WriteFile(fs, slot, []byte("not json"), 0o644); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	info, err := eng.RestoreFromStore(context.Background())
	if err != nil {
		t.Fatalf("RestoreFromStore failed: %v", err)
	}
	if info != nil {
		t.Errorf("Expected no session from corrupt slot, got %+v", info)
	}

	exists, err := afero.Exists(fs, slot)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Corrupt slot survived restore")
	}

	rec, err := st.Load()
	if err != nil || rec != nil {
		t.Errorf("Load after recovery = %+v, %v; want nil, nil", rec, err)
	}
}

func TestRestoreFromStoreClearsUnknownSession(t *testing.T) {
	eng, st, _ := newTestEngine(t, newFakeRemote())

	if err := st.Save(store.Record{SessionID: "sess-gone", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Seed save failed: %v", err)
	}

	info, err := eng.RestoreFromStore(context.Background())
	if err != nil {
		t.Fatalf("RestoreFromStore failed: %v", err)
	}
	if info != nil {
		t.Errorf("Expected no session for unknown identity, got %+v", info)
	}

	rec, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Stale record survived: %+v", rec)
	}
}

func TestSelectExistingSwitchesSessions(t *testing.T) {
	remote := newFakeRemote()
	remote.addSession(testEnvelope("sess-a"))
	remote.addSession(testEnvelope("sess-b"))

	eng, st, _ := newTestEngine(t, remote)
	defer eng.EndSession()

	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}
	if _, err := eng.SelectExisting(context.Background(), "sess-b"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}

	vm := eng.Snapshot()
	if vm.Session == nil || vm.Session.ID != "sess-b" {
		t.Fatalf("Active session = %+v, want sess-b", vm.Session)
	}
	rec, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec == nil || rec.SessionID != "sess-b" {
		t.Errorf("Persisted record = %+v, want sess-b", rec)
	}
}

func TestSelectExistingUsesEnvelopeCache(t *testing.T) {
	remote := newFakeRemote()
	remote.addSession(testEnvelope("sess-a"))

	eng, _, _ := newTestEngine(t, remote)
	defer eng.EndSession()

	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}
	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}

	if got := remote.sessionGetCount(); got != 1 {
		t.Errorf("GetSession called %d times, want 1 with a warm cache", got)
	}
}

func TestSelectExistingUnknownSession(t *testing.T) {
	eng, _, _ := newTestEngine(t, newFakeRemote())

	_, err := eng.SelectExisting(context.Background(), "sess-missing")
	if !apperrors.IsSessionNotFound(err) {
		t.Fatalf("SelectExisting = %v, want session not found", err)
	}
}

func TestEndSessionReleasesEverything(t *testing.T) {
	remote := newFakeRemote()
	remote.addSession(testEnvelope("sess-a"))

	eng, st, _ := newTestEngine(t, remote)
	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}

	if err := eng.EndSession(); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := eng.EndSession(); err != nil {
		t.Fatalf("Second EndSession failed: %v", err)
	}

	if vm := eng.Snapshot(); vm.Session != nil {
		t.Errorf("Snapshot still has a session: %+v", vm.Session)
	}
	rec, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Persisted record survived end: %+v", rec)
	}

	if err := eng.SendMessage("hello?"); !apperrors.IsSessionNotFound(err) {
		t.Errorf("SendMessage after end = %v, want session not found", err)
	}
}

func TestDeleteActiveSessionEndsIt(t *testing.T) {
	remote := newFakeRemote()
	remote.addSession(testEnvelope("sess-a"))

	eng, _, _ := newTestEngine(t, remote)
	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}

	if err := eng.DeleteSession(context.Background(), "sess-a"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if vm := eng.Snapshot(); vm.Session != nil {
		t.Errorf("Deleted session still active: %+v", vm.Session)
	}

	// Deleted sessions must not resurrect from the envelope cache.
	if _, err := eng.SelectExisting(context.Background(), "sess-a"); !apperrors.IsSessionNotFound(err) {
		t.Errorf("SelectExisting after delete = %v, want session not found", err)
	}
}

func TestSendMessageRoundtrip(t *testing.T) {
	remote := newFakeRemote()
	remote.addSession(testEnvelope("sess-a"))

	eng, _, _ := newTestEngine(t, remote)
	defer eng.EndSession()

	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}
	if err := eng.SendMessage("what stands out?"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(eng.Snapshot().Messages) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs := eng.Snapshot().Messages
	if len(msgs) != 2 {
		t.Fatalf("Conversation has %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "reply to what stands out?" {
		t.Errorf("Reply = %q", msgs[1].Content)
	}
}

func TestSnapshotReportsResultAvailability(t *testing.T) {
	var result api.AnalysisResult
	if err := json.Unmarshal([]byte(`{"eda":{"rows":2},"ml":null}`), &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	env := testEnvelope("sess-a")
	env.Result = &result

	remote := newFakeRemote()
	remote.addSession(env)

	eng, _, _ := newTestEngine(t, remote)
	defer eng.EndSession()

	if _, err := eng.SelectExisting(context.Background(), "sess-a"); err != nil {
		t.Fatalf("SelectExisting failed: %v", err)
	}

	vm := eng.Snapshot()
	if !vm.HasEDA {
		t.Error("HasEDA = false, want true")
	}
	if vm.HasML {
		t.Error("HasML = true for a null section, want false")
	}
	if vm.HasPDFInsights {
		t.Error("HasPDFInsights = true, want false")
	}
}
