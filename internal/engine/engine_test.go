package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskkeep/taskkeep/internal/remote"
	"github.com/taskkeep/taskkeep/internal/store"
	"github.com/taskkeep/taskkeep/internal/task"
)

// fakeBackup is an in-memory BackupClient.
type fakeBackup struct {
	mu       sync.Mutex
	backup   *task.Backup
	fileID   string
	modified time.Time

	findErr     error
	downloadErr error
	uploadErr   error

	uploads      int
	lastUploadID string
	uploadHook   func()
}

func (f *fakeBackup) FindBackup(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return "", f.findErr
	}
	return f.fileID, nil
}

func (f *fakeBackup) Upload(ctx context.Context, token string, b *task.Backup, existingFileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads++
	f.lastUploadID = existingFileID
	f.backup = b
	if f.fileID == "" {
		f.fileID = "file-1"
	}
	f.modified = time.Now().UTC()
	if f.uploadHook != nil {
		f.uploadHook()
	}
	return f.fileID, nil
}

func (f *fakeBackup) Download(ctx context.Context, token string) (*task.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	if f.backup == nil {
		return nil, nil
	}
	return f.backup, nil
}

func (f *fakeBackup) Delete(ctx context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := f.backup != nil
	f.backup = nil
	f.fileID = ""
	return existed, nil
}

func (f *fakeBackup) LastModified(ctx context.Context, token string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backup == nil {
		return nil, nil
	}
	m := f.modified
	return &m, nil
}

func (f *fakeBackup) setRemote(tasks ...*task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backup = task.NewBackup(tasks)
	if f.fileID == "" {
		f.fileID = "file-1"
	}
	f.modified = time.Now().UTC()
}

// setupEngine builds a store, fake client, and an authorized engine.
func setupEngine(t *testing.T) (*Engine, *store.Store, *fakeBackup) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fake := &fakeBackup{}
	eng := New(st, fake, &Config{DeviceSecret: "test-device-secret"})
	if err := eng.LoadSyncState(ctx); err != nil {
		t.Fatalf("Failed to load sync state: %v", err)
	}
	if err := eng.StoreAccessToken(ctx, "test-access-token"); err != nil {
		t.Fatalf("Failed to store token: %v", err)
	}
	return eng, st, fake
}

func saveTask(t *testing.T, st *store.Store, id, name string) *task.Task {
	t.Helper()
	tk := &task.Task{ID: id, Name: name}
	tk.SetDefaults()
	if err := st.SaveTask(context.Background(), tk, task.OpCreate); err != nil {
		t.Fatalf("Failed to save task %s: %v", id, err)
	}
	return tk
}

func TestFirstSyncUploadsLocal(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	saveTask(t, st, "t2", "two")

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if eng.Status() != StatusSynced {
		t.Errorf("status = %v, want synced", eng.Status())
	}
	if fake.uploads != 1 {
		t.Errorf("uploads = %d, want 1", fake.uploads)
	}
	if fake.backup == nil || len(fake.backup.Tasks) != 2 {
		t.Fatalf("remote backup missing tasks: %+v", fake.backup)
	}

	pending, _ := st.PendingChangeCount(ctx)
	if pending != 0 {
		t.Errorf("queue not cleared after sync: %d changes", pending)
	}
	if eng.LastSync() == nil {
		t.Error("sync point not recorded")
	}
}

func TestUploadCreatesThenUpdatesInPlace(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("First sync failed: %v", err)
	}
	if fake.lastUploadID != "" {
		t.Errorf("first upload targeted file %q, want create", fake.lastUploadID)
	}

	tk, _ := st.GetTask(ctx, "t1")
	tk.Name = "one, revised"
	if err := st.SaveTask(ctx, tk, task.OpUpdate); err != nil {
		t.Fatalf("Failed to edit task: %v", err)
	}
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if fake.lastUploadID != "file-1" {
		t.Errorf("second upload targeted %q, want update of file-1", fake.lastUploadID)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("First sync failed: %v", err)
	}
	firstSync := eng.LastSync()

	// Second sync with nothing changed: no upload, no visible change.
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if fake.uploads != 1 {
		t.Errorf("no-op sync uploaded again: %d uploads", fake.uploads)
	}
	if got := eng.LastSync(); got == nil || !got.Equal(*firstSync) {
		t.Errorf("no-op sync moved the sync point: %v -> %v", firstSync, got)
	}
	if eng.Status() != StatusSynced {
		t.Errorf("status = %v, want synced", eng.Status())
	}
}

func TestSyncAdoptsRemoteChanges(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Baseline sync failed: %v", err)
	}

	remoteTask := &task.Task{ID: "r1", Name: "made elsewhere"}
	remoteTask.SetDefaults()
	fake.setRemote(remoteTask)

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	got, err := st.GetTask(ctx, "r1")
	if err != nil {
		t.Fatalf("remote task not adopted: %v", err)
	}
	if got.Name != "made elsewhere" {
		t.Errorf("adopted task content wrong: %q", got.Name)
	}
}

func TestSyncRemovesTasksAbsentFromRemote(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	saveTask(t, st, "t2", "two")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Baseline sync failed: %v", err)
	}

	// Remote collection drops t2 (deleted on another device).
	t1, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("Failed to read t1: %v", err)
	}
	fake.setRemote(t1)

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := st.GetTask(ctx, "t2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("t2 should be removed, got %v", err)
	}
}

func TestSyncDetectsConflicts(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "original")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Baseline sync failed: %v", err)
	}

	// Same task edited on both sides after the sync point.
	local, _ := st.GetTask(ctx, "t1")
	local.Name = "edited here"
	if err := st.SaveTask(ctx, local, task.OpUpdate); err != nil {
		t.Fatalf("Failed to edit locally: %v", err)
	}

	remoteVersion := local.Clone()
	remoteVersion.Name = "edited elsewhere"
	remoteVersion.UpdatedAt = time.Now().UTC().Add(time.Minute)
	fake.setRemote(remoteVersion)

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if eng.Status() != StatusRemoteNewer {
		t.Errorf("status = %v, want remote-newer", eng.Status())
	}
	conflicts, err := st.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Failed to read conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].Local.Name != "edited here" || conflicts[0].Remote.Name != "edited elsewhere" {
		t.Errorf("conflict captured wrong versions: %+v", conflicts[0])
	}

	// Queue and sync point stay untouched until resolution.
	pending, _ := st.PendingChangeCount(ctx)
	if pending == 0 {
		t.Error("pending queue cleared despite unresolved conflict")
	}
}

func TestResolveConflictKeepLocal(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "original")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Baseline sync failed: %v", err)
	}
	local, _ := st.GetTask(ctx, "t1")
	local.Name = "edited here"
	_ = st.SaveTask(ctx, local, task.OpUpdate)

	remoteVersion := local.Clone()
	remoteVersion.Name = "edited elsewhere"
	remoteVersion.UpdatedAt = time.Now().UTC().Add(time.Minute)
	fake.setRemote(remoteVersion)

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if err := eng.ResolveConflict(ctx, "t1", KeepLocal); err != nil {
		t.Fatalf("Failed to resolve conflict: %v", err)
	}
	if eng.Status() != StatusIdle {
		t.Errorf("status after last resolution = %v, want idle", eng.Status())
	}

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Post-resolution sync failed: %v", err)
	}
	if fake.backup.Tasks[0].Name != "edited here" {
		t.Errorf("uploaded collection carries %q, want local version", fake.backup.Tasks[0].Name)
	}
}

func TestResolveConflictKeepRemote(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "original")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Baseline sync failed: %v", err)
	}
	local, _ := st.GetTask(ctx, "t1")
	local.Name = "edited here"
	_ = st.SaveTask(ctx, local, task.OpUpdate)

	remoteVersion := local.Clone()
	remoteVersion.Name = "edited elsewhere"
	remoteVersion.UpdatedAt = time.Now().UTC().Add(time.Minute)
	fake.setRemote(remoteVersion)

	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := eng.ResolveConflict(ctx, "t1", KeepRemote); err != nil {
		t.Fatalf("Failed to resolve conflict: %v", err)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("Failed to read task: %v", err)
	}
	if got.Name != "edited elsewhere" {
		t.Errorf("task carries %q, want remote version", got.Name)
	}
}

func TestSyncWhileOffline(t *testing.T) {
	eng, st, _ := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "queued offline")
	eng.SetOnline(false)

	if err := eng.PerformSync(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("PerformSync returned %v, want ErrOffline", err)
	}

	// The queued change survives for the next online sync.
	pending, _ := st.PendingChangeCount(ctx)
	if pending != 1 {
		t.Errorf("pending queue = %d, want 1", pending)
	}

	eng.SetOnline(true)
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync after reconnect failed: %v", err)
	}
	pending, _ = st.PendingChangeCount(ctx)
	if pending != 0 {
		t.Errorf("queue not drained after reconnect: %d", pending)
	}
}

func TestGoingOfflineMidCycleDiscardsResults(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	fake.uploadHook = func() { eng.SetOnline(false) }

	if err := eng.PerformSync(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("PerformSync returned %v, want ErrOffline", err)
	}
	if eng.Status() != StatusIdle {
		t.Errorf("status = %v, want idle (fail-soft)", eng.Status())
	}

	// Nothing committed: the queue and sync point are untouched.
	pending, _ := st.PendingChangeCount(ctx)
	if pending != 1 {
		t.Errorf("pending queue = %d, want 1", pending)
	}
	if eng.LastSync() != nil {
		t.Error("sync point recorded despite discarded cycle")
	}
}

func TestAuthExpiredPreservesQueue(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	fake.findErr = remote.ErrAuthExpired

	err := eng.PerformSync(ctx)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("PerformSync returned %v, want ErrReauthRequired", err)
	}
	if eng.Status() != StatusError {
		t.Errorf("status = %v, want error", eng.Status())
	}

	pending, _ := st.PendingChangeCount(ctx)
	if pending != 1 {
		t.Errorf("pending queue = %d, want 1", pending)
	}
}

func TestIntegrityMismatch(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	corrupt := &task.Task{ID: "x", Name: "corrupt"}
	corrupt.SetDefaults()
	fake.setRemote(corrupt)
	fake.backup.Checksum = "not-the-real-checksum"

	err := eng.PerformSync(ctx)
	if !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("PerformSync returned %v, want ErrIntegrityMismatch", err)
	}

	// Local data untouched by the corrupt remote.
	if _, err := st.GetTask(ctx, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Error("corrupt remote task was applied locally")
	}
}

func TestSyncWithoutTokenFails(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	eng := New(st, &fakeBackup{}, &Config{DeviceSecret: "s"})
	if err := eng.LoadSyncState(context.Background()); err != nil {
		t.Fatalf("Failed to load sync state: %v", err)
	}

	if err := eng.PerformSync(context.Background()); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("PerformSync returned %v, want ErrNotAuthorized", err)
	}
}

func TestCheckFirstTimeConnect(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	// No local tasks: no prompt even with a remote backup.
	fake.setRemote()
	need, err := eng.CheckFirstTimeConnect(ctx)
	if err != nil {
		t.Fatalf("CheckFirstTimeConnect failed: %v", err)
	}
	if need {
		t.Error("prompt requested with no local tasks")
	}

	// Local tasks + remote backup + never synced: prompt.
	saveTask(t, st, "t1", "one")
	need, err = eng.CheckFirstTimeConnect(ctx)
	if err != nil {
		t.Fatalf("CheckFirstTimeConnect failed: %v", err)
	}
	if !need {
		t.Error("prompt not requested on first connect with both sides populated")
	}

	// After a sync the prompt never comes back.
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	need, err = eng.CheckFirstTimeConnect(ctx)
	if err != nil {
		t.Fatalf("CheckFirstTimeConnect failed: %v", err)
	}
	if need {
		t.Error("prompt requested after a completed sync")
	}
}

func TestApplyMergeDecisionMergeBoth(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "local-1", "local task")
	remoteTask := &task.Task{ID: "remote-1", Name: "remote task"}
	remoteTask.SetDefaults()
	fake.setRemote(remoteTask)

	if err := eng.ApplyMergeDecision(ctx, MergeBoth); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	tasks, err := st.ListTasks(ctx, false)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("merged collection has %d tasks, want 2", len(tasks))
	}
	if fake.backup == nil || len(fake.backup.Tasks) != 2 {
		t.Errorf("uploaded backup has wrong size: %+v", fake.backup)
	}
}

func TestApplyMergeDecisionKeepRemote(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "local-1", "local task")
	remoteTask := &task.Task{ID: "remote-1", Name: "remote task"}
	remoteTask.SetDefaults()
	fake.setRemote(remoteTask)

	if err := eng.ApplyMergeDecision(ctx, MergeKeepRemote); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	tasks, err := st.ListTasks(ctx, false)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "remote-1" {
		t.Errorf("collection after keep-remote: %+v", tasks)
	}
}

func TestDisableBackup(t *testing.T) {
	eng, st, fake := setupEngine(t)
	ctx := context.Background()

	saveTask(t, st, "t1", "one")
	if err := eng.PerformSync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if err := eng.DisableBackup(ctx); err != nil {
		t.Fatalf("DisableBackup failed: %v", err)
	}

	if eng.IsBackupEnabled() {
		t.Error("backup still enabled")
	}
	if fake.backup != nil {
		t.Error("remote backup not deleted")
	}
	// Local tasks survive.
	if _, err := st.GetTask(ctx, "t1"); err != nil {
		t.Errorf("local task lost: %v", err)
	}
	state, err := st.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("Failed to read sync state: %v", err)
	}
	if state.Token != nil {
		t.Error("credential survived disable")
	}
}
