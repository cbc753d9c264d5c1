package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfig(root string) Config {
	return Config{
		Protocol:    "http",
		HTTPBaseURL: "http://updates.example.test/game",
		InstallRoot: root,
		Platform:    "linux",
		GameID:      "wyrmfall",
		RetryBudget: 1,
		Concurrency: 2,
	}
}

// drainEvents empties the patcher's buffered event stream without blocking.
func drainEvents(p *Patcher) []ProgressEvent {
	var events []ProgressEvent
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func statesSeen(events []ProgressEvent) map[PatchState]bool {
	seen := make(map[PatchState]bool)
	for _, ev := range events {
		seen[ev.State] = true
	}
	return seen
}

func TestPatcher_FirstInstall(t *testing.T) {
	root := t.TempDir()
	exe := testEntry(t, "game.bin", "the game executable", true)
	pak := testEntry(t, "data/assets.pak", "asset payload", false)
	remote := manifestOf(t, exe, pak)
	backend := newFakeBackend("1.2.0", remote, map[string]string{
		"game.bin":        "the game executable",
		"data/assets.pak": "asset payload",
	})

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}

	requireFile(t, root, "game.bin", "the game executable")
	requireFile(t, root, "data/assets.pak", "asset payload")

	if v := ReadVersionMarker(root); v.String() != "1.2.0" {
		t.Fatalf("version marker = %s, want 1.2.0", v)
	}
	local, err := LoadLocalManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	if local.Len() != 2 {
		t.Fatalf("local manifest has %d entries, want 2", local.Len())
	}
	if !mustLookup(t, local, "game.bin").Required {
		t.Fatal("required flag lost in stored manifest")
	}
	if IsFirstRun(root) {
		t.Fatal("install cookie missing after first install")
	}
	if marker, _ := LoadSessionMarker(root); marker != nil {
		t.Fatal("session marker should be cleared after success")
	}

	events := drainEvents(p)
	seen := statesSeen(events)
	for _, want := range []PatchState{StateChecking, StateUpdateAvailable, StateDownloading, StateVerifying, StateInstalling, StateIdle} {
		if !seen[want] {
			t.Fatalf("state %s never surfaced; got %v", want, seen)
		}
	}
	last := events[len(events)-1]
	if last.State != StateIdle || !strings.Contains(last.Detail, "first install") {
		t.Fatalf("final event = %+v", last)
	}
	wantTotal := int64(exe.Size + pak.Size)
	if last.BytesTotal != wantTotal || last.BytesDone != wantTotal {
		t.Fatalf("bytes %d/%d, want %d/%d", last.BytesDone, last.BytesTotal, wantTotal, wantTotal)
	}
}

func TestPatcher_SecondRunUpToDate(t *testing.T) {
	root := t.TempDir()
	remote := manifestOf(t, testEntry(t, "game.bin", "payload", true))
	backend := newFakeBackend("1.0.0", remote, map[string]string{"game.bin": "payload"})

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	opensAfterInstall := backend.openCount()
	drainEvents(p)

	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	seen := statesSeen(drainEvents(p))
	if !seen[StateUpToDate] {
		t.Fatal("second run should report up-to-date")
	}
	if seen[StateDownloading] {
		t.Fatal("second run should not download")
	}
	if backend.openCount() != opensAfterInstall {
		t.Fatal("second run opened file streams")
	}
}

func TestPatcher_RefusesConcurrentSession(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireSessionLock(root)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	backend := newFakeBackend("1.0.0", manifestOf(t), nil)
	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestPatcher_RequiredFailureThenRepair(t *testing.T) {
	root := t.TempDir()
	exe := testEntry(t, "game.bin", "core bytes", true)
	pak := testEntry(t, "data/assets.pak", "asset bytes", false)
	remote := manifestOf(t, exe, pak)
	backend := newFakeBackend("1.2.0", remote, map[string]string{
		"game.bin":        "core bytes",
		"data/assets.pak": "asset bytes",
	})
	backend.failOpen["game.bin"] = 99

	p := NewPatcherWithBackend(testConfig(root), backend)
	err := p.CheckAndUpdate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "repair required") {
		t.Fatalf("err = %v, want required-file escalation", err)
	}
	seen := statesSeen(drainEvents(p))
	if !seen[StateError] {
		t.Fatal("failure did not surface a StateError event")
	}

	marker, merr := LoadSessionMarker(root)
	if merr != nil || marker == nil {
		t.Fatalf("session marker should survive a failed run: %v", merr)
	}
	if !marker.Interrupted() {
		t.Fatalf("marker status %s should count as interrupted", marker.Status)
	}

	// The outage ends; the next regular check must notice the interrupted
	// session and repair instead of trusting stored state.
	backend.mu.Lock()
	delete(backend.failOpen, "game.bin")
	backend.mu.Unlock()

	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	seen = statesSeen(drainEvents(p))
	if !seen[StateRepairing] {
		t.Fatal("interrupted session should force a repair pass")
	}
	requireFile(t, root, "game.bin", "core bytes")
	requireFile(t, root, "data/assets.pak", "asset bytes")
	if marker, _ := LoadSessionMarker(root); marker != nil {
		t.Fatal("session marker should be cleared after the repair")
	}
}

func TestPatcher_OptionalFailureTolerated(t *testing.T) {
	root := t.TempDir()
	exe := testEntry(t, "game.bin", "core bytes", true)
	extra := testEntry(t, "extras/bonus.pak", "bonus bytes", false)
	remote := manifestOf(t, exe, extra)
	backend := newFakeBackend("1.1.0", remote, map[string]string{
		"game.bin":         "core bytes",
		"extras/bonus.pak": "bonus bytes",
	})
	backend.failOpen["extras/bonus.pak"] = 99

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatalf("optional failure must not fail the session: %v", err)
	}

	requireFile(t, root, "game.bin", "core bytes")
	if _, err := os.Stat(filepath.Join(root, "extras/bonus.pak")); !os.IsNotExist(err) {
		t.Fatal("failed optional file should not exist")
	}
	if v := ReadVersionMarker(root); v.String() != "1.1.0" {
		t.Fatalf("version marker = %s, want 1.1.0", v)
	}
	// The stored manifest reflects reality, so the next run retries the
	// missing optional file instead of believing it installed.
	local, err := LoadLocalManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := local.Lookup("extras/bonus.pak"); ok {
		t.Fatal("failed optional file must not be recorded as installed")
	}
	if marker, _ := LoadSessionMarker(root); marker != nil {
		t.Fatal("tolerated failures still end the session cleanly")
	}

	events := drainEvents(p)
	last := events[len(events)-1]
	if last.State != StateIdle || !strings.Contains(last.Detail, "optional") {
		t.Fatalf("final event = %+v", last)
	}
}

func TestPatcher_LocalNewerNeverDowngrades(t *testing.T) {
	root := t.TempDir()
	if err := WriteVersionMarker(root, MakeVersion(2, 0, 0)); err != nil {
		t.Fatal(err)
	}
	remote := manifestOf(t, testEntry(t, "game.bin", "old payload", true))
	backend := newFakeBackend("1.0.0", remote, map[string]string{"game.bin": "old payload"})

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.openCount() != 0 {
		t.Fatal("newer local install must not be overwritten")
	}
	seen := statesSeen(drainEvents(p))
	if !seen[StateUpToDate] || seen[StateDownloading] {
		t.Fatalf("states = %v, want up-to-date stop", seen)
	}
}

func TestPatcher_UnknownRemoteVersionStillUpdates(t *testing.T) {
	root := t.TempDir()
	remote := manifestOf(t, testEntry(t, "game.bin", "payload", true))
	backend := newFakeBackend("", remote, map[string]string{"game.bin": "payload"})

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	requireFile(t, root, "game.bin", "payload")
	// An unknown version is never persisted as if it were known.
	if v := ReadVersionMarker(root); !v.IsUnknown() {
		t.Fatalf("version marker = %s, want absent", v)
	}
}

func TestPatcher_LauncherUpdateSignaled(t *testing.T) {
	root := t.TempDir()
	if err := WriteVersionMarker(root, MakeVersion(1, 0, 0)); err != nil {
		t.Fatal(err)
	}
	backend := newFakeBackend("1.0.0", manifestOf(t), nil)
	backend.launcherVersion = "1.1.0"

	cfg := testConfig(root)
	cfg.LauncherVersion = "1.0.0"
	p := NewPatcherWithBackend(cfg, backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, ev := range drainEvents(p) {
		if ev.LauncherUpdate {
			found = true
		}
	}
	if !found {
		t.Fatal("newer launcher release was not surfaced")
	}
}

func TestPatcher_RepairRestoresCorruptFile(t *testing.T) {
	root := t.TempDir()
	remote := manifestOf(t,
		testEntry(t, "game.bin", "pristine bytes", true),
		testEntry(t, "data/assets.pak", "asset bytes", false),
	)
	backend := newFakeBackend("1.0.0", remote, map[string]string{
		"game.bin":        "pristine bytes",
		"data/assets.pak": "asset bytes",
	})

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	drainEvents(p)

	if err := os.WriteFile(filepath.Join(root, "game.bin"), []byte("bit rot!!!"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.Repair(context.Background()); err != nil {
		t.Fatal(err)
	}
	requireFile(t, root, "game.bin", "pristine bytes")
	requireFile(t, root, "data/assets.pak", "asset bytes")
	if !statesSeen(drainEvents(p))[StateRepairing] {
		t.Fatal("repair run never entered the repairing state")
	}
}

func TestPatcher_Cancellation(t *testing.T) {
	root := t.TempDir()
	remote := manifestOf(t, testEntry(t, "game.bin", "payload", true))
	backend := newFakeBackend("1.0.0", remote, map[string]string{"game.bin": "payload"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPatcherWithBackend(testConfig(root), backend)
	if err := p.CheckAndUpdate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPatcher_CloseEndsEventStream(t *testing.T) {
	backend := newFakeBackend("1.0.0", manifestOf(t), nil)
	p := NewPatcherWithBackend(testConfig(t.TempDir()), backend)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, open := <-p.Events(); open {
		t.Fatal("event stream should be closed")
	}
	if err := p.Close(); err != nil {
		t.Fatal("Close must be idempotent")
	}
}
