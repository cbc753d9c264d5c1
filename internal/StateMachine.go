package internal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// PatchState is a node of the update cycle's state machine. The session only
// advances forward; the exceptions are the returns to Idle (success) and
// Error (unrecoverable failure).
type PatchState int

const (
	StateIdle PatchState = iota
	StateChecking
	StateUpToDate
	StateUpdateAvailable
	StateDownloading
	StateVerifying
	StateInstalling
	StateRepairing
	StateError
)

func (s PatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateUpToDate:
		return "up-to-date"
	case StateUpdateAvailable:
		return "update-available"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateInstalling:
		return "installing"
	case StateRepairing:
		return "repairing"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// ProgressEvent is one element of the status stream the patcher exposes to
// its caller (GUI or CLI).
type ProgressEvent struct {
	State      PatchState
	CurrentOp  string
	BytesDone  int64
	BytesTotal int64

	// LauncherUpdate is set on checking events when the launcher itself has
	// a newer release than the running one.
	LauncherUpdate bool

	// Detail carries human-readable context: per-file failures, the final
	// session summary, error causes.
	Detail string
	Err    error
}

// Patcher is the top-level controller sequencing version check, diff,
// download, verify and install. One Patcher serves one installation root;
// configuration is passed in explicitly so sessions are independently
// testable.
type Patcher struct {
	cfg     Config
	backend ProtocolBackend
	events  chan ProgressEvent

	closeOnce sync.Once

	bytesDone  atomic.Int64
	bytesTotal atomic.Int64
}

// NewPatcher builds a patcher with the backend selected by cfg.Protocol.
func NewPatcher(cfg Config) (*Patcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := NewBackend(cfg.Protocol, cfg.BackendConfig())
	if err != nil {
		return nil, err
	}
	return NewPatcherWithBackend(cfg, backend), nil
}

// NewPatcherWithBackend builds a patcher around an explicit backend. Tests
// and embedders with custom transports use this.
func NewPatcherWithBackend(cfg Config, backend ProtocolBackend) *Patcher {
	return &Patcher{
		cfg:     cfg,
		backend: backend,
		events:  make(chan ProgressEvent, 256),
	}
}

// Events returns the status/progress stream. The stream is lossy under a
// slow consumer: progress events are dropped rather than stalling transfers.
func (p *Patcher) Events() <-chan ProgressEvent {
	return p.events
}

// Close releases the backend and ends the event stream. Only call it once
// no cycle is in flight.
func (p *Patcher) Close() error {
	p.closeOnce.Do(func() { close(p.events) })
	return p.backend.Close()
}

func (p *Patcher) emit(ev ProgressEvent) {
	ev.BytesDone = p.bytesDone.Load()
	ev.BytesTotal = p.bytesTotal.Load()
	select {
	case p.events <- ev:
	default:
	}
}

// CheckAndUpdate runs one full check-for-update cycle: version check, diff,
// download, verify, install. Fails fast with ErrSessionActive when another
// session holds the installation root. Idempotent when no session is active.
func (p *Patcher) CheckAndUpdate(ctx context.Context) error {
	return p.runCycle(ctx, false)
}

// Repair runs an update cycle with the diff forced against the scanned
// current state of the disk, ignoring the stored local manifest.
func (p *Patcher) Repair(ctx context.Context) error {
	return p.runCycle(ctx, true)
}

func (p *Patcher) runCycle(ctx context.Context, repair bool) error {
	lock, err := AcquireSessionLock(p.cfg.InstallRoot)
	if err != nil {
		return err
	}
	defer lock.Release()

	p.bytesDone.Store(0)
	p.bytesTotal.Store(0)

	// A session marker that never reached a terminal state means the last
	// run was interrupted; distrust the stored manifest and repair. Its
	// temp files stay in place so the new session can resume them.
	if prev, _ := LoadSessionMarker(p.cfg.InstallRoot); prev != nil && prev.Interrupted() {
		logf(LogWarning, "previous session %s interrupted in state %s, forcing repair", prev.ID, prev.Status)
		p.emit(ProgressEvent{State: StateRepairing, Detail: "previous session was interrupted"})
		repair = true
	} else {
		SweepTempFiles(p.cfg.InstallRoot)
	}

	if err := p.cycle(ctx, repair); err != nil {
		// The session marker survives so the next run detects the
		// interruption and defaults to repair.
		p.emit(ProgressEvent{State: StateError, Err: err, Detail: err.Error()})
		return err
	}
	return nil
}

func (p *Patcher) cycle(ctx context.Context, repair bool) error {
	root := p.cfg.InstallRoot

	p.emit(ProgressEvent{State: StateChecking})

	launcherUpdate := p.checkLauncherVersion(ctx)
	if launcherUpdate {
		p.emit(ProgressEvent{State: StateChecking, LauncherUpdate: true,
			Detail: "a newer launcher release is available"})
	}

	remoteVersion, err := RetryWithBackoff(ctx, p.cfg.RetryBudget, func(ctx context.Context) (VersionIdentifier, error) {
		return p.backend.ResolveRemoteVersion(ctx, KindGame)
	})
	if err != nil {
		return fmt.Errorf("resolve remote version: %w", err)
	}

	localVersion := ReadVersionMarker(root)
	status := CompareVersions(localVersion, remoteVersion)
	logf(LogInfo, "version check: local %s, remote %s -> %s", localVersion, remoteVersion, status)

	if status == UpToDate && !repair {
		p.emit(ProgressEvent{State: StateUpToDate})
		return nil
	}
	if status == LocalNewer && !repair {
		// A downgrade is never applied implicitly; surface it and stop.
		p.emit(ProgressEvent{State: StateUpToDate, Detail: "local installation is newer than the remote release"})
		return nil
	}
	p.emit(ProgressEvent{State: StateUpdateAvailable, Detail: remoteVersion.String()})

	remote, err := RetryWithBackoff(ctx, p.cfg.RetryBudget, func(ctx context.Context) (*Manifest, error) {
		return p.backend.FetchRemoteManifest(ctx, KindGame)
	})
	if err != nil {
		return fmt.Errorf("fetch remote manifest: %w", err)
	}

	var local *Manifest
	if repair {
		p.emit(ProgressEvent{State: StateRepairing})
		local, err = ScanInstallRoot(root, remote)
	} else {
		local, err = LoadLocalManifest(root)
		if errors.Is(err, ErrMalformed) {
			// A corrupt stored manifest downgrades to a scan of reality.
			logf(LogWarning, "local manifest corrupt, scanning install root instead: %v", err)
			local, err = ScanInstallRoot(root, remote)
		}
	}
	if err != nil {
		return fmt.Errorf("read local state: %w", err)
	}

	ops := DiffManifests(local, remote)
	if len(ops) == 0 {
		return p.finalize(root, remote, remoteVersion, nil)
	}

	// Entering Downloading creates the session with a fresh id.
	session := NewPatchSession(p.cfg.Protocol, ops)
	if err := SaveSessionMarker(root, session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	var total int64
	for _, op := range ops {
		if op.Kind != OpRemove {
			total += int64(op.Entry.Size)
		}
	}
	p.bytesTotal.Store(total)
	p.emit(ProgressEvent{State: StateDownloading, Detail: fmt.Sprintf("%d operation(s)", len(ops))})

	outcomes, err := p.download(ctx, session)
	if err != nil {
		return err
	}

	p.emit(ProgressEvent{State: StateVerifying})
	session.Status = StateVerifying
	_ = SaveSessionMarker(root, session)
	if err := p.verifyInstalled(root, remote, outcomes); err != nil {
		return err
	}

	p.emit(ProgressEvent{State: StateInstalling})
	session.Status = StateInstalling
	_ = SaveSessionMarker(root, session)
	if err := p.finalize(root, appliedManifest(local, remote, outcomes), remoteVersion, outcomes); err != nil {
		return err
	}

	session.Status = StateIdle
	_ = SaveSessionMarker(root, session)
	return ClearSessionMarker(root)
}

// checkLauncherVersion compares the running launcher against the published
// one. Best effort: a launcher channel that is missing or unreachable never
// blocks a game update.
func (p *Patcher) checkLauncherVersion(ctx context.Context) bool {
	if p.cfg.LauncherVersion == "" {
		return false
	}
	remote, err := p.backend.ResolveRemoteVersion(ctx, KindLauncher)
	if err != nil {
		logf(LogDebug, "launcher version check skipped: %v", err)
		return false
	}
	return CompareVersions(ParseVersion(p.cfg.LauncherVersion), remote) == UpdateAvailable
}

// download drives the coordinator and collects outcomes. A failed required
// file or a fatal local error escalates; failed optional files do not.
func (p *Patcher) download(ctx context.Context, session *PatchSession) ([]OperationOutcome, error) {
	root := p.cfg.InstallRoot

	coord := NewCoordinator(
		p.backend,
		KindGame,
		root,
		session,
		p.cfg.RetryBudget,
		p.cfg.Concurrency,
		NewSpeedLimiter(p.cfg.SpeedLimit),
		func(delta int64) {
			p.bytesDone.Add(delta)
			p.emit(ProgressEvent{State: StateDownloading})
		},
		func(op FileOperation) {
			p.emit(ProgressEvent{State: StateDownloading, CurrentOp: op.Path})
		},
	)

	var outcomes []OperationOutcome
	for outcome := range coord.Run(ctx) {
		outcomes = append(outcomes, outcome)
		if outcome.Status == OutcomeFailed {
			p.emit(ProgressEvent{
				State:     StateDownloading,
				CurrentOp: outcome.Op.Path,
				Err:       outcome.Err,
				Detail:    fmt.Sprintf("%s failed after %d attempt(s)", outcome.Op, outcome.Attempts),
			})
		}
		_ = SaveSessionMarker(root, session)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("session cancelled: %w", ctx.Err())
	}

	var failedRequired []string
	for _, outcome := range outcomes {
		if outcome.Status != OutcomeFailed {
			continue
		}
		if IsFatalSessionError(outcome.Err) {
			return nil, fmt.Errorf("%s: %w", outcome.Op, outcome.Err)
		}
		if outcome.Op.Entry.Required {
			failedRequired = append(failedRequired, outcome.Op.Path)
		}
	}
	if len(failedRequired) > 0 {
		return nil, fmt.Errorf("required file(s) failed, repair required: %v", failedRequired)
	}
	return outcomes, nil
}

// verifyInstalled re-checks every transferred file against the remote
// manifest after the downloads settle. The coordinator already verified each
// temp file before renaming; this pass catches anything that touched the
// final paths since.
func (p *Patcher) verifyInstalled(root string, remote *Manifest, outcomes []OperationOutcome) error {
	for _, outcome := range outcomes {
		if outcome.Status != OutcomeSucceeded || outcome.Op.Kind == OpRemove {
			continue
		}
		final := filepath.Join(root, filepath.FromSlash(outcome.Op.Path))
		got, err := HashFile(final)
		if err != nil {
			return fmt.Errorf("verify %s: %w", outcome.Op.Path, err)
		}
		if !Verify(got, outcome.Op.Entry.Hash) {
			return fmt.Errorf("%w: %s changed after install", ErrChecksumMismatch, outcome.Op.Path)
		}
	}
	return nil
}

// finalize refreshes the local manifest, version marker and install cookie.
func (p *Patcher) finalize(root string, applied *Manifest, version VersionIdentifier, outcomes []OperationOutcome) error {
	if err := SaveLocalManifest(root, applied); err != nil {
		return fmt.Errorf("save local manifest: %w", err)
	}
	if !version.IsUnknown() {
		if err := WriteVersionMarker(root, version); err != nil {
			return fmt.Errorf("write version marker: %w", err)
		}
	}
	firstRun := IsFirstRun(root)
	if err := MarkInstalled(root, p.cfg.GameInstanceID()); err != nil {
		return fmt.Errorf("write install cookie: %w", err)
	}

	optionalFailures := 0
	for _, outcome := range outcomes {
		if outcome.Status == OutcomeFailed {
			optionalFailures++
		}
	}
	detail := "installation up to date"
	switch {
	case optionalFailures > 0:
		detail = fmt.Sprintf("installed with %d optional file(s) failed; game still runnable", optionalFailures)
	case firstRun:
		detail = "first install complete"
	case outcomes != nil:
		detail = "update complete"
	}
	p.emit(ProgressEvent{State: StateIdle, Detail: detail})
	return nil
}

// appliedManifest builds the manifest describing what is actually on disk
// after the session: remote entries for everything that succeeded, the old
// local entry (if any) for optional files that failed.
func appliedManifest(local, remote *Manifest, outcomes []OperationOutcome) *Manifest {
	failed := make(map[string]bool)
	for _, outcome := range outcomes {
		if outcome.Status == OutcomeFailed {
			failed[outcome.Op.Path] = true
		}
	}

	applied := NewManifest()
	for _, re := range remote.Entries() {
		if !failed[re.RelativePath] {
			_ = applied.Add(re)
			continue
		}
		if le, ok := local.Lookup(re.RelativePath); ok {
			// Update failed: the old bytes are still in place.
			_ = applied.Add(le)
		}
		// Add failed: the file simply is not there.
	}
	for _, le := range local.Entries() {
		if _, ok := remote.Lookup(le.RelativePath); ok {
			continue
		}
		if failed[le.RelativePath] {
			// Remove failed: the stale file is still present.
			_ = applied.Add(le)
		}
	}
	return applied
}
