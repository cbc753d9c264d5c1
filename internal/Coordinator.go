package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// OutcomeStatus is the terminal state of one file operation.
type OutcomeStatus int

const (
	OutcomeSucceeded OutcomeStatus = iota
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	if s == OutcomeSucceeded {
		return "succeeded"
	}
	return "failed"
}

// OperationOutcome reports how one operation ended. Every operation handed to
// the coordinator produces exactly one outcome.
type OperationOutcome struct {
	Op       FileOperation
	Status   OutcomeStatus
	Attempts int
	Err      error
}

// copyBufferSize is the transfer buffer per worker.
const copyBufferSize = 256 << 10

// resumeMarker is the sidecar persisted next to a partial download. Offset is
// how many verified-prefix bytes the temp file holds; Prefix is the xxhash64
// of exactly those bytes.
type resumeMarker struct {
	Offset int64  `json:"offset"`
	Prefix uint64 `json:"prefix"`
}

// Coordinator executes a session's file operations against a backend with a
// bounded worker pool, bounded per-path retries and temp-then-rename writes.
// It owns the session's retry-counter map while running (single-writer
// discipline).
type Coordinator struct {
	backend ProtocolBackend
	kind    ArtifactKind
	root    string
	session *PatchSession

	retryBudget int
	workers     int
	limiter     *SpeedLimiter

	progress ProgressFunc
	onStart  OperationStartFunc

	mu sync.Mutex // guards session.RetriesUsed
}

// NewCoordinator wires a coordinator for one session. progress and onStart
// may be nil. workers <= 0 defaults to 3: transports like single-connection
// FTP degrade badly past a handful of parallel streams.
func NewCoordinator(
	backend ProtocolBackend,
	kind ArtifactKind,
	root string,
	session *PatchSession,
	retryBudget int,
	workers int,
	limiter *SpeedLimiter,
	progress ProgressFunc,
	onStart OperationStartFunc,
) *Coordinator {
	if workers <= 0 {
		workers = 3
	}
	if retryBudget < 1 {
		retryBudget = 1
	}
	return &Coordinator{
		backend:     backend,
		kind:        kind,
		root:        root,
		session:     session,
		retryBudget: retryBudget,
		workers:     workers,
		limiter:     limiter,
		progress:    progress,
		onStart:     onStart,
	}
}

// Run executes all operations and streams their outcomes. The channel closes
// once every started operation has reached a terminal outcome. Operations
// run out of order; completion order is not guaranteed.
func (c *Coordinator) Run(ctx context.Context) <-chan OperationOutcome {
	out := make(chan OperationOutcome)

	go func() {
		defer close(out)

		var wg sync.WaitGroup
		sem := make(chan struct{}, c.workers)

	dispatch:
		for _, op := range c.session.Operations {
			select {
			case <-ctx.Done():
				break dispatch
			case sem <- struct{}{}:
			}

			wg.Add(1)
			go func(op FileOperation) {
				defer func() {
					<-sem
					wg.Done()
				}()
				if c.onStart != nil {
					c.onStart(op)
				}
				out <- c.runOne(ctx, op)
			}(op)
		}

		wg.Wait()
	}()

	return out
}

// runOne drives a single operation to its terminal outcome, consuming the
// path's retry budget on retryable failures.
func (c *Coordinator) runOne(ctx context.Context, op FileOperation) OperationOutcome {
	// Operations can arrive from a persisted session marker; re-check the
	// path confinement invariant rather than trusting old disk contents.
	if _, err := CleanRelativePath(op.Path); err != nil {
		return OperationOutcome{Op: op, Status: OutcomeFailed, Attempts: 1, Err: err}
	}

	if op.Kind == OpRemove {
		return c.removeOne(op)
	}

	attempts := 0
	var reported int64 // bytes this operation has contributed to session progress
	for {
		attempts++
		err := c.transfer(ctx, op, &reported)
		if err == nil {
			logf(LogInfo, "%s: done (%d bytes)", op, op.Entry.Size)
			return OperationOutcome{Op: op, Status: OutcomeSucceeded, Attempts: attempts}
		}
		if ctx.Err() != nil {
			return OperationOutcome{Op: op, Status: OutcomeFailed, Attempts: attempts, Err: ctx.Err()}
		}

		if IsRetryable(err) {
			used := c.bumpRetry(op.Path)
			if used < c.retryBudget {
				logf(LogWarning, "%s: attempt %d failed, retrying (%d/%d used): %v",
					op, attempts, used, c.retryBudget, err)
				if serr := sleepCtx(ctx, backoffDelay(used)); serr != nil {
					return OperationOutcome{Op: op, Status: OutcomeFailed, Attempts: attempts, Err: serr}
				}
				continue
			}
			logf(LogError, "%s: retry budget exhausted: %v", op, err)
		} else {
			logf(LogError, "%s: not retryable: %v", op, err)
		}
		return OperationOutcome{Op: op, Status: OutcomeFailed, Attempts: attempts, Err: err}
	}
}

// removeOne deletes the final path. A missing target is success: removal is
// idempotent.
func (c *Coordinator) removeOne(op FileOperation) OperationOutcome {
	final := filepath.Join(c.root, filepath.FromSlash(op.Path))
	os.Remove(final + tempSuffix)
	os.Remove(final + resumeSuffix)

	err := os.Remove(final)
	if err != nil && !os.IsNotExist(err) {
		return OperationOutcome{Op: op, Status: OutcomeFailed, Attempts: 1, Err: ClassifyLocalError(err)}
	}
	return OperationOutcome{Op: op, Status: OutcomeSucceeded, Attempts: 1}
}

// bumpRetry increments the path's retry counter and returns the new count.
func (c *Coordinator) bumpRetry(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.RetriesUsed[path]++
	return c.session.RetriesUsed[path]
}

// transfer downloads one file to a temp path, verifies it and atomically
// moves it over the final path. A transport failure mid-stream leaves the
// temp file plus a resume sidecar behind so the next attempt (or the next
// launcher run) continues from the last good byte. reported tracks how many
// bytes this operation has already contributed to session progress so a
// resumed retry never double-counts.
func (c *Coordinator) transfer(ctx context.Context, op FileOperation, reported *int64) error {
	final := filepath.Join(c.root, filepath.FromSlash(op.Path))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return ClassifyLocalError(err)
	}
	tmp := final + tempSuffix
	sidecar := final + resumeSuffix

	offset := c.resumeOffset(tmp, sidecar, int64(op.Entry.Size), reported)

	stream, err := c.backend.OpenFileStream(ctx, c.kind, op.Path, offset)
	if errors.Is(err, ErrRangeUnsupported) && offset > 0 {
		// Transport cannot resume: drop the partial bytes and restart.
		c.discardPartial(tmp, sidecar, reported)
		offset = 0
		stream, err = c.backend.OpenFileStream(ctx, c.kind, op.Path, 0)
	}
	if err != nil {
		return err
	}
	defer stream.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return ClassifyLocalError(err)
	}
	defer f.Close()

	content := md5Digest()
	prefix := xxhash.New()
	if offset > 0 {
		// The verified prefix participates in both digests.
		if err := feedPrefix(tmp, offset, content, prefix); err != nil {
			c.discardPartial(tmp, sidecar, reported)
			return fmt.Errorf("rehash resume prefix: %w", err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ClassifyLocalError(err)
		}
	}

	c.limiter.StreamStarted()
	defer c.limiter.StreamFinished()

	written := offset
	buf := make([]byte, copyBufferSize)
	for {
		select {
		case <-ctx.Done():
			c.persistResume(sidecar, written, prefix.Sum64())
			return ctx.Err()
		default:
		}

		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				// Local write failures (disk full, permissions) are fatal;
				// the partial stays resumable in case space frees up.
				c.persistResume(sidecar, written, prefix.Sum64())
				return ClassifyLocalError(werr)
			}
			content.Write(buf[:n])
			prefix.Write(buf[:n])
			written += int64(n)
			c.reportTo(reported, *reported+int64(n))
			if lerr := c.limiter.Wait(ctx, n); lerr != nil {
				c.persistResume(sidecar, written, prefix.Sum64())
				return lerr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.persistResume(sidecar, written, prefix.Sum64())
			return fmt.Errorf("%w: reading %s: %v", ErrUnreachable, op.Path, rerr)
		}
	}

	if uint64(written) != op.Entry.Size {
		c.discardPartial(tmp, sidecar, reported)
		return fmt.Errorf("%w: %s: got %d bytes, want %d", ErrChecksumMismatch, op.Path, written, op.Entry.Size)
	}
	var got ContentHash
	copy(got[:], content.Sum(nil))
	if !Verify(got, op.Entry.Hash) {
		c.discardPartial(tmp, sidecar, reported)
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, op.Path, got, op.Entry.Hash)
	}

	if err := f.Close(); err != nil {
		return ClassifyLocalError(err)
	}
	// Only verified bytes ever reach the final path.
	if err := os.Rename(tmp, final); err != nil {
		return ClassifyLocalError(err)
	}
	os.Remove(sidecar)
	return nil
}

// resumeOffset validates a leftover temp file against its sidecar and
// returns the byte offset to resume from, or 0 when the partial is missing,
// oversized or fails its prefix digest. Resumed bytes are folded into the
// operation's reported progress.
func (c *Coordinator) resumeOffset(tmp, sidecar string, expectedSize int64, reported *int64) int64 {
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		c.discardPartial(tmp, sidecar, reported)
		return 0
	}
	var marker resumeMarker
	if json.Unmarshal(raw, &marker) != nil || marker.Offset <= 0 || marker.Offset >= expectedSize {
		c.discardPartial(tmp, sidecar, reported)
		return 0
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() < marker.Offset {
		c.discardPartial(tmp, sidecar, reported)
		return 0
	}
	sum, err := PrefixDigest(tmp, marker.Offset)
	if err != nil || sum != marker.Prefix {
		c.discardPartial(tmp, sidecar, reported)
		return 0
	}
	logf(LogDebug, "resuming %s at offset %d", tmp, marker.Offset)
	c.reportTo(reported, marker.Offset)
	return marker.Offset
}

// persistResume records resumable progress; best effort.
func (c *Coordinator) persistResume(sidecar string, offset int64, prefixSum uint64) {
	if offset <= 0 {
		return
	}
	raw, err := json.Marshal(resumeMarker{Offset: offset, Prefix: prefixSum})
	if err != nil {
		return
	}
	_ = os.WriteFile(sidecar, raw, 0o644)
}

// discardPartial deletes the temp file and sidecar, rolling back any
// progress already reported for those bytes.
func (c *Coordinator) discardPartial(tmp, sidecar string, reported *int64) {
	os.Remove(tmp)
	os.Remove(sidecar)
	c.reportTo(reported, 0)
}

// reportTo moves the operation's reported byte count to target, emitting the
// delta (possibly negative) to the progress callback.
func (c *Coordinator) reportTo(reported *int64, target int64) {
	delta := target - *reported
	if delta == 0 {
		return
	}
	*reported = target
	if c.progress != nil {
		c.progress(delta)
	}
}

// feedPrefix replays the first n bytes of path into the given writers.
func feedPrefix(path string, n int64, writers ...io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return ClassifyLocalError(err)
	}
	defer f.Close()
	_, err = io.Copy(io.MultiWriter(writers...), io.LimitReader(f, n))
	return err
}
