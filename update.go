package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/wyrmfall/PatchClient/internal"
)

var sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// runPatch drives a full update or repair cycle, rendering the core's event
// stream as terminal progress.
func runPatch(configPath string, repair bool) int {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		return 1
	}

	patcher, err := internal.NewPatcher(cfg)
	if err != nil {
		slog.Error("patcher init failed", "err", err)
		return 1
	}
	defer patcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderEvents(patcher.Events())
	}()

	if repair {
		err = patcher.Repair(ctx)
	} else {
		err = patcher.CheckAndUpdate(ctx)
	}
	patcher.Close()
	wg.Wait()

	if err != nil {
		slog.Error("patch cycle failed", "err", err)
		return 1
	}
	return 0
}

// runCheck performs only the version comparison and reports the result.
func runCheck(configPath string) int {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		return 1
	}

	backend, err := internal.NewBackend(cfg.Protocol, cfg.BackendConfig())
	if err != nil {
		slog.Error("backend init failed", "err", err)
		return 1
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := backend.ResolveRemoteVersion(ctx, internal.KindGame)
	if err != nil {
		slog.Error("remote version lookup failed", "err", err)
		return 1
	}
	local := internal.ReadVersionMarker(cfg.InstallRoot)
	status := internal.CompareVersions(local, remote)
	fmt.Printf("local %s, remote %s: %s\n", local, remote, status)

	if status == internal.UpToDate {
		return 0
	}
	return 2
}

// runManifest builds a manifest from a directory tree; publisher tooling for
// producing the remote side of an update.
func runManifest(root, output string) int {
	m, err := internal.ScanInstallRoot(root, nil)
	if err != nil {
		slog.Error("scan failed", "root", root, "err", err)
		return 1
	}

	out := os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			slog.Error("create output failed", "err", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	if err := internal.WriteManifest(out, m); err != nil {
		slog.Error("write manifest failed", "err", err)
		return 1
	}
	slog.Info("manifest written", "entries", m.Len(), "bytes", m.TotalSize())
	return 0
}

// renderEvents consumes the patcher's event stream until it is exhausted,
// printing a throttled progress line plus state transitions.
func renderEvents(events <-chan internal.ProgressEvent) {
	lastLine := time.Now()
	lastState := internal.StateIdle

	for ev := range events {
		if ev.State != lastState {
			fmt.Printf("\n[%s] %s\n", ev.State, ev.Detail)
			lastState = ev.State
		} else if ev.Err != nil {
			fmt.Printf("\n  ! %s: %v\n", ev.CurrentOp, ev.Err)
		}

		if ev.State == internal.StateDownloading && ev.BytesTotal > 0 && time.Since(lastLine) > 250*time.Millisecond {
			fmt.Printf("\r%s / %s (%s)   ",
				summarizeSize(float64(ev.BytesDone)),
				summarizeSize(float64(ev.BytesTotal)),
				ev.CurrentOp)
			lastLine = time.Now()
		}
	}
	fmt.Println()
}

// summarizeSize renders a byte count with a binary magnitude suffix.
func summarizeSize(value float64, decimalPlaces ...int) string {
	if value <= 0 {
		return "0 B"
	}
	dp := 2
	if len(decimalPlaces) > 0 {
		dp = decimalPlaces[0]
	}
	mag := 0
	for value >= 1024 && mag < len(sizeSuffixes)-1 {
		value /= 1024
		mag++
	}
	return fmt.Sprintf("%."+strconv.Itoa(dp)+"f %s", value, sizeSuffixes[mag])
}
