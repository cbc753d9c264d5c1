// Command PatchClient is the update/repair CLI for the launcher's patch
// orchestration core. The GUI embeds the same internal package; this binary
// drives it headless.
package main

import (
	"log/slog"
	"os"

	"github.com/alexflint/go-arg"

	"github.com/wyrmfall/PatchClient/internal"
)

type CheckCmd struct {
	Config string `arg:"-c,--config" help:"Path to launcher INI file"`
}

type UpdateCmd struct {
	Config string `arg:"-c,--config" help:"Path to launcher INI file"`
}

type RepairCmd struct {
	Config string `arg:"-c,--config" help:"Path to launcher INI file"`
}

type ManifestCmd struct {
	Root   string `arg:"positional,required" help:"Directory to build a manifest from"`
	Output string `arg:"positional,required" help:"Path to output manifest file or - for stdout"`
}

type Args struct {
	Check    *CheckCmd    `arg:"subcommand:check" help:"Check whether an update is available"`
	Update   *UpdateCmd   `arg:"subcommand:update" help:"Download and install the latest release"`
	Repair   *RepairCmd   `arg:"subcommand:repair" help:"Re-verify the whole installation and fix it"`
	Manifest *ManifestCmd `arg:"subcommand:manifest" help:"Generate a manifest for a directory tree"`
	Verbose  bool         `arg:"-v,--verbose" help:"Enable debug logging"`
}

func main() {
	var args Args
	arg.MustParse(&args)

	level := slog.LevelInfo
	if args.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Bridge core log events into slog.
	internal.SetLogHandler(func(lvl internal.LogLevel, msg string) {
		switch lvl {
		case internal.LogDebug:
			logger.Debug(msg)
		case internal.LogWarning:
			logger.Warn(msg)
		case internal.LogError:
			logger.Error(msg)
		default:
			logger.Info(msg)
		}
	})

	switch {
	case args.Check != nil:
		os.Exit(runCheck(args.Check.Config))
	case args.Update != nil:
		os.Exit(runPatch(args.Update.Config, false))
	case args.Repair != nil:
		os.Exit(runPatch(args.Repair.Config, true))
	case args.Manifest != nil:
		os.Exit(runManifest(args.Manifest.Root, args.Manifest.Output))
	default:
		slog.Error("no command specified")
		os.Exit(1)
	}
}
