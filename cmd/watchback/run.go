package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mitchellh/go-homedir"

	"github.com/watchback/watchback/internal/engine"
	"github.com/watchback/watchback/internal/profileconf"
)

func (prog *program) runDaemon(ctx context.Context) (int, error) {
	doc, err := profileconf.Load(prog.fsys, prog.opts.ProfilesPath)
	if err != nil {
		prog.log.Error("failed to load profile document", "path", prog.opts.ProfilesPath, "error", err, "error-type", "fatal")

		return exitCodeFailure, fmt.Errorf("failed to load profile document: %w", err)
	}

	for _, p := range doc.Profiles {
		if err := p.Validate(prog.fsys); err != nil {
			prog.log.Error("invalid profile", "profile", p.Name, "error", err, "error-type", "fatal")

			return exitCodeFailure, fmt.Errorf("invalid profile: %q (%w)", p.Name, err)
		}

		fields := []any{
			"profile", p.Name,
			"ground", p.Ground(),
			"mirrors", p.Mirrors(),
			"snapshot_interval", p.SnapshotInterval,
		}

		if p.LastSnapshotTime != nil {
			last := time.Unix(int64(*p.LastSnapshotTime), 0).UTC()
			fields = append(fields, "last_snapshot", humanAge(last))
		}

		prog.log.Info("profile validated", fields...)
	}

	if prog.opts.DryRun {
		fmt.Fprintf(prog.stdout, "%s dry run: %d profile(s) validated, nothing started\n", color.GreenString("OK"), len(doc.Profiles))

		return exitCodeSuccess, nil
	}

	eng := engine.New(prog.fsys, nil)

	started := make([]string, 0, len(doc.Profiles))

	for _, p := range doc.Profiles {
		cb := prog.callbacksFor(p.Name)

		if err := eng.Start(ctx, p, cb); err != nil {
			prog.log.Error("failed to start profile", "profile", p.Name, "error", err, "error-type", "fatal")

			for _, name := range started {
				eng.Stop(name)
			}

			return exitCodeFailure, fmt.Errorf("failed to start profile: %q (%w)", p.Name, err)
		}

		started = append(started, p.Name)
		prog.log.Info("profile started", "profile", p.Name)
	}

	<-ctx.Done()

	for _, name := range started {
		eng.Stop(name)
		prog.log.Info("profile stopped", "profile", name)
	}

	return exitCodeSuccess, nil
}

// sweepBars tracks one progress bar per mirror currently undergoing its
// initial sweep, so repeated Progress callbacks update the same bar instead
// of drawing a fresh line each time.
type sweepBars struct {
	mu   sync.Mutex
	bars map[string]*pb.ProgressBar
}

func (s *sweepBars) update(mirrorPath string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bars == nil {
		s.bars = make(map[string]*pb.ProgressBar)
	}

	bar, ok := s.bars[mirrorPath]
	if !ok {
		bar = pb.New(100)
		bar.SetUnits(pb.U_NO)
		bar.Prefix(mirrorPath + " ")
		bar.Start()
		s.bars[mirrorPath] = bar
	}

	bar.Set(percent)

	if percent >= 100 {
		bar.Finish()
		delete(s.bars, mirrorPath)
	}
}

// callbacksFor wires up the engine's event callbacks to colorized,
// human-readable status lines for a single profile.
func (prog *program) callbacksFor(profileName string) engine.Callbacks {
	bars := &sweepBars{}

	return engine.Callbacks{
		Status: func(mirrorPath, status string) {
			prog.log.Info("mirror status",
				"profile", profileName,
				"mirror", mirrorPath,
				"status", colorizeStatus(status),
			)
		},
		Progress: func(mirrorPath string, percent int) {
			bars.update(mirrorPath, percent)
		},
		SnapshotCommit: func(mirrorPath, ts string) {
			prog.log.Info("snapshot committed",
				"profile", profileName,
				"mirror", mirrorPath,
				"timestamp", ts,
			)
		},
		SnapshotStatus: func(text string) {
			prog.log.Debug("snapshot schedule", "profile", profileName, "status", text)
		},
		Error: func(mirrorPath string, err error) {
			prog.log.Error("reconcile error",
				"profile", profileName,
				"mirror", mirrorPath,
				"error", err,
			)
		},
	}
}

func colorizeStatus(status string) string {
	switch {
	case status == "SYNCING":
		return color.YellowString(status)
	case status == "SYNCED":
		return color.GreenString(status)
	default:
		return color.RedString(status)
	}
}

// humanAge renders a duration since ts the way an operator-facing status
// line would, e.g. "3 hours ago".
func humanAge(ts time.Time) string {
	return humanize.Time(ts)
}

// defaultAppDataRoot resolves the application's default state directory
// under the current user's home, for deployments that do not pass
// --profiles explicitly via a known fixed path.
func defaultAppDataRoot() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return home + "/.watchback", nil
}
