/*
watchback is a headless replication daemon that keeps one or more mirror
directories synchronized against a ground directory, recording file history
and periodic whole-tree snapshots as it goes.

For every configured profile, watchback performs an initial full-tree sweep
of the ground directory into each mirror's "current" subtree, then keeps
watching the ground directory for further changes, reconciling individual
paths as they settle. On a wall-clock interval it additionally commits a
whole-tree snapshot manifest per mirror (skipped if nothing has changed
since the last one) and applies any configured retention policy, reclaiming
expired snapshots, version records, and the objects only they referenced.

# USAGE

	watchback --profiles=PATH [flags]

# ARGUMENTS

	--profiles string
		Optional. Absolute path to the JSON profile document describing every
		(ground, mirrors) replication topology to run. See PROFILE DOCUMENT.

		Default: ~/.watchback/profiles.json (when neither this flag nor
		--config sets a path)

	--config string
		Optional. Path to a YAML configuration file with any CLI arguments.
		Direct CLI arguments always override values set via configuration file.

	--dry-run
		Optional. Load and validate the profile document, print what would
		run, and exit without starting anything.

		Default: false

	--log-level [debug|info|warn|error]
		Optional. Controls verbosity of the operational logs that are emitted.

		Default: info

	--json
		Optional. Outputs in JSON format the operational logs that are emitted.
		Allows for programmatic parsing of output from standard error (stderr).

		Default: false

# PROFILE DOCUMENT

A profile document is a JSON file shaped like:

	{
	  "profiles": [
	    {
	      "name": "archive",
	      "paths": [
	        {"path": "/data/incoming", "role": "ground"},
	        {"path": "/mnt/backup1", "role": "mirror"}
	      ],
	      "snapshot_interval": 3600,
	      "retention_seconds": 2592000
	    }
	  ]
	}

Every profile needs exactly one ground path, at least one mirror path, and a
snapshot_interval of at least 60 seconds. retention_seconds is optional; when
absent, snapshots, version history, and objects are kept forever.

# RETURN CODES

  - `0`: Clean shutdown (on interrupt) or, with --dry-run, a valid document
  - `1`: Failure
  - `5`: Invalid command-line arguments and/or configuration file provided

# DESIGN CHOICES AND LIMITATIONS

watchback is a long-running process: once started, every profile runs until
the process receives an interrupt. There is no subcommand to start or stop a
single profile independently; all profiles named in the document run for the
lifetime of the process. This mirrors the deployment model of a single
always-on replication daemon rather than a one-shot CLI tool, trading
flexibility for a simpler operational story.

The last-committed-snapshot time for each profile is cached only in memory
for the life of the process; restarting watchback re-derives the effective
cadence from the newest on-disk snapshot under each mirror, not from a value
persisted back into the profile document.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

const (
	exitCodeSuccess       = 0
	exitCodeFailure       = 1
	exitCodeConfigFailure = 5

	defaultLogLevel = slog.LevelInfo
	exitTimeout     = 10 * time.Second
)

// Version is the application's version (filled in during compilation).
var Version string

type program struct {
	fsys   afero.Fs
	stdout io.Writer
	stderr io.Writer

	opts *programOptions

	log   *slog.Logger
	flags *flag.FlagSet

	provokeTestPanic bool
}

func main() {
	var prog *program
	var exitCode int

	defer func() {
		if prog != nil {
			prog.log.Info("program exited", "code", exitCode)
		}
		os.Exit(exitCode)
	}()

	fmt.Fprintf(os.Stdout, "watchback (v%s) - quiet replication for directories you care about.\n\n", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	prog, err := newProgram(os.Args, afero.NewOsFs(), os.Stdout, os.Stderr)
	if prog == nil || err != nil {
		exitCode = exitCodeConfigFailure

		return
	}

	go func() {
		code, _ := prog.run(ctx)
		doneChan <- code
	}()

	select {
	case code := <-doneChan:
		exitCode = code

		return

	case <-sigChan:
		prog.log.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		cancel()

		select {
		case code := <-doneChan:
			exitCode = code

			return

		case <-time.After(exitTimeout):
			prog.log.Error("timed out while waiting for program exit; killing...", "error-type", "fatal")
			exitCode = exitCodeFailure

			return
		}
	}
}

func newProgram(cliArgs []string, fsys afero.Fs, stdout, stderr io.Writer) (*program, error) {
	prog := &program{
		fsys:   fsys,
		stdout: stdout,
		stderr: stderr,
		opts:   &programOptions{},
	}

	if err := prog.parseArgs(cliArgs); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to parse configuration: %v\n\n", err)
		prog.flags.Usage()

		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := prog.validateOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to validate configuration: %v\n\n", err)
		prog.flags.Usage()

		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}

	if err := prog.printOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to print configuration: %v\n\n", err)
		prog.flags.Usage()

		return nil, fmt.Errorf("failed to print configuration: %w", err)
	}

	prog.log = slog.New(prog.logHandler())

	return prog, nil
}

func (prog *program) run(ctx context.Context) (retExitCode int, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			prog.log.Error("internal panic recovered", "error", r, "error-type", "fatal")
			debug.PrintStack()
			retExitCode = exitCodeFailure
		}
	}()

	if prog.provokeTestPanic {
		panic("testing program panic")
	}

	return prog.runDaemon(ctx)
}
