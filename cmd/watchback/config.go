package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

var (
	errArgConfigMalformed = errors.New("--config yaml file is malformed")
	errArgConfigMissing   = errors.New("--config yaml file does not exist")
	errArgProfilesMissing = errors.New("--profiles path must be set")
	errArgProfilesNotAbs  = errors.New("--profiles path must be absolute")
	errArgInvalidLogLevel = errors.New("--log-level has a not recognized value")
)

type programOptions struct {
	ProfilesPath string `yaml:"profiles"`
	DryRun       bool   `yaml:"dry-run"`
	LogLevel     string `yaml:"log-level"`
	JSON         bool   `yaml:"json"`
}

func (prog *program) parseArgs(cliArgs []string) error {
	var (
		yamlFile string
		yamlOpts programOptions
	)

	prog.flags = flag.NewFlagSet("watchback", flag.ExitOnError)
	prog.flags.SetOutput(prog.stderr)
	prog.flags.Usage = func() {
		fmt.Fprintf(prog.stderr, "usage: %q --profiles=ABSPATH [flags]\n", cliArgs[0])
		fmt.Fprintf(prog.stderr, "\t[--config=ABSPATH] [--dry-run] [--log-level=debug|info|warn|error] [--json]\n\n")
		prog.flags.PrintDefaults()
	}

	prog.flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file merged with these flags")
	prog.flags.StringVar(&prog.opts.ProfilesPath, "profiles", "", "absolute path to the JSON profile document to run")
	prog.flags.BoolVar(&prog.opts.DryRun, "dry-run", false, "validate the profile document and exit without starting anything")
	prog.flags.StringVar(&prog.opts.LogLevel, "log-level", "info", "decides the verbosity of emitted logs; debug, info, warn, error")
	prog.flags.BoolVar(&prog.opts.JSON, "json", false, "output all emitted logs in the JSON format; results can be read from stderr")

	if err := prog.flags.Parse(cliArgs[1:]); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}

	setFlags := make(map[string]bool)
	prog.flags.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	if yamlFile != "" {
		f, err := prog.fsys.Open(yamlFile)
		if err != nil {
			return fmt.Errorf("%w: %w", errArgConfigMissing, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&yamlOpts); err != nil {
			return fmt.Errorf("%w: %w", errArgConfigMalformed, err)
		}
	}

	if !setFlags["profiles"] {
		prog.opts.ProfilesPath = yamlOpts.ProfilesPath
	}

	if prog.opts.ProfilesPath == "" {
		if home, err := defaultAppDataRoot(); err == nil {
			prog.opts.ProfilesPath = filepath.Join(home, "profiles.json")
		}
	}
	if !setFlags["dry-run"] {
		prog.opts.DryRun = yamlOpts.DryRun
	}
	if !setFlags["log-level"] {
		prog.opts.LogLevel = yamlOpts.LogLevel
	}
	if !setFlags["json"] {
		prog.opts.JSON = yamlOpts.JSON
	}

	return nil
}

func (prog *program) validateOpts() error {
	if prog.opts.ProfilesPath == "" {
		return errArgProfilesMissing
	}

	prog.opts.ProfilesPath = filepath.Clean(strings.TrimSpace(prog.opts.ProfilesPath))

	if !filepath.IsAbs(prog.opts.ProfilesPath) {
		return errArgProfilesNotAbs
	}

	if prog.opts.LogLevel != "" {
		if _, err := parseLogLevel(prog.opts.LogLevel); err != nil {
			return fmt.Errorf("%w: %q", err, prog.opts.LogLevel)
		}
	} else {
		prog.opts.LogLevel = strings.ToLower(defaultLogLevel.String())
	}

	return nil
}

func (prog *program) printOpts() error {
	out, err := yaml.Marshal(prog.opts)
	if err != nil {
		return fmt.Errorf("failed printing configuration: %w", err)
	}

	fmt.Fprintln(prog.stdout, "configuration:")

	lines := strings.SplitSeq(string(out), "\n")
	for line := range lines {
		if line != "" {
			fmt.Fprintf(prog.stdout, "\t%s\n", line)
		}
	}

	fmt.Fprintln(prog.stdout)

	return nil
}

func (prog *program) logHandler() slog.Handler {
	logLevel, _ := parseLogLevel(prog.opts.LogLevel)

	if prog.opts.JSON {
		return slog.NewJSONHandler(prog.stderr, &slog.HandlerOptions{Level: logLevel})
	}

	return tint.NewHandler(prog.stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
	})
}

func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.TrimSpace(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return defaultLogLevel, errArgInvalidLogLevel
	}
}
