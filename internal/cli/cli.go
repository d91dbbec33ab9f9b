// Package cli implements kairosctl, the configuration tool.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/syncclient"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "kairos.yaml"

// Exit codes.
const (
	ExitOK      = 0
	ExitInvalid = 1
	ExitUsage   = 2
)

// App holds the output streams and environment of one invocation.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	// Probe checks ports during diagnose; nil probes for real.
	Probe config.PortProber
	// Context bounds long-running commands. Nil means until SIGINT/SIGTERM.
	Context context.Context
}

type command struct {
	name  string
	usage string
	run   func(a *App, args []string) int
}

func (a *App) commands() []command {
	return []command{
		{"validate", "check a configuration file", (*App).validate},
		{"diagnose", "validate and inspect the environment the configuration points at", (*App).diagnose},
		{"create", "write a configuration file from a preset", (*App).create},
		{"export-env", "print KAIROS_* environment variables for a configuration", (*App).exportEnv},
		{"show", "print the effective configuration", (*App).show},
		{"watch", "follow the sync payload of a running server", (*App).watch},
	}
}

// Run executes kairosctl with args (without the program name) and returns
// the process exit code.
func (a *App) Run(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		a.usage()
		if len(args) == 0 {
			return ExitUsage
		}
		return ExitOK
	}
	for _, c := range a.commands() {
		if c.name == args[0] {
			return c.run(a, args[1:])
		}
	}
	fmt.Fprintf(a.Stderr, "%s unknown command %q\n\n", errStyle.Render("error:"), args[0])
	a.usage()
	return ExitUsage
}

func (a *App) usage() {
	fmt.Fprintln(a.Stderr, titleStyle.Render("kairosctl")+" - manage Kairos configuration")
	fmt.Fprintln(a.Stderr)
	fmt.Fprintln(a.Stderr, "Usage: kairosctl <command> [flags]")
	fmt.Fprintln(a.Stderr)
	for _, c := range a.commands() {
		fmt.Fprintf(a.Stderr, "  %-11s %s\n", c.name, mutedStyle.Render(c.usage))
	}
}

func (a *App) flags(name string) (*flag.FlagSet, *string) {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	set.SetOutput(a.Stderr)
	path := set.String("config", DefaultConfigPath, "configuration file")
	return set, path
}

func (a *App) fail(err error) int {
	fmt.Fprintln(a.Stderr, errStyle.Render("error:")+" "+apperror.UserMessage(err))
	return ExitInvalid
}

func (a *App) validate(args []string) int {
	set, path := a.flags("validate")
	verbose := set.Bool("verbose", false, "print the loaded values")
	if err := set.Parse(args); err != nil {
		return ExitUsage
	}

	cfg, err := config.ReadFile(*path)
	if err != nil {
		return a.fail(err)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(a.Stdout, "%s %s\n", errStyle.Render("invalid"), pathStyle.Render(*path))
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, issue := range verr.Issues {
				fmt.Fprintf(a.Stdout, "  - %s\n", issue)
			}
		} else {
			fmt.Fprintf(a.Stdout, "  - %v\n", err)
		}
		return ExitInvalid
	}

	fmt.Fprintf(a.Stdout, "%s %s\n", okStyle.Render("valid"), pathStyle.Render(*path))
	if *verbose {
		fmt.Fprintf(a.Stdout, "  server   %s:%d (range %d-%d)\n", cfg.Server.Host, cfg.Server.PreferredPort, cfg.Server.MinPort, cfg.Server.MaxPort)
		fmt.Fprintf(a.Stdout, "  html     %s\n", cfg.Paths.HTMLDir)
		fmt.Fprintf(a.Stdout, "  storage  %s\n", cfg.Storage.Provider)
		fmt.Fprintf(a.Stdout, "  log      %s\n", cfg.Log.Level)
		fmt.Fprintf(a.Stdout, "  sync     every %s, debounce %s\n", cfg.Sync.Interval, cfg.Sync.Debounce)
	}
	return ExitOK
}

func (a *App) diagnose(args []string) int {
	set, path := a.flags("diagnose")
	format := set.String("format", "report", "output format: report or json")
	if err := set.Parse(args); err != nil {
		return ExitUsage
	}

	cfg, err := config.ReadFile(*path)
	if err != nil {
		return a.fail(err)
	}
	d := config.Diagnose(cfg, a.Probe)

	switch *format {
	case "json":
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return a.fail(err)
		}
		fmt.Fprintln(a.Stdout, string(data))
	case "report":
		a.printDiagnosis(*path, d)
	default:
		fmt.Fprintf(a.Stderr, "unknown format %q\n", *format)
		return ExitUsage
	}

	if !d.Valid {
		return ExitInvalid
	}
	return ExitOK
}

func (a *App) printDiagnosis(path string, d config.Diagnosis) {
	fmt.Fprintln(a.Stdout, titleStyle.Render("Diagnosis of "+path))
	status := okStyle.Render("valid")
	if !d.Valid {
		status = errStyle.Render("invalid")
	}
	fmt.Fprintf(a.Stdout, "status: %s\n", status)
	for _, e := range d.Errors {
		fmt.Fprintf(a.Stdout, "  %s %s\n", errStyle.Render("x"), e)
	}
	for _, w := range d.Warnings {
		fmt.Fprintf(a.Stdout, "  %s %s\n", warnStyle.Render("!"), w)
	}
	for _, i := range d.Info {
		fmt.Fprintf(a.Stdout, "  %s %s\n", mutedStyle.Render("-"), i)
	}
}

func (a *App) create(args []string) int {
	set, path := a.flags("create")
	preset := set.String("preset", config.PresetDefault, "preset: default, development or production")
	force := set.Bool("force", false, "overwrite an existing file")
	if err := set.Parse(args); err != nil {
		return ExitUsage
	}

	cfg, err := config.Preset(*preset)
	if err != nil {
		fmt.Fprintln(a.Stderr, errStyle.Render("error:")+" "+err.Error())
		return ExitUsage
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintf(a.Stderr, "%s %s already exists, use -force to overwrite\n", errStyle.Render("error:"), *path)
		return ExitInvalid
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return a.fail(err)
	}

	if err := config.Save(cfg, *path); err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.Stdout, "%s %s (%s preset)\n", okStyle.Render("created"), pathStyle.Render(*path), *preset)
	return ExitOK
}

func (a *App) exportEnv(args []string) int {
	set, path := a.flags("export-env")
	out := set.String("out", "", "write to this file instead of stdout")
	if err := set.Parse(args); err != nil {
		return ExitUsage
	}

	cfg, err := config.ReadFile(*path)
	if err != nil {
		return a.fail(err)
	}
	text := config.ExportEnv(cfg)

	if *out == "" {
		fmt.Fprint(a.Stdout, text)
		return ExitOK
	}
	if err := os.WriteFile(*out, []byte(text), 0o644); err != nil {
		return a.fail(apperror.Wrap(apperror.ConfigSave, "write env file", err))
	}
	fmt.Fprintf(a.Stdout, "%s %s\n", okStyle.Render("wrote"), pathStyle.Render(*out))
	return ExitOK
}

func (a *App) show(args []string) int {
	set, path := a.flags("show")
	format := set.String("format", "yaml", "output format: yaml, json or text")
	if err := set.Parse(args); err != nil {
		return ExitUsage
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return a.fail(err)
	}

	switch *format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return a.fail(err)
		}
		fmt.Fprintln(a.Stdout, string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return a.fail(err)
		}
		fmt.Fprint(a.Stdout, string(data))
	case "text":
		fmt.Fprintln(a.Stdout, titleStyle.Render("Configuration "+*path))
		for _, line := range strings.Split(strings.TrimSpace(config.ExportEnv(cfg)), "\n") {
			fmt.Fprintln(a.Stdout, "  "+strings.TrimPrefix(line, "export "))
		}
	default:
		fmt.Fprintf(a.Stderr, "unknown format %q\n", *format)
		return ExitUsage
	}
	return ExitOK
}

func (a *App) watch(args []string) int {
	set, path := a.flags("watch")
	url := set.String("url", "", "server URL; defaults to the configured host and preferred port")
	if err := set.Parse(args); err != nil {
		return ExitUsage
	}

	base := *url
	var cfg config.Config
	if loaded, err := config.Load(*path); err == nil {
		cfg = loaded
	} else if base == "" || !apperror.HasCode(err, apperror.ConfigMissing) {
		return a.fail(err)
	} else {
		cfg = config.Default()
	}
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.PreferredPort)
	}

	ctx := a.Context
	if ctx == nil {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	client := syncclient.New(base, syncclient.Options{
		Interval:     cfg.Sync.Interval.Std(),
		RetryBackoff: cfg.Sync.RetryDelay.Std(),
		MaxRetries:   cfg.Sync.MaxRetries,
	})
	client.OnStatus(func(st syncclient.Status, err error) {
		switch st {
		case syncclient.StatusConnected:
			fmt.Fprintln(a.Stdout, okStyle.Render("connected")+" "+pathStyle.Render(base))
		default:
			fmt.Fprintf(a.Stdout, "%s %v\n", warnStyle.Render(string(st)), err)
		}
	})
	client.OnChange(func(env syncstate.Envelope) {
		fmt.Fprintln(a.Stdout, mutedStyle.Render(time.Now().Format(time.TimeOnly)))
		fmt.Fprint(a.Stdout, syncclient.Render(env))
	})

	if err := client.Run(ctx); err != nil {
		return a.fail(err)
	}
	return ExitOK
}
