package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/appsnap/internal/config"
	"github.com/tinyrange/appsnap/internal/snapshot"
	"golang.org/x/term"
)

const (
	exitError       = 255
	exitCompilation = 254
)

type app struct {
	stdout   io.Writer
	stderr   io.Writer
	cfg      config.Config
	logger   *slog.Logger
	progress bool
}

type command struct {
	name    string
	summary string
	run     func(a *app, args []string) error
}

var commands = []command{
	{"inspect", "probe files and report the snapshot format", (*app).inspect},
	{"pack", "write section files into a blob container", (*app).pack},
	{"unpack", "extract the sections of a blob container", (*app).unpack},
	{"embed", "append a snapshot to an executable", (*app).embed},
	{"sniff", "report whether files are ahead-of-time snapshots", (*app).sniff},
	{"kernel", "compile a script to kernel bytecode", (*app).kernel},
	{"config", "print the effective configuration", (*app).printConfig},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "appsnap: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var compErr *snapshot.CompilationError
	if errors.As(err, &compErr) {
		return exitCompilation
	}
	return exitError
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: appsnap [flags] <command> [args...]\n\n")
	fmt.Fprintf(w, "Load, inspect and build application snapshots.\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	fs.PrintDefaults()
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("appsnap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to "+config.Filename+" (default: ./"+config.Filename+" if present)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("command required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if *debug {
		level = slog.LevelDebug
	}

	a := &app{
		stdout:   stdout,
		stderr:   stderr,
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		progress: showProgress(cfg.Progress, stderr),
	}

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(a, fs.Args()[1:])
		}
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", name)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.LoadDir(".")
	}
	return config.LoadFile(path)
}

func showProgress(mode string, w io.Writer) bool {
	switch mode {
	case config.ProgressAlways:
		return true
	case config.ProgressNever:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progressWriter tees w into a byte progress bar when progress output is
// enabled. The returned function finishes the bar.
func (a *app) progressWriter(w io.Writer, total int64, title string) (io.Writer, func()) {
	if !a.progress {
		return w, func() {}
	}

	bar := progressbar.DefaultBytes(total, title)
	return io.MultiWriter(w, bar), func() { bar.Close() }
}

func (a *app) flagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage: appsnap %s [flags] %s\n\nFlags:\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}
