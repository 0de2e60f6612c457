// Package main is the headless entry point for texty's language-server
// layer. It opens files, lets their servers analyze them and prints the
// resulting diagnostics, which makes it usable from scripts and CI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dshills/texty/internal/config"
	"github.com/dshills/texty/internal/logger"
	"github.com/dshills/texty/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	Settle     time.Duration
	Hover      string
	Watch      bool
	Files      []string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 2
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	switch {
	case opts.LogFile != "":
		cfg.Log.File = opts.LogFile
	case cfg.Log.File == "":
		cfg.Log.File = logger.Stderr
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open log: %v\n", err)
		return 2
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := lsp.NewService(cfg.ServiceConfig(), lsp.WithServiceLogger(log.Logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 2
	}
	// Ensure cleanup on all exit paths
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.LSP.ShutdownTimeout.Duration+time.Second)
		defer cancel()
		if err := svc.Shutdown(sctx); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	changes := make(chan struct{}, 1)
	svc.Diagnostics().OnChange(func(lsp.DocumentURI) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})

	buffers, err := openFiles(svc, opts.Files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	waitReady(ctx, svc, buffers, cfg.LSP.StartTimeout.Duration)
	waitQuiet(ctx, changes, opts.Settle, 10*opts.Settle)

	if opts.Hover != "" && len(buffers) > 0 {
		if err := printHover(ctx, svc, buffers[0], opts.Hover); err != nil {
			fmt.Fprintf(os.Stderr, "hover: %v\n", err)
		}
	}

	errorCount := writeDiagnostics(os.Stdout, svc.Diagnostics(), buffers)
	if line := svc.StatusLine(); line != "" {
		fmt.Fprintln(os.Stderr, line)
	}

	if opts.Watch {
		if err := watch(ctx, svc, log, opts.ConfigPath, changes, buffers); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}
	if errorCount > 0 {
		return 1
	}
	return 0
}

// buffer is an opened file.
type buffer struct {
	Path string
	URI  lsp.DocumentURI
}

func openFiles(svc *lsp.Service, paths []string) ([]buffer, error) {
	buffers := make([]buffer, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		uri, err := svc.OpenBuffer(p, "", string(data))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		buffers = append(buffers, buffer{Path: p, URI: uri})
	}
	return buffers, nil
}

// waitReady waits for each buffer's server. A file without a usable server
// is reported and skipped.
func waitReady(ctx context.Context, svc *lsp.Service, buffers []buffer, timeout time.Duration) {
	for _, b := range buffers {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		_, err := svc.WaitReady(wctx, b.URI)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, lsp.ErrNoServer):
			fmt.Fprintf(os.Stderr, "%s: no language server configured\n", b.Path)
		default:
			fmt.Fprintf(os.Stderr, "%s: language server unavailable: %v\n", b.Path, err)
		}
	}
}

// waitQuiet returns once no diagnostics have arrived for quiet, after limit,
// or when ctx ends.
func waitQuiet(ctx context.Context, changes <-chan struct{}, quiet, limit time.Duration) {
	if quiet <= 0 {
		return
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	idle := time.NewTimer(quiet)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-idle.C:
			return
		case <-changes:
			idle.Reset(quiet)
		}
	}
}

func printHover(ctx context.Context, svc *lsp.Service, b buffer, at string) error {
	pos, err := parsePosition(at)
	if err != nil {
		return err
	}
	h, err := svc.Hover(ctx, b.URI, pos)
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Println("(no hover information)")
		return nil
	}
	fmt.Println(h.Contents)
	return nil
}

// watch keeps the sessions running, reprinting diagnostics as they change
// and applying config edits, until ctx ends.
func watch(ctx context.Context, svc *lsp.Service, log *logger.Logger, path string, changes <-chan struct{}, buffers []buffer) error {
	w, err := config.Watch(path, func(c *config.Config) {
		log.SetLevel(c.Log.Level)
		svc.SetServers(c.ServerConfigs())
	}, config.WithWatchLogger(log.Logger))
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			fmt.Fprintln(os.Stdout, "---")
			writeDiagnostics(os.Stdout, svc.Diagnostics(), buffers)
		}
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", config.DefaultPath(), "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", config.DefaultPath(), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	flag.StringVar(&opts.LogFile, "log-file", "", `Log destination ("-" for stderr)`)
	flag.DurationVar(&opts.Settle, "settle", 2*time.Second, "How long diagnostics must stay unchanged before printing")
	flag.StringVar(&opts.Hover, "hover", "", "Print hover information at LINE:COL of the first file")
	flag.BoolVar(&opts.Watch, "watch", false, "Keep running and reprint diagnostics on change")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "texty - language server diagnostics from the command line\n\n")
		fmt.Fprintf(os.Stderr, "Usage: texty [options] files...\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		for _, name := range config.EnvVars() {
			fmt.Fprintf(os.Stderr, "  %s\n", name)
		}
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  texty main.go                 Print diagnostics for a file\n")
		fmt.Fprintf(os.Stderr, "  texty -hover 12:5 main.go     Show hover at line 12, column 5\n")
		fmt.Fprintf(os.Stderr, "  texty -watch ./pkg/*.go       Keep reprinting diagnostics as servers update\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("texty %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
		os.Exit(2)
	}

	opts.Files = flag.Args()
	if len(opts.Files) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	for i, f := range opts.Files {
		if abs, err := filepath.Abs(f); err == nil {
			opts.Files[i] = abs
		}
	}

	return opts
}
