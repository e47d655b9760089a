// Command polystore runs the saga coordinator: an HTTP service for saga and
// transfer status, plus one-shot transfer, resume and ingest commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/polystore/polystore/config"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/version"
)

// globalOptions are accepted before the command name.
type globalOptions struct {
	configPath string
	appName    string
	port       int
	logLevel   string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("polystore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts globalOptions
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.appName, "app-name", "", "Override app name")
	fs.IntVar(&opts.port, "port", 0, "Override server port")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override log level")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.Usage = func() { printHelp(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	cmd, rest := "serve", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	var runCmd func(context.Context, *config.Config, logger.Logger, []string, io.Writer) error
	switch cmd {
	case "version":
		printVersion(stdout)
		return 0
	case "help":
		printHelp(stdout, fs)
		return 0
	case "serve":
		runCmd = func(ctx context.Context, cfg *config.Config, log logger.Logger, args []string, _ io.Writer) error {
			return runServe(ctx, cfg, log, opts, args)
		}
	case "transfer":
		runCmd = runTransfer
	case "resume":
		runCmd = runResume
	case "ingest":
		runCmd = runIngest
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printHelp(stderr, fs)
		return 2
	}

	cfg, err := config.Load(opts.configPath, buildOverrides(opts))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration:\n%s\n", err)
		return 1
	}

	log := newLogger(cfg, opts.debug)
	logger.SetGlobal(log)
	defer func() { _ = log.Close() }()

	if err := runCmd(ctx, cfg, log, rest, stdout); err != nil {
		log.Error("command failed", "command", cmd, "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config, debug bool) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

func buildOverrides(opts globalOptions) map[string]interface{} {
	overrides := make(map[string]interface{})

	if opts.appName != "" {
		overrides["app.name"] = opts.appName
	}
	if opts.port != 0 {
		overrides["server.port"] = opts.port
	}
	if opts.logLevel != "" {
		overrides["log.level"] = opts.logLevel
	}
	if opts.debug {
		overrides["log.level"] = "debug"
	}

	return overrides
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "polystore - saga coordinator for multi-backend writes\n")
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "polystore - saga coordinator for multi-backend writes\n\n")
	fmt.Fprintf(w, "Usage: polystore [options] <command> [command options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  serve      Run the HTTP API, recovery and audit retention (default)\n")
	fmt.Fprintf(w, "  transfer   Copy a local file to the blob backend in chunks\n")
	fmt.Fprintf(w, "  resume     Resume an interrupted transfer\n")
	fmt.Fprintf(w, "  ingest     Store every file of a directory on all configured backends\n")
	fmt.Fprintf(w, "  version    Print version information\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  polystore -config config.yaml serve\n")
	fmt.Fprintf(w, "  polystore transfer -src ./video.mp4 -object media/video.mp4\n")
	fmt.Fprintf(w, "  polystore resume -id 3f1c9a7e-...\n")
	fmt.Fprintf(w, "  polystore ingest -dir ./docs -prefix docs/\n")
}
