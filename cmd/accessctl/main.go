// Command accessctl is the operator tool for the access service: it triggers
// and inspects background jobs and bootstraps the permission catalog.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

const usage = `usage: accessctl <command> [flags]

commands:
  jobs trigger <name>     enqueue a job (%s, %s, %s, %s)
  jobs stats              print default queue counters
  catalog import          import a YAML permission catalog
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "accessctl: %v\n", err)
		return 1
	}
	switch args[0] + " " + args[1] {
	case "jobs trigger":
		return triggerJob(ctx, cfg, args[2:], stdout, stderr)
	case "jobs stats":
		return jobStats(ctx, cfg, stdout, stderr)
	case "catalog import":
		return importCatalog(ctx, cfg, args[2:], stdout, stderr)
	}
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, usage, jobs.TaskOverrideExpiry, jobs.TaskCacheWarmup, jobs.TaskCachePurge, jobs.TaskIdempotencyCleanup)
}

func triggerJob(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "accessctl jobs trigger: exactly one job name is required")
		return 2
	}
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer c.Close()
	info, err := c.Trigger(ctx, args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "accessctl jobs trigger: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

func jobStats(ctx context.Context, cfg *app.Config, stdout, stderr io.Writer) int {
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer c.Close()
	stats, err := c.InspectQueues(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "accessctl jobs stats: %v\n", err)
		return 1
	}
	cli.PrintStats(stdout, stats)
	return 0
}

func importCatalog(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("catalog import", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.StringP("file", "f", "", "catalog YAML file")
	dryRun := fs.Bool("dry-run", false, "parse and list entries without writing")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	opts := cli.CatalogImportOptions{Path: *path, DryRun: *dryRun, JSONOutput: *asJSON, Stdout: stdout, Stderr: stderr}
	if *dryRun {
		return cli.NewCatalogCLI(nil).ImportCommand(ctx, opts)
	}

	logger := app.NewLogger(cfg)
	rt, err := app.Connect(ctx, cfg)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.Close(logger)
	services, err := app.NewServices(cfg, rt.Pool, rt.Redis, logger)
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		return 1
	}
	return cli.NewCatalogCLI(services.Permissions).ImportCommand(ctx, opts)
}
