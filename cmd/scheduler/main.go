package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/RezaEskandarii/jobfire/app"
	"github.com/RezaEskandarii/jobfire/client"
	"github.com/RezaEskandarii/jobfire/jobmanager"
	"github.com/RezaEskandarii/jobfire/types/config"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: scheduler [-config path] [-env path] <command> [flags]

commands:
  serve       start the HTTP runner endpoints and the optional in-process trigger
  run-cron    run due cron jobs once (or one job with -job) and print the result
  run-tasks   run one task queue pass and print the summary
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, opts ...app.ContainerOption) error {
	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "jobfire.yaml", "path to the YAML config file")
	envPath := fs.String("env", ".env", "dotenv file loaded before the config is expanded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := loadConfig(*configPath, *envPath)
	if err != nil {
		return err
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "serve", "run-cron", "run-tasks":
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	c, err := jobmanager.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	switch command {
	case "serve":
		return serve(ctx, c)
	case "run-cron":
		return runCron(ctx, c, rest, stdout)
	default:
		res, err := c.TaskManager.RunDueTasks(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, res)
	}
}

// loadConfig builds the runtime config from the env file, the YAML file and
// the built-in handlers. An instance id is generated when the file has none.
func loadConfig(configPath, envPath string) (*config.JobfireConfig, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, err
	}
	fc, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}

	instance := fc.Instance
	if instance == "" {
		instance = "jobfire-" + uuid.NewString()
	}
	cfg, err := config.NewJobfireConfig(instance, opts...)
	if err != nil {
		return nil, err
	}
	if err := cfg.RegisterHandlers(builtinHandlers()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCron(ctx context.Context, c *app.Container, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run-cron", flag.ContinueOnError)
	jobID := fs.Int64("job", 0, "run only this cron job")
	force := fs.Bool("force", false, "run even when the job is not due (requires -job)")
	dryRun := fs.Bool("dry-run", false, "report what would run without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := client.RunOptions{ForceRun: *force, DryRun: *dryRun}

	if *jobID > 0 {
		res, err := c.CronJobManager.RunJob(ctx, *jobID, opts)
		if err != nil {
			return err
		}
		return printJSON(stdout, res)
	}
	res, err := c.CronJobManager.RunDueJobs(ctx, opts)
	if err != nil {
		return err
	}
	return printJSON(stdout, res)
}

// serve runs the HTTP endpoints (when enabled) and the interval trigger until
// ctx is cancelled.
func serve(ctx context.Context, c *app.Container) error {
	cfg := c.Config
	if !cfg.HTTP.Enabled && cfg.ScanInterval <= 0 {
		return errors.New("nothing to serve: enable http or set runner.scan_interval")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Enabled {
		g.Go(func() error { return c.Router.Serve(gctx) })
	}
	if cfg.ScanInterval > 0 {
		g.Go(func() error { return trigger(gctx, c) })
	}
	return g.Wait()
}

// trigger fires one cron batch, one task pass and the stale reaper every scan
// interval. A tick still running when the next one is due is skipped.
func trigger(ctx context.Context, c *app.Container) error {
	log := c.Log.With().Str("component", "trigger").Logger()
	scheduler := cron.New(
		cron.WithLocation(c.Config.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	spec := "@every " + c.Config.ScanInterval.String()
	if _, err := scheduler.AddFunc(spec, func() { tick(ctx, c, log) }); err != nil {
		return fmt.Errorf("schedule trigger %q: %w", spec, err)
	}
	log.Info().Str("every", c.Config.ScanInterval.String()).Msg("in-process trigger started")

	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func tick(ctx context.Context, c *app.Container, log zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.CronJobManager.RunDueJobs(ctx, client.RunOptions{}); err != nil && !errors.Is(err, client.ErrLockNotAcquired) {
		log.Error().Err(err).Msg("cron batch failed")
	}
	if _, err := c.TaskManager.RunDueTasks(ctx); err != nil && !errors.Is(err, client.ErrLockNotAcquired) {
		log.Error().Err(err).Msg("task pass failed")
	}
	if _, err := c.TaskManager.ReapStale(ctx, c.Config.StaleTaskTimeout); err != nil {
		log.Error().Err(err).Msg("stale task reaper failed")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
