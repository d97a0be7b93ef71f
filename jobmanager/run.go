package jobmanager

import (
	"context"
	"fmt"
	"runtime"

	"github.com/RezaEskandarii/jobfire/app"
	"github.com/RezaEskandarii/jobfire/types/config"
)

// New initializes the whole runner from cfg.
//
// The function performs the following steps:
//  1. Builds the dependency container (storage, lock, broker, handlers, managers).
//  2. Applies the schema when cfg.RunMigrations is set.
//  3. Upserts the cron jobs declared in cfg.CronJobs.
//  4. Logs every active cron job whose function has no registered handler, so
//     configuration mistakes surface at startup rather than at the first run.
//
// The caller owns the returned container and must Close it.
func New(ctx context.Context, cfg *config.JobfireConfig, opts ...app.ContainerOption) (*app.Container, error) {
	c, err := app.NewContainer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	c.Log.Debug().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting jobfire")

	for _, seed := range cfg.CronJobs {
		id, err := c.CronJobManager.Schedule(ctx, seed)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("seed cron job %q: %w", seed.Name, err)
		}
		c.Log.Debug().Int64("job_id", id).Str("job", seed.Name).Msg("cron job seeded")
	}

	if err := warnMissingHandlers(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func warnMissingHandlers(ctx context.Context, c *app.Container) error {
	const pageSize = 100

	var functions []string
	for page := 1; ; page++ {
		jobs, err := c.CronJobStore.GetAll(ctx, page, pageSize)
		if err != nil {
			return fmt.Errorf("list cron jobs: %w", err)
		}
		for _, j := range jobs.Items {
			if j.IsActive {
				functions = append(functions, j.FunctionName)
			}
		}
		if !jobs.HasNextPage {
			break
		}
	}

	for _, name := range c.JobHandler.Missing(functions...) {
		c.Log.Warn().Str("function", name).Msg("active cron jobs reference a function with no registered handler")
	}
	return nil
}
