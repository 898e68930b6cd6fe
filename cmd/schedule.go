package cmd

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/store"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Fetch the configured searches on a cron schedule until interrupted",
	Run: func(cmd *cobra.Command, _ []string) {
		schedule(cmd)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().String("spec", "", "cron spec, e.g. '@every 30m' or '0 */2 * * *' (default is the 'schedule' config key)")
	scheduleCmd.Flags().Bool("score", false, "score stored jobs after every fetch")

	viper.BindPFlag("schedule", scheduleCmd.Flags().Lookup("spec"))
}

func schedule(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := setup()
	defer d.close()

	if len(d.config.Searches) == 0 {
		d.fatal("no searches configured")
	}

	score, _ := cmd.Flags().GetBool("score")
	if score && !d.aiEnabled() {
		d.logger.Warn("--score ignored, ai is disabled")
		score = false
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(d.logger.Named("cron")))
	c := cron.New(cron.WithLogger(cronLogger))

	// The first run and the cron ticks share one chain so they never overlap.
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger)).Then(cron.FuncJob(func() {
		report := d.pipeline().Run(ctx, d.config.Searches)
		if err := report.Err(); err != nil {
			d.logger.Error("scheduled fetch finished with errors", zap.Error(err))
		}
		if score && ctx.Err() == nil {
			if err := scoreStored(ctx, d, store.ListFilter{}); err != nil {
				d.logger.Error("scheduled scoring failed", zap.Error(err))
			}
		}
	}))

	if _, err := c.AddJob(d.config.Schedule, job); err != nil {
		d.fatal("parsing the schedule", zap.String("spec", d.config.Schedule), zap.Error(err))
	}

	c.Start()
	d.logger.Info("scheduler started", zap.String("spec", d.config.Schedule), zap.Int("searches", len(d.config.Searches)))

	// Run once right away so the store fills up without waiting for the first tick.
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		job.Run()
	}()

	<-ctx.Done()
	d.logger.Info("stopping the scheduler")
	<-c.Stop().Done()
	first.Wait()
}
