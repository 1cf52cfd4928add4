// Package cli builds the Cobra command tree for lagopusd: run starts
// the configured pipeline stages and callout scheduler and blocks for a
// shutdown signal; stage and task are introspection/demo commands that
// exercise the pipeline and callout packages directly, since the
// runtime has no wire protocol for a separate CLI invocation to reach a
// running process.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lagopus-project/pipeline-runtime/internal/callout"
	"github.com/lagopus-project/pipeline-runtime/internal/config"
	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
	"github.com/lagopus-project/pipeline-runtime/internal/metrics"
	"github.com/lagopus-project/pipeline-runtime/internal/pipeline"
	"github.com/lagopus-project/pipeline-runtime/internal/signalthread"
)

var log = slog.Default()

var configFile string

// BuildCLI constructs the root lagopusd command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lagopusd",
		Short: "pipeline-runtime: a pipeline stage runtime and callout task scheduler",
		Long: `lagopusd runs a configurable set of pipeline stages (fetch/main/throw
worker pools with pause, maintenance, and graceful shutdown) alongside a
callout task scheduler (urgent/timed/idle tasks dispatched on an interval).`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStageCommand())
	rootCmd.AddCommand(buildTaskCommand())

	return rootCmd
}

func loadConfigOrDefault() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Warn("cli: config load failed, using built-in default", "path", configFile, "err", err)
		return config.Default()
	}
	return cfg
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start every configured pipeline stage and the callout scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

// demoStage wires a trivial counting Main callback so `run` has
// observable throughput without any application-specific payload type.
type demoStage struct {
	name    string
	metrics *metrics.Collector
}

func (d *demoStage) main(ctx context.Context, w *pipeline.Worker, n int) (int, error) {
	if d.metrics != nil {
		d.metrics.RecordProcessed(d.name, n)
	}
	time.Sleep(10 * time.Millisecond)
	return 1, nil
}

func runSystem() error {
	cfg := loadConfigOrDefault()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("cli: metrics server stopped", "err", err)
			}
		}()
	}

	stages := make([]*pipeline.Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		ds := &demoStage{name: sc.Name, metrics: collector}
		stage, err := pipeline.Create(sc.Name, sc.Workers, sc.EventSize, sc.MaxBatch, pipeline.Callbacks{
			Main: ds.main,
		})
		if err != nil {
			return fmt.Errorf("cli: create stage %q: %w", sc.Name, err)
		}
		for i, cpu := range sc.CPUs {
			if cpu >= 0 {
				_ = stage.SetWorkerCPUAffinity(i, cpu)
			}
		}
		if collector != nil {
			collector.SetWorkerCount(sc.Name, sc.Workers)
		}
		stages = append(stages, stage)
	}

	if err := gstate.Global.Set(gstate.Started); err != nil {
		return fmt.Errorf("cli: global state: %w", err)
	}

	for _, stage := range stages {
		if err := stage.Setup(); err != nil {
			return fmt.Errorf("cli: setup stage %q: %w", stage.Name(), err)
		}
		if err := stage.Start(); err != nil {
			return fmt.Errorf("cli: start stage %q: %w", stage.Name(), err)
		}
	}

	handler, err := callout.InitializeHandler(cfg.Callout.Workers, nil, nil, cfg.IdleInterval(), nil)
	if err != nil {
		return fmt.Errorf("cli: initialize callout handler: %w", err)
	}
	mainLoopDone := make(chan error, 1)
	mainCtx, cancelMain := context.WithCancel(context.Background())
	go func() { mainLoopDone <- handler.StartMainLoop(mainCtx) }()

	dispatcher := signalthread.New()
	shutdown := make(chan struct{})
	dispatcher.Register(syscall.SIGINT, func(os.Signal) { close(shutdown) })
	dispatcher.Register(syscall.SIGTERM, func(os.Signal) { close(shutdown) })
	dispatcher.Start()
	defer dispatcher.Stop()

	log.Info("lagopusd started", "stages", len(stages), "callout_workers", cfg.Callout.Workers)
	<-shutdown
	log.Info("shutdown signal received, stopping")

	cancelMain()
	handler.FinalizeHandler()
	<-mainLoopDone

	for _, stage := range stages {
		_ = stage.Shutdown(gstate.GraceGracefully)
		_ = stage.Wait(cfg.Callout.ShutdownTimeout)
		stage.Destroy()
	}

	log.Info("lagopusd stopped")
	return nil
}

func buildStageCommand() *cobra.Command {
	stageCmd := &cobra.Command{
		Use:   "stage",
		Short: "inspect the stages a config file would create",
	}
	stageCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list the stages configured in --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefault()
			for _, sc := range cfg.Stages {
				fmt.Printf("%-20s workers=%-4d event_size=%-4d max_batch=%-4d cpu_affinity=%v\n",
					sc.Name, sc.Workers, sc.EventSize, sc.MaxBatch, sc.CPUs)
			}
			return nil
		},
	})
	return stageCmd
}

func buildTaskCommand() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "exercise the callout task scheduler directly",
	}
	taskCmd.AddCommand(buildTaskSubmitCommand())
	taskCmd.AddCommand(buildTaskCancelCommand())
	return taskCmd
}

func buildTaskSubmitCommand() *cobra.Command {
	var name string
	var delayMS, intervalMS int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit one demo task to an ephemeral in-process scheduler and wait for it to run",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := callout.InitializeHandler(0, nil, nil, 0, nil)
			if err != nil {
				return err
			}
			done := make(chan struct{})
			task, err := handler.CreateTask(name, func(arg any) int {
				fmt.Printf("task %q executed\n", name)
				close(done)
				return 0
			}, nil, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := gstate.Global.Set(gstate.Started); err != nil {
				return err
			}
			go func() { _ = handler.StartMainLoop(ctx) }()
			defer handler.FinalizeHandler()

			if err := task.SubmitTask(time.Duration(delayMS)*time.Millisecond, time.Duration(intervalMS)*time.Millisecond); err != nil {
				return err
			}

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				return fmt.Errorf("cli: task %q did not run within 5s", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "demo-task", "task name")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 0, "delay before first run, in milliseconds (0 = urgent)")
	cmd.Flags().IntVar(&intervalMS, "interval-ms", 0, "periodic re-run interval, in milliseconds (0 = one-shot)")
	return cmd
}

func buildTaskCancelCommand() *cobra.Command {
	var delayMS int

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "submit a delayed demo task and immediately cancel it, printing the resulting state",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := callout.InitializeHandler(0, nil, nil, 0, nil)
			if err != nil {
				return err
			}
			task, err := handler.CreateTask("cancel-demo", func(arg any) int { return 0 }, nil, nil)
			if err != nil {
				return err
			}
			if err := task.SubmitTask(time.Duration(delayMS)*time.Millisecond, 0); err != nil {
				return err
			}
			if err := task.CancelTask(); err != nil {
				return fmt.Errorf("cli: cancel: %w", err)
			}
			fmt.Printf("task state after cancel: %s\n", task.State())
			return nil
		},
	}
	cmd.Flags().IntVar(&delayMS, "delay-ms", 1000, "delay before the task would have run, in milliseconds")
	return cmd
}
