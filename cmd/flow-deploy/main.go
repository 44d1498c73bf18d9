// Command flow-deploy is the CLI dispatch point (spec §4.G): it wires
// the Planner, Lock, Engine, and Logger together and maps the result
// to the exit-code taxonomy of spec §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowcanon/deploy/internal/clock"
	"github.com/flowcanon/deploy/internal/compose"
	"github.com/flowcanon/deploy/internal/config"
	"github.com/flowcanon/deploy/internal/engine"
	"github.com/flowcanon/deploy/internal/history"
	"github.com/flowcanon/deploy/internal/lock"
	"github.com/flowcanon/deploy/internal/logger"
	"github.com/flowcanon/deploy/internal/manifest"
	"github.com/flowcanon/deploy/internal/metrics"
	"github.com/flowcanon/deploy/internal/probe"
)

const (
	exitSuccess         = 0
	exitServiceFailure  = 1
	exitLockConflict    = 2
	exitConfigError     = 3
	exitUserInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		// cobra's own errors (bad flags, unknown subcommand) never reach
		// a RunE, so exitCode is still its zero value here.
		return exitConfigError
	}
	return exitCode
}

// exitCode is set by a subcommand's RunE before returning, since
// cobra's Execute only surfaces the error, not a custom exit status.
var exitCode = exitSuccess

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "flow-deploy",
		Short:        "Rolling, health-checked deploys driven by a docker-compose manifest",
		SilenceUsage: true,
	}

	root.AddCommand(newDeployCommand())
	root.AddCommand(newRollbackCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newExecCommand())
	root.AddCommand(newLogsCommand())
	root.AddCommand(newSelfUpgradeCommand())
	return root
}

func newDeployCommand() *cobra.Command {
	var tag string
	var services []string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run a rolling deploy of app-role services",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = doDeploy(cmd.Context(), tag, services, dryRun)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "deploy tag exported as DEPLOY_TAG")
	cmd.Flags().StringArrayVar(&services, "service", nil, "restrict the run to these services (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the intended plan without mutating anything")
	return cmd
}

func newRollbackCommand() *cobra.Command {
	var services []string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Redeploy the tag immediately preceding the current head of the tag history",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = doRollback(cmd.Context(), services)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&services, "service", nil, "restrict the rollback to these services (repeatable)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a read-only summary of managed services",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = doStatus(cmd.Context())
			return nil
		},
	}
}

// exec, logs, and self-upgrade are thin pass-throughs to the compose
// wrapper / installer, out of the engine's core scope (spec §1, §4.G).

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "exec -- [args...]",
		Short:              "Pass through to the compose wrapper's exec subcommand",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = passthrough(cmd.Context(), append([]string{"exec"}, args...))
			return nil
		},
	}
	return cmd
}

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "logs -- [args...]",
		Short:              "Pass through to the compose wrapper's logs subcommand",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = passthrough(cmd.Context(), append([]string{"logs"}, args...))
			return nil
		},
	}
	return cmd
}

func newSelfUpgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "self-upgrade",
		Short: "Not implemented by the engine: handled by the installer plumbing",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stderr, "self-upgrade is handled outside the deploy engine")
			exitCode = exitConfigError
			return nil
		},
	}
}

func passthrough(ctx context.Context, args []string) int {
	cfg := config.LoadFromEnv()
	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine project directory: %v\n", err)
		return exitConfigError
	}

	invoker, err := compose.Resolve(projectDir, cfg.ComposeCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitConfigError
	}
	if err := invoker.Run(ctx, nil, func(line string) { fmt.Println(line) }, args...); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitServiceFailure
	}
	return exitSuccess
}

func doDeploy(ctx context.Context, tag string, serviceFilter []string, dryRun bool) int {
	env := config.LoadFromEnv()
	log := logger.New(env.GitHubActions, env.GitHubStepSummary)
	defer log.Close()

	ctx, stop, interrupted := withInterruptHandling(ctx, log)
	defer stop()

	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine project directory: %v\n", err)
		return exitConfigError
	}
	projectName := filepath.Base(projectDir)

	invoker, err := compose.Resolve(projectDir, env.ComposeCommand)
	if err != nil {
		log.Warn(err.Error())
		return exitConfigError
	}

	log.Section("planning")
	planner := manifest.New(invoker, projectName, projectDir)
	result, err := planner.Plan(ctx, serviceFilter)
	if err != nil {
		log.Warn(err.Error())
		log.SectionFailed()
		return exitConfigError
	}
	for _, w := range result.Warnings {
		log.Warn(w)
	}
	log.SectionDone(0)

	var deployLock *lock.Lock
	if !dryRun {
		log.Section("lock")
		deployLock, err = lock.Acquire(projectDir)
		if err != nil {
			if _, ok := err.(*lock.ConflictError); ok {
				log.Warn(err.Error())
				log.SectionFailed()
				if env.MetricsPath != "" {
					if werr := metrics.Write(env.MetricsPath, metrics.Snapshot{Command: "deploy", LockConflict: true}); werr != nil {
						fmt.Fprintf(os.Stderr, "warning: failed to write metrics snapshot: %v\n", werr)
					}
				}
				return exitLockConflict
			}
			log.Warn(err.Error())
			log.SectionFailed()
			return exitConfigError
		}
		defer deployLock.Release()
		log.SectionDone(0)
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warn(fmt.Sprintf("failed to connect to the container runtime: %v", err))
		return exitConfigError
	}
	defer dockerClient.Close()

	eng := engine.New(invoker, probe.New(dockerClient, projectName), log, clock.New())

	log.Section("deploy")
	start := time.Now()
	runResult, err := eng.Deploy(ctx, result.Plan, tag, dryRun)
	duration := time.Since(start)
	if err != nil {
		log.Warn(err.Error())
		log.SectionFailed()
		return exitServiceFailure
	}

	writeMetricsSnapshot(env.MetricsPath, "deploy", runResult, duration)

	if interrupted.Load() {
		log.SectionFailed()
		return exitUserInterrupted
	}

	if !runResult.Success {
		log.SectionFailed()
		return exitServiceFailure
	}
	log.SectionDone(duration)

	if !dryRun && tag != "" {
		if err := history.Record(projectDir, tag); err != nil {
			log.Warn(fmt.Sprintf("deploy succeeded but failed to record tag history: %v", err))
		}
	}
	return exitSuccess
}

func doRollback(ctx context.Context, serviceFilter []string) int {
	env := config.LoadFromEnv()
	log := logger.New(env.GitHubActions, env.GitHubStepSummary)
	defer log.Close()

	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine project directory: %v\n", err)
		return exitConfigError
	}

	tags, err := history.Read(projectDir)
	if err != nil {
		log.Warn(err.Error())
		return exitConfigError
	}
	if len(tags) < 2 {
		log.Warn("no prior tag in history to roll back to")
		return exitConfigError
	}
	priorTag := tags[1]

	return doDeploy(ctx, priorTag, serviceFilter, false)
}

func doStatus(ctx context.Context) int {
	env := config.LoadFromEnv()
	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine project directory: %v\n", err)
		return exitConfigError
	}
	projectName := filepath.Base(projectDir)

	invoker, err := compose.Resolve(projectDir, env.ComposeCommand)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	planner := manifest.New(invoker, projectName, projectDir)
	result, err := planner.Plan(ctx, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	tags, _ := history.Read(projectDir)
	summary := statusSummary{Project: projectName, Services: make([]statusService, 0, len(result.AllServices)), TagHistory: tags}
	for _, svc := range result.AllServices {
		summary.Services = append(summary.Services, statusService{
			Name: svc.Name, Role: string(svc.Role), Order: svc.Order,
			Host: svc.Host, User: svc.User, Dir: svc.Dir,
			HasHealthcheck: svc.HasHealthcheck, Image: svc.ImageReference,
		})
	}

	out, err := yaml.Marshal(summary)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	os.Stdout.Write(out)
	return exitSuccess
}

// statusSummary is the YAML shape `status` prints: a read-only
// projection of the plan alongside the tag history, mirroring the
// manifest's own YAML surface rather than inventing a new wire format.
type statusSummary struct {
	Project    string          `yaml:"project"`
	TagHistory []string        `yaml:"tag_history,omitempty"`
	Services   []statusService `yaml:"services"`
}

type statusService struct {
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	Order          int    `yaml:"order"`
	Host           string `yaml:"host,omitempty"`
	User           string `yaml:"user,omitempty"`
	Dir            string `yaml:"dir,omitempty"`
	HasHealthcheck bool   `yaml:"has_healthcheck"`
	Image          string `yaml:"image,omitempty"`
}

// withInterruptHandling cancels ctx on SIGINT/SIGTERM so an in-flight
// health-wait is treated as a failure and the engine's rollback branch
// runs on a best-effort basis before exit (spec §5 Cancellation). The
// returned flag, not the shared exitCode global, is how the caller
// learns cancellation happened: the signal goroutine and the deploy
// call race, and the deploy's own return value must not clobber 130.
func withInterruptHandling(parent context.Context, log *logger.Logger) (context.Context, func(), *atomic.Bool) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var interrupted atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn(fmt.Sprintf("received %s, cancelling run", sig))
			interrupted.Store(true)
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}, &interrupted
}

func writeMetricsSnapshot(path, command string, result *engine.Result, duration time.Duration) {
	if path == "" {
		return
	}
	snapshot := metrics.Snapshot{
		Command:         command,
		RunID:           result.RunID,
		Success:         result.Success,
		DurationSeconds: duration.Seconds(),
		ServicesTotal:   len(result.Services),
	}
	for _, s := range result.Services {
		switch s.Outcome {
		case engine.Failed:
			snapshot.ServicesFailed++
		case engine.Skipped:
			snapshot.ServicesSkipped++
		}
	}
	if err := metrics.Write(path, snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write metrics snapshot: %v\n", err)
	}
}
