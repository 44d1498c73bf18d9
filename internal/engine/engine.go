package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/flowcanon/deploy/internal/manifest"
	"github.com/flowcanon/deploy/internal/probe"
)

// ComposeInvoker is the slice of the compose wrapper the engine drives
// per service. A narrow interface here, rather than *compose.Invoker
// directly, is what lets tests substitute a fake the way the Design
// Notes' "execute and tee" abstraction calls for.
type ComposeInvoker interface {
	Pull(ctx context.Context, service string, env map[string]string, sink func(string)) error
	UpScale(ctx context.Context, service string, n int, noRecreate bool, env map[string]string, sink func(string)) error
}

// ContainerProbe is the slice of the runtime probe the engine needs.
type ContainerProbe interface {
	List(ctx context.Context, service string) ([]string, error)
	Inspect(ctx context.Context, containerID string) (probe.ContainerInfo, error)
	Stop(ctx context.Context, containerID string, timeoutSeconds int) error
	Remove(ctx context.Context, containerID string) error
}

// ProgressLogger is the slice of the structured logger the engine
// writes to.
type ProgressLogger interface {
	ServiceStart(service string)
	ServiceSucceeded(service string, elapsed time.Duration)
	ServiceFailed(service, reason string)
	ServiceSkipped(service string)
	Info(msg string)
	Warn(msg string)
}

// Engine drives the rolling deploy state machine.
type Engine struct {
	invoker ComposeInvoker
	probe   ContainerProbe
	log     ProgressLogger
	clock   clockwork.Clock
}

// New creates an Engine. clock defaults to the real clock when nil.
func New(invoker ComposeInvoker, probe ContainerProbe, log ProgressLogger, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{invoker: invoker, probe: probe, log: log, clock: clock}
}

// Deploy runs the rolling deploy across plan.Services in order,
// stopping at the first failure (spec §4.E Cross-service policy).
// dryRun logs the intended sequence without invoking any mutating
// subprocess or probe call.
func (e *Engine) Deploy(ctx context.Context, plan manifest.DeployPlan, tag string, dryRun bool) (*Result, error) {
	runID := uuid.NewString()
	result := &Result{RunID: runID, Tag: tag, DryRun: dryRun, StartedAt: e.clock.Now()}
	e.log.Info(fmt.Sprintf("run %s (%d service(s))", runID, len(plan.Services)))

	env := map[string]string{}
	if tag != "" {
		env["DEPLOY_TAG"] = tag
	}

	failed := false
	for _, svc := range plan.Services {
		if failed {
			e.log.ServiceSkipped(svc.Name)
			result.Services = append(result.Services, ServiceResult{Name: svc.Name, Outcome: Skipped})
			continue
		}

		if dryRun {
			e.log.Info(fmt.Sprintf("dry-run: would deploy %s (order=%d)", svc.Name, svc.Order))
			result.Services = append(result.Services, ServiceResult{Name: svc.Name, Outcome: Succeeded})
			continue
		}

		e.log.ServiceStart(svc.Name)
		start := e.clock.Now()
		outcome, reason := e.deployService(ctx, svc, env)
		elapsed := e.clock.Now().Sub(start)

		if outcome == Succeeded {
			e.log.ServiceSucceeded(svc.Name, elapsed)
		} else {
			e.log.ServiceFailed(svc.Name, reason)
			failed = true
		}

		result.Services = append(result.Services, ServiceResult{
			Name: svc.Name, Outcome: outcome, Elapsed: elapsed, Reason: reason,
		})
	}

	result.Success = !failed
	return result, nil
}

// deployService runs one service through Idle → ... → Done, or into
// the RollingBack branch on failure (spec §4.E).
func (e *Engine) deployService(ctx context.Context, svc manifest.Service, env map[string]string) (Outcome, string) {
	// Idle → Pulling.
	if err := e.invoker.Pull(ctx, svc.Name, env, nil); err != nil {
		return Failed, fmt.Sprintf("pull failed: %v", err)
	}

	// Capture the pre-deploy container set O.
	before, err := e.probe.List(ctx, svc.Name)
	if err != nil {
		return Failed, fmt.Sprintf("failed to list containers before scale-up: %v", err)
	}
	beforeSet := toSet(before)

	// Pulling → Starting.
	if err := e.invoker.UpScale(ctx, svc.Name, 2, true, env, nil); err != nil {
		return e.rollbackFromIncompleteStart(ctx, svc, env, fmt.Sprintf("scale-up failed: %v", err))
	}

	after, err := e.probe.List(ctx, svc.Name)
	if err != nil {
		return e.rollbackFromIncompleteStart(ctx, svc, env, fmt.Sprintf("failed to list containers after scale-up: %v", err))
	}

	candidates := difference(after, beforeSet)
	if len(candidates) != 1 {
		return e.rollbackFromIncompleteStart(ctx, svc, env,
			fmt.Sprintf("expected exactly one new container after scale-up, found %d", len(candidates)))
	}
	newID := candidates[0]

	// Starting → Waiting.
	if healthy, reason := e.waitForHealthy(ctx, newID, svc.HealthcheckTimeoutSeconds, svc.HealthcheckPollSeconds); !healthy {
		return e.rollback(ctx, svc, env, newID, reason)
	}

	// Waiting → Draining.
	for _, oldID := range before {
		if err := e.probe.Stop(ctx, oldID, svc.DrainSeconds); err != nil {
			e.log.Warn(fmt.Sprintf("%s: failed to stop old container %s: %v", svc.Name, oldID, err))
		}
		if err := e.probe.Remove(ctx, oldID); err != nil {
			e.log.Warn(fmt.Sprintf("%s: failed to remove old container %s: %v", svc.Name, oldID, err))
		}
	}

	// Draining → Scaling-Down.
	if err := e.invoker.UpScale(ctx, svc.Name, 1, false, env, nil); err != nil {
		e.log.Warn(fmt.Sprintf("%s: failed to normalize scale after cutover: %v", svc.Name, err))
	}

	return Succeeded, ""
}

// rollbackFromIncompleteStart handles failures before a candidate
// container was conclusively identified: there is nothing new to tear
// down beyond whatever scale-up produced, so just normalize scale and
// leave O untouched.
func (e *Engine) rollbackFromIncompleteStart(ctx context.Context, svc manifest.Service, env map[string]string, reason string) (Outcome, string) {
	if err := e.invoker.UpScale(ctx, svc.Name, 1, false, env, nil); err != nil {
		e.log.Warn(fmt.Sprintf("%s: failed to normalize scale during rollback: %v", svc.Name, err))
	}
	return Failed, reason
}

// rollback is the RollingBack branch: stop and remove the candidate,
// then normalize scale. Old containers in O are never touched (spec
// §4.E Rollback branch).
func (e *Engine) rollback(ctx context.Context, svc manifest.Service, env map[string]string, newID, reason string) (Outcome, string) {
	if err := e.probe.Stop(ctx, newID, svc.DrainSeconds); err != nil {
		e.log.Warn(fmt.Sprintf("%s: rollback failed to stop candidate %s: %v", svc.Name, newID, err))
	}
	if err := e.probe.Remove(ctx, newID); err != nil {
		e.log.Warn(fmt.Sprintf("%s: rollback failed to remove candidate %s: %v", svc.Name, newID, err))
	}
	if err := e.invoker.UpScale(ctx, svc.Name, 1, false, env, nil); err != nil {
		e.log.Warn(fmt.Sprintf("%s: failed to normalize scale after rollback: %v", svc.Name, err))
	}
	return Failed, reason
}

// waitForHealthy polls the candidate container's health at
// pollSeconds intervals until healthy, unhealthy, stopped, or
// timeoutSeconds elapses (spec §4.E Starting → Waiting), using the
// injected clock so tests can drive it deterministically.
func (e *Engine) waitForHealthy(ctx context.Context, containerID string, timeoutSeconds, pollSeconds int) (bool, string) {
	deadline := e.clock.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	poll := time.Duration(pollSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			return false, "deploy cancelled during health wait"
		default:
		}

		info, err := e.probe.Inspect(ctx, containerID)
		if err != nil {
			return false, fmt.Sprintf("failed to inspect candidate container: %v", err)
		}
		if !info.Running {
			return false, fmt.Sprintf("candidate container exited (code %d)", info.ExitCode)
		}

		switch info.Health {
		case probe.HealthHealthy:
			return true, ""
		case probe.HealthUnhealthy:
			return false, "candidate container reported unhealthy"
		case probe.HealthNone:
			// The Planner already rejects any app-role service with no
			// healthcheck defined, so a candidate reporting health=none
			// here means Docker isn't tracking a healthcheck it should
			// be: a configuration error, not a pass (spec §4.B — "none"
			// only counts as pass for a service explicitly unchecked,
			// which v1 has none of).
			return false, "candidate container reported no health status for a service that requires a healthcheck"
		}

		if !e.clock.Now().Before(deadline) {
			return false, fmt.Sprintf("health check timeout after %ds", timeoutSeconds)
		}

		select {
		case <-e.clock.After(poll):
		case <-ctx.Done():
			return false, "deploy cancelled during health wait"
		}
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func difference(ids []string, exclude map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !exclude[id] {
			out = append(out, id)
		}
	}
	return out
}
