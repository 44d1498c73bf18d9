// Package probe inspects and manages the containers a compose project
// creates, grounded on shared/compose/discovery.go's label-filtered
// listing and shared/update/health.go's health-state polling.
package probe

import (
	"context"
	"fmt"

	dockertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Health mirrors the subset of Docker's health states the engine acts
// on (spec §4.D).
type Health string

const (
	HealthNone      Health = "none"
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ContainerInfo is the state the engine's health-wait loop needs.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Health  Health
	ExitCode int
}

// Probe wraps the Docker API client for one compose project.
type Probe struct {
	cli         *client.Client
	projectName string
}

// New creates a Probe scoped to projectName, the compose project label
// value (spec §4.D).
func New(cli *client.Client, projectName string) *Probe {
	return &Probe{cli: cli, projectName: projectName}
}

// List returns the containers for service, in Docker's listing order
// (spec §4.D step 1), filtered by the compose project+service labels
// the way shared/compose/discovery.go filters by project alone.
func (p *Probe) List(ctx context.Context, service string) ([]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("com.docker.compose.project=%s", p.projectName))
	filterArgs.Add("label", fmt.Sprintf("com.docker.compose.service=%s", service))

	containers, err := p.cli.ContainerList(ctx, dockertypes.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for service %s: %w", service, err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Inspect reports a container's run state and health, translating
// Docker's inspect payload the same way shared/update/health.go does.
// Unlike that grace-period domain, every app-role candidate here is
// required to carry a healthcheck (the Planner rejects app services
// without one), so a HealthNone reading is a configuration problem for
// the engine to fail on, not a state worth waiting out.
func (p *Probe) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("failed to inspect container %s: %w", truncateID(containerID), err)
	}

	info := ContainerInfo{
		ID:      containerID,
		Name:    inspect.Name,
		Image:   inspect.Image,
		Running: inspect.State.Running,
		Health:  HealthNone,
	}
	if inspect.State.ExitCode != 0 {
		info.ExitCode = inspect.State.ExitCode
	}
	if inspect.State.Health != nil {
		switch inspect.State.Health.Status {
		case "healthy":
			info.Health = HealthHealthy
		case "unhealthy":
			info.Health = HealthUnhealthy
		case "starting":
			info.Health = HealthStarting
		}
	}
	return info, nil
}

// Stop sends SIGTERM and waits up to timeoutSeconds before Docker
// escalates to SIGKILL, the drain behavior spec §4.B's Draining state
// requires.
func (p *Probe) Stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	if err := p.cli.ContainerStop(ctx, containerID, dockertypes.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", truncateID(containerID), err)
	}
	return nil
}

// Remove deletes a container, tolerating the not-found case so a
// repeated rollback/scale-down step is idempotent.
func (p *Probe) Remove(ctx context.Context, containerID string) error {
	err := p.cli.ContainerRemove(ctx, containerID, dockertypes.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", truncateID(containerID), err)
	}
	return nil
}

func truncateID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
