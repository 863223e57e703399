package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Engine is the container-engine surface the Manager depends on. The
// production implementation wraps the Docker Engine API client; tests
// substitute a fake. Implementations translate engine-specific "no such
// container" errors into ErrNotFound.
type Engine interface {
	// List returns every lab container, running or not.
	List(ctx context.Context) ([]container.Summary, error)
	Inspect(ctx context.Context, nameOrID string) (container.InspectResponse, error)
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, nameOrID string) error
	Stop(ctx context.Context, nameOrID string, timeoutSeconds int) error
	Restart(ctx context.Context, nameOrID string, timeoutSeconds int) error
	Remove(ctx context.Context, nameOrID string) error
	Stats(ctx context.Context, nameOrID string) (*container.StatsResponse, error)
	Ping(ctx context.Context) error
}

// DockerEngine implements Engine against a Docker (or compatible) daemon.
type DockerEngine struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerEngine connects to the daemon using the standard environment
// configuration and negotiates the API version.
func NewDockerEngine(logger *slog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}
	return &DockerEngine{cli: cli, logger: logger}, nil
}

// Close releases the underlying client.
func (e *DockerEngine) Close() error { return e.cli.Close() }

func (e *DockerEngine) List(ctx context.Context) ([]container.Summary, error) {
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelLab+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return summaries, nil
}

func (e *DockerEngine) Inspect(ctx context.Context, nameOrID string) (container.InspectResponse, error) {
	resp, err := e.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return container.InspectResponse{}, e.wrap("inspecting", nameOrID, err)
	}
	return resp, nil
}

// Create creates the container, pulling the image on demand when the
// daemon reports it missing.
func (e *DockerEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if client.IsErrNotFound(err) {
		e.logger.InfoContext(ctx, "pulling lab image", slog.String("image", cfg.Image))
		if perr := e.pull(ctx, cfg.Image); perr != nil {
			return "", perr
		}
		resp, err = e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) Start(ctx context.Context, nameOrID string) error {
	if err := e.cli.ContainerStart(ctx, nameOrID, container.StartOptions{}); err != nil {
		return e.wrap("starting", nameOrID, err)
	}
	return nil
}

func (e *DockerEngine) Stop(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	if err := e.cli.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return e.wrap("stopping", nameOrID, err)
	}
	return nil
}

func (e *DockerEngine) Restart(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	if err := e.cli.ContainerRestart(ctx, nameOrID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return e.wrap("restarting", nameOrID, err)
	}
	return nil
}

func (e *DockerEngine) Remove(ctx context.Context, nameOrID string) error {
	if err := e.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true}); err != nil {
		return e.wrap("removing", nameOrID, err)
	}
	return nil
}

// Stats takes a single non-streaming sample.
func (e *DockerEngine) Stats(ctx context.Context, nameOrID string) (*container.StatsResponse, error) {
	resp, err := e.cli.ContainerStats(ctx, nameOrID, false)
	if err != nil {
		return nil, e.wrap("reading stats for", nameOrID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decoding stats for %s: %w", nameOrID, err)
	}
	return &stats, nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("pinging container engine: %w", err)
	}
	return nil
}

// pull fetches an image and drains the progress stream.
func (e *DockerEngine) pull(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", ref, err)
	}
	return nil
}

// wrap maps daemon errors onto package sentinels where they have one.
func (e *DockerEngine) wrap(verb, nameOrID string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s container %s: %w", verb, nameOrID, ErrNotFound)
	}
	return fmt.Errorf("%s container %s: %w", verb, nameOrID, err)
}
