package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	DefaultImage = "browserless/chrome:latest"
	managedBy    = "stepdebug"
	cdpPort      = nat.Port("3000/tcp")
)

// DockerOptions configures container-backed browsers
type DockerOptions struct {
	Image        string
	Host         string // address the published port is reachable on
	ReadyRetries int
	ReadyDelay   time.Duration
}

// DockerLauncher runs one browserless container per automation context
type DockerLauncher struct {
	client *client.Client
	opts   DockerOptions
	http   *http.Client
}

func NewDockerLauncher(opts DockerOptions) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.ReadyRetries == 0 {
		opts.ReadyRetries = 20
	}
	if opts.ReadyDelay == 0 {
		opts.ReadyDelay = 500 * time.Millisecond
	}

	return &DockerLauncher{
		client: cli,
		opts:   opts,
		http:   &http.Client{Timeout: 2 * time.Second},
	}, nil
}

func (l *DockerLauncher) Launch(ctx context.Context, contextID string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: l.opts.Image,
		Labels: map[string]string{
			"context-id": contextID,
			"managed-by": managedBy,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	name := contextID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "debug-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	instance := &Instance{ContextID: contextID, ContainerID: resp.ID}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		l.remove(resp.ID)
		return nil, fmt.Errorf("container %s published no port", resp.ID[:12])
	}
	instance.Port = bindings[0].HostPort

	if err := l.waitForBrowserReady(ctx, instance.Port); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	instance.ConnectURL = fmt.Sprintf("ws://%s:%s", l.opts.Host, instance.Port)
	return instance, nil
}

func (l *DockerLauncher) Stop(ctx context.Context, instance *Instance) error {
	if instance == nil || instance.ContainerID == "" {
		return nil
	}

	timeout := 10
	if err := l.client.ContainerStop(ctx, instance.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := l.client.ContainerRemove(ctx, instance.ContainerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// EnsureImage pulls the browser image if it is not present locally
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.opts.Image {
				return nil
			}
		}
	}

	reader, err := l.client.ImagePull(ctx, l.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// RemoveOrphans removes containers left behind by a previous process
func (l *DockerLauncher) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := l.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+managedBy)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

func (l *DockerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// waitForBrowserReady polls /json/version until the browser answers
func (l *DockerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://%s:%s/json/version", l.opts.Host, port)

	for i := 0; i < l.opts.ReadyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := l.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-time.After(l.opts.ReadyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", l.opts.ReadyRetries)
}
