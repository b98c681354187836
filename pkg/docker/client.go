package docker

import (
	"context"
	"os"

	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
)

// Client wraps the engine API with the fixed volume/environment contract the
// builder and analysis containers run under.
type Client struct {
	client *dockerclient.Client
}

func NewClient() (*Client, error) {
	client, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, NewNotAvailableError(err, "creating engine client")
	}
	return &Client{client: client}, nil
}

// IsAvailable reports whether the engine answers at all.
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.client.Info(ctx)
	return err == nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
// Failures are logged and swallowed; container teardown never masks the
// job's primary outcome.
func (c *Client) removeContainer(ctx context.Context, id string) {
	err := c.client.ContainerRemove(ctx, id, containerRemoveOptions())
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("container", id).Msg("failed to remove container")
	}
}

// RemoveImage best-effort deletes a built image.
func (c *Client) RemoveImage(ctx context.Context, tag string) {
	_, err := c.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("image", tag).Msg("failed to remove image")
	}
}

// AllowedEnv copies variables from the process environment for exactly the
// names on the allow-list, in KEY=value form.
func AllowedEnv(allowList []string) []string {
	var out []string
	for _, name := range allowList {
		if value, ok := os.LookupEnv(name); ok {
			out = append(out, name+"="+value)
		}
	}
	return out
}
