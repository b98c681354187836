package docker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"
)

// ports commonly bound by local forward proxies, probed best-effort
var localProxyPorts = []string{"7890", "8118", "1087"}

const proxyProbeTimeout = 300 * time.Millisecond

// DetectLocalProxy probes the loopback interface for a listening forward
// proxy. Detection failure is non-fatal; the empty string means none found.
func DetectLocalProxy() string {
	for _, port := range localProxyPorts {
		addr := net.JoinHostPort("127.0.0.1", port)
		conn, err := net.DialTimeout("tcp", addr, proxyProbeTimeout)
		if err != nil {
			continue
		}
		conn.Close()
		return "http://" + addr
	}
	return ""
}

// BuildImage builds contextDir into tag using the descriptor at
// dockerfilePath (relative to contextDir). When proxy is non-empty it is
// injected as HTTP(S)_PROXY build arguments. Build output is appended to
// the sink line by line.
func (c *Client) BuildImage(ctx context.Context, contextDir, dockerfilePath, tag, proxy string, sink LogSink) (string, error) {
	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return "", NewNotAvailableError(err, "archiving build context %s", contextDir)
	}
	defer buildContext.Close()

	opts := types.ImageBuildOptions{
		Dockerfile: filepath.ToSlash(dockerfilePath),
		Tags:       []string{tag},
		Remove:     true,
	}
	if proxy != "" {
		opts.BuildArgs = map[string]*string{
			"HTTP_PROXY":  &proxy,
			"HTTPS_PROXY": &proxy,
			"http_proxy":  &proxy,
			"https_proxy": &proxy,
		}
	}

	resp, err := c.client.ImageBuild(ctx, buildContext, opts)
	if err != nil {
		return "", NewNotAvailableError(err, "building image %s", tag)
	}
	defer resp.Body.Close()

	var lines []string
	dec := json.NewDecoder(resp.Body)
	for {
		var mess jsonmessage.JSONMessage
		if err := dec.Decode(&mess); err != nil {
			if err == io.EOF {
				break
			}
			return "", NewNotAvailableError(err, "reading build output for %s", tag)
		}
		if mess.Error != nil {
			return "", NewPostConditionError(TailLines(lines, logTailLines),
				"building image %s: %s", tag, mess.Error.Message)
		}
		line := strings.TrimRight(mess.Stream, "\n")
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if sink != nil {
			sink(line)
		}
	}

	log.Ctx(ctx).Info().Str("image", tag).Msg("image built")
	return tag, nil
}
