package docker

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// fixed in-container mount points of the analysis contract
const (
	WorkspaceMount = "/workspace"
	OutputMount    = "/out"
	ConfigMount    = "/config"
)

// LogSink receives each combined stdout/stderr line as it is produced.
type LogSink func(line string)

// RunSpec describes one detached container run under the fixed
// volume/environment contract.
type RunSpec struct {
	Image   string
	Command []string

	// host directories; Workspace and Output are bound read-write,
	// Config (optional, analysis containers only) read-only
	Workspace string
	Output    string
	Config    string

	Env     []string
	Network string

	// host file the combined output is appended to
	LogPath string

	// zero means no bound on the run
	Timeout time.Duration

	Sink LogSink
}

func (s *RunSpec) mounts() []mount.Mount {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: s.Workspace, Target: WorkspaceMount},
		{Type: mount.TypeBind, Source: s.Output, Target: OutputMount},
	}
	if s.Config != "" {
		mounts = append(mounts, mount.Mount{
			Type: mount.TypeBind, Source: s.Config, Target: ConfigMount, ReadOnly: true,
		})
	}
	return mounts
}

func containerRemoveOptions() container.RemoveOptions {
	return container.RemoveOptions{RemoveVolumes: true, Force: true}
}

// RunContainer starts the image detached, streams its combined output line
// by line into the job log file and the sink, and waits for exit. A nonzero
// exit returns an ExecutionError carrying the log tail; failure to start at
// all returns a NotAvailableError.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) ([]string, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	hostConfig := &container.HostConfig{Mounts: spec.mounts()}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	created, err := c.client.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   strslice.StrSlice(spec.Command),
		Env:   spec.Env,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, NewNotAvailableError(err, "creating container from %s", spec.Image)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.removeContainer(removeCtx, created.ID)
	}()

	if err := c.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, NewNotAvailableError(err, "starting container from %s", spec.Image)
	}
	log.Ctx(ctx).Info().Str("image", spec.Image).Str("container", created.ID).Msg("container started")

	capture, err := c.followLogs(ctx, created.ID, spec)
	if err != nil {
		return nil, err
	}

	statusCh, errCh := c.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		capture.wait()
		return capture.snapshot(), NewPostConditionError(capture.snapshot(),
			"container %s did not finish within the configured timeout", spec.Image)
	case err := <-errCh:
		capture.wait()
		return capture.snapshot(), waitFailure(spec.Image, err)
	case status := <-statusCh:
		capture.wait()
		lines := capture.snapshot()
		if status.StatusCode != 0 {
			return lines, NewExecutionError(spec.Image, status.StatusCode, lines)
		}
		log.Ctx(ctx).Info().Str("image", spec.Image).Int64("status", status.StatusCode).
			Msg("container execution ended")
		return lines, nil
	}
}

// waitFailure classifies an engine error raised while waiting on a running
// container. The run already started, so this is not an availability
// failure.
func waitFailure(image string, err error) error {
	return errors.Wrapf(err, "waiting on container from %s", image)
}

// grace period for a container's log stream to end on its own after exit
// before it is cut
var logStreamDrainGrace = 5 * time.Second

type logCapture struct {
	mu        sync.Mutex
	lines     []string
	done      chan struct{}
	src       io.Closer
	closeOnce sync.Once
}

func (l *logCapture) append(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *logCapture) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func (l *logCapture) closeSrc() {
	l.closeOnce.Do(func() {
		if l.src != nil {
			l.src.Close()
		}
	})
}

// wait joins the streaming goroutine. The stream normally ends on its own
// once the container exits; a stalled stream is cut after the grace period
// and wait still blocks until the goroutine is gone, so the sink can never
// fire after wait returns.
func (l *logCapture) wait() {
	select {
	case <-l.done:
		return
	case <-time.After(logStreamDrainGrace):
	}
	l.closeSrc()
	<-l.done
}

// consume reads lines from r until it ends, fanning each out to the capture
// buffer, the host log file and the sink. Closes done on return.
func (l *logCapture) consume(r io.Reader, logFile *os.File, sink LogSink) {
	defer close(l.done)
	if logFile != nil {
		defer logFile.Close()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		l.append(line)
		if logFile != nil {
			logFile.WriteString(line + "\n") //nolint:errcheck // log mirroring is best effort
		}
		if sink != nil {
			sink(line)
		}
	}
}

// followLogs attaches to the container's combined output, demuxes it and
// fans every line out to the capture buffer, the host log file and the sink.
func (c *Client) followLogs(ctx context.Context, containerID string, spec RunSpec) (*logCapture, error) {
	logsReader, err := c.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, NewNotAvailableError(err, "following logs of container from %s", spec.Image)
	}

	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = os.OpenFile(spec.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			logsReader.Close()
			return nil, err
		}
	}

	capture := &logCapture{done: make(chan struct{}), src: logsReader}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, logsReader)
		if copyErr != nil && copyErr != context.Canceled {
			log.Ctx(ctx).Debug().Err(copyErr).Msg("container log stream ended")
		}
		capture.closeSrc()
		pw.Close()
	}()
	go capture.consume(pr, logFile, spec.Sink)

	return capture, nil
}
