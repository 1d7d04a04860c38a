package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
}

// Docker runs workers as Docker containers, with the protocol streams
// attached to the container's stdio. The underlying host must have a Docker
// daemon running. This supports standard environment variables for
// configuring the Docker client (DOCKER_HOST etc.).
type Docker struct {
	Log                   *zap.SugaredLogger
	DockerClient          *client.Client
	Image                 string
	ContainerPrefix       string
	CreateContainerConfig func(*CreateContainerConfig) error

	mut         sync.Mutex
	counter     int
	imagePulled bool
}

func (s *Docker) WithLogger(l *zap.SugaredLogger) *Docker {
	s.Log = l.Named("docker_spawner")
	return s
}

func (s *Docker) WithImage(img string) *Docker {
	s.Image = img
	return s
}

func (s *Docker) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Docker {
	s.CreateContainerConfig = f
	return s
}

// NewDocker creates a Docker spawner using the environment's Docker daemon.
// The image must contain the worker executable named by each spawn request.
func NewDocker() (*Docker, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	s := &Docker{
		DockerClient:    dockerClient,
		Image:           "debian",
		ContainerPrefix: randString(6),
	}
	return s.WithLogger(log.Sugar()), nil
}

func MustNewDocker() *Docker {
	s, err := NewDocker()
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Docker) ensureImagePulled(ctx context.Context) error {
	if s.imagePulled {
		return nil
	}
	out, err := s.DockerClient.ImagePull(ctx, s.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	s.imagePulled = true
	return nil
}

func (s *Docker) Spawn(ctx context.Context, req Request) (Process, error) {
	s.mut.Lock()
	if err := s.ensureImagePulled(ctx); err != nil {
		s.mut.Unlock()
		return nil, fmt.Errorf("pulling image: %w", err)
	}
	s.counter++
	containerName := fmt.Sprintf("exprun-%s-%d", s.ContainerPrefix, s.counter)
	s.mut.Unlock()

	ccConfig := CreateContainerConfig{
		ContainerConfig: &container.Config{
			Image:        s.Image,
			Entrypoint:   append([]string{req.Command}, req.Args...),
			Env:          req.Env,
			WorkingDir:   req.WD,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		Name: containerName,
	}
	if s.CreateContainerConfig != nil {
		if err := s.CreateContainerConfig(&ccConfig); err != nil {
			return nil, fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := s.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		nil,
		ccConfig.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	// Attach before starting so no worker output is lost.
	attach, err := s.DockerClient.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		s.removeContainer(containerID)
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}

	if err := s.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		s.removeContainer(containerID)
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	p := &dockerProc{
		log:         s.Log.With("ContainerID", containerID),
		client:      s.DockerClient,
		containerID: containerID,
		attach:      attach,
		stdin:       &hijackedWriter{resp: attach},
		exited:      make(chan struct{}),
	}

	// The worker's stdout and stderr are multiplexed over the attach
	// connection; demux them into the protocol stream and the stderr sink.
	stdoutR, stdoutW := io.Pipe()
	p.stdout = stdoutR
	stderr := req.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderr, attach.Reader)
		stdoutW.CloseWithError(err)
	}()

	waitCh, errCh := s.DockerClient.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
	go func() {
		select {
		case res := <-waitCh:
			p.code = int(res.StatusCode)
			if res.Error != nil {
				p.waitErr = errors.New(res.Error.Message)
			}
		case err := <-errCh:
			p.code = -1
			p.waitErr = err
		}
		p.log.Debugw("container exited", "ExitCode", p.code)
		close(p.exited)
	}()

	p.log.Debugw("spawned worker container", "Name", containerName, "Command", req.Command)

	return p, nil
}

func (s *Docker) removeContainer(id string) {
	err := s.DockerClient.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		s.Log.Debugf("removing container %q: %s", id, err)
	}
}

type dockerProc struct {
	log         *zap.SugaredLogger
	client      *client.Client
	containerID string
	attach      types.HijackedResponse
	stdin       io.WriteCloser
	stdout      io.ReadCloser

	exited  chan struct{}
	code    int
	waitErr error

	closeOnce sync.Once
}

func (p *dockerProc) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProc) Stdout() io.ReadCloser { return p.stdout }

func (p *dockerProc) Signal(ctx context.Context, sig syscall.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := p.client.ContainerKill(ctx, p.containerID, signalName(sig))
	if err != nil {
		// The container finishing first is not a failure to signal.
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("signaling container %q: %w", p.containerID, err)
	}
	return nil
}

func (p *dockerProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.exited:
		return p.code, p.waitErr
	}
}

func (p *dockerProc) Exited() <-chan struct{} { return p.exited }

func (p *dockerProc) Close() error {
	p.closeOnce.Do(func() {
		p.attach.Close()
		err := p.client.ContainerRemove(context.Background(), p.containerID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil && !errdefs.IsNotFound(err) {
			p.log.Debugf("removing container: %s", err)
		}
	})
	return nil
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	default:
		return strconv.Itoa(int(sig))
	}
}

// hijackedWriter adapts the write half of a hijacked attach connection.
// Closing it half-closes the connection so the container sees EOF on stdin.
type hijackedWriter struct {
	resp      types.HijackedResponse
	closeOnce sync.Once
	closeErr  error
}

func (w *hijackedWriter) Write(b []byte) (int, error) {
	return w.resp.Conn.Write(b)
}

func (w *hijackedWriter) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.resp.CloseWrite()
	})
	return w.closeErr
}
