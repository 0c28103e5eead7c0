package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

// Conventional service ports inside the sandbox image.
const (
	cdpPort        = 9222
	vncPort        = 6080
	codeServerPort = 8443
)

// DockerManager provisions one container per agent.
type DockerManager struct {
	cli *client.Client
	cfg config.SandboxConfig
	log *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*dockerSandbox
}

// NewDockerManager connects to the Docker daemon from the environment.
func NewDockerManager(cfg config.SandboxConfig, log *logger.Logger) (*DockerManager, error) {
	if log == nil {
		log = logger.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &DockerManager{
		cli:       cli,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "sandbox_manager")),
		sandboxes: make(map[string]*dockerSandbox),
	}, nil
}

// Create provisions and starts a sandbox container for an agent.
func (m *DockerManager) Create(ctx context.Context, agentID string, env map[string]string) (Sandbox, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:      m.cfg.Image,
		Env:        envList,
		WorkingDir: m.cfg.WorkspacePath,
		Labels: map[string]string{
			"helmsman.agent_id": agentID,
		},
		// The image entrypoint starts the workspace services; keep the
		// container alive even when it has none.
		Cmd: []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{}
	if m.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(m.cfg.Network)
	}

	created, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "helmsman-"+agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	sb := &dockerSandbox{
		id:      created.ID,
		agentID: agentID,
		cli:     m.cli,
		cfg:     m.cfg,
		log:     m.log.WithAgentID(agentID).WithFields(zap.String("sandbox_id", created.ID[:12])),
	}
	if err := sb.mkdirAll(ctx, UploadDir); err != nil {
		m.log.WithError(err).Warn("failed to prepare upload directory")
	}

	m.mu.Lock()
	m.sandboxes[created.ID] = sb
	m.mu.Unlock()

	m.log.WithAgentID(agentID).Info("sandbox created", zap.String("sandbox_id", created.ID[:12]))
	return sb, nil
}

// Get returns a tracked sandbox by container ID.
func (m *DockerManager) Get(ctx context.Context, sandboxID string) (Sandbox, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if ok {
		return sb, nil
	}

	// Not tracked in this process; re-adopt the container if it still runs.
	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil || inspect.State == nil || !inspect.State.Running {
		return nil, ErrNotFound
	}
	agentID := inspect.Config.Labels["helmsman.agent_id"]
	sb = &dockerSandbox{
		id:      sandboxID,
		agentID: agentID,
		cli:     m.cli,
		cfg:     m.cfg,
		log:     m.log.WithAgentID(agentID),
	}
	m.mu.Lock()
	m.sandboxes[sandboxID] = sb
	m.mu.Unlock()
	return sb, nil
}

// Destroy tears down a sandbox container. Idempotent.
func (m *DockerManager) Destroy(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	delete(m.sandboxes, sandboxID)
	m.mu.Unlock()

	err := m.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Close tears down every sandbox this manager created.
func (m *DockerManager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dockerSandbox is one running container.
type dockerSandbox struct {
	id      string
	agentID string
	cli     *client.Client
	cfg     config.SandboxConfig
	log     *logger.Logger
}

func (s *dockerSandbox) ID() string { return s.id }

// ExecCommand runs a shell command in the workspace directory.
func (s *dockerSandbox) ExecCommand(ctx context.Context, command string) (*Result, error) {
	timeout := s.cfg.CommandTimeoutDuration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   s.cfg.WorkspacePath,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output = strings.TrimRight(output, "\n") + "\n" + stderr.String()
	}
	return &Result{
		Success: inspect.ExitCode == 0,
		Message: output,
		Data:    map[string]any{"exit_code": inspect.ExitCode},
	}, nil
}

// WriteFile copies content into the container as a single-file tar stream.
func (s *dockerSandbox) WriteFile(ctx context.Context, filePath string, content []byte) error {
	dir := path.Dir(filePath)
	if err := s.mkdirAll(ctx, dir); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return s.cli.CopyToContainer(ctx, s.id, dir, &buf, container.CopyToContainerOptions{})
}

// ReadFile copies a file out of the container and unpacks the tar stream.
func (s *dockerSandbox) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	reader, _, err := s.cli.CopyFromContainer(ctx, s.id, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from sandbox: %w", err)
	}
	defer func() { _ = reader.Close() }()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("no regular file at %s", filePath)
}

// ListFiles lists a directory via a find exec, which avoids pulling a tar
// of the whole directory just to read names.
func (s *dockerSandbox) ListFiles(ctx context.Context, dirPath string) ([]FileInfo, error) {
	res, err := s.ExecCommand(ctx, fmt.Sprintf(
		`find %q -maxdepth 1 -mindepth 1 -printf '%%y\t%%s\t%%p\n'`, dirPath))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("failed to list %s: %s", dirPath, res.Message)
	}

	var files []FileInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Message), "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		var size int64
		_, _ = fmt.Sscanf(parts[1], "%d", &size)
		files = append(files, FileInfo{
			Name:  path.Base(parts[2]),
			Path:  parts[2],
			Size:  size,
			IsDir: parts[0] == "d",
		})
	}
	return files, nil
}

// GetCDPURL returns the DevTools endpoint on the container's address.
func (s *dockerSandbox) GetCDPURL(ctx context.Context) (string, error) {
	host, err := s.address(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://%s:%d", host, cdpPort), nil
}

// GetVNCURL returns the VNC viewer URL for the sandbox desktop.
func (s *dockerSandbox) GetVNCURL(ctx context.Context) (string, error) {
	host, err := s.address(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d/vnc.html", host, vncPort), nil
}

// GetCodeServerURL returns the in-sandbox code editor URL.
func (s *dockerSandbox) GetCodeServerURL(ctx context.Context) (string, error) {
	host, err := s.address(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", host, codeServerPort), nil
}

// Close destroys the container.
func (s *dockerSandbox) Close(ctx context.Context) error {
	err := s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (s *dockerSandbox) mkdirAll(ctx context.Context, dir string) error {
	res, err := s.ExecCommand(ctx, fmt.Sprintf("mkdir -p %q", dir))
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("mkdir %s failed: %s", dir, res.Message)
	}
	return nil
}

func (s *dockerSandbox) address(ctx context.Context) (string, error) {
	inspect, err := s.cli.ContainerInspect(ctx, s.id)
	if err != nil {
		return "", err
	}
	for _, netw := range inspect.NetworkSettings.Networks {
		if netw.IPAddress != "" {
			return netw.IPAddress, nil
		}
	}
	return "", fmt.Errorf("sandbox %s has no network address", s.id[:12])
}
