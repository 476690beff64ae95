package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/basket/go-claw/internal/ipc"
)

// frame is the newline-delimited JSON shape an agent container writes to
// stdout. It mirrors OutputEvent plus an optional terminal marker.
type frame struct {
	Kind         string `json:"kind"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
	Done         bool   `json:"done,omitempty"`
}

// DockerRuntime spawns one Docker container per container-lane invocation,
// bind-mounting the group's IPC drop-dir so the container can poll for
// input envelopes and the close sentinel. Generalized from
// internal/tools.DockerSandbox's ephemeral single-exec model into a
// long-running, streamed agent container.
type DockerRuntime struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
	dataDir     string
	logger      *slog.Logger
}

// NewDockerRuntime creates a Docker-backed container runtime.
func NewDockerRuntime(image string, memoryMB int64, networkMode, dataDir string, logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "goclaw/agent:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{
		client:      cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
		dataDir:     dataDir,
		logger:      logger,
	}, nil
}

// RunContainerAgent implements Runtime.
func (d *DockerRuntime) RunContainerAgent(ctx context.Context, groupJid string, lane Lane, input Input,
	onProcess func(h *Handle), onOutput func(OutputEvent)) (Result, error) {

	groupDir := ipc.GroupDir(d.dataDir, input.GroupFolder)
	if err := os.MkdirAll(filepath.Join(groupDir, "input"), 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare group ipc dir: %w", err)
	}

	containerName := fmt.Sprintf("goclaw-%s-%s", lane, uuid.NewString()[:8])

	env := []string{
		"GOCLAW_PROMPT=" + input.Prompt,
		"GOCLAW_CHAT_JID=" + input.ChatJid,
		"GOCLAW_GROUP_FOLDER=" + input.GroupFolder,
		fmt.Sprintf("GOCLAW_IS_MAIN=%t", input.IsMain),
		fmt.Sprintf("GOCLAW_IS_SCHEDULED_TASK=%t", input.IsScheduledTask),
	}
	if input.SessionID != "" {
		env = append(env, "GOCLAW_SESSION_ID="+input.SessionID)
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Env:   env,
		Tty:   false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/ipc", groupDir)},
		AutoRemove:  true,
	}, nil, nil, containerName)
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}

	handle := &Handle{
		GroupJid:    groupJid,
		Lane:        lane,
		GroupFolder: input.GroupFolder,
		Name:        containerName,
		Proc:        dockerProcess{client: d.client, id: resp.ID},
	}
	if onProcess != nil {
		onProcess(handle)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	logsCtx, cancelLogs := context.WithCancel(ctx)
	defer cancelLogs()

	out, err := d.client.ContainerLogs(logsCtx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attach container logs: %w", err)
	}
	defer out.Close()

	stdoutR, stdoutW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, io.Discard, out)
		_ = stdoutW.CloseWithError(copyErr)
	}()

	result := Result{Status: "success"}
	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			d.logger.Debug("docker runtime: unparseable output line", "line", line, "error", err)
			continue
		}
		switch f.Kind {
		case string(OutputSuccess):
			result.Result = f.Result
			if f.NewSessionID != "" {
				result.NewSessionID = f.NewSessionID
			}
			if onOutput != nil {
				onOutput(OutputEvent{Kind: OutputSuccess, Result: f.Result, NewSessionID: f.NewSessionID})
			}
		case string(OutputError):
			result.Status = "error"
			result.Error = f.Error
			if onOutput != nil {
				onOutput(OutputEvent{Kind: OutputError, Error: f.Error})
			}
		}
	}

	statusCh, errCh := d.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return result, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 && result.Status == "success" {
			result.Status = "error"
			result.Error = fmt.Sprintf("container exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		return result, ctx.Err()
	}

	return result, nil
}

// WriteTasksSnapshot implements Runtime.
func (d *DockerRuntime) WriteTasksSnapshot(groupFolder string, isMain bool, tasks []TaskSnapshot) error {
	return ipc.WriteSnapshot(d.dataDir, groupFolder, "tasks.json", struct {
		IsMain bool           `json:"is_main"`
		Tasks  []TaskSnapshot `json:"tasks"`
	}{IsMain: isMain, Tasks: tasks})
}

// WriteQueueStatusSnapshot implements Runtime.
func (d *DockerRuntime) WriteQueueStatusSnapshot(groupFolder string, isMain bool, entries []QueueStatusEntry, groups []string) error {
	return ipc.WriteSnapshot(d.dataDir, groupFolder, "queue_status.json", struct {
		IsMain  bool               `json:"is_main"`
		Entries []QueueStatusEntry `json:"entries"`
		Groups  []string           `json:"groups"`
	}{IsMain: isMain, Entries: entries, Groups: groups})
}

// Close releases the Docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// dockerProcess adapts a Docker container ID to the Process interface.
type dockerProcess struct {
	client *client.Client
	id     string
}

func (p dockerProcess) Kill() error {
	return p.client.ContainerKill(context.Background(), p.id, "SIGKILL")
}
