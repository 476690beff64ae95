package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/basket/go-claw/internal/ipc"
)

// LocalRuntime spawns the agent loop as a child process of this binary
// (re-invoking it with a hidden subcommand) instead of a Docker container.
// It implements the same framed-output contract as DockerRuntime and is
// intended for local development and CI where a Docker daemon is not
// available.
type LocalRuntime struct {
	// Command and Args build the child process invocation; Args may use the
	// placeholders documented on AgentCommand. Defaults to re-exec'ing this
	// binary with "agent-run" if Command is empty.
	Command string
	Args    []string
	DataDir string
}

// NewLocalRuntime creates a LocalRuntime that re-execs the current binary
// with the "agent-run" hidden subcommand.
func NewLocalRuntime(dataDir string) *LocalRuntime {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return &LocalRuntime{
		Command: self,
		Args:    []string{"agent-run"},
		DataDir: dataDir,
	}
}

// RunContainerAgent implements Runtime by spawning a local subprocess whose
// stdin carries the JSON input and whose stdout carries newline-delimited
// JSON frames, matching DockerRuntime's wire format.
func (l *LocalRuntime) RunContainerAgent(ctx context.Context, groupJid string, lane Lane, input Input,
	onProcess func(h *Handle), onOutput func(OutputEvent)) (Result, error) {

	groupDir := ipc.GroupDir(l.DataDir, input.GroupFolder)
	if err := os.MkdirAll(groupDir+"/input", 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare group ipc dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Env = append(os.Environ(),
		"GOCLAW_GROUP_FOLDER="+input.GroupFolder,
		"GOCLAW_CHAT_JID="+input.ChatJid,
		"GOCLAW_IPC_DIR="+groupDir,
	)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start local agent process: %w", err)
	}

	name := fmt.Sprintf("local-%s-%d", lane, cmd.Process.Pid)
	if onProcess != nil {
		onProcess(&Handle{
			GroupJid:    groupJid,
			Lane:        lane,
			GroupFolder: input.GroupFolder,
			Name:        name,
			Proc:        localProcess{cmd: cmd},
		})
	}

	payload, err := json.Marshal(input)
	if err == nil {
		_, _ = stdinPipe.Write(payload)
		_, _ = stdinPipe.Write([]byte("\n"))
	}
	_ = stdinPipe.Close()

	result := Result{Status: "success"}
	scanner := bufio.NewScanner(stdoutPipe)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
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

	if err := cmd.Wait(); err != nil {
		if result.Status == "success" {
			result.Status = "error"
			result.Error = err.Error()
		}
	}
	return result, nil
}

// WriteTasksSnapshot implements Runtime.
func (l *LocalRuntime) WriteTasksSnapshot(groupFolder string, isMain bool, tasks []TaskSnapshot) error {
	return ipc.WriteSnapshot(l.DataDir, groupFolder, "tasks.json", struct {
		IsMain bool           `json:"is_main"`
		Tasks  []TaskSnapshot `json:"tasks"`
	}{IsMain: isMain, Tasks: tasks})
}

// WriteQueueStatusSnapshot implements Runtime.
func (l *LocalRuntime) WriteQueueStatusSnapshot(groupFolder string, isMain bool, entries []QueueStatusEntry, groups []string) error {
	return ipc.WriteSnapshot(l.DataDir, groupFolder, "queue_status.json", struct {
		IsMain  bool               `json:"is_main"`
		Entries []QueueStatusEntry `json:"entries"`
		Groups  []string           `json:"groups"`
	}{IsMain: isMain, Entries: entries, Groups: groups})
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
