package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/mcp"
	"github.com/basket/go-claw/internal/persistence"
	"github.com/basket/go-claw/internal/policy"
	"github.com/basket/go-claw/internal/runtime"
	"github.com/basket/go-claw/internal/skills"
	"github.com/basket/go-claw/internal/tools"
	"github.com/google/uuid"
)

// agentRunFrame is the newline-delimited JSON shape this subcommand writes
// to stdout, mirroring runtime.DockerRuntime's frame type so LocalRuntime
// (and the agent container entrypoint DockerRuntime expects) can parse it.
type agentRunFrame struct {
	Kind         string `json:"kind"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
}

func writeAgentRunFrame(f agentRunFrame) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(f)
}

// runAgentRunCommand is the hidden subcommand LocalRuntime re-execs this
// binary with for one Group-Queue Core container invocation: it reads a
// runtime.Input envelope from stdin, drives a single GenkitBrain turn with
// the group's agent profile (skills, per-agent MCP servers, policy), and
// emits one framed JSON result to stdout before exiting. It is the
// in-process stand-in for the container image DockerRuntime launches.
func runAgentRunCommand(ctx context.Context, args []string) int {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "agent-run: read stdin: %v\n", err)
		return 1
	}
	var input runtime.Input
	if err := json.Unmarshal([]byte(line), &input); err != nil {
		fmt.Fprintf(os.Stderr, "agent-run: decode input: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-run: config load: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dbPath := filepath.Join(cfg.HomeDir, "goclaw.db")
	store, err := persistence.Open(dbPath, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-run: store open: %v\n", err)
		return 1
	}
	defer store.Close()

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	polData, err := policy.Load(policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent-run: policy load: %v\n", err)
		return 1
	}
	pol := policy.NewLivePolicy(polData, policyPath)

	agentID := input.AssistantName
	if agentID == "" {
		agentID = "default"
	}
	agentCfg := findAgentConfig(cfg.Agents, agentID)

	provider, model, apiKey := cfg.ResolveLLMConfig()
	soul := cfg.SOUL
	displayName := cfg.AgentName
	if agentCfg != nil {
		if agentCfg.Provider != "" {
			provider = agentCfg.Provider
		}
		if agentCfg.Model != "" {
			model = agentCfg.Model
		}
		if agentCfg.APIKeyEnv != "" {
			if v := os.Getenv(agentCfg.APIKeyEnv); v != "" {
				apiKey = v
			}
		}
		if agentCfg.Soul != "" {
			soul = agentCfg.Soul
		} else if agentCfg.SoulFile != "" {
			if data, err := os.ReadFile(filepath.Join(cfg.HomeDir, agentCfg.SoulFile)); err == nil {
				soul = string(data)
			} else {
				logger.Warn("agent-run: failed to read soul_file, using global soul", "agent_id", agentID, "error", err)
			}
		}
		displayName = agentCfg.DisplayName
	}

	brain := engine.NewGenkitBrain(ctx, store, engine.BrainConfig{
		Provider:        provider,
		Model:           model,
		APIKey:          apiKey,
		Soul:            soul,
		AgentName:       displayName,
		Policy:          pol,
		APIKeys:         cfg.APIKeys,
		PreferredSearch: cfg.PreferredSearch,
	})

	userSkillsDir := filepath.Join(cfg.HomeDir, "skills")
	installedSkillsDir := filepath.Join(cfg.HomeDir, "installed")
	projectSkillsAbs, err := filepath.Abs(cfg.Skills.ProjectDir)
	if err != nil {
		projectSkillsAbs = cfg.Skills.ProjectDir
	}
	loader := skills.NewLoader(projectSkillsAbs, userSkillsDir, installedSkillsDir, logger)
	loaded, err := loader.LoadAll(ctx)
	if err != nil {
		logger.Warn("agent-run: skill load failed", "error", err)
	} else if len(loaded) > 0 {
		brain.ReplaceLoadedSkills(loaded)
	}

	if agentCfg != nil && len(agentCfg.MCPServers) > 0 && brain.Genkit() != nil {
		serverConfigs := make([]mcp.ServerConfig, 0, len(agentCfg.MCPServers))
		for _, ref := range agentCfg.MCPServers {
			serverConfigs = append(serverConfigs, mcp.ServerConfig{
				Name:      ref.Name,
				Command:   ref.Command,
				Args:      ref.Args,
				Env:       ref.Env,
				Transport: ref.Transport,
				URL:       ref.URL,
				Timeout:   ref.Timeout,
			})
		}
		mcpManager := mcp.NewManager(serverConfigs, pol, logger)
		if err := mcpManager.ConnectAgentServers(ctx, agentID, serverConfigs); err != nil {
			logger.Warn("agent-run: connect per-agent mcp servers failed", "agent_id", agentID, "error", err)
		} else {
			defer mcpManager.DisconnectAgent(agentID)
			_ = tools.RegisterMCPTools(brain.Genkit(), brain.Registry(), mcpManager)
		}
	}

	sessionID := input.SessionID
	newSession := sessionID == ""
	if newSession {
		sessionID = uuid.NewString()
	}

	result, err := brain.Respond(ctx, sessionID, input.Prompt)
	if err != nil {
		writeAgentRunFrame(agentRunFrame{Kind: "error", Error: err.Error()})
		return 0
	}

	frame := agentRunFrame{Kind: "success", Result: result}
	if newSession {
		frame.NewSessionID = sessionID
	}
	writeAgentRunFrame(frame)
	return 0
}
