// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the execution broker over MCP using the
// mark3labs/mcp-go library: execute_command runs a program under a
// confinement policy, cancel_run terminates a live run, and list_runs
// reports what is currently executing.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/jailbox/broker"
	"github.com/isdmx/jailbox/config"
	"github.com/isdmx/jailbox/logger"
	"github.com/isdmx/jailbox/policy"
	"github.com/isdmx/jailbox/sandbox"
)

// Executor is the broker surface the server drives
type Executor interface {
	Execute(ctx context.Context, req broker.RunRequest) (*sandbox.Result, error)
	Cancel(runID string) bool
	Running() []string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	mcpServer *server.MCPServer
}

// runResponse is the JSON payload returned by execute_command
type runResponse struct {
	RunID           string   `json:"run_id"`
	Status          string   `json:"status"`
	ExitCode        int      `json:"exit_code"`
	Signal          int      `json:"signal,omitempty"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	StdoutTruncated bool     `json:"stdout_truncated,omitempty"`
	StderrTruncated bool     `json:"stderr_truncated,omitempty"`
	WallTimeMS      int64    `json:"wall_time_ms"`
	CPUTimeMS       int64    `json:"cpu_time_ms"`
	PeakMemory      int64    `json:"peak_memory"`
	Warnings        []string `json:"warnings,omitempty"`
	ArtifactsTar    string   `json:"artifacts_tar,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, log *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   log,
		executor: executor,
	}

	// Log configuration parameters on startup
	log.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("broker.cgroup_parent", s.config.Broker.CgroupParent),
		zap.Int("broker.grace_period_sec", s.config.Broker.GracePeriodSec),
		zap.Int("broker.output_limit_kb", s.config.Broker.OutputLimitKB),
		zap.Int("broker.max_artifact_size_mb", s.config.Broker.MaxArtifactSizeMB),
		zap.String("policy.default_network", s.config.Policy.DefaultNetwork),
		zap.Int("policy.default_timeout_sec", s.config.Policy.DefaultTimeoutSec),
		zap.String("policy.policy_file", s.config.Policy.PolicyFile),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("jailbox-broker", "A sandboxed command execution broker")

	s.registerExecuteCommandTool()
	s.registerCancelRunTool()
	s.registerListRunsTool()

	return s, nil
}

// registerExecuteCommandTool registers the execute_command tool
func (s *MCPServer) registerExecuteCommandTool() {
	tool := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a command in an isolated sandbox under a confinement policy",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Executable and arguments",
				},
				"dir": map[string]any{
					"type":        "string",
					"description": "Working directory inside the sandbox (optional)",
				},
				"env": map[string]any{
					"type":        "object",
					"description": "Environment variables for the command (optional)",
				},
				"policy": map[string]any{
					"type":        "string",
					"description": "YAML confinement policy; server defaults apply when omitted",
				},
				"run_id": map[string]any{
					"type":        "string",
					"description": "Caller-chosen run identifier for cancel_run (optional)",
				},
				"workdir_tar": map[string]any{
					"type":        "string",
					"description": "Base64-encoded tar.gz of initial working directory (optional)",
				},
				"collect_artifacts": map[string]any{
					"type":        "boolean",
					"description": "Return the working directory contents after the run",
				},
				"artifact_excludes": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Glob patterns excluded from collected artifacts",
				},
			},
			Required: []string{"command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCommand)
}

// registerCancelRunTool registers the cancel_run tool
func (s *MCPServer) registerCancelRunTool() {
	tool := mcp.Tool{
		Name:        "cancel_run",
		Description: "Request termination of a live run; cancelling a finished run is a no-op",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Identifier of the run to cancel",
				},
			},
			Required: []string{"run_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleCancelRun)
}

// registerListRunsTool registers the list_runs tool
func (s *MCPServer) registerListRunsTool() {
	tool := mcp.Tool{
		Name:        "list_runs",
		Description: "List the identifiers of currently executing runs",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListRuns)
}

// handleExecuteCommand handles the execute_command tool
func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.buildRunRequest(request)
	if err != nil {
		return nil, err
	}

	log := logger.WithRun(s.logger, req.RunID)
	log.Info("command execution requested",
		zap.Strings("command", req.Command),
		zap.Bool("has_workdir", len(req.WorkdirTar) > 0),
		zap.Bool("collect_artifacts", req.CollectArtifacts))

	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		log.Error("broker execution failed", zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	log.Info("command execution finished",
		zap.Stringer("status", result.Status),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	resp := runResponse{
		RunID:           req.RunID,
		Status:          result.Status.Kind.String(),
		ExitCode:        result.Status.Code,
		Signal:          result.Status.Signal,
		Stdout:          string(result.Stdout),
		Stderr:          string(result.Stderr),
		StdoutTruncated: result.StdoutTruncated,
		StderrTruncated: result.StderrTruncated,
		WallTimeMS:      result.WallTime.Milliseconds(),
		CPUTimeMS:       result.CPUTime.Milliseconds(),
		PeakMemory:      result.PeakMemory,
		Warnings:        result.Warnings,
	}
	if len(result.ArtifactsTar) > 0 {
		resp.ArtifactsTar = base64.StdEncoding.EncodeToString(result.ArtifactsTar)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// buildRunRequest translates tool arguments into a broker request,
// filling policy defaults from server configuration.
func (s *MCPServer) buildRunRequest(request mcp.CallToolRequest) (broker.RunRequest, error) {
	args := request.GetArguments()

	command, err := stringSliceArg(args, "command")
	if err != nil {
		return broker.RunRequest{}, err
	}
	if len(command) == 0 {
		return broker.RunRequest{}, fmt.Errorf("command parameter is required")
	}

	env, err := stringMapArg(args, "env")
	if err != nil {
		return broker.RunRequest{}, err
	}

	excludes, err := stringSliceArg(args, "artifact_excludes")
	if err != nil {
		return broker.RunRequest{}, err
	}

	pol, err := s.requestPolicy(request.GetString("policy", ""))
	if err != nil {
		return broker.RunRequest{}, err
	}

	var workdirTar []byte
	if encoded := request.GetString("workdir_tar", ""); encoded != "" {
		workdirTar, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return broker.RunRequest{}, fmt.Errorf("failed to decode workdir_tar: %w", err)
		}
	}

	runID := request.GetString("run_id", "")
	if runID == "" {
		// Assign here rather than in the broker so the response can name
		// the run even when the caller did not.
		runID = uuid.NewString()
	}

	return broker.RunRequest{
		RunID:            runID,
		Command:          command,
		Dir:              request.GetString("dir", ""),
		Env:              env,
		Policy:           pol,
		WorkdirTar:       workdirTar,
		CollectArtifacts: request.GetBool("collect_artifacts", false),
		ArtifactExcludes: excludes,
	}, nil
}

// requestPolicy parses the request's YAML policy, or builds one from
// the server's configured defaults.
func (s *MCPServer) requestPolicy(doc string) (policy.Policy, error) {
	if doc != "" {
		pol, err := policy.Parse([]byte(doc))
		if err != nil {
			return policy.Policy{}, fmt.Errorf("invalid policy: %w", err)
		}
		return pol, nil
	}

	if s.config.Policy.PolicyFile != "" {
		pol, err := policy.LoadFile(s.config.Policy.PolicyFile)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("loading configured policy file: %w", err)
		}
		return pol, nil
	}

	pol := policy.Default()
	pol.Network = policy.NetworkMode(s.config.Policy.DefaultNetwork)
	pol.WallClockTimeout = time.Duration(s.config.Policy.DefaultTimeoutSec) * time.Second
	return pol, nil
}

// handleCancelRun handles the cancel_run tool
func (s *MCPServer) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return nil, fmt.Errorf("run_id parameter is required: %w", err)
	}

	cancelled := s.executor.Cancel(runID)
	s.logger.Info("cancellation requested",
		zap.String("run_id", runID),
		zap.Bool("cancelled", cancelled))

	payload, err := json.Marshal(map[string]any{
		"run_id":    runID,
		"cancelled": cancelled,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// handleListRuns handles the list_runs tool
func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	running := s.executor.Running()

	payload, err := json.Marshal(map[string]any{
		"running": running,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// stringSliceArg reads an optional array-of-strings argument.
func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, str)
	}
	return out, nil
}

// stringMapArg reads an optional object-of-strings argument.
func stringMapArg(args map[string]any, key string) (map[string]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	values, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object with string values", key)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an object with string values", key)
		}
		out[k] = str
	}
	return out, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
