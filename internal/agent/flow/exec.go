package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// maxToolRounds bounds the tool loop for one step.
const maxToolRounds = 10

const executorSystemPrompt = `You are a task executor working on one step of a larger plan. Use the available tools to complete the step, then reply with a plain-text summary of what you did and the outcome. Do not call tools you do not need.`

// Tool names exposed to the model.
const (
	toolShell     = "shell"
	toolWriteFile = "write_file"
	toolReadFile  = "read_file"
	toolListFiles = "list_files"
	toolWebSearch = "web_search"
	toolFetchURL  = "fetch_url"
)

// Executor runs one plan step as an LLM tool loop against the sandbox and
// search backends.
type Executor struct {
	deps Deps
}

// NewExecutor creates a step executor.
func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps}
}

// ExecuteStep drives the tool loop for one step. Progress events go to ch;
// the step is mutated in place to completed or failed. The memory is only
// read, never written, so steps in a parallel group can share it; callers
// record results into memory after the group finishes.
func (e *Executor) ExecuteStep(ctx context.Context, mem *models.Memory, step *models.Step, ch chan<- *events.AgentEvent) {
	log := e.deps.Log.WithFields(zap.String("step_id", step.ID))
	step.Status = models.StepStatusRunning

	tools := e.toolsFor(step.SubFlowType)
	msgs := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: executorSystemPrompt},
	}
	for _, m := range mem.Messages {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: "Step to execute: " + step.Description})
	msgs = llm.TrimMessages(msgs, 24000)

	for round := 0; round < maxToolRounds; round++ {
		resp, err := e.deps.LLM.Chat(ctx, &llm.Request{Messages: msgs, Tools: tools})
		if err != nil {
			e.fail(step, fmt.Sprintf("executor llm call failed: %v", err))
			return
		}

		if len(resp.ToolCalls) == 0 {
			step.Status = models.StepStatusCompleted
			step.Result = strings.TrimSpace(resp.Content)
			return
		}

		assistant := llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, assistant)

		for _, call := range resp.ToolCalls {
			args, err := parseToolArgs(call.Args)
			if err != nil {
				msgs = append(msgs, llm.ChatMessage{
					Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name,
					Content: "invalid tool arguments: " + err.Error(),
				})
				continue
			}

			if !emit(ctx, ch, events.NewToolCalling(call.Name, call.Name, args)) {
				e.fail(step, "cancelled")
				return
			}

			result := e.runTool(ctx, call.Name, args)
			log.Debug("tool executed", zap.String("tool", call.Name))

			if !emit(ctx, ch, events.NewToolCalled(call.Name, call.Name, args, truncate(result, 4000))) {
				e.fail(step, "cancelled")
				return
			}
			msgs = append(msgs, llm.ChatMessage{
				Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name,
				Content: truncate(result, 8000),
			})
		}
	}

	e.fail(step, fmt.Sprintf("step did not converge within %d tool rounds", maxToolRounds))
}

func (e *Executor) fail(step *models.Step, msg string) {
	step.Status = models.StepStatusFailed
	step.Error = msg
}

// toolsFor returns the tool surface for a sub-flow type. The zero value
// (default flow steps) gets everything.
func (e *Executor) toolsFor(kind models.SubFlowType) []llm.ToolDef {
	shell := llm.ToolDef{
		Name:        toolShell,
		Description: "Run a shell command in the workspace and return its output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command to run"},
			},
			"required": []string{"command"},
		},
	}
	writeFile := llm.ToolDef{
		Name:        toolWriteFile,
		Description: "Write content to a file in the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	}
	readFile := llm.ToolDef{
		Name:        toolReadFile,
		Description: "Read a file from the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
	}
	listFiles := llm.ToolDef{
		Name:        toolListFiles,
		Description: "List a workspace directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
	}
	webSearch := llm.ToolDef{
		Name:        toolWebSearch,
		Description: "Search the web and return titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}
	fetchURL := llm.ToolDef{
		Name:        toolFetchURL,
		Description: "Fetch a URL and return the page content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []string{"url"},
		},
	}

	switch kind {
	case models.SubFlowCode:
		return []llm.ToolDef{shell, writeFile, readFile, listFiles}
	case models.SubFlowFile:
		return []llm.ToolDef{writeFile, readFile, listFiles}
	case models.SubFlowSearch:
		return []llm.ToolDef{webSearch, fetchURL}
	case models.SubFlowReasoning:
		return nil
	default:
		return []llm.ToolDef{shell, writeFile, readFile, listFiles, webSearch, fetchURL}
	}
}

// runTool dispatches one tool call. Tool failures are reported back to the
// model as text rather than aborting the step; the model decides whether to
// retry or work around them.
func (e *Executor) runTool(ctx context.Context, name string, args map[string]any) string {
	switch name {
	case toolShell:
		if e.deps.Sandbox == nil {
			return "error: no sandbox attached"
		}
		res, err := e.deps.Sandbox.ExecCommand(ctx, stringArg(args, "command"))
		if err != nil {
			return "error: " + err.Error()
		}
		if !res.Success {
			return "command failed:\n" + res.Message
		}
		return res.Message

	case toolWriteFile:
		if e.deps.Sandbox == nil {
			return "error: no sandbox attached"
		}
		path := stringArg(args, "path")
		if err := e.deps.Sandbox.WriteFile(ctx, path, []byte(stringArg(args, "content"))); err != nil {
			return "error: " + err.Error()
		}
		return "wrote " + path

	case toolReadFile:
		if e.deps.Sandbox == nil {
			return "error: no sandbox attached"
		}
		content, err := e.deps.Sandbox.ReadFile(ctx, stringArg(args, "path"))
		if err != nil {
			return "error: " + err.Error()
		}
		return string(content)

	case toolListFiles:
		if e.deps.Sandbox == nil {
			return "error: no sandbox attached"
		}
		files, err := e.deps.Sandbox.ListFiles(ctx, stringArg(args, "path"))
		if err != nil {
			return "error: " + err.Error()
		}
		var b strings.Builder
		for _, f := range files {
			kind := "file"
			if f.IsDir {
				kind = "dir"
			}
			fmt.Fprintf(&b, "%s\t%d\t%s\n", kind, f.Size, f.Path)
		}
		return b.String()

	case toolWebSearch:
		if e.deps.Search == nil {
			return "error: no search backend configured"
		}
		results, err := e.deps.Search.Search(ctx, stringArg(args, "query"), 0)
		if err != nil {
			return "error: " + err.Error()
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n  %s\n  %s\n", r.Title, r.URL, r.Snippet)
		}
		return b.String()

	case toolFetchURL:
		if e.deps.Browser == nil {
			return "error: no browser available"
		}
		content, err := e.deps.Browser.Fetch(ctx, stringArg(args, "url"))
		if err != nil {
			return "error: " + err.Error()
		}
		return content

	default:
		return "error: unknown tool " + name
	}
}

// parseToolArgs decodes model-produced argument JSON, repairing it when the
// model emits something slightly malformed.
func parseToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(repaired), &args); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
