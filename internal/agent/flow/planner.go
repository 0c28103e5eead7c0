package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

const plannerSystemPrompt = `You are a task planner. Decompose the user's goal into a short ordered list of concrete steps.

Respond with JSON only, no prose, in this shape:
{
  "title": "short task title",
  "steps": [
    {"description": "what to do", "sub_flow_type": "code|search|reasoning|file", "sub_plan_step": 0}
  ]
}

Rules:
- 1 to 8 steps. Each step must be independently executable.
- sub_flow_type picks the executor: "code" runs shell commands, "search" researches the web, "reasoning" thinks without tools, "file" reads and writes workspace files.
- sub_plan_step groups steps that may run concurrently: give steps in the same group the same positive number, in ascending order across the list. Use 0 for steps that must run alone.`

const updateSystemPrompt = `You are a task planner reviewing an in-progress plan. Given the plan state, step results, and any new user input, decide what remains.

Respond with JSON only:
{
  "completed": true or false,
  "message": "one sentence on the state of the task",
  "steps": [ ...remaining or revised pending steps, same shape as planning... ]
}

Rules:
- Set completed true only when the goal is fully achieved; then steps must be empty.
- Keep finished steps out of the list. Revise or reorder pending steps freely.
- A failed step may be retried with a new description or abandoned if the goal is reachable without it.`

const reportSystemPrompt = `You are writing the final report for a completed task. Summarize what was done, the key results, and anything the user should know. Plain text, concise, no JSON.`

// planJSON is the wire shape the model produces for plans.
type planJSON struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Message   string `json:"message"`
	Steps     []struct {
		Description string `json:"description"`
		SubFlowType string `json:"sub_flow_type"`
		SubPlanStep int    `json:"sub_plan_step"`
	} `json:"steps"`
}

// Planner turns goals into plans and revises them as results come in.
type Planner struct {
	llm llm.Client
}

// NewPlanner creates a planner over an LLM client.
func NewPlanner(client llm.Client) *Planner {
	return &Planner{llm: client}
}

// CreatePlan produces the initial plan for a goal. The planner memory
// carries prior context across re-planning rounds.
func (p *Planner) CreatePlan(ctx context.Context, mem *models.Memory, goal string) (*models.Plan, error) {
	mem.Add(models.RoleUser, goal)

	resp, err := p.llm.Chat(ctx, &llm.Request{
		Messages: plannerMessages(plannerSystemPrompt, mem),
	})
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	mem.Add(models.RoleAssistant, resp.Content)

	parsed, err := parsePlanJSON(resp.Content)
	if err != nil {
		return nil, err
	}

	plan := &models.Plan{
		ID:     uuid.NewString(),
		Goal:   goal,
		Title:  parsed.Title,
		Status: models.PlanStatusRunning,
	}
	for _, s := range parsed.Steps {
		plan.Steps = append(plan.Steps, &models.Step{
			ID:          uuid.NewString(),
			Description: s.Description,
			Status:      models.StepStatusPending,
			SubFlowType: models.SubFlowType(s.SubFlowType),
			SubPlanStep: s.SubPlanStep,
		})
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planner produced no steps")
	}
	return plan, nil
}

// UpdatePlan revises the plan after executed steps and any interleaved user
// input. Completed and failed steps are kept; pending steps are replaced by
// whatever the planner decides remains.
func (p *Planner) UpdatePlan(ctx context.Context, mem *models.Memory, plan *models.Plan) (*models.Plan, error) {
	mem.Add(models.RoleUser, "Plan state:\n"+renderPlanState(plan))

	resp, err := p.llm.Chat(ctx, &llm.Request{
		Messages: plannerMessages(updateSystemPrompt, mem),
	})
	if err != nil {
		return nil, fmt.Errorf("plan update failed: %w", err)
	}
	mem.Add(models.RoleAssistant, resp.Content)

	parsed, err := parsePlanJSON(resp.Content)
	if err != nil {
		return nil, err
	}

	var kept []*models.Step
	for _, s := range plan.Steps {
		if s.Status == models.StepStatusCompleted || s.Status == models.StepStatusFailed {
			kept = append(kept, s)
		}
	}
	plan.Steps = kept
	for _, s := range parsed.Steps {
		plan.Steps = append(plan.Steps, &models.Step{
			ID:          uuid.NewString(),
			Description: s.Description,
			Status:      models.StepStatusPending,
			SubFlowType: models.SubFlowType(s.SubFlowType),
			SubPlanStep: s.SubPlanStep,
		})
	}

	plan.Message = parsed.Message
	if parsed.Completed && len(parsed.Steps) == 0 {
		plan.Status = models.PlanStatusCompleted
	} else {
		plan.Status = models.PlanStatusRunning
	}
	return plan, nil
}

// Report produces the final user-facing report for a finished plan.
func (p *Planner) Report(ctx context.Context, mem *models.Memory, plan *models.Plan) (string, error) {
	mem.Add(models.RoleUser, "Write the final report. Plan state:\n"+renderPlanState(plan))

	resp, err := p.llm.Chat(ctx, &llm.Request{
		Messages: plannerMessages(reportSystemPrompt, mem),
	})
	if err != nil {
		return "", fmt.Errorf("report generation failed: %w", err)
	}
	mem.Add(models.RoleAssistant, resp.Content)
	return strings.TrimSpace(resp.Content), nil
}

// AddUserInput records fresh user input into planner memory so the next
// update sees it.
func (p *Planner) AddUserInput(mem *models.Memory, text string) {
	mem.Add(models.RoleUser, "New user input: "+text)
}

// plannerMessages converts memory into chat messages under a fixed system
// prompt, trimmed to a conservative context budget.
func plannerMessages(systemPrompt string, mem *models.Memory) []llm.ChatMessage {
	msgs := []llm.ChatMessage{{Role: llm.RoleSystem, Content: systemPrompt}}
	for _, m := range mem.Messages {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return llm.TrimMessages(msgs, 24000)
}

// parsePlanJSON extracts and parses the JSON object from a model reply.
// Models wrap JSON in prose or fences often enough that repair is routine.
func parsePlanJSON(content string) (*planJSON, error) {
	raw := extractJSON(content)
	var parsed planJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("planner returned unparseable JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("planner returned unparseable JSON: %w", err)
		}
	}
	return &parsed, nil
}

// extractJSON strips code fences and leading prose around a JSON object.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		content = strings.TrimPrefix(content, "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// renderPlanState flattens a plan into text for the planner prompt.
func renderPlanState(plan *models.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", plan.Goal)
	for i, s := range plan.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, s.Status, s.Description)
		if s.Result != "" {
			fmt.Fprintf(&b, "\n   result: %s", truncate(s.Result, 2000))
		}
		if s.Error != "" {
			fmt.Fprintf(&b, "\n   error: %s", truncate(s.Error, 500))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
