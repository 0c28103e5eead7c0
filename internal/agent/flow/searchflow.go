package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// maxResearchIterations bounds the gap, search, score, reflect loop.
const maxResearchIterations = 3

// Evaluation dimensions a candidate answer can be judged on. The judge
// picks the applicable subset per question; an answer passes only if every
// picked dimension passes.
const (
	dimDefinitive   = "definitive"
	dimFreshness    = "freshness"
	dimPlurality    = "plurality"
	dimCompleteness = "completeness"
	dimFile         = "file"
	dimBasic        = "basic"
)

var researchDimensions = map[string]bool{
	dimDefinitive:   true,
	dimFreshness:    true,
	dimPlurality:    true,
	dimCompleteness: true,
	dimFile:         true,
	dimBasic:        true,
}

const gapSystemPrompt = `You are a research assistant. Given a research goal and the knowledge gathered so far, identify what is still unknown.

Respond with JSON only:
{"complete": true or false, "gaps": ["specific question 1", "specific question 2"]}

Rules:
- Set complete true when the knowledge already answers the goal; then gaps must be empty.
- Ask at most 3 specific, searchable questions. Never repeat a question already answered.`

const answerSystemPrompt = `You are a research assistant. Given a question and a list of search results, write the best answer supported by them. Cite nothing you cannot see in the results. If the results do not answer the question, say what is missing. Plain text only.`

const scoreSystemPrompt = `You are a research quality judge. Given a question and a candidate answer, pick the evaluation dimensions that apply to the question and judge the answer on each.

Dimensions:
- definitive: the answer commits to a conclusion instead of hedging.
- freshness: the answer reflects current information; pick only for time-sensitive questions.
- plurality: the answer provides the several items asked for; pick only when the question asks for multiple.
- completeness: the answer covers every part of a multi-part question.
- file: the answer names the concrete file or download location; pick only for file requests.
- basic: the answer is relevant and grounded in the search results. Always pick this one.

Respond with JSON only:
{"dimensions": [{"name": "basic", "passed": true, "reason": "one short sentence"}]}`

const reflectSystemPrompt = `You are a research assistant reviewing rejected research answers. For each entry you get the question, the rejected answer, and the rejection reason. Write refined replacement questions that are more likely to surface the missing information.

Respond with JSON only:
{"gaps": ["refined question 1"]}

Rules:
- At most 3 questions. Rephrase or decompose; never repeat a rejected question verbatim.`

const researchReportPrompt = `You are writing a research summary. Given the goal and the gathered knowledge, write a clear, well-organized answer to the goal. Plain text only.`

type gapJSON struct {
	Complete bool     `json:"complete"`
	Gaps     []string `json:"gaps"`
}

type scoreJSON struct {
	Dimensions []struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
		Reason string `json:"reason"`
	} `json:"dimensions"`
}

type reflectJSON struct {
	Gaps []string `json:"gaps"`
}

// knowledgeBlock is one answered gap.
type knowledgeBlock struct {
	Gap    string
	Answer string
}

// failedGap is one rejected candidate answer, carried into batch reflection.
type failedGap struct {
	Gap    string
	Answer string
	Reason string
}

// renderKnowledge flattens blocks into the canonical text form consumed by
// the LLM prompts and recorded as step results.
func renderKnowledge(blocks []knowledgeBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, fmt.Sprintf("[gap] %s\n[answer] %s", b.Gap, b.Answer))
	}
	return strings.Join(parts, "\n\n")
}

// researchLoop runs the iterative gap, search, score, reflect cycle used by
// search-typed steps and the search flow.
type researchLoop struct {
	deps Deps
}

func newResearchLoop(deps Deps) *researchLoop {
	return &researchLoop{deps: deps}
}

// RunStep researches one step's description and stores the gathered
// knowledge as its result.
func (r *researchLoop) RunStep(ctx context.Context, step *models.Step, ch chan<- *events.AgentEvent) {
	step.Status = models.StepStatusRunning
	knowledge, refs, insufficient, err := r.research(ctx, step.Description, ch)
	if err != nil {
		step.Status = models.StepStatusFailed
		step.Error = err.Error()
		return
	}
	step.Status = models.StepStatusCompleted
	result := renderKnowledge(knowledge)
	if insufficient {
		if result != "" {
			result += "\n\n"
		}
		result += "[insufficient: some questions remain unanswered]"
	}
	step.Result = result
	step.WebRefs = refs
}

// research drives up to maxResearchIterations rounds. Each round takes the
// refined gaps left by the last reflection, or asks the model for remaining
// gaps; searches each new gap; synthesises a candidate answer; and scores
// it. Passing answers enter the knowledge base, failures go through batch
// reflection, which produces the next round's refined gaps. Returns the
// knowledge, the references consulted, and whether the knowledge was still
// insufficient when the loop stopped.
func (r *researchLoop) research(ctx context.Context, goal string, ch chan<- *events.AgentEvent) ([]knowledgeBlock, []models.WebRef, bool, error) {
	log := r.deps.Log.WithAgentID(r.deps.AgentID)
	var knowledge []knowledgeBlock
	var refs []models.WebRef
	asked := make(map[string]bool)

	var carried []string // refined gaps from the last reflection
	var unresolved []failedGap

	for iteration := 0; iteration < maxResearchIterations; iteration++ {
		gaps := carried
		carried = nil
		if len(gaps) == 0 {
			var complete bool
			var err error
			gaps, complete, err = r.identifyGaps(ctx, goal, knowledge)
			if err != nil {
				return nil, nil, false, err
			}
			if complete {
				return knowledge, refs, false, nil
			}
		}

		// Dedup against earlier rounds; a model that repeats itself would
		// otherwise burn iterations on answered questions.
		var fresh []string
		for _, gap := range gaps {
			key := strings.ToLower(strings.TrimSpace(gap))
			if key == "" || asked[key] {
				continue
			}
			asked[key] = true
			fresh = append(fresh, gap)
		}
		if len(fresh) == 0 {
			break
		}

		var failed []failedGap
		for _, gap := range fresh {
			if ctx.Err() != nil {
				return nil, nil, false, ctx.Err()
			}

			args := map[string]any{"query": gap}
			if !emit(ctx, ch, events.NewToolCalling(toolWebSearch, toolWebSearch, args)) {
				return nil, nil, false, ctx.Err()
			}
			results, err := r.deps.Search.Search(ctx, gap, 0)
			if err != nil {
				// A failed search is a failed gap, not knowledge; reflection
				// gets a chance to rephrase it.
				log.WithError(err).Warn("search failed", zap.String("gap", gap))
				failed = append(failed, failedGap{Gap: gap, Reason: "search failed: " + err.Error()})
				continue
			}

			var lines []string
			for _, res := range results {
				lines = append(lines, fmt.Sprintf("- %s (%s): %s", res.Title, res.URL, res.Snippet))
				refs = append(refs, models.WebRef{URL: res.URL, Title: res.Title})
			}
			emit(ctx, ch, events.NewToolCalled(toolWebSearch, toolWebSearch, args,
				truncate(strings.Join(lines, "\n"), 4000)))

			answer, err := r.answerFromResults(ctx, gap, lines)
			if err != nil {
				return nil, nil, false, err
			}
			passed, reason, err := r.scoreAnswer(ctx, gap, answer)
			if err != nil {
				return nil, nil, false, err
			}
			if passed {
				knowledge = append(knowledge, knowledgeBlock{Gap: gap, Answer: answer})
			} else {
				log.Debug("answer rejected", zap.String("gap", gap), zap.String("reason", reason))
				failed = append(failed, failedGap{Gap: gap, Answer: answer, Reason: reason})
			}
		}

		unresolved = failed
		if len(failed) == 0 {
			continue
		}
		refined, err := r.reflect(ctx, goal, failed)
		if err != nil {
			return nil, nil, false, err
		}
		carried = refined
	}

	insufficient := len(unresolved) > 0 || len(carried) > 0
	return knowledge, refs, insufficient, nil
}

func (r *researchLoop) identifyGaps(ctx context.Context, goal string, knowledge []knowledgeBlock) ([]string, bool, error) {
	prompt := "Research goal: " + goal
	if len(knowledge) > 0 {
		prompt += "\n\nKnowledge so far:\n" + renderKnowledge(knowledge)
	}

	resp, err := r.deps.LLM.Chat(ctx, &llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: gapSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("gap identification failed: %w", err)
	}

	var parsed gapJSON
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, false, fmt.Errorf("gap identification returned unparseable JSON: %w", err)
	}
	return parsed.Gaps, parsed.Complete, nil
}

// answerFromResults synthesises a candidate answer to one gap from its
// search results.
func (r *researchLoop) answerFromResults(ctx context.Context, gap string, resultLines []string) (string, error) {
	body := "Question: " + gap + "\n\nSearch results:\n" + strings.Join(resultLines, "\n")
	if len(resultLines) == 0 {
		body += "(no results)"
	}

	resp, err := r.deps.LLM.Chat(ctx, &llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: answerSystemPrompt},
			{Role: llm.RoleUser, Content: body},
		},
	})
	if err != nil {
		return "", fmt.Errorf("answer synthesis failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// scoreAnswer judges a candidate answer on the dimensions the judge picked
// for the question. Unknown dimension names in the reply are ignored; a
// reply that picks no known dimension judged nothing and lets the answer
// through.
func (r *researchLoop) scoreAnswer(ctx context.Context, gap, answer string) (bool, string, error) {
	body := "Question: " + gap + "\n\nCandidate answer:\n" + answer
	resp, err := r.deps.LLM.Chat(ctx, &llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: scoreSystemPrompt},
			{Role: llm.RoleUser, Content: body},
		},
	})
	if err != nil {
		return false, "", fmt.Errorf("answer scoring failed: %w", err)
	}

	var parsed scoreJSON
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return false, "", fmt.Errorf("answer scoring returned unparseable JSON: %w", err)
	}

	passed := true
	known := 0
	var reasons []string
	for _, d := range parsed.Dimensions {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if !researchDimensions[name] {
			continue
		}
		known++
		if !d.Passed {
			passed = false
			reasons = append(reasons, fmt.Sprintf("%s: %s", name, d.Reason))
		}
	}
	if known == 0 {
		return true, "", nil
	}
	return passed, strings.Join(reasons, "; "), nil
}

// reflect turns a batch of rejected answers into refined follow-up questions.
func (r *researchLoop) reflect(ctx context.Context, goal string, failed []failedGap) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research goal: %s\n\nFailed questions:\n", goal)
	for _, f := range failed {
		fmt.Fprintf(&b, "- question: %s\n  answer: %s\n  rejected because: %s\n",
			f.Gap, truncate(f.Answer, 500), f.Reason)
	}

	resp, err := r.deps.LLM.Chat(ctx, &llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: reflectSystemPrompt},
			{Role: llm.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reflection failed: %w", err)
	}

	var parsed reflectJSON
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("reflection returned unparseable JSON: %w", err)
	}
	return parsed.Gaps, nil
}

// searchFlow is the flow kind whose whole job is research: one message in,
// a researched report out. No sandbox, no plan hierarchy.
type searchFlow struct {
	deps  Deps
	loop  *researchLoop
	state runState
}

func newSearchFlow(deps Deps) Flow {
	return &searchFlow{deps: deps, loop: newResearchLoop(deps)}
}

// Run researches the message and emits a report.
func (f *searchFlow) Run(ctx context.Context, message string) (<-chan *events.AgentEvent, error) {
	if !f.state.begin() {
		return nil, ErrBusy
	}
	ch := make(chan *events.AgentEvent)
	go func() {
		defer close(ch)
		defer f.state.end()
		f.run(ctx, message, ch)
	}()
	return ch, nil
}

// IsIdle reports whether no run is in progress.
func (f *searchFlow) IsIdle() bool {
	return f.state.IsIdle()
}

func (f *searchFlow) run(ctx context.Context, message string, ch chan<- *events.AgentEvent) {
	log := f.deps.Log.WithAgentID(f.deps.AgentID)

	knowledge, _, insufficient, err := f.loop.research(ctx, message, ch)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("research failed")
			emit(ctx, ch, events.NewError(err.Error()))
			emit(ctx, ch, events.NewDone())
		}
		return
	}

	body := "Goal: " + message
	if len(knowledge) > 0 {
		body += "\n\nKnowledge:\n" + renderKnowledge(knowledge)
	}
	if insufficient {
		body += "\n\nNote: the gathered knowledge is incomplete; say so and state what is missing."
	}
	resp, err := f.deps.LLM.Chat(ctx, &llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: researchReportPrompt},
			{Role: llm.RoleUser, Content: body},
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("research report failed")
			emit(ctx, ch, events.NewError(err.Error()))
			emit(ctx, ch, events.NewDone())
		}
		return
	}

	if !emit(ctx, ch, events.NewReport(strings.TrimSpace(resp.Content))) {
		return
	}
	emit(ctx, ch, events.NewDone())
}
