package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opuscorpus/ocd/internal/model"
)

// Per-agent system instructions, embedded verbatim into every exported
// prompt so the training corpus is self-contained.
const (
	filerSystemPrompt = `You are the "Filer" AI for a personal project management system (OCD - Opus Corpus Documenter). Your job is to act as a natural language parser.
You will be given the human's original Instructions, any supplemental routing notes, the project this item was routed to,
and the list of all known projects.

Return a single JSON object with the keys: "swimlane", "priority", "labels", "urgency", "reasoning", and "confidence".

Rules:
1. swimlane (string):
   - "Expedite": if instructions imply urgency, external interrupt, bug, stakeholder request, or "wife" task.
   - "Home": if instructions imply a domestic or personal errand.
   - "Habit": if instructions imply a recurring personal development task (study, content creation, etc.).
   - "Project": default for standard project-related work.
2. priority (string):
   - "High" if swimlane is "Expedite" or "Home".
   - "Medium" if swimlane is "Project".
   - "Low" if swimlane is "Habit".
3. labels (array of strings):
   - Add "Job 1 (Income)" if instructions reference income-engine projects.
   - Add "Job 2 (Authority)" if instructions reference authority-engine projects.
   - Add the matching project name if instructions reference a known project.
4. urgency (string):
   - Must be either "To Do" or "On Hold". Pick "To Do" for items that should move forward immediately; otherwise "On Hold".
5. reasoning (string):
   - Provide a clear, concise explanation of why you made this classification.
6. confidence (number):
   - A value between 0.0 and 1.0 indicating how confident you are in this classification.

You must return only the raw JSON object. Do not include Markdown, commentary, or additional text.`

	librarianSystemPrompt = `You are an AI Project Analyst. Your job is to analyze a new, incoming task (New_Item) against its surrounding context,
which includes the project's strategic goals (Strategic_Context) and all other existing tasks in the same project (Corpus).

Look for Conflicts, Dependencies, Relations, Redundancies, or Suggestions as defined:
1. Conflict: New item violates a strategic goal.
2. Redundancy: New item duplicates existing work.
3. Relation: New item is logically related to other items.
4. Dependency: New item depends on another item being completed first.
5. Suggestion: Any actionable insight that helps clarify next steps.

Return only a JSON array. Each element must have "type" (Conflict | Dependency | Redundancy | Relation | Suggestion)
and "text" (brief, direct explanation).

If you find nothing, return [].`

	prioritizerSystemPrompt = `You are the "Prioritizer" AI for a personal project management system. Your job is to select the next Item to work on from all available TODO items.

Consider:
1. Strategic alignment (Job 1 Income vs Job 2 Authority)
2. Urgency vs Importance balance
3. Energy/time of day matching
4. Dependencies and blockers
5. Recent work patterns (avoid context switching)

Return a single JSON object with recommended_item_id, confidence, and reasoning.`

	storerSystemPrompt = `You are the "Storer" AI for a personal project management system. Your job is to decide how to integrate completed Items into their Opus.

Consider:
1. Semantic coherence (does it fit with existing content?)
2. Document structure (should it be a new section or merged?)
3. Findability (will it be easy to locate later?)
4. Avoiding duplication

Return a JSON object with integrationDecision, location, method, and reasoning.`

	retrieverSystemPrompt = `You are the "Retriever" AI for a personal project management system. Your job is to generate dynamic documents or answer queries from the Opus Corpus.

Rules:
1. Only use information from provided Opuses - do not hallucinate
2. Maintain the user's writing style and voice
3. Be comprehensive but concise
4. Cite all sources clearly

Return a JSON object with generatedContent, sourceCitations, and reasoning.`

	guardrailSystemPrompt = `You are the "Guardrail" AI for a personal project management system. Your job is to review a proposed agent action before it is applied.

Check the action against the system rules and the user's standing constraints. Flag anything destructive, out of scope, or inconsistent with the item's context.

Return a JSON object with verdict ("ALLOW" | "BLOCK"), violations (array of strings), confidence, and reasoning.`
)

// Placeholder used when an optional sub-field of a historical record is
// absent. Partially populated decisions still export.
const none = "None"

// Typed views of the opaque per-agent payloads. Decoding is tolerant:
// unknown fields are ignored and missing fields zero out, then render as
// placeholders.

type filerState struct {
	Item struct {
		Title           string `json:"title"`
		RawInstructions string `json:"rawInstructions"`
		RoutingNotes    string `json:"routingNotes"`
	} `json:"item"`
	AssignedOpus *struct {
		Name        string `json:"name"`
		OpusType    string `json:"opusType"`
		IsStrategic bool   `json:"isStrategic"`
	} `json:"assignedOpus"`
}

type filerAction struct {
	Status     string   `json:"status"`
	Swimlane   string   `json:"swimlane"`
	Priority   string   `json:"priority"`
	Labels     []string `json:"labels"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

type librarianState struct {
	NewItem struct {
		Title           string `json:"title"`
		RawInstructions string `json:"rawInstructions"`
		RoutingNotes    string `json:"routingNotes"`
	} `json:"newItem"`
	Opus struct {
		Name        string `json:"name"`
		IsStrategic bool   `json:"isStrategic"`
		Content     string `json:"content"`
	} `json:"opus"`
	Corpus []struct {
		Title           string `json:"title"`
		RawInstructions string `json:"rawInstructions"`
		Status          string `json:"status"`
	} `json:"corpus"`
}

type librarianAction struct {
	Findings []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"findings"`
	Reasoning string `json:"reasoning"`
}

type prioritizerState struct {
	AvailableItems []struct {
		ID              string   `json:"id"`
		Title           string   `json:"title"`
		Swimlane        string   `json:"swimlane"`
		Priority        string   `json:"priority"`
		Labels          []string `json:"labels"`
		StatusChangedAt string   `json:"statusChangedAt"`
	} `json:"availableItems"`
	UserContext struct {
		CurrentTime  string `json:"currentTime"`
		DayOfWeek    string `json:"dayOfWeek"`
		CurrentFocus string `json:"currentFocus"`
	} `json:"userContext"`
	StrategicState struct {
		IncomeGoalProgress    float64 `json:"incomeGoalProgress"`
		AuthorityGoalProgress float64 `json:"authorityGoalProgress"`
	} `json:"strategicState"`
	Constraints struct {
		WIPCount         int     `json:"wipCount"`
		BlockedCount     int     `json:"blockedCount"`
		AverageCycleTime float64 `json:"averageCycleTime"`
	} `json:"constraints"`
}

type prioritizerAction struct {
	RecommendedItemID string   `json:"recommendedItemId"`
	Confidence        *float64 `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	AlternativeItems  []struct {
		ItemID    string  `json:"itemId"`
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	} `json:"alternativeItems"`
}

type storerState struct {
	CompletedItem struct {
		Title           string          `json:"title"`
		RawInstructions string          `json:"rawInstructions"`
		Labels          []string        `json:"labels"`
		OutcomeMetrics  json.RawMessage `json:"outcomeMetrics"`
	} `json:"completedItem"`
	TargetOpus struct {
		Name     string `json:"name"`
		OpusType string `json:"opusType"`
		Content  string `json:"content"`
	} `json:"targetOpus"`
}

type storerAction struct {
	IntegrationDecision string   `json:"integrationDecision"`
	Location            *string  `json:"location"`
	Method              string   `json:"method"`
	NewSectionHeading   *string  `json:"newSectionHeading"`
	SuggestedContent    *string  `json:"suggestedContent"`
	Confidence          *float64 `json:"confidence"`
	Reasoning           string   `json:"reasoning"`
}

type retrieverState struct {
	Query          string          `json:"query"`
	RequestType    string          `json:"requestType"`
	Parameters     json.RawMessage `json:"parameters"`
	RelevantOpuses []struct {
		Name     string `json:"name"`
		OpusType string `json:"opusType"`
		Content  string `json:"content"`
	} `json:"relevantOpuses"`
}

type retrieverAction struct {
	GeneratedContent string `json:"generatedContent"`
	SourceCitations  []struct {
		OpusID   string `json:"opusId"`
		OpusName string `json:"opusName"`
		Excerpt  string `json:"excerpt"`
	} `json:"sourceCitations"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

type guardrailState struct {
	AgentType      string          `json:"agentType"`
	ProposedAction json.RawMessage `json:"proposedAction"`
	ItemContext    json.RawMessage `json:"itemContext"`
	Rules          []string        `json:"rules"`
}

type guardrailAction struct {
	Verdict    string   `json:"verdict"`
	Violations []string `json:"violations"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// formatPrompt renders a decision's opaque state into the agent-specific
// natural-language prompt. The dispatch is total over the AgentType enum:
// adding an agent type means adding a system prompt and a case here.
func formatPrompt(agentType model.AgentType, state json.RawMessage) (string, error) {
	switch agentType {
	case model.AgentFiler:
		var s filerState
		decode(state, &s)
		opusName, opusType, strategic := none, none, ""
		if s.AssignedOpus != nil {
			opusName = orPlaceholder(s.AssignedOpus.Name)
			opusType = orPlaceholder(s.AssignedOpus.OpusType)
			if s.AssignedOpus.IsStrategic {
				strategic = "Strategic: Yes\n"
			}
		}
		return fmt.Sprintf(`<|system|>
%s
<|user|>
Item: %s
Instructions: %s
Routing Notes: %s
Assigned Opus: %s
Opus Type: %s
%s
Classify this item with swimlane, priority, labels, and urgency.
<|assistant|>`,
			filerSystemPrompt,
			s.Item.Title, s.Item.RawInstructions, orPlaceholder(s.Item.RoutingNotes),
			opusName, opusType, strategic), nil

	case model.AgentLibrarian:
		var s librarianState
		decode(state, &s)
		var corpus strings.Builder
		for i, it := range s.Corpus {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&corpus, "- [%s] %s: %s...\n",
				it.Status, it.Title, truncate(it.RawInstructions, 100))
		}
		return fmt.Sprintf(`<|system|>
%s
<|user|>
New Item:
- Title: %s
- Instructions: %s
- Routing Notes: %s

Project Context:
- Name: %s
- Strategic: %s
- Content: %s...

Existing Items in Project (%d items):
%s
Analyze this item for conflicts, dependencies, redundancies, relations, or suggestions.
<|assistant|>`,
			librarianSystemPrompt,
			s.NewItem.Title, s.NewItem.RawInstructions, orPlaceholder(s.NewItem.RoutingNotes),
			s.Opus.Name, yesNo(s.Opus.IsStrategic), truncate(s.Opus.Content, 1000),
			len(s.Corpus), corpus.String()), nil

	case model.AgentPrioritizer:
		var s prioritizerState
		decode(state, &s)
		var items strings.Builder
		for i, it := range s.AvailableItems {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&items, `- ID: %s
  Title: %s
  Swimlane: %s
  Priority: %s
  Labels: %s
  Age: %s

`, it.ID, it.Title, it.Swimlane, it.Priority,
				strings.Join(it.Labels, ", "), orUnknown(it.StatusChangedAt))
		}
		return fmt.Sprintf(`<|system|>
%s
<|user|>
Available TODO Items (%d items):

%s
User Context:
- Current Time: %s
- Day of Week: %s
- Current Focus: %s

Strategic State:
- Income Goal Progress: %.1f%%
- Authority Goal Progress: %.1f%%

Constraints:
- WIP Count: %d
- Blocked Count: %d
- Average Cycle Time: %.1f days

Select the next item to work on.
<|assistant|>`,
			prioritizerSystemPrompt,
			len(s.AvailableItems), items.String(),
			orUnknown(s.UserContext.CurrentTime), orUnknown(s.UserContext.DayOfWeek),
			orPlaceholder(s.UserContext.CurrentFocus),
			s.StrategicState.IncomeGoalProgress*100, s.StrategicState.AuthorityGoalProgress*100,
			s.Constraints.WIPCount, s.Constraints.BlockedCount, s.Constraints.AverageCycleTime), nil

	case model.AgentStorer:
		var s storerState
		decode(state, &s)
		outcome := "{}"
		if len(s.CompletedItem.OutcomeMetrics) > 0 {
			outcome = string(s.CompletedItem.OutcomeMetrics)
		}
		return fmt.Sprintf(`<|system|>
%s
<|user|>
Completed Item:
- Title: %s
- Instructions: %s
- Labels: %s
- Outcome: %s

Target Opus:
- Name: %s
- Type: %s
- Content Length: %d chars

Decide how to integrate this completed item into the opus.
<|assistant|>`,
			storerSystemPrompt,
			s.CompletedItem.Title, s.CompletedItem.RawInstructions,
			strings.Join(s.CompletedItem.Labels, ", "), outcome,
			s.TargetOpus.Name, s.TargetOpus.OpusType, len(s.TargetOpus.Content)), nil

	case model.AgentRetriever:
		var s retrieverState
		decode(state, &s)
		params := "{}"
		if len(s.Parameters) > 0 {
			params = string(s.Parameters)
		}
		var opuses strings.Builder
		for _, o := range s.RelevantOpuses {
			fmt.Fprintf(&opuses, "- %s (%s): %s...\n\n",
				o.Name, o.OpusType, truncate(o.Content, 500))
		}
		return fmt.Sprintf(`<|system|>
%s
<|user|>
Query: %s
Request Type: %s
Parameters: %s

Relevant Opuses (%d):
%s
Generate the requested document or answer.
<|assistant|>`,
			retrieverSystemPrompt,
			s.Query, s.RequestType, params, len(s.RelevantOpuses), opuses.String()), nil

	case model.AgentGuardrail:
		var s guardrailState
		decode(state, &s)
		action := "{}"
		if len(s.ProposedAction) > 0 {
			action = string(s.ProposedAction)
		}
		itemCtx := none
		if len(s.ItemContext) > 0 {
			itemCtx = string(s.ItemContext)
		}
		var rules strings.Builder
		for _, r := range s.Rules {
			fmt.Fprintf(&rules, "- %s\n", r)
		}
		return fmt.Sprintf(`<|system|>
%s
<|user|>
Agent: %s
Proposed Action: %s
Item Context: %s

Standing Rules:
%s
Review the proposed action.
<|assistant|>`,
			guardrailSystemPrompt,
			orUnknown(s.AgentType), action, itemCtx, rules.String()), nil
	}

	return "", fmt.Errorf("export: no prompt template for agent type %q", agentType)
}

// formatCompletion renders a decision's opaque action into the canonical
// JSON object for that agent's action shape. Missing sub-fields fall back
// to explicit defaults so partially populated historical records still
// export.
func formatCompletion(agentType model.AgentType, action json.RawMessage) (string, error) {
	switch agentType {
	case model.AgentFiler:
		var a filerAction
		decode(action, &a)
		urgency := "To Do"
		if a.Status == string(model.StatusOnHold) {
			urgency = "On Hold"
		}
		return marshalCompletion(map[string]any{
			"swimlane":   a.Swimlane,
			"priority":   a.Priority,
			"labels":     orEmpty(a.Labels),
			"urgency":    urgency,
			"reasoning":  a.Reasoning,
			"confidence": orHalf(a.Confidence),
		})

	case model.AgentLibrarian:
		var a librarianAction
		decode(action, &a)
		findings := make([]map[string]any, 0, len(a.Findings))
		for _, f := range a.Findings {
			findings = append(findings, map[string]any{"type": f.Type, "text": f.Text})
		}
		return marshalCompletion(map[string]any{
			"findings":  findings,
			"reasoning": a.Reasoning,
		})

	case model.AgentPrioritizer:
		var a prioritizerAction
		decode(action, &a)
		alts := make([]map[string]any, 0, len(a.AlternativeItems))
		for _, alt := range a.AlternativeItems {
			alts = append(alts, map[string]any{
				"itemId": alt.ItemID, "score": alt.Score, "reasoning": alt.Reasoning,
			})
		}
		return marshalCompletion(map[string]any{
			"recommended_item_id": a.RecommendedItemID,
			"confidence":          orHalf(a.Confidence),
			"reasoning":           a.Reasoning,
			"alternativeItems":    alts,
		})

	case model.AgentStorer:
		var a storerAction
		decode(action, &a)
		decision := a.IntegrationDecision
		if decision == "" {
			decision = "INTEGRATE"
		}
		method := a.Method
		if method == "" {
			method = "APPEND"
		}
		return marshalCompletion(map[string]any{
			"integrationDecision": decision,
			"location":            a.Location,
			"method":              method,
			"newSectionHeading":   a.NewSectionHeading,
			"suggestedContent":    a.SuggestedContent,
			"confidence":          orHalf(a.Confidence),
			"reasoning":           a.Reasoning,
		})

	case model.AgentRetriever:
		var a retrieverAction
		decode(action, &a)
		cites := make([]map[string]any, 0, len(a.SourceCitations))
		for _, c := range a.SourceCitations {
			cites = append(cites, map[string]any{
				"opusId": c.OpusID, "opusName": c.OpusName, "excerpt": c.Excerpt,
			})
		}
		return marshalCompletion(map[string]any{
			"generatedContent": a.GeneratedContent,
			"sourceCitations":  cites,
			"confidence":       orHalf(a.Confidence),
			"reasoning":        a.Reasoning,
		})

	case model.AgentGuardrail:
		var a guardrailAction
		decode(action, &a)
		verdict := a.Verdict
		if verdict == "" {
			verdict = "ALLOW"
		}
		return marshalCompletion(map[string]any{
			"verdict":    verdict,
			"violations": orEmpty(a.Violations),
			"confidence": orHalf(a.Confidence),
			"reasoning":  a.Reasoning,
		})
	}

	return "", fmt.Errorf("export: no completion template for agent type %q", agentType)
}

// decode unmarshals an opaque payload tolerantly: malformed or absent
// payloads leave the zero value, which renders as placeholders.
func decode(raw json.RawMessage, target any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, target)
}

func marshalCompletion(v map[string]any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("export: marshal completion: %w", err)
	}
	return string(b), nil
}

func orPlaceholder(s string) string {
	if s == "" {
		return none
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func orHalf(f *float64) float64 {
	if f == nil {
		return 0.5
	}
	return *f
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
