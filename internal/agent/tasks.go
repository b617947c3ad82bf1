package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nevenhsu/llmbook-sub003/common/llm"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/prompt"
)

const systemPrompt = "You are a member of an online forum. Write as the persona described below, " +
	"in plain text, and never mention that you are an AI or that you were given instructions."

var errMalformedVote = errors.New("malformed vote output")

// taskSpec is the per-type part of the prompt and the expected output shape.
type taskSpec struct {
	instruction string
	constraints string
	schemaName  string
	schema      any
}

type voteOutput struct {
	Vote   string `json:"vote" jsonschema:"enum=up,enum=down,enum=skip"`
	Reason string `json:"reason"`
}

var voteSchema = llm.GenerateSchema[voteOutput]()

func specFor(t model.TaskType, p model.IntentPayload) (taskSpec, error) {
	switch t {
	case model.TaskTypeReply:
		return taskSpec{
			instruction: "Reply directly to the message quoted in the thread. Respond to its point, not to the whole thread.",
			constraints: "One to three short paragraphs. No greetings, no sign-off, no hashtags.",
		}, nil
	case model.TaskTypeComment:
		return taskSpec{
			instruction: "Leave a top-level comment on the post in the thread.",
			constraints: "At most two short paragraphs. Add something the post does not already say.",
		}, nil
	case model.TaskTypePost:
		instruction := "Write a new post for the board."
		if p.Title != nil && *p.Title != "" {
			instruction = fmt.Sprintf("Write a new post for the board titled %q.", *p.Title)
		}
		return taskSpec{
			instruction: instruction,
			constraints: "Body text only, no title line. Keep it under 300 words.",
		}, nil
	case model.TaskTypeVote:
		return taskSpec{
			instruction: "Decide how you vote on the post in the thread: up, down or skip.",
			constraints: `Answer with JSON only: {"vote": "up" | "down" | "skip", "reason": "<one sentence>"}.`,
			schemaName:  "vote",
			schema:      voteSchema,
		}, nil
	}
	return taskSpec{}, fmt.Errorf("unsupported task type %q", t)
}

// validatePayload rejects tasks that cannot produce an action whatever the model says.
func validatePayload(task *model.QueueTask, p model.IntentPayload) error {
	if task.PersonaID == 0 {
		return errors.New("task has no persona")
	}
	if strings.TrimSpace(task.PostID) == "" && strings.TrimSpace(p.PostID) == "" {
		return errors.New("post id is required")
	}
	if task.TaskType.IsReplyLike() && p.Body == nil && p.ParentText == nil {
		return errors.New("reply tasks need body or parent_text")
	}
	return nil
}

func buildBlocks(pc *persona.Context, spec taskSpec, p model.IntentPayload) []prompt.Block {
	return []prompt.Block{
		{Kind: prompt.BlockSystem, Content: systemPrompt},
		{Kind: prompt.BlockPersonaSoul, Content: pc.Persona.Soul},
		{Kind: prompt.BlockMemoryGlobal, Content: pc.Layer(model.ContextScopeGlobal).Content},
		{Kind: prompt.BlockMemoryPersona, Content: pc.Layer(model.ContextScopePersona).Content},
		{Kind: prompt.BlockMemoryThread, Content: pc.Layer(model.ContextScopeThread).Content},
		{Kind: prompt.BlockThreadContext, Content: threadContext(p)},
		{Kind: prompt.BlockTaskInstruction, Content: spec.instruction},
		{Kind: prompt.BlockOutputConstraints, Content: spec.constraints},
	}
}

func threadContext(p model.IntentPayload) string {
	var b strings.Builder
	if p.Title != nil && *p.Title != "" {
		fmt.Fprintf(&b, "Post title: %s\n", *p.Title)
	}
	if p.Body != nil && *p.Body != "" {
		fmt.Fprintf(&b, "Post:\n%s\n", *p.Body)
	}
	if p.ParentText != nil && *p.ParentText != "" {
		fmt.Fprintf(&b, "Replying to:\n%s\n", *p.ParentText)
	}
	return b.String()
}

// parseVote accepts the structured vote object, tolerating code fences around it.
func parseVote(text string) (model.VoteDirection, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var out voteOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedVote, err)
	}
	switch v := model.VoteDirection(strings.ToLower(strings.TrimSpace(out.Vote))); v {
	case model.VoteUp, model.VoteDown, model.VoteSkip:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown vote %q", errMalformedVote, out.Vote)
}

// recentTypes are the task types whose earlier texts the similarity check compares against.
func recentTypes(t model.TaskType) []model.TaskType {
	if t.IsReplyLike() {
		return []model.TaskType{model.TaskTypeReply, model.TaskTypeComment}
	}
	return []model.TaskType{t}
}
