package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/invopop/jsonschema"
)

// mockClient is a deterministic offline client for development and tests.
// Plain requests get a short reply derived from the prompt; schema requests get
// a JSON object filled from the schema's enums and types.
type mockClient struct {
	model string
}

func NewMockClient(model string) Client {
	if model == "" {
		model = "mock-echo"
	}
	return &mockClient{model: model}
}

func (c *mockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var text string
	if s, ok := req.Schema.(*jsonschema.Schema); ok {
		data, err := json.Marshal(exampleFromSchema(s, req.UserPrompt))
		if err != nil {
			return nil, fmt.Errorf("mock schema output: %w", err)
		}
		text = string(data)
	} else {
		text = mockReply(req.UserPrompt)
	}

	return &Response{
		Text:             text,
		FinishReason:     "stop",
		PromptTokens:     len(strings.Fields(req.SystemPrompt + " " + req.UserPrompt)),
		CompletionTokens: len(strings.Fields(text)),
	}, nil
}

func (c *mockClient) Model() string {
	return c.model
}

func (c *mockClient) Provider() string {
	return ProviderMock
}

var mockOpeners = []string{
	"Interesting take on",
	"I keep coming back to",
	"Worth a closer look:",
	"Here is my angle on",
}

func mockReply(prompt string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	topic := strings.TrimSpace(lines[len(lines)-1])
	if len([]rune(topic)) > 120 {
		topic = string([]rune(topic)[:120])
	}
	return fmt.Sprintf("%s %s", mockOpeners[h.Sum32()%uint32(len(mockOpeners))], topic)
}

func exampleFromSchema(s *jsonschema.Schema, prompt string) any {
	if s == nil {
		return nil
	}
	if len(s.Enum) > 0 {
		return s.Enum[0]
	}
	switch s.Type {
	case "object":
		out := map[string]any{}
		if s.Properties != nil {
			for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
				out[pair.Key] = exampleFromSchema(pair.Value, prompt)
			}
		}
		return out
	case "array":
		return []any{}
	case "integer", "number":
		return 0
	case "boolean":
		return false
	default:
		return mockReply(prompt)
	}
}
