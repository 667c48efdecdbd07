package agent

import (
	"encoding/json"
	"fmt"
)

// Part types produced by the in-container agent.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartTool      = "tool"
)

// Part is one element of an agent's structured response. Known types carry
// decoded fields; unknown types are kept verbatim so newer agent versions can
// add part types without the controller mangling them on the way through.
type Part struct {
	Type string

	// Text is set for "text" parts.
	Text string
	// Reasoning is set for "reasoning" parts.
	Reasoning string
	// ToolName, ToolInput and ToolOutput are set for "tool" parts. Input and
	// output stay raw JSON: their shape is between the agent and the UI.
	ToolName   string
	ToolInput  json.RawMessage
	ToolOutput json.RawMessage

	// Raw holds the original JSON of the part, known type or not.
	Raw json.RawMessage
}

// partEnvelope covers every field any known part type uses.
type partEnvelope struct {
	Type       string           `json:"type"`
	Text       *string          `json:"text"`
	Reasoning  *string          `json:"reasoning"`
	ToolName   *string          `json:"tool_name"`
	ToolInput  json.RawMessage  `json:"tool_input"`
	ToolOutput json.RawMessage  `json:"tool_output"`
}

// UnmarshalJSON decodes a part, validating the required fields of known types.
// Unknown types are accepted and preserved raw.
func (p *Part) UnmarshalJSON(data []byte) error {
	var env partEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode part: %w", err)
	}
	if env.Type == "" {
		return fmt.Errorf("part is missing a type")
	}

	*p = Part{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}

	switch env.Type {
	case PartText:
		if env.Text == nil {
			return fmt.Errorf("text part is missing the text field")
		}
		p.Text = *env.Text
	case PartReasoning:
		if env.Reasoning == nil {
			return fmt.Errorf("reasoning part is missing the reasoning field")
		}
		p.Reasoning = *env.Reasoning
	case PartTool:
		if env.ToolName == nil || *env.ToolName == "" {
			return fmt.Errorf("tool part is missing the tool_name field")
		}
		p.ToolName = *env.ToolName
		p.ToolInput = env.ToolInput
		p.ToolOutput = env.ToolOutput
	default:
		// Unknown part type: pass through untouched.
	}
	return nil
}

// MarshalJSON re-emits the part exactly as the agent produced it.
func (p Part) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}

	switch p.Type {
	case PartText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
	case PartReasoning:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Reasoning string `json:"reasoning"`
		}{p.Type, p.Reasoning})
	case PartTool:
		return json.Marshal(struct {
			Type       string          `json:"type"`
			ToolName   string          `json:"tool_name"`
			ToolInput  json.RawMessage `json:"tool_input,omitempty"`
			ToolOutput json.RawMessage `json:"tool_output,omitempty"`
		}{p.Type, p.ToolName, p.ToolInput, p.ToolOutput})
	default:
		return nil, fmt.Errorf("cannot marshal part of unknown type %q without raw bytes", p.Type)
	}
}
