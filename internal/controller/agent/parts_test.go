package agent

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalTextPart(t *testing.T) {
	var p Part
	if err := json.Unmarshal([]byte(`{"type":"text","text":"hello"}`), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if p.Type != PartText || p.Text != "hello" {
		t.Errorf("got type=%q text=%q", p.Type, p.Text)
	}
}

func TestUnmarshalReasoningPart(t *testing.T) {
	var p Part
	if err := json.Unmarshal([]byte(`{"type":"reasoning","reasoning":"thinking..."}`), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if p.Reasoning != "thinking..." {
		t.Errorf("Reasoning = %q", p.Reasoning)
	}
}

func TestUnmarshalToolPart(t *testing.T) {
	raw := `{"type":"tool","tool_name":"search","tool_input":{"q":"go"},"tool_output":["r1"]}`
	var p Part
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if p.ToolName != "search" {
		t.Errorf("ToolName = %q", p.ToolName)
	}
	if string(p.ToolInput) != `{"q":"go"}` {
		t.Errorf("ToolInput = %s", p.ToolInput)
	}
	if string(p.ToolOutput) != `["r1"]` {
		t.Errorf("ToolOutput = %s", p.ToolOutput)
	}
}

func TestUnmarshalRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"no type", `{"text":"hi"}`},
		{"text without text", `{"type":"text"}`},
		{"reasoning without reasoning", `{"type":"reasoning"}`},
		{"tool without name", `{"type":"tool","tool_input":{}}`},
		{"tool with empty name", `{"type":"tool","tool_name":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Part
			if err := json.Unmarshal([]byte(tt.json), &p); err == nil {
				t.Errorf("expected error for %s", tt.json)
			}
		})
	}
}

func TestUnknownPartTypePassesThrough(t *testing.T) {
	raw := `{"type":"image","url":"http://example/cat.png","alt":"a cat"}`
	var p Part
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	if p.Type != "image" {
		t.Errorf("Type = %q", p.Type)
	}

	// Re-marshalling emits the original bytes untouched.
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != raw {
		t.Errorf("roundtrip = %s, want %s", out, raw)
	}
}

func TestMarshalConstructedPart(t *testing.T) {
	out, err := json.Marshal(Part{Type: PartText, Text: "hi"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != `{"type":"text","text":"hi"}` {
		t.Errorf("got %s", out)
	}
}
