package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/agentdock/agentdock/common/trace"
)

func TestGenerateIDIsUnique(t *testing.T) {
	a := trace.GenerateID()
	b := trace.GenerateID()
	if a == b {
		t.Errorf("two generated IDs collided: %s", a)
	}
	if !strings.HasPrefix(a, "t_") {
		t.Errorf("ID %q does not carry the t_ prefix", a)
	}
}

func TestContextRoundtrip(t *testing.T) {
	ctx := context.Background()
	if got := trace.FromContext(ctx); got != "" {
		t.Errorf("empty context should yield empty trace ID, got %q", got)
	}

	ctx = trace.WithTraceID(ctx, "t_1234")
	if got := trace.FromContext(ctx); got != "t_1234" {
		t.Errorf("FromContext = %q, want t_1234", got)
	}
}
