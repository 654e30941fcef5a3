package requestid

import (
	"context"
	"testing"
)

func TestFromHeader(t *testing.T) {
	if got := FromHeader("  abc "); got != "abc" {
		t.Fatalf("FromHeader()=%q, want abc", got)
	}
	if got := FromHeader(""); len(got) != 36 {
		t.Fatalf("FromHeader() generated %q", got)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no id in empty context")
	}
	ctx := WithContext(context.Background(), "req-1")
	if got, ok := FromContext(ctx); !ok || got != "req-1" {
		t.Fatalf("FromContext()=%q,%v", got, ok)
	}
}
