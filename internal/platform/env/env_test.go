package env

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	if got := String("ORCH_ENV_STRING_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
	t.Setenv("ORCH_ENV_STRING", "value")
	if got := String("ORCH_ENV_STRING", "fallback"); got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
	t.Setenv("ORCH_ENV_STRING_BLANK", "   ")
	if got := String("ORCH_ENV_STRING_BLANK", "fallback"); got != "fallback" {
		t.Fatalf("String()=%q, want fallback for blank value", got)
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("ORCH_ENV_DURATION_MISSING", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("Duration()=%v err=%v, want 5s", got, err)
	}
	t.Setenv("ORCH_ENV_DURATION", "250ms")
	got, err = Duration("ORCH_ENV_DURATION", 5*time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v err=%v, want 250ms", got, err)
	}
	t.Setenv("ORCH_ENV_DURATION_BAD", "soon")
	if _, err := Duration("ORCH_ENV_DURATION_BAD", time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool(t *testing.T) {
	t.Setenv("ORCH_ENV_BOOL", "false")
	got, err := Bool("ORCH_ENV_BOOL", true)
	if err != nil || got {
		t.Fatalf("Bool()=%v err=%v, want false", got, err)
	}
	t.Setenv("ORCH_ENV_BOOL_BAD", "nope")
	if _, err := Bool("ORCH_ENV_BOOL_BAD", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestNumbers(t *testing.T) {
	t.Setenv("ORCH_ENV_INT", "12")
	t.Setenv("ORCH_ENV_INT64", "4096")
	t.Setenv("ORCH_ENV_FLOAT", "2.5")

	i, err := Int("ORCH_ENV_INT", 1)
	if err != nil || i != 12 {
		t.Fatalf("Int()=%d err=%v", i, err)
	}
	i64, err := Int64("ORCH_ENV_INT64", 1)
	if err != nil || i64 != 4096 {
		t.Fatalf("Int64()=%d err=%v", i64, err)
	}
	f, err := Float("ORCH_ENV_FLOAT", 1)
	if err != nil || f != 2.5 {
		t.Fatalf("Float()=%v err=%v", f, err)
	}
	f, err = Float("ORCH_ENV_FLOAT_MISSING", 0.5)
	if err != nil || f != 0.5 {
		t.Fatalf("Float() default=%v err=%v", f, err)
	}

	t.Setenv("ORCH_ENV_INT_BAD", "x")
	if _, err := Int("ORCH_ENV_INT_BAD", 1); err == nil {
		t.Fatalf("Int() expected error")
	}
}
