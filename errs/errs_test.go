package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesWalletAndFields(t *testing.T) {
	err := New(
		"manager/assign",
		CodeInvalidConfig,
		WithHTTP(422),
		WithMessage("slippageBps must be >= 0"),
		WithWallet("eth|abc"),
		WithField("key", "slippageBps"),
		WithField("value", "-1"),
		WithCause(errors.New("range check")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=manager/assign") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_config") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `wallet="eth|abc"`) {
		t.Fatalf("expected wallet in error string: %s", out)
	}
	expectedFields := `fields=key="slippageBps",value="-1"`
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, `cause="range check"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
	if err.Status() != 422 {
		t.Fatalf("expected explicit http override, got %d", err.Status())
	}
}

func TestEmptyOpAndCodeRenderUnknown(t *testing.T) {
	err := New("   ", "")
	out := err.Error()
	if !strings.Contains(out, "op=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown placeholders, got %s", out)
	}
}

func TestNilEnvelope(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil>, got %q", e.Error())
	}
	if e.Status() != http.StatusInternalServerError {
		t.Fatalf("expected 500 for nil envelope, got %d", e.Status())
	}
}

func TestCodeStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeUnknownStrategy:    http.StatusNotFound,
		CodeNotFound:           http.StatusNotFound,
		CodeInvalidConfig:      http.StatusBadRequest,
		CodeInvalid:            http.StatusBadRequest,
		CodeAssignmentConflict: http.StatusConflict,
		CodeUnavailable:        http.StatusServiceUnavailable,
		Code("other"):          http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := New("op", code).Status(); got != want {
			t.Fatalf("code %s: expected %d, got %d", code, want, got)
		}
	}
}

func TestIsWalksWrappedChain(t *testing.T) {
	inner := New("runner/swap", CodeExecutionFailure, WithMessage("quote failed"))
	outer := New("manager/assign", CodeAssignmentConflict, WithCause(inner))
	wrapped := fmt.Errorf("http: %w", outer)

	if !Is(wrapped, CodeAssignmentConflict) {
		t.Fatal("expected outer code to match")
	}
	if !Is(wrapped, CodeExecutionFailure) {
		t.Fatal("expected inner code to match")
	}
	if Is(wrapped, CodeNotFound) {
		t.Fatal("unexpected match for absent code")
	}
	if CodeOf(wrapped) != CodeAssignmentConflict {
		t.Fatalf("expected outermost code, got %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("expected empty code for plain errors")
	}
}

func TestDescribePrefersMessage(t *testing.T) {
	if got := New("op", CodeNotFound).Describe(); got != "not_found" {
		t.Fatalf("expected code fallback, got %q", got)
	}
	if got := New("op", CodeNotFound, WithMessage("session not found")).Describe(); got != "session not found" {
		t.Fatalf("expected message, got %q", got)
	}
}
