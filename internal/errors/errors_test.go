package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("table", "sessions"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if err.Metadata()["table"] != "sessions" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}
	if !err.Retryable() || !err.ShouldAlert() {
		t.Fatalf("expected registry defaults to apply")
	}
}

func TestOverridesBeatRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("expected overrides to win: %+v", err)
	}
	if err.Message() != "storage failure" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeRateLimited, "429")
	outer := Wrap(CodeUpstreamFailure, inner, "调用模型失败")

	if !HasCode(outer, CodeRateLimited) {
		t.Fatalf("expected inner code to be found")
	}
	if CodeOf(outer) != CodeUpstreamFailure {
		t.Fatalf("CodeOf should report the outermost code")
	}
	if HasCode(stdErrors.New("plain"), CodeRateLimited) {
		t.Fatalf("plain error must not carry a code")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	if !RetryableError(New(code, "")) {
		t.Fatalf("custom code should be retryable")
	}
	if SeverityOf(New(code, "")) != SeverityWarning {
		t.Fatalf("unexpected severity")
	}
	found := false
	for _, c := range Registered() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("custom code not listed")
	}
	if AttributesOf("MISSING").Message != "unknown error" {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
}
