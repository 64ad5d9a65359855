package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/cassette"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

func TestPrintVerify(t *testing.T) {
	results := []cassette.VerifyResult{
		{Provider: domain.ProviderOpenAI, Signature: "aaa", Tagged: true},
		{Provider: domain.ProviderOpenAI, Signature: "bbb", Tagged: false},
		{Provider: domain.ProviderAnthropic, Signature: "ccc", Err: errors.New("integrity mismatch")},
	}

	tests := []struct {
		name        string
		requireTags bool
		wantFailed  int
		wantText    []string
	}{
		{
			name:       "untagged tolerated",
			wantFailed: 1,
			wantText:   []string{"openai/aaa", "untagged", "integrity mismatch", "3 checked, 1 failed"},
		},
		{
			name:        "untagged required",
			requireTags: true,
			wantFailed:  2,
			wantText:    []string{"missing integrity tag", "3 checked, 2 failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			got := printVerify(&buf, "/tmp/cassettes", results, tt.requireTags)
			if got != tt.wantFailed {
				t.Errorf("printVerify() = %d, want %d", got, tt.wantFailed)
			}
			for _, want := range tt.wantText {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestPrintVerify_Empty(t *testing.T) {
	var buf bytes.Buffer
	if got := printVerify(&buf, "dir", nil, false); got != 0 {
		t.Errorf("printVerify() = %d, want 0", got)
	}
	if !strings.Contains(buf.String(), "no cassettes found") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestExitError(t *testing.T) {
	err := ExitError{Code: 3, Err: errors.New("boom")}
	var target ExitError
	if !errors.As(error(err), &target) || target.Code != 3 {
		t.Fatalf("errors.As() = %v", target)
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if (ExitError{Code: 2}).Error() != "exit" {
		t.Errorf("nil Err message")
	}
}
