package sidecarexec

import (
	"testing"
)

func TestValidateReportPathRequiresAbsoluteMarkdownUnderWorkspace(t *testing.T) {
	if err := validateReportPath("/ws/sub/report.md", "/ws"); err != nil {
		t.Fatalf("expected valid path to pass, got %v", err)
	}
	if err := validateReportPath("relative/report.md", "/ws"); err == nil {
		t.Fatalf("expected relative path to be rejected")
	}
	if err := validateReportPath("/ws/report.txt", "/ws"); err == nil {
		t.Fatalf("expected non-.md extension to be rejected")
	}
	if err := validateReportPath("/other/report.md", "/ws"); err == nil {
		t.Fatalf("expected path escaping workspace to be rejected")
	}
	if err := validateReportPath("/ws/../escape.md", "/ws"); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
}

func TestOpenClawProfileKeyFromToolSource(t *testing.T) {
	cases := map[string]string{
		"openclaw-cli-probe:profile=dev":     "dev",
		"openclaw-cli-probe:profile=staging": "staging",
		"openclaw-cli-probe:profile=default": "default",
		"openclaw-cli-probe":                 "default",
	}
	for source, want := range cases {
		if got := openClawProfileKeyFromToolSource(source); got != want {
			t.Fatalf("source %q: expected profile %q, got %q", source, want, got)
		}
	}
}

func TestParseChatStreamMetaExtractsSessionAndUsage(t *testing.T) {
	sessionID, usage := parseChatStreamMeta(`{"sessionId":"ses_1","usage":{"input":10}}`)
	if sessionID != "ses_1" {
		t.Fatalf("expected session id ses_1, got %q", sessionID)
	}
	if usage["input"] != float64(10) {
		t.Fatalf("expected usage.input 10, got %v", usage["input"])
	}

	if sid, u := parseChatStreamMeta("not json"); sid != "" || u != nil {
		t.Fatalf("expected empty result for non-JSON line, got %q %v", sid, u)
	}
}
