package main

import (
	"bytes"
	"strings"
	"testing"

	"campaigner/internal/campaign"
)

func TestConfirm(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{" YES \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		if got := confirm(strings.NewReader(tc.in), &out, "send now?"); got != tc.want {
			t.Fatalf("confirm(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if !strings.Contains(out.String(), "[y/N]") {
			t.Fatalf("prompt = %q", out.String())
		}
	}
}

func TestOneID(t *testing.T) {
	t.Parallel()
	if id, err := oneID([]string{"abc"}); err != nil || id != "abc" {
		t.Fatalf("oneID = %q, %v", id, err)
	}
	for _, args := range [][]string{nil, {"a", "b"}, {"  "}} {
		if _, err := oneID(args); err == nil {
			t.Fatalf("oneID(%q) accepted", args)
		}
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	if got := clip("héllo", 5); got != "héllo" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("héllo world", 5); got != "héll…" {
		t.Fatalf("clip = %q", got)
	}
	if got := oneLine("a\n  b\tc"); got != "a b c" {
		t.Fatalf("oneLine = %q", got)
	}
}

func TestPrintSummaryListsFailures(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	printSummary(&out, campaign.Summary{
		Total: 2, Succeeded: 1, Failed: 1,
		Failures: []campaign.SendAttempt{{Recipient: "15550100@s.whatsapp.net", Result: campaign.ResultFailure, Reason: campaign.ReasonNotRegistered}},
	})
	s := out.String()
	if !strings.HasPrefix(s, "incomplete: 1 sent, 1 failed of 2") || !strings.Contains(s, "15550100  not_registered") {
		t.Fatalf("summary = %q", s)
	}
}
