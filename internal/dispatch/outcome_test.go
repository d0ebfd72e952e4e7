package dispatch

import "testing"

func TestSentinelFraming(t *testing.T) {
	t.Parallel()

	stdout := []byte("thinking...\n" +
		"STEP_AGENT_RESULT_START\n" +
		`{"status": " Handoff ", "handoff": {"remaining_steps": "open settings", "completed_steps": ["opened finder"], "context": {"app": "Finder"}}}` + "\n" +
		"STEP_AGENT_RESULT_END\n" +
		"bye\n")

	outcome, err := SentinelFraming{}.Parse(stdout)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if outcome.Normalized() != StatusHandoff {
		t.Fatalf("expected handoff, got %q", outcome.Normalized())
	}
	if outcome.Handoff == nil || outcome.Handoff.RemainingSteps != "open settings" {
		t.Fatalf("unexpected handoff %+v", outcome.Handoff)
	}
	if len(outcome.Handoff.CompletedSteps) != 1 || outcome.Handoff.Context["app"] != "Finder" {
		t.Fatalf("handoff details lost: %+v", outcome.Handoff)
	}
}

func TestSentinelFramingFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no markers":   "all done\n",
		"no end":       "STEP_AGENT_RESULT_START\n{\"status\":\"complete\"}\n",
		"invalid json": "STEP_AGENT_RESULT_START\nnot json\nSTEP_AGENT_RESULT_END\n",
		"empty":        "",
	}
	for name, stdout := range cases {
		if _, err := (SentinelFraming{}).Parse([]byte(stdout)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestJSONLFraming(t *testing.T) {
	t.Parallel()

	stdout := []byte(`{"log":"starting"}` + "\n" +
		"plain text line\n" +
		`{"step_agent_result":{"status":"incomplete","handoff":{"remaining_steps":["click save","close window"]}}}` + "\n")

	outcome, err := JSONLFraming{}.Parse(stdout)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if outcome.Normalized() != StatusIncomplete {
		t.Fatalf("expected incomplete, got %q", outcome.Status)
	}
	if outcome.Handoff.RemainingSteps != "click save\nclose window" {
		t.Fatalf("unexpected remaining steps %q", outcome.Handoff.RemainingSteps)
	}

	if _, err := (JSONLFraming{}).Parse([]byte("STEP_AGENT_RESULT_START\n{}\nSTEP_AGENT_RESULT_END\n")); err == nil {
		t.Fatal("jsonl framing must ignore sentinel blocks")
	}
}

func TestFramingFor(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"": "sentinel", "sentinel": "sentinel", "jsonl": "jsonl"} {
		framing, err := FramingFor(name)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if framing.Name() != want {
			t.Fatalf("%q: expected %s, got %s", name, want, framing.Name())
		}
	}
	if _, err := FramingFor("xml"); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}
