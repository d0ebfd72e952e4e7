package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ResultStartMarker = "STEP_AGENT_RESULT_START"
	ResultEndMarker   = "STEP_AGENT_RESULT_END"

	// jsonlKey wraps the outcome on a single stdout line in jsonl framing.
	jsonlKey = "step_agent_result"
)

type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusHandoff    Status = "handoff"
)

// Handoff carries the fast agent's progress when it gives up.
type Handoff struct {
	RemainingSteps StepText       `json:"remaining_steps,omitempty"`
	CompletedSteps []string       `json:"completed_steps,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// StepText accepts either a string or a list of strings; lists are joined
// one step per line.
type StepText string

func (s *StepText) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if trimmed[0] == '[' {
		var steps []string
		if err := json.Unmarshal(trimmed, &steps); err != nil {
			return err
		}
		*s = StepText(strings.Join(steps, "\n"))
		return nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return err
	}
	*s = StepText(text)
	return nil
}

// Outcome is the structured verdict the fast agent prints on stdout.
type Outcome struct {
	Status  string   `json:"status"`
	Handoff *Handoff `json:"handoff,omitempty"`
}

// Normalized returns the status lower-cased with surrounding space removed.
func (o *Outcome) Normalized() Status {
	if o == nil {
		return ""
	}
	return Status(strings.ToLower(strings.TrimSpace(o.Status)))
}

// Framing extracts an Outcome from executor stdout.
type Framing interface {
	Parse(stdout []byte) (*Outcome, error)
	Name() string
}

// FramingFor returns the framing registered under name.
func FramingFor(name string) (Framing, error) {
	switch name {
	case "", "sentinel":
		return SentinelFraming{}, nil
	case "jsonl":
		return JSONLFraming{}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch protocol %q", name)
	}
}

// SentinelFraming reads the JSON between the start and end marker lines.
type SentinelFraming struct{}

func (SentinelFraming) Name() string { return "sentinel" }

func (SentinelFraming) Parse(stdout []byte) (*Outcome, error) {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		inside bool
		found  bool
		body   strings.Builder
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == ResultStartMarker:
			inside = true
			body.Reset()
		case line == ResultEndMarker && inside:
			inside = false
			found = true
		case inside:
			body.WriteString(scanner.Text())
			body.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan executor output: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no %s/%s block in output", ResultStartMarker, ResultEndMarker)
	}
	return decodeOutcome([]byte(body.String()))
}

// JSONLFraming looks for a stdout line of the form {"step_agent_result": {...}}.
// The last such line wins.
type JSONLFraming struct{}

func (JSONLFraming) Name() string { return "jsonl" }

func (JSONLFraming) Parse(stdout []byte) (*Outcome, error) {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var last json.RawMessage
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}
		if raw, ok := envelope[jsonlKey]; ok {
			last = append(json.RawMessage(nil), raw...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan executor output: %w", err)
	}
	if last == nil {
		return nil, fmt.Errorf("no %q line in output", jsonlKey)
	}
	return decodeOutcome(last)
}

func decodeOutcome(data []byte) (*Outcome, error) {
	var outcome Outcome
	if err := json.Unmarshal(bytes.TrimSpace(data), &outcome); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &outcome, nil
}
