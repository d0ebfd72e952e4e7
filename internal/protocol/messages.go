package protocol

import "time"

// WakeEvent asks the daemon to capture and dispatch one utterance.
type WakeEvent struct {
	Source    string    `json:"source,omitempty"`
	Keyword   string    `json:"keyword,omitempty"`
	AccessKey string    `json:"access_key,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PipelineResult is the only value a trigger receives back from a run.
type PipelineResult struct {
	Success   bool   `json:"success"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Escalated bool   `json:"escalated"`
}

// DispatchRequest is sent to a remote executor over the bus.
type DispatchRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Tier      string `json:"tier"`
	Input     string `json:"input"`
}

// DispatchReply is the remote executor's answer.
type DispatchReply struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
}

const (
	SubjectWake   = "voice.wake"
	SubjectResult = "voice.result"
)
