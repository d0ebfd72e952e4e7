//go:build wasip1

// Command quick-agent is an example fast-tier agent for the wasm executor.
// It handles a few one-step commands itself and hands everything else to the
// full tier.
//
//	GOOS=wasip1 GOARCH=wasm go build -o quick-agent.wasm ./agents/examples/quick-agent
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dispatch/agents/examples/internal/host"
)

type handoff struct {
	RemainingSteps string   `json:"remaining_steps"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
}

type outcome struct {
	Status  string   `json:"status"`
	Handoff *handoff `json:"handoff,omitempty"`
}

var oneStep = map[string]string{
	"mute":        "muted audio",
	"volume up":   "raised volume",
	"volume down": "lowered volume",
	"pause":       "paused playback",
	"play":        "resumed playback",
}

func main() {
	if len(os.Args) < 2 {
		report(outcome{Status: "incomplete"})
		return
	}
	input := strings.TrimSpace(os.Args[len(os.Args)-1])
	command := strings.ToLower(strings.TrimSuffix(input, "."))
	host.Log("quick agent received: " + input)

	if done, ok := oneStep[command]; ok {
		fmt.Println(done)
		report(outcome{Status: "complete"})
		return
	}

	// "open X and then Y": open X here, leave Y to the full agent.
	if app, rest, ok := strings.Cut(command, " and then "); ok && strings.HasPrefix(app, "open ") {
		fmt.Println("opened " + strings.TrimPrefix(app, "open "))
		report(outcome{Status: "handoff", Handoff: &handoff{
			RemainingSteps: rest,
			CompletedSteps: []string{app},
		}})
		return
	}

	report(outcome{Status: "handoff", Handoff: &handoff{RemainingSteps: input}})
}

func report(o outcome) {
	data, err := json.Marshal(o)
	if err != nil {
		host.Log("encode outcome: " + err.Error())
		os.Exit(1)
	}
	fmt.Println("STEP_AGENT_RESULT_START")
	fmt.Println(string(data))
	fmt.Println("STEP_AGENT_RESULT_END")
}
