package dispatch

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/bus"
	"github.com/loqalabs/loqa-dispatch/internal/protocol"
)

// NATSExecutor forwards the input to a remote agent over request/reply.
type NATSExecutor struct {
	client  *bus.Client
	tier    string
	subject string
	timeout time.Duration
}

func NewNATSExecutor(client *bus.Client, tier, subject string, timeout time.Duration) *NATSExecutor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &NATSExecutor{client: client, tier: tier, subject: subject, timeout: timeout}
}

func (n *NATSExecutor) Invoke(ctx context.Context, input string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req := protocol.DispatchRequest{
		SessionID: SessionIDFromContext(ctx),
		Tier:      n.tier,
		Input:     input,
	}
	var reply protocol.DispatchReply
	if err := n.client.RequestJSON(ctx, n.subject, req, &reply); err != nil {
		return Output{ExitCode: -1}, err
	}
	return Output{Stdout: []byte(reply.Stdout), ExitCode: reply.ExitCode}, nil
}

type sessionKey struct{}

// WithSessionID tags ctx with the pipeline session so remote executors can
// correlate requests.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
