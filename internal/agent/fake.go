package agent

import (
	"context"
	"sync"
)

// ScriptedClient is a Client for tests. Responses are served in order; when
// the script is exhausted the last response repeats. A nil script yields a
// deterministic default response.
type ScriptedClient struct {
	mu        sync.Mutex
	Responses []*Response
	Errs      []error
	// Delay, when set, makes Execute block until the context is done or the
	// delay elapses. Used to exercise the timeout path.
	Delay func(ctx context.Context) error

	Requests []*Request
	calls    int
}

var _ Client = (*ScriptedClient)(nil)

func (c *ScriptedClient) Execute(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	call := c.calls
	c.calls++
	delay := c.Delay
	c.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if call < len(c.Errs) && c.Errs[call] != nil {
		return nil, c.Errs[call]
	}
	if len(c.Responses) == 0 {
		return &Response{
			FinalText: "done: " + req.Text,
			Diff:      "",
			ThreadID:  "thread-1",
		}, nil
	}
	idx := call
	if idx >= len(c.Responses) {
		idx = len(c.Responses) - 1
	}
	out := *c.Responses[idx]
	return &out, nil
}

// CallCount returns how many times Execute was invoked.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
