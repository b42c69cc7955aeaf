// Package toolstest provides a scripted Toolchain for tests.
package toolstest

import (
	"context"
	"sync"

	"github.com/weppcloud/weppcloud/internal/procsup"
	"github.com/weppcloud/weppcloud/internal/tools"
)

// Handler simulates a tool. Lines it returns are streamed to the caller
// before the error is returned.
type Handler func(ctx context.Context, inv tools.Invocation) ([]string, error)

// Fake records invocations and dispatches them to per-tool handlers.
// Tools without a handler succeed silently.
type Fake struct {
	mu       sync.Mutex
	calls    []tools.Invocation
	handlers map[tools.Tool]Handler
}

func New() *Fake {
	return &Fake{handlers: make(map[tools.Tool]Handler)}
}

// Handle installs h for tool and returns the fake for chaining.
func (f *Fake) Handle(tool tools.Tool, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tool] = h
	return f
}

func (f *Fake) Run(ctx context.Context, inv tools.Invocation, onLine func(procsup.Line)) error {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	h := f.handlers[inv.Tool]
	f.mu.Unlock()

	if h == nil {
		return nil
	}
	lines, err := h(ctx, inv)
	if onLine != nil {
		for _, l := range lines {
			onLine(procsup.Line{Stream: procsup.Stdout, Text: l})
		}
	}
	return err
}

// Calls returns every invocation so far.
func (f *Fake) Calls() []tools.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tools.Invocation(nil), f.calls...)
}

// CallsTo returns the invocations of one tool.
func (f *Fake) CallsTo(tool tools.Tool) []tools.Invocation {
	var out []tools.Invocation
	for _, c := range f.Calls() {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}
