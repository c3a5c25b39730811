// Package exectest provides a scripted CommandRunner for tests.
package exectest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/runenv/internal/exec"
)

// Response is the scripted outcome of a matching command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
	// Delay simulates a slow command. It is cut short when ctx ends.
	Delay time.Duration
}

type rule struct {
	pattern  string
	response Response
}

// FakeRunner returns scripted responses. A step matches a rule when its
// command line contains the rule's pattern; the first matching rule wins and
// unmatched steps succeed with empty output.
type FakeRunner struct {
	mu    sync.Mutex
	rules []rule
	calls []exec.Step
}

// NewFakeRunner returns a runner with no rules.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On scripts the response for commands containing pattern.
func (f *FakeRunner) On(pattern string, r Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{pattern: pattern, response: r})
	return f
}

// Run implements exec.CommandRunner.
func (f *FakeRunner) Run(ctx context.Context, step exec.Step) (*exec.Result, error) {
	line := step.CommandLine()

	f.mu.Lock()
	f.calls = append(f.calls, step)
	var resp Response
	for _, r := range f.rules {
		if strings.Contains(line, r.pattern) {
			resp = r.response
			break
		}
	}
	f.mu.Unlock()

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	return &exec.Result{
		ExitCode: resp.ExitCode,
		Output:   resp.Output,
		Duration: resp.Delay,
	}, nil
}

// Calls returns every step run so far.
func (f *FakeRunner) Calls() []exec.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exec.Step(nil), f.calls...)
}

// CallCount returns how many steps contained pattern.
func (f *FakeRunner) CallCount(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.CommandLine(), pattern) {
			n++
		}
	}
	return n
}
