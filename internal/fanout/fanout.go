// Package fanout runs independent sub-operations concurrently and collects
// every outcome separately. A failing or panicking branch never cancels or
// blocks its siblings, and the caller always receives one result per branch.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

// Branch is one named sub-operation.
type Branch struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outcome is the captured result of one branch.
type Outcome struct {
	Name      string        `json:"name"`
	Completed bool          `json:"completed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`

	err error
}

// Err returns the branch error, if any.
func (o Outcome) Err() error { return o.err }

// Result aggregates all branch outcomes. Success is true only when every
// branch completed.
type Result struct {
	Success   bool               `json:"success"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Outcomes  map[string]Outcome `json:"outcomes"`
	Duration  time.Duration      `json:"duration"`
}

// FailedNames returns the names of failed branches, sorted.
func (r *Result) FailedNames() []string {
	var names []string
	for name, o := range r.Outcomes {
		if !o.Completed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Error summarises failed branches, or returns "" when all succeeded.
func (r *Result) Error() string {
	if r.Failed == 0 {
		return ""
	}
	parts := make([]string, 0, r.Failed)
	for _, name := range r.FailedNames() {
		parts = append(parts, fmt.Sprintf("%s: %s", name, r.Outcomes[name].Error))
	}
	return fmt.Sprintf("%d of %d operations failed: %s", r.Failed, len(r.Outcomes), strings.Join(parts, "; "))
}

// Options tune a Run.
type Options struct {
	// Timeout bounds each branch individually. Zero means no per-branch timeout.
	// A branch that exceeds it is recorded as failed; its siblings are unaffected.
	Timeout time.Duration
}

// Run executes every branch concurrently and waits for all of them.
// Branch names must be unique.
func Run(ctx context.Context, opts Options, branches ...Branch) *Result {
	start := time.Now()
	outcomes := make([]Outcome, len(branches))

	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func(i int, b Branch) {
			defer wg.Done()
			outcomes[i] = runOne(ctx, opts, b)
		}(i, b)
	}
	wg.Wait()

	res := &Result{Outcomes: make(map[string]Outcome, len(branches))}
	for _, o := range outcomes {
		res.Outcomes[o.Name] = o
		if o.Completed {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	res.Success = res.Failed == 0
	res.Duration = time.Since(start)
	return res
}

func runOne(ctx context.Context, opts Options, b Branch) (out Outcome) {
	start := time.Now()
	out.Name = b.Name

	branchCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		branchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("panic in %s: %v\n%s", b.Name, r, debug.Stack())
			out.Error = fmt.Sprintf("panic: %v", r)
			out.Completed = false
		}
		out.Duration = time.Since(start)
	}()

	if b.Run == nil {
		out.err = fmt.Errorf("branch %s has no function", b.Name)
		out.Error = out.err.Error()
		return out
	}

	err := b.Run(branchCtx)
	// A branch that ignored its own deadline still overran; a parent
	// cancelled after the work finished does not undo it.
	if err == nil && opts.Timeout > 0 && ctx.Err() == nil && errors.Is(branchCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("branch %s exceeded %v: %w", b.Name, opts.Timeout, branchCtx.Err())
	}
	if err != nil {
		out.err = err
		out.Error = err.Error()
		return out
	}
	out.Completed = true
	return out
}
