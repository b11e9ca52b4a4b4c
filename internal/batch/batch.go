// Package batch runs a per-target operation over many extensions with
// per-item error isolation, periodic progress and a single deferred
// apply step at the end.
package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome classifies what happened to a single target.
type Outcome string

const (
	Succeeded           Outcome = "succeeded"
	SkippedExists       Outcome = "skipped_exists"
	SkippedPrecondition Outcome = "skipped_precondition"
	Failed              Outcome = "failed"
)

// alreadyExists and sessionFatal are the error classifications the engine
// reacts to. Backends tag their errors with these methods so this package
// stays independent of any one backend's error types.
type alreadyExists interface{ AlreadyExists() bool }

type sessionFatal interface{ SessionFatal() bool }

type precondition interface{ Precondition() bool }

func isExists(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if x, ok := e.(alreadyExists); ok && x.AlreadyExists() {
			return true
		}
	}
	return false
}

func isPrecondition(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if x, ok := e.(precondition); ok && x.Precondition() {
			return true
		}
	}
	return false
}

func isFatal(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if x, ok := e.(sessionFatal); ok && x.SessionFatal() {
			return true
		}
	}
	return false
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// ItemResult is the recorded outcome for one target.
type ItemResult struct {
	Target  string
	Outcome Outcome
	Detail  string
	Err     error
}

// Result aggregates a finished run. Apply status is kept separate from the
// per-item outcomes: a failed apply does not rewrite item results.
type Result struct {
	Items []ItemResult

	Applied  bool
	ApplyErr error

	Elapsed time.Duration
}

// Counts returns the number of items per outcome.
func (r *Result) Counts() map[Outcome]int {
	c := make(map[Outcome]int, 4)
	for _, it := range r.Items {
		c[it.Outcome]++
	}
	return c
}

// Succeeded reports whether at least one item succeeded.
func (r *Result) Succeeded() bool {
	for _, it := range r.Items {
		if it.Outcome == Succeeded {
			return true
		}
	}
	return false
}

// Options tunes a run.
type Options struct {
	// ProgressEvery emits a progress callback every N processed items.
	// Zero means every 5.
	ProgressEvery int

	// Progress, when set, receives (processed, total) at the configured
	// interval and once at the end.
	Progress func(done, total int)

	// Apply, when set, runs once after the loop iff at least one item
	// succeeded. Its error lands in Result.ApplyErr.
	Apply func(ctx context.Context) error
}

// Op processes one target and returns an optional human detail string.
type Op func(ctx context.Context, target string) (string, error)

// Run executes op over targets sequentially. A failing item never stops the
// run, with two exceptions: context cancellation skips all remaining items
// (nothing is attempted for them), and a session-fatal error (credentials
// rejected, endpoint gone) skips the remainder since every following item
// would fail identically.
func Run(ctx context.Context, targets []string, op Op, opts Options) *Result {
	every := opts.ProgressEvery
	if every <= 0 {
		every = 5
	}

	start := time.Now()
	res := &Result{Items: make([]ItemResult, 0, len(targets))}

	abort := ""
	for i, target := range targets {
		if abort != "" {
			res.Items = append(res.Items, ItemResult{
				Target:  target,
				Outcome: SkippedPrecondition,
				Detail:  abort,
			})
			continue
		}
		if err := ctx.Err(); err != nil {
			abort = "canceled"
			res.Items = append(res.Items, ItemResult{
				Target:  target,
				Outcome: SkippedPrecondition,
				Detail:  abort,
				Err:     err,
			})
			continue
		}

		detail, err := op(ctx, target)
		switch {
		case err == nil:
			res.Items = append(res.Items, ItemResult{Target: target, Outcome: Succeeded, Detail: detail})
		case isExists(err):
			res.Items = append(res.Items, ItemResult{Target: target, Outcome: SkippedExists, Detail: err.Error(), Err: err})
		case isPrecondition(err):
			res.Items = append(res.Items, ItemResult{Target: target, Outcome: SkippedPrecondition, Detail: err.Error(), Err: err})
		case isFatal(err):
			res.Items = append(res.Items, ItemResult{Target: target, Outcome: Failed, Detail: err.Error(), Err: err})
			abort = "session failure on " + target
			log.Warn().Str("target", target).Err(err).Msg("session-fatal error, skipping remaining targets")
		default:
			res.Items = append(res.Items, ItemResult{Target: target, Outcome: Failed, Detail: err.Error(), Err: err})
		}

		if opts.Progress != nil && (i+1)%every == 0 {
			opts.Progress(i+1, len(targets))
		}
	}

	if opts.Progress != nil && len(targets)%every != 0 {
		opts.Progress(len(targets), len(targets))
	}

	if opts.Apply != nil && res.Succeeded() {
		res.ApplyErr = opts.Apply(ctx)
		res.Applied = res.ApplyErr == nil
	}

	res.Elapsed = time.Since(start)
	return res
}
