package refresolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/n8n-work/engine-go/internal/models"
)

// IterationFunc runs one forEach/parallel-group iteration and returns its
// output or error. Implementations are supplied by the Executor, which
// closes over the step descriptor being iterated.
type IterationFunc func(ctx context.Context, index int, item interface{}) (interface{}, error)

// SettledResult is one entry of an allSettled run.
type SettledResult struct {
	Status string      `json:"status"` // "fulfilled" | "rejected"
	Value  interface{} `json:"value,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Result is the outcome of one forEach/parallel batch.
type Result struct {
	Mode     models.ForEachMode
	Outputs  []interface{}   // sequential/parallel: one per iteration, declaration order
	Winner   *int            // race: index of the winning iteration
	Settled  []SettledResult // allSettled: one per iteration, declaration order
	Err      error           // sequential/parallel: first failure, referencing its index
}

// Run executes items under the given mode, following the semantics in the
// engine's forEach/parallel-group contract:
//   - sequential: one at a time, abort on first failure.
//   - parallel: concurrent, chunked by maxConcurrency if > 0, fails on any
//     iteration failure.
//   - race: first success wins; losers are cancelled best-effort.
//   - allSettled: run all to completion, never fails the step.
func Run(ctx context.Context, mode models.ForEachMode, items []interface{}, maxConcurrency int, fn IterationFunc) (*Result, error) {
	switch mode {
	case models.ForEachSequential:
		return runSequential(ctx, items, fn)
	case models.ForEachParallel:
		return runParallel(ctx, items, maxConcurrency, fn)
	case models.ForEachRace:
		return runRace(ctx, items, fn)
	case models.ForEachAllSettled:
		return runAllSettled(ctx, items, fn)
	default:
		return nil, fmt.Errorf("refresolver: unknown forEach mode %q", mode)
	}
}

func runSequential(ctx context.Context, items []interface{}, fn IterationFunc) (*Result, error) {
	outputs := make([]interface{}, len(items))
	for i, item := range items {
		out, err := fn(ctx, i, item)
		if err != nil {
			return &Result{Mode: models.ForEachSequential, Outputs: outputs, Err: fmt.Errorf("iteration %d: %w", i, err)}, nil
		}
		outputs[i] = out
	}
	return &Result{Mode: models.ForEachSequential, Outputs: outputs}, nil
}

func runParallel(ctx context.Context, items []interface{}, maxConcurrency int, fn IterationFunc) (*Result, error) {
	n := len(items)
	outputs := make([]interface{}, n)
	errs := make([]error, n)

	limit := n
	if maxConcurrency > 0 && maxConcurrency < n {
		limit = maxConcurrency
	}
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for start := 0; start < n; start += limit {
		end := start + limit
		if end > n {
			end = n
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i, item := i, items[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := fn(groupCtx, i, item)
				if err != nil {
					errs[i] = err
					return
				}
				outputs[i] = out
			}()
		}
		wg.Wait()
	}

	for i, err := range errs {
		if err != nil {
			return &Result{Mode: models.ForEachParallel, Outputs: outputs, Err: fmt.Errorf("iteration %d: %w", i, err)}, nil
		}
	}
	return &Result{Mode: models.ForEachParallel, Outputs: outputs}, nil
}

func runRace(ctx context.Context, items []interface{}, fn IterationFunc) (*Result, error) {
	type outcome struct {
		index int
		out   interface{}
		err   error
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(items))
	for i, item := range items {
		i, item := i, item
		go func() {
			out, err := fn(raceCtx, i, item)
			results <- outcome{index: i, out: out, err: err}
		}()
	}

	var lastErr error
	for range items {
		r := <-results
		if r.err == nil {
			cancel() // best-effort: cancels losers' contexts, does not abort in-flight I/O
			winner := r.index
			return &Result{Mode: models.ForEachRace, Outputs: []interface{}{r.out}, Winner: &winner}, nil
		}
		lastErr = r.err
	}
	return &Result{Mode: models.ForEachRace, Err: fmt.Errorf("all iterations failed, last error: %w", lastErr)}, nil
}

func runAllSettled(ctx context.Context, items []interface{}, fn IterationFunc) (*Result, error) {
	settled := make([]SettledResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := fn(ctx, i, item)
			if err != nil {
				settled[i] = SettledResult{Status: "rejected", Reason: err.Error()}
				return
			}
			settled[i] = SettledResult{Status: "fulfilled", Value: out}
		}()
	}
	wg.Wait()
	return &Result{Mode: models.ForEachAllSettled, Settled: settled}, nil
}
