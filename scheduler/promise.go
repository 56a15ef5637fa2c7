package scheduler

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pbateman/ggufserve/types"
)

var (
	// errAlreadyResolved signals a programming error: two producers tried
	// to resolve the same promise. The dispatcher logs it and moves on.
	errAlreadyResolved = errors.New("promise already resolved")
)

// outcome is the single value a Promise resolves to.
type outcome struct {
	result *types.GenerationResult
	err    error
}

// Promise is a single-assignment result slot bridging the dispatcher and a
// waiting caller. Exactly one resolution wins; later ones are rejected.
type Promise struct {
	ch        chan outcome
	resolved  atomic.Bool
	cancelled atomic.Bool
}

func newPromise() *Promise {
	return &Promise{ch: make(chan outcome, 1)}
}

// Complete resolves the promise with a result. It returns
// errAlreadyResolved if another producer won the race, and nil if the
// caller had already cancelled (the late result is simply discarded).
func (p *Promise) Complete(result *types.GenerationResult) error {
	return p.resolve(outcome{result: result})
}

// Fail resolves the promise with a failure. Same contract as Complete.
func (p *Promise) Fail(err error) error {
	return p.resolve(outcome{err: err})
}

func (p *Promise) resolve(o outcome) error {
	if p.resolved.Swap(true) {
		if p.cancelled.Load() {
			return nil
		}
		return errAlreadyResolved
	}
	p.ch <- o
	return nil
}

// Cancel withdraws the caller. The promise counts as resolved from here on;
// a result that arrives later is dropped without error.
func (p *Promise) Cancel() {
	p.cancelled.Store(true)
	p.resolved.Store(true)
}

// Await blocks until the promise is resolved or ctx is done. A context
// cancellation withdraws the caller and surfaces a CANCELLED error; the
// request itself stays in whatever batch it already joined.
func (p *Promise) Await(ctx context.Context) (*types.GenerationResult, error) {
	select {
	case o := <-p.ch:
		return o.result, o.err
	case <-ctx.Done():
		p.Cancel()
		return nil, types.NewError(types.ErrCancelled, "caller withdrew before resolution").WithCause(ctx.Err())
	}
}
