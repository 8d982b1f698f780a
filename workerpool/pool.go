// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workerpool provides the in-process WorkerPool the Discovery Engine
// borrows for one run at a time, and a reference LocalPool implementation
// built on the teacher's throttle idiom (bounded concurrency through a
// buffered channel of worker slots).
package workerpool

import (
	"context"
	"sync"
	"time"
)

// MessageKind tags a worker request/response pair. In this in-process
// implementation it is also the key used to look up the registered Handler;
// a networked implementation would use it to pick a wire encoding.
type MessageKind string

// Handler computes a response for a message of its registered kind. state is
// the calling worker's persistent per-worker context (survives across
// Execute calls on the same worker; a Broadcast of a new epoch overwrites
// it, and an aborted Execute with RestartWorkerOnAbort replaces it with an
// empty WorkerState).
type Handler func(state *WorkerState, payload any) (any, error)

// WorkerState is the mutable, worker-local context a handler may read and
// write. No other worker and no other run ever observes this goroutine's
// WorkerState concurrently.
type WorkerState struct {
	Epoch   uint64
	Context any // whatever the last Broadcast set (run-specific)
}

// ExecOptions controls a single Execute call.
type ExecOptions struct {
	Timeout              time.Duration
	Cancellation         <-chan struct{}
	RestartWorkerOnAbort bool
}

// Pool is the WorkerPool interface consumed by the Discovery Engine. It is
// satisfied by LocalPool and by any production adapter bridging to real OS
// threads or processes.
type Pool interface {
	Init(ctx context.Context) error
	IsReady() bool
	Size() int
	Broadcast(ctx context.Context, kind MessageKind, perWorker func(workerIndex int) any) error
	Execute(ctx context.Context, kind MessageKind, payload any, opts ExecOptions) (any, error)
}

// LocalPool is a reference Pool: a fixed set of WorkerState slots guarded by
// a buffered channel acting as both the bound on in-flight tasks and the
// resource pool handing out persistent per-worker state, in the spirit of
// the teacher's throttle type (throttle.go / go-lightning/throttle.go).
type LocalPool struct {
	size     int
	handlers map[MessageKind]Handler

	initOnce sync.Once
	slots    chan *WorkerState
	ready    bool
}

// NewLocalPool constructs a pool with the given worker count and message
// handlers. size must be >= 1.
func NewLocalPool(size int, handlers map[MessageKind]Handler) *LocalPool {
	if size < 1 {
		size = 1
	}
	return &LocalPool{size: size, handlers: handlers}
}

func (p *LocalPool) Init(ctx context.Context) error {
	p.initOnce.Do(func() {
		p.slots = make(chan *WorkerState, p.size)
		for i := 0; i < p.size; i++ {
			p.slots <- &WorkerState{}
		}
		p.ready = true
	})
	return nil
}

func (p *LocalPool) IsReady() bool { return p.ready }

func (p *LocalPool) Size() int { return p.size }

// Broadcast drains every slot (waiting for in-flight Executes to release
// theirs), applies perWorker to each state, bumps its epoch, and refills the
// pool. This guarantees every worker has acknowledged the new context before
// Broadcast returns, and that no worker observes a stale epoch's context
// once a new broadcast has completed.
func (p *LocalPool) Broadcast(ctx context.Context, kind MessageKind, perWorker func(workerIndex int) any) error {
	if err := p.Init(ctx); err != nil {
		return err
	}
	states := make([]*WorkerState, 0, p.size)
	for i := 0; i < p.size; i++ {
		select {
		case s := <-p.slots:
			states = append(states, s)
		case <-ctx.Done():
			for _, s := range states {
				p.slots <- s
			}
			return ctx.Err()
		}
	}
	for i, s := range states {
		s.Context = perWorker(i)
		s.Epoch++
	}
	for _, s := range states {
		p.slots <- s
	}
	return nil
}

// Execute borrows one worker's state, runs the handler for kind, and
// returns its state. The call respects opts.Timeout and opts.Cancellation;
// on abort, if RestartWorkerOnAbort is set the slot is replaced with fresh
// state rather than returned to the pool, so a hung handler goroutine can
// never re-enter service. The abandoned handler goroutine is left running
// (Go has no preemptive cancellation of a stuck synchronous call) but its
// result is discarded.
func (p *LocalPool) Execute(ctx context.Context, kind MessageKind, payload any, opts ExecOptions) (any, error) {
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	handler, ok := p.handlers[kind]
	if !ok {
		return nil, &unknownMessageError{kind: kind}
	}

	var state *WorkerState
	select {
	case state = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-opts.Cancellation:
		return nil, context.Canceled
	}

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := handler(state, payload)
		done <- result{val, err}
	}()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		p.slots <- state
		return r.val, r.err
	case <-ctx.Done():
		p.abandon(state, opts)
		return nil, ctx.Err()
	case <-opts.Cancellation:
		p.abandon(state, opts)
		return nil, context.Canceled
	case <-timeout:
		p.abandon(state, opts)
		return nil, &timeoutError{kind: kind}
	}
}

func (p *LocalPool) abandon(state *WorkerState, opts ExecOptions) {
	if opts.RestartWorkerOnAbort {
		p.slots <- &WorkerState{}
		return
	}
	p.slots <- state
}

type unknownMessageError struct{ kind MessageKind }

func (e *unknownMessageError) Error() string { return "workerpool: no handler for " + string(e.kind) }

type timeoutError struct{ kind MessageKind }

func (e *timeoutError) Error() string { return "workerpool: task timed out: " + string(e.kind) }

// IsTimeout reports whether err is a task-timeout failure from Execute.
func IsTimeout(err error) bool {
	_, ok := err.(*timeoutError)
	return ok
}
