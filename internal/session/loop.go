// Package session implements the single-session streaming engine: the
// task loop (C1), the state machine (C2) and the builder-configured
// facade (C9) that wires every collaborator together.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Task is one closure queued onto the loop. Enqueue is the only
// thread-safe entry point into a Loop; everything else runs on the loop
// goroutine.
type Task func()

// longPollTimeout is the sentinel dequeue timeout named in spec.md §4.1;
// any active session has a timer-driven liveness tick well before it.
const longPollTimeout = time.Hour

// Loop is the single-consumer FIFO driving one session (C1). It owns no
// session state itself — states mutate the *Context passed to them.
type Loop struct {
	mu     sync.Mutex
	queue  []Task
	signal chan struct{}

	ctx     *Context
	current State
}

// NewLoop wires l against ctx, without starting it. Run itself enqueues
// the initial transition into Starting (spec.md §4.1 step 1).
func NewLoop(ctx *Context) *Loop {
	l := &Loop{signal: make(chan struct{}, 1)}
	l.ctx = ctx
	ctx.loop = l
	return l
}

// Enqueue appends task to the FIFO. Safe from any goroutine (watchers,
// timers, the poller).
func (l *Loop) Enqueue(task Task) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// clear discards every pending task, used by SwitchStateImmediately so
// stale work from a doomed state never runs.
func (l *Loop) clear() {
	l.mu.Lock()
	l.queue = nil
	l.mu.Unlock()
}

func (l *Loop) dequeue(timeout time.Duration) (Task, bool) {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return task, true
		}
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-l.signal:
		case <-time.After(remaining):
			return nil, false
		}
	}
}

// SwitchState enqueues a transition to next; safe to call from inside a
// handler, since the transition itself only runs once prior tasks drain.
func (l *Loop) SwitchState(next State) {
	l.Enqueue(func() { l.transition(next) })
}

// SwitchStateImmediately clears pending tasks before enqueueing the
// transition, for fatal transitions where delayed work from the doomed
// state must never run (spec.md §4.1).
func (l *Loop) SwitchStateImmediately(next State) {
	l.clear()
	l.Enqueue(func() { l.transition(next) })
}

func (l *Loop) transition(next State) {
	if l.current != nil {
		func() {
			defer recoverInto(l.ctx.Log, "onExit")
			l.current.OnExit(l.ctx)
		}()
	}
	l.current = next
	func() {
		defer recoverInto(l.ctx.Log, "onEnter")
		l.current.OnEnter(l.ctx)
	}()
}

// Run blocks until the current state becomes Dead (spec.md §4.1).
func (l *Loop) Run() {
	l.SwitchState(startingState{})
	for {
		task, ok := l.dequeue(longPollTimeout)
		if !ok {
			continue
		}
		l.runTask(task)
		if _, dead := l.current.(deadState); dead {
			return
		}
	}
}

func (l *Loop) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.ctx.Log.Error(nil, "task panicked, closing session", "panic", r)
			l.SwitchStateImmediately(newClosingState(fatal("panic", fmt.Errorf("%v", r))))
		}
	}()
	task()
}

// dispatch delivers msg to the current state's Handle and is how every
// external event (watcher fire, timer tick, poll result, client
// acknowledgement) reaches the state machine.
func (l *Loop) dispatch(msg interface{}) {
	if l.current == nil {
		return
	}
	l.current.Handle(l.ctx, msg)
}

// Enqueue a message for dispatch through the current state. This is the
// indirection callers use instead of calling dispatch directly, so every
// external thread only ever enqueues.
func (l *Loop) Post(msg interface{}) {
	l.Enqueue(func() { l.dispatch(msg) })
}
