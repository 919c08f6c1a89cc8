package session

import "github.com/go-logr/logr"

// State is the per-phase behaviour named in spec.md §4.2 and Design Note
// 9 ("sum type / tagged variant with per-variant handlers; dispatch via a
// single polymorphic interface"). OnExit must be total: any panic inside
// it is recovered and logged, never propagated (spec.md §9).
type State interface {
	Name() string
	OnEnter(c *Context)
	OnExit(c *Context)
	Handle(c *Context, msg interface{})
}

func recoverInto(log logr.Logger, phase string) {
	if r := recover(); r != nil {
		log.Error(nil, "state hook panicked, continuing", "phase", phase, "panic", r)
	}
}
