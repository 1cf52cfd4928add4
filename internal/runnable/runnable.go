// Package runnable bundles a one-shot callable: a function, its
// argument, and an optional argument-freeup hook invoked exactly once
// after the function returns.
//
// Go's closures make the (fn, arg) split mostly unnecessary; threadh.Handle
// stores its own MainFunc and argument and does not use this package.
// Callers that need to invoke a body more than once — callout.Task's
// periodic proc, notably — can't use Runnable's one-shot Call and
// instead hold Func/Arg/FreeArg directly.
package runnable

// Func is the body of a Runnable. It receives the stored argument and
// returns a result code understood by the caller (callout.Task's Proc
// has this type).
type Func func(arg any) int

// Runnable is a one-shot callable: Call invokes Fn once, then — exactly
// once, regardless of whether Fn panics — invokes FreeArg if set.
type Runnable struct {
	Name    string
	Fn      Func
	Arg     any
	FreeArg func(arg any)

	called bool
}

// New constructs a Runnable. A nil fn is allowed: Call then returns 0
// and still runs FreeArg.
func New(name string, fn Func, arg any, freeArg func(arg any)) *Runnable {
	return &Runnable{Name: name, Fn: fn, Arg: arg, FreeArg: freeArg}
}

// Call runs Fn(Arg) and then FreeArg(Arg), in that order, unconditionally
// and exactly once. It panics if called more than once on the same
// Runnable, since that would double-free Arg.
func (r *Runnable) Call() int {
	if r.called {
		panic("runnable: Call invoked more than once")
	}
	r.called = true
	defer func() {
		if r.FreeArg != nil {
			r.FreeArg(r.Arg)
		}
	}()
	if r.Fn == nil {
		return 0
	}
	return r.Fn(r.Arg)
}
