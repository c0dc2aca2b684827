package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Owner identifies the execution role allowed to mutate owner-restricted state.
// It stands in for thread identity: each simulation unit and each driver gets one.
type Owner uint64

// NoOwner places no owner restriction on a context.
const NoOwner Owner = 0

var lastOwner atomic.Uint64

// NewOwner allocates a process-unique owner token.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

// Context is the current stage and owner of a piece of running work, plus
// the tick it belongs to. It is passed explicitly into every stage callback.
type Context struct {
	Stage Stage
	Owner Owner
	Tick  uint64
	Delta time.Duration
}

// New returns a context for work running in stage st on behalf of owner.
func New(st Stage, owner Owner, tick uint64, delta time.Duration) Context {
	return Context{Stage: st, Owner: owner, Tick: tick, Delta: delta}
}

// WithOwner returns a copy of c running on behalf of owner.
func (c Context) WithOwner(owner Owner) Context {
	c.Owner = owner
	return c
}

// Require checks that c runs in one of the allowed stages and, when owners
// are given, on behalf of one of them.
func (c Context) Require(allowed Mask, owners ...Owner) error {
	if !allowed.Has(c.Stage) {
		return &AccessError{Stage: c.Stage, Allowed: allowed, Owner: c.Owner}
	}
	if len(owners) == 0 {
		return nil
	}
	for _, o := range owners {
		if o == c.Owner {
			return nil
		}
	}
	return &AccessError{Stage: c.Stage, Allowed: allowed, Owner: c.Owner, Expected: owners}
}

// MustRequire is Require that panics on violation.
func (c Context) MustRequire(allowed Mask, owners ...Owner) {
	if err := c.Require(allowed, owners...); err != nil {
		panic(err)
	}
}

// AccessError is a stage-sequencing violation: a collaborator touched state
// from a stage or owner it is not allowed to. Never recovered.
type AccessError struct {
	Stage    Stage
	Allowed  Mask
	Owner    Owner
	Expected []Owner
}

func (e *AccessError) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("stage access violation: in %s, allowed %s", e.Stage, e.Allowed)
	}
	exp := make([]string, len(e.Expected))
	for i, o := range e.Expected {
		exp[i] = fmt.Sprint(uint64(o))
	}
	return fmt.Sprintf("stage access violation: owner %d in %s, expected owner %s",
		e.Owner, e.Stage, strings.Join(exp, "|"))
}

// IsAccessError reports whether err wraps an *AccessError.
func IsAccessError(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae)
}

type ctxKey struct{}

// WithContext attaches sc to ctx for work items that only receive a context.Context.
func WithContext(ctx context.Context, sc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext returns the stage context attached to ctx. Async work never has one.
func FromContext(ctx context.Context) (Context, bool) {
	sc, ok := ctx.Value(ctxKey{}).(Context)
	return sc, ok
}
