// Package events carries lifecycle events from the job manager to observers.
package events

import (
	"context"
	"errors"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// Emitter receives every event after the state change it describes is stored.
type Emitter interface {
	Emit(ctx context.Context, e types.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e types.Event) error

func (f EmitterFunc) Emit(ctx context.Context, e types.Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, types.Event) error { return nil })

// Fanout forwards each event to every emitter and joins their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, e types.Event) error {
	var errs []error
	for _, em := range f {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
