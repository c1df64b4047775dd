// Package dispatch routes finished domain events to registered subscriber
// callbacks. Dispatch is fan-out: every matching subscription is invoked in
// registration order, and one failing handler never blocks the others.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pgcdc-io/pgcdc/pkg/event"
)

// AnyType matches every event type in a subscription filter.
const AnyType event.Type = -1

// Wildcard matches any value in one segment of a table pattern.
const Wildcard = "*"

// Handler is a subscriber callback. A returned error is logged with the
// event's context and does not affect other handlers or the stream.
type Handler func(ctx context.Context, ev *event.Event) error

// TablePattern is a parsed "schema.table" pattern where either segment may
// be the wildcard "*".
type TablePattern struct {
	Schema string
	Table  string
}

// ParseTablePattern parses a "schema.table" pattern string.
func ParseTablePattern(pattern string) (TablePattern, error) {
	schema, table, ok := strings.Cut(pattern, ".")
	if !ok || schema == "" || table == "" {
		return TablePattern{}, fmt.Errorf(`dispatch: table pattern %q must be "schema.table"`, pattern)
	}
	return TablePattern{Schema: schema, Table: table}, nil
}

// Matches reports whether the pattern covers the given table. Each segment
// matches on equality or on the wildcard.
func (p TablePattern) Matches(schema, table string) bool {
	if p.Schema != Wildcard && p.Schema != schema {
		return false
	}
	return p.Table == Wildcard || p.Table == table
}

// String returns the pattern in its "schema.table" form.
func (p TablePattern) String() string {
	return p.Schema + "." + p.Table
}

// Subscription pairs a filter with a handler.
type Subscription struct {
	// Type is the event type filter; AnyType matches all.
	Type event.Type
	// Pattern is the table filter.
	Pattern TablePattern
	// Handler receives matching events.
	Handler Handler
}

// matches reports whether the subscription covers the event.
func (s *Subscription) matches(ev *event.Event) bool {
	if s.Type != AnyType && s.Type != ev.Type {
		return false
	}
	return s.Pattern.Matches(ev.Schema, ev.Table)
}

// Dispatcher holds the subscription registry and fans events out to it.
//
// Subscriptions are registered before streaming starts; the registry is
// append-only during a run. Handlers run synchronously on the stream's
// goroutine, so a slow handler throttles the stream and acknowledgement of
// WAL positions with it.
type Dispatcher struct {
	logger logrus.FieldLogger
	subs   []*Subscription
}

// NewDispatcher creates an empty dispatcher reporting handler failures to
// the given logger.
func NewDispatcher(logger logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers a handler for events matching the type filter and
// "schema.table" pattern. Use AnyType and "*.*" to receive everything.
func (d *Dispatcher) Subscribe(eventType event.Type, pattern string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("dispatch: nil handler for pattern %q", pattern)
	}

	parsed, err := ParseTablePattern(pattern)
	if err != nil {
		return err
	}

	d.subs = append(d.subs, &Subscription{
		Type:    eventType,
		Pattern: parsed,
		Handler: handler,
	})
	return nil
}

// Len returns the number of registered subscriptions.
func (d *Dispatcher) Len() int {
	return len(d.subs)
}

// Dispatch invokes every matching subscription in registration order and
// returns the number of handlers invoked. Handler errors and panics are
// logged with the event's context and contained per handler.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) int {
	invoked := 0
	for i, sub := range d.subs {
		if !sub.matches(ev) {
			continue
		}
		invoked++
		if err := d.invoke(ctx, sub, ev); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"subscription": i,
				"pattern":      sub.Pattern.String(),
				"event":        ev.Type.String(),
				"relation":     ev.QualifiedName(),
				"xid":          ev.XID,
			}).Error("subscriber handler failed")
		}
	}
	return invoked
}

// invoke runs one handler, converting a panic into an error so a broken
// subscriber cannot take down the stream.
func (d *Dispatcher) invoke(ctx context.Context, sub *Subscription, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.Handler(ctx, ev)
}
