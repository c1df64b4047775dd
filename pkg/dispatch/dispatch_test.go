package dispatch_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgcdc-io/pgcdc/pkg/dispatch"
	"github.com/pgcdc-io/pgcdc/pkg/event"
)

func testDispatcher() *dispatch.Dispatcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return dispatch.NewDispatcher(logger)
}

func insertEvent(schema, table string) *event.Event {
	return &event.Event{Type: event.Insert, XID: 5, Schema: schema, Table: table}
}

// recorder collects the events a subscription received.
type recorder struct {
	events []*event.Event
}

func (r *recorder) handle(_ context.Context, ev *event.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestParseTablePattern(t *testing.T) {
	tests := []struct {
		input   string
		schema  string
		table   string
		wantErr bool
	}{
		{"public.actors", "public", "actors", false},
		{"public.*", "public", "*", false},
		{"*.*", "*", "*", false},
		{"noseparator", "", "", true},
		{".table", "", "", true},
		{"schema.", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, err := dispatch.ParseTablePattern(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.schema, p.Schema)
			assert.Equal(t, tt.table, p.Table)
			assert.Equal(t, tt.input, p.String())
		})
	}
}

func TestTablePatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		schema  string
		table   string
		want    bool
	}{
		{"public.actors", "public", "actors", true},
		{"public.actors", "public", "users", false},
		{"public.*", "public", "actors", true},
		{"public.*", "public", "users", true},
		{"public.*", "other", "actors", false},
		{"*.*", "public", "actors", true},
		{"*.*", "other", "anything", true},
		{"*.actors", "other", "actors", true},
		{"*.actors", "other", "users", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.schema+"."+tt.table, func(t *testing.T) {
			p, err := dispatch.ParseTablePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Matches(tt.schema, tt.table))
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	d := testDispatcher()

	assert.Error(t, d.Subscribe(event.Insert, "bad-pattern", func(context.Context, *event.Event) error { return nil }))
	assert.Error(t, d.Subscribe(event.Insert, "public.actors", nil))
	assert.Equal(t, 0, d.Len())
}

func TestDispatchTypeFilter(t *testing.T) {
	d := testDispatcher()

	updates := &recorder{}
	all := &recorder{}
	require.NoError(t, d.Subscribe(event.Update, "*.*", updates.handle))
	require.NoError(t, d.Subscribe(dispatch.AnyType, "*.*", all.handle))

	ins := insertEvent("public", "actors")
	n := d.Dispatch(context.Background(), ins)

	// The UPDATE-only subscription does not receive INSERT events.
	assert.Equal(t, 1, n)
	assert.Empty(t, updates.events)
	assert.Len(t, all.events, 1)

	upd := &event.Event{Type: event.Update, Schema: "public", Table: "actors"}
	n = d.Dispatch(context.Background(), upd)
	assert.Equal(t, 2, n)
	assert.Len(t, updates.events, 1)
	assert.Len(t, all.events, 2)
}

func TestDispatchFanOutInRegistrationOrder(t *testing.T) {
	d := testDispatcher()

	var order []string
	sub := func(name string) dispatch.Handler {
		return func(context.Context, *event.Event) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, d.Subscribe(dispatch.AnyType, "public.actors", sub("first")))
	require.NoError(t, d.Subscribe(dispatch.AnyType, "public.*", sub("second")))
	require.NoError(t, d.Subscribe(dispatch.AnyType, "*.*", sub("third")))
	require.NoError(t, d.Subscribe(dispatch.AnyType, "other.*", sub("never")))

	n := d.Dispatch(context.Background(), insertEvent("public", "actors"))

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatchHandlerErrorDoesNotStopOthers(t *testing.T) {
	d := testDispatcher()

	after := &recorder{}
	require.NoError(t, d.Subscribe(dispatch.AnyType, "*.*", func(context.Context, *event.Event) error {
		return errors.New("handler exploded")
	}))
	require.NoError(t, d.Subscribe(dispatch.AnyType, "*.*", after.handle))

	n := d.Dispatch(context.Background(), insertEvent("public", "actors"))

	assert.Equal(t, 2, n)
	assert.Len(t, after.events, 1)
}

func TestDispatchHandlerPanicIsContained(t *testing.T) {
	d := testDispatcher()

	after := &recorder{}
	require.NoError(t, d.Subscribe(dispatch.AnyType, "*.*", func(context.Context, *event.Event) error {
		panic("boom")
	}))
	require.NoError(t, d.Subscribe(dispatch.AnyType, "*.*", after.handle))

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), insertEvent("public", "actors"))
	})
	assert.Len(t, after.events, 1)
}

func TestDispatchNoMatches(t *testing.T) {
	d := testDispatcher()

	rec := &recorder{}
	require.NoError(t, d.Subscribe(dispatch.AnyType, "other.actors", rec.handle))

	n := d.Dispatch(context.Background(), insertEvent("public", "actors"))
	assert.Equal(t, 0, n)
	assert.Empty(t, rec.events)
}
