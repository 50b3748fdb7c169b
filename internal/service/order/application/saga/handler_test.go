package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type funcHandler struct {
	NextHandler
	fn func(*OrderContext) error
}

func (h *funcHandler) Handle(c *OrderContext) error {
	if err := h.fn(c); err != nil {
		return err
	}
	return h.executeNext(c)
}

func newOrderContext() *OrderContext {
	return &OrderContext{Ctx: context.Background(), Tracer: noop.NewTracerProvider().Tracer("test")}
}

func TestExecuteRunsCompensationsInReverseOrder(t *testing.T) {
	var ran []string
	step := func(name string) *funcHandler {
		return &funcHandler{fn: func(c *OrderContext) error {
			c.AddCompensation(func(context.Context) error {
				ran = append(ran, name)
				return nil
			})
			return nil
		}}
	}
	first, second := step("first"), step("second")
	failing := &funcHandler{fn: func(*OrderContext) error { return errors.New("persist failed") }}
	first.SetNext(second).SetNext(failing)

	c := newOrderContext()
	err := Execute(c, first)
	require.EqualError(t, err, "persist failed")
	assert.Equal(t, []string{"second", "first"}, ran)
	assert.NoError(t, c.CompensationErr())
}

func TestExecuteSkipsCompensationsOnSuccess(t *testing.T) {
	called := false
	h := &funcHandler{fn: func(c *OrderContext) error {
		c.AddCompensation(func(context.Context) error { called = true; return nil })
		return nil
	}}
	require.NoError(t, Execute(newOrderContext(), h))
	assert.False(t, called)
}

func TestExecuteCompensatesOnPanic(t *testing.T) {
	released := false
	reserve := &funcHandler{fn: func(c *OrderContext) error {
		c.AddCompensation(func(context.Context) error { released = true; return nil })
		return nil
	}}
	reserve.SetNext(&funcHandler{fn: func(*OrderContext) error { panic("boom") }})

	assert.PanicsWithValue(t, "boom", func() { _ = Execute(newOrderContext(), reserve) })
	assert.True(t, released)
}

func TestCompensationFailureIsReported(t *testing.T) {
	second := false
	h := &funcHandler{fn: func(c *OrderContext) error {
		c.AddCompensation(func(context.Context) error { second = true; return nil })
		c.AddCompensation(func(context.Context) error { return errors.New("ledger down") })
		return errors.New("later step failed")
	}}
	c := newOrderContext()
	require.Error(t, Execute(c, h))
	assert.EqualError(t, c.CompensationErr(), "ledger down")
	assert.True(t, second, "remaining compensations still run")
}

func TestCompensationContextSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compCtxErr error
	h := &funcHandler{fn: func(c *OrderContext) error {
		c.AddCompensation(func(cc context.Context) error { compCtxErr = cc.Err(); return nil })
		cancel()
		return ctx.Err()
	}}
	c := newOrderContext()
	c.Ctx = ctx
	require.ErrorIs(t, Execute(c, h), context.Canceled)
	assert.NoError(t, compCtxErr)
}
