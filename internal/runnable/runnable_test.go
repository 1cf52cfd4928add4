package runnable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallInvokesFnThenFreeArg(t *testing.T) {
	var order []string
	r := New("r", func(arg any) int {
		order = append(order, "fn")
		return arg.(int)
	}, 5, func(any) {
		order = append(order, "free")
	})

	got := r.Call()
	assert.Equal(t, 5, got)
	assert.Equal(t, []string{"fn", "free"}, order)
}

func TestCallTwiceOnSameRunnablePanics(t *testing.T) {
	r := New("r", func(any) int { return 0 }, nil, nil)
	r.Call()
	assert.Panics(t, func() { r.Call() })
}

func TestCallWithNilFnReturnsZero(t *testing.T) {
	r := New("r", nil, nil, nil)
	assert.Equal(t, 0, r.Call())
}

func TestFreeArgRunsEvenWhenFnPanics(t *testing.T) {
	freed := false
	r := New("r", func(any) int { panic("boom") }, nil, func(any) { freed = true })

	assert.Panics(t, func() { r.Call() })
	assert.True(t, freed)
}
