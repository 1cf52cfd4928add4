package signalthread

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndDispatch(t *testing.T) {
	d := New()
	var got atomic.Int32
	done := make(chan struct{})

	d.Register(syscall.SIGUSR1, func(sig os.Signal) {
		got.Store(1)
		close(done)
	})
	d.Start()
	defer d.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	assert.Equal(t, int32(1), got.Load())
}

func TestRegisterReplacesHandler(t *testing.T) {
	d := New()
	old := d.Register(syscall.SIGUSR2, func(os.Signal) {})
	assert.Nil(t, old)

	replaced := d.Register(syscall.SIGUSR2, func(os.Signal) {})
	assert.NotNil(t, replaced)
}

func TestStopIsIdempotent(t *testing.T) {
	d := New()
	d.Start()
	assert.NotPanics(t, func() {
		d.Stop()
		d.Stop()
	})
}

func TestStartIsIdempotent(t *testing.T) {
	d := New()
	d.Start()
	d.Start()
	d.Stop()
}
