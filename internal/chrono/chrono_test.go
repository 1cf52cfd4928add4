package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineChanFiresAfterTimeout(t *testing.T) {
	ch, stop := DeadlineChan(10 * time.Millisecond)
	defer stop()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("deadline channel never fired")
	}
}

func TestDeadlineChanNegativeTimeoutNeverFires(t *testing.T) {
	ch, stop := DeadlineChan(-1)
	defer stop()

	select {
	case <-ch:
		t.Fatal("deadline channel fired despite negative timeout")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Nil(t, ch)
}

func TestDeadlineChanStopPreventsLeak(t *testing.T) {
	ch, stop := DeadlineChan(time.Hour)
	stop()
	select {
	case <-ch:
		t.Fatal("deadline channel fired after stop")
	default:
	}
}
