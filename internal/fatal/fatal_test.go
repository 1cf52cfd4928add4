package fatal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvariantPanics(t *testing.T) {
	assert.PanicsWithValue(t, "fatal invariant violation: worker count mismatch", func() {
		Invariant("worker count mismatch", "stage", "ingress", "exited", 2, "n_workers", 3)
	})
}
