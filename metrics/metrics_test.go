package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/colorfulnotion/shieldsync/walleterrors"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "kernel_error", outcome(&walleterrors.KernelError{Op: "x"}))
	assert.Equal(t, "closed", outcome(walleterrors.NewKernelError("x", walleterrors.ErrBridgeClosed)))
	assert.Equal(t, "kernel_error", outcome(walleterrors.NewKernelError("x", context.Canceled)))
	assert.Equal(t, "error", outcome(errors.New("boom")))
}

func TestKernelObserve(t *testing.T) {
	m := Kernel()
	before := testutil.ToFloat64(m.calls.WithLabelValues("load_prover", "ok"))
	m.Observe("load_prover", nil, 10*time.Millisecond)
	after := testutil.ToFloat64(m.calls.WithLabelValues("load_prover", "ok"))
	assert.Equal(t, before+1, after)
}

func TestSyncAndTx(t *testing.T) {
	s := Sync()
	s.BlockApplied(420)
	assert.Equal(t, float64(420), testutil.ToFloat64(s.height))

	tx := Tx()
	tx.Event("created", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(tx.pending))
	assert.GreaterOrEqual(t, testutil.ToFloat64(tx.events.WithLabelValues("created")), float64(1))
}
