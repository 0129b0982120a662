//go:build !integration

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister_Idempotent(t *testing.T) {
	MustRegister()
	MustRegister()
}

func TestCounters_NormalizeLabels(t *testing.T) {
	before := testutil.ToFloat64(draftJobTransitionsTotal.WithLabelValues("completed"))
	IncDraftJobTransition(" Completed ")
	after := testutil.ToFloat64(draftJobTransitionsTotal.WithLabelValues("completed"))
	if after-before != 1 {
		t.Fatalf("expected one increment, got %v", after-before)
	}

	beforeLock := testutil.ToFloat64(enqueueLockTotal.WithLabelValues("contended"))
	IncEnqueueLock("CONTENDED")
	if got := testutil.ToFloat64(enqueueLockTotal.WithLabelValues("contended")); got-beforeLock != 1 {
		t.Fatalf("lock counter not incremented")
	}
}
