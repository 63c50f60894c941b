package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/types"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestObserveCompile(t *testing.T) {
	ok := Compilations.WithLabelValues(ResultOK)
	empty := Compilations.WithLabelValues(string(rferrors.ErrEmptyStack))
	other := Compilations.WithLabelValues(ResultError)
	okBefore, emptyBefore, otherBefore := counterValue(t, ok), counterValue(t, empty), counterValue(t, other)

	ObserveCompile(nil)
	ObserveCompile(rferrors.New(rferrors.ErrEmptyStack, "empty"))
	ObserveCompile(errors.New("plain"))

	assert.Equal(t, okBefore+1, counterValue(t, ok))
	assert.Equal(t, emptyBefore+1, counterValue(t, empty))
	assert.Equal(t, otherBefore+1, counterValue(t, other))
}

func TestObserveTransition(t *testing.T) {
	blocked := WizardTransitions.WithLabelValues("test_stack", "test_stack", ResultBlocked)
	advanced := WizardTransitions.WithLabelValues("test_stack", "response", ResultOK)
	b0, a0 := counterValue(t, blocked), counterValue(t, advanced)

	ObserveTransition(types.StepTestStack, types.StepTestStack, false)
	ObserveTransition(types.StepTestStack, types.StepResponse, true)

	assert.Equal(t, b0+1, counterValue(t, blocked))
	assert.Equal(t, a0+1, counterValue(t, advanced))
}

func TestObserveSubmissionAndImport(t *testing.T) {
	failed := Submissions.WithLabelValues("building_block", string(rferrors.ErrSubmissionFailed))
	f0 := counterValue(t, failed)
	ObserveSubmission(types.KindBuildingBlock, rferrors.New(rferrors.ErrSubmissionFailed, "down"))
	assert.Equal(t, f0+1, counterValue(t, failed))

	imported := ImportedDocuments.WithLabelValues(ResultOK)
	i0 := counterValue(t, imported)
	ObserveImport(nil)
	assert.Equal(t, i0+1, counterValue(t, imported))
}

func TestObserveLogRotation(t *testing.T) {
	ok := LogRotations.WithLabelValues(ResultOK)
	failed := LogRotations.WithLabelValues(ResultError)
	okBefore, failedBefore := counterValue(t, ok), counterValue(t, failed)

	ObserveLogRotation(nil)
	ObserveLogRotation(errors.New("rename failed"))

	assert.Equal(t, okBefore+1, counterValue(t, ok))
	assert.Equal(t, failedBefore+1, counterValue(t, failed))
}
