package status

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeSeverity(t *testing.T) {
	tests := []struct {
		code Code
		want Severity
	}{
		{CodeGood, SeverityGood},
		{CodePartialSuccess, SeverityUncertain},
		{CodeNotConnected, SeverityBad},
		{CodeDuplicateItem, SeverityBad},
		{CodeTimeout, SeverityBad},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Severity())
		})
	}
}

func TestResultErrGoodIsNil(t *testing.T) {
	assert.NoError(t, Good.Err())
	assert.True(t, Of(nil).IsGood())
}

func TestErrorKindMatching(t *testing.T) {
	err := New(CodeServerUnknown, "server %q not registered", "Sim.Server")

	assert.True(t, errors.Is(err, ErrConnection))
	assert.False(t, errors.Is(err, ErrNavigation))
	assert.Equal(t, CodeServerUnknown, Of(err).Code)
	assert.Contains(t, err.Error(), "Sim.Server")

	wrapped := fmt.Errorf("connect: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConnection))
	assert.Equal(t, CodeServerUnknown, Of(wrapped).Code)
}

func TestOfForeignErrors(t *testing.T) {
	assert.Equal(t, CodeTimeout, Of(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeInternal, Of(errors.New("boom")).Code)

	se := FromError(context.DeadlineExceeded)
	require.NotNil(t, se)
	assert.True(t, errors.Is(se, ErrTimeout))
	assert.True(t, errors.Is(se, context.DeadlineExceeded))
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate(3, 0).IsGood())

	partial := Aggregate(3, 1)
	assert.True(t, partial.IsUncertain())
	assert.True(t, errors.Is(partial.Err(), ErrPartialBatch))

	all := Aggregate(3, 3)
	assert.True(t, all.IsBad())
	assert.Equal(t, CodeBatchFailed, all.Code)
}

func TestQualityText(t *testing.T) {
	assert.Equal(t, "Good: Non-specific, Limit: Not Limited", QualityGood.String())
	assert.Equal(t, "Bad: Communication Failure, Limit: Not Limited", QualityCommFailure.String())
	assert.Equal(t, "Uncertain: Last Usable Value, Limit: High Limited", QualityLastUsable.WithLimit(LimitHigh).String())
	assert.Equal(t, "Good: Local Override, Limit: Constant", QualityLocalOverride.WithLimit(LimitConst).String())
}

func TestQualitySeverity(t *testing.T) {
	assert.True(t, QualityGood.IsGood())
	assert.True(t, QualitySensorCal.IsUncertain())
	assert.True(t, QualityNotConnected.IsBad())
	assert.Equal(t, SeverityGood, QualityLocalOverride.Severity())
}
