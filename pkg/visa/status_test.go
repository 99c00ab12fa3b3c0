package visa

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusValues(t *testing.T) {
	tests := []struct {
		status Status
		raw    uint32
	}{
		{Success, 0},
		{SuccessTermChar, 0x3FFF0005},
		{SuccessMaxCnt, 0x3FFF0006},
		{SuccessQueueNEmpty, 0x3FFF0080},
		{ErrorSystemError, 0xBFFF0000},
		{ErrorTmo, 0xBFFF0015},
		{ErrorRsrcNFound, 0xBFFF0011},
		{ErrorInvObject, 0xBFFF000E},
		{ErrorNsupOper, 0xBFFF0067},
		{ErrorConnLost, 0xBFFF00A6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.raw, uint32(tt.status), tt.status.Name())
	}
}

func TestStatusOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Success.Outcome())
	assert.Equal(t, OutcomeQualified, SuccessMaxCnt.Outcome())
	assert.Equal(t, OutcomeQualified, WarnQueueOverflow.Outcome())
	assert.Equal(t, OutcomeFailure, ErrorTmo.Outcome())

	assert.True(t, SuccessTermChar.IsQualified())
	assert.False(t, Success.IsQualified())
	assert.True(t, ErrorIO.Failed())
	assert.False(t, SuccessEventEn.Failed())
}

func TestStatusDescription(t *testing.T) {
	assert.Equal(t, "Operation completed successfully.", Success.Description())
	assert.Equal(t, "Timeout expired before operation completed.", ErrorTmo.Description())
	assert.Equal(t, "Unknown status 0xBFFF0FFF", Status(-0x4000F001).Description())

	assert.Equal(t, "VI_ERROR_RSRC_NFOUND", ErrorRsrcNFound.Name())
	assert.Equal(t, "0x3FFF0FFF", Status(0x3FFF0FFF).Name())
}

func TestLookupStatus(t *testing.T) {
	st, ok := LookupStatus("VI_SUCCESS_MAX_CNT")
	assert.True(t, ok)
	assert.Equal(t, SuccessMaxCnt, st)

	_, ok = LookupStatus("VI_ERROR_NOPE")
	assert.False(t, ok)
}

func TestErrorMatching(t *testing.T) {
	err := newError("Read", "GPIB0::22::INSTR", ErrorTmo, errors.New("deadline"))
	wrapped := fmt.Errorf("measure: %w", err)

	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.NotErrorIs(t, wrapped, ErrResourceNotFound)
	assert.Equal(t, ErrorTmo, StatusOf(wrapped))
	assert.Equal(t, Success, StatusOf(nil))
	assert.Equal(t, ErrorSystemError, StatusOf(errors.New("other")))
	assert.Contains(t, err.Error(), "VI_ERROR_TMO")
	assert.Contains(t, err.Error(), "GPIB0::22::INSTR")
}
