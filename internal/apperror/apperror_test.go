package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndReason(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantReason string
	}{
		{"validation", Validation(ReasonInvalidStake, "stake %d too small", 0), KindValidation, ReasonInvalidStake},
		{"conflict", Conflict(ReasonAlreadySettled, "bet settled"), KindConflict, ReasonAlreadySettled},
		{"wrapped conflict", fmt.Errorf("cash out: %w", Conflict(ReasonNoActiveBet, "none")), KindConflict, ReasonNoActiveBet},
		{"not found", NotFound("round %s", "x"), KindNotFound, ReasonNotFound},
		{"persistence", Persistence(errors.New("timeout"), "write hold"), KindPersistence, ReasonSettlementPending},
		{"plain error", errors.New("boom"), "", ReasonInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, KindOf(tt.err))
			assert.Equal(t, tt.wantReason, ReasonOf(tt.err))
		})
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	cause := errors.New("pq: connection refused on 10.0.0.3")
	err := Persistence(cause, "insert ledger row")

	assert.NotContains(t, PublicMessage(err), "10.0.0.3")
	assert.NotContains(t, PublicMessage(errors.New("raw")), "raw")
	assert.Equal(t, "stake too small", PublicMessage(Validation(ReasonInvalidStake, "stake too small")))
	assert.ErrorIs(t, err, cause)
}
