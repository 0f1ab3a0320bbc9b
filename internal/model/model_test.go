package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaTransitions(t *testing.T) {
	tests := []struct {
		from, to SagaStatus
		allowed  bool
	}{
		{SagaStatusCreated, SagaStatusReserving, true},
		{SagaStatusReserving, SagaStatusReserved, true},
		{SagaStatusReserving, SagaStatusCompensating, true},
		{SagaStatusReserved, SagaStatusConfirming, true},
		{SagaStatusConfirming, SagaStatusCompleted, true},
		{SagaStatusConfirming, SagaStatusCompensating, true},
		{SagaStatusCompensating, SagaStatusCompensationCompleted, true},
		{SagaStatusCompensating, SagaStatusFailed, true},
		{SagaStatusCreated, SagaStatusCompleted, false},
		{SagaStatusReserving, SagaStatusCompleted, false},
		{SagaStatusCompleted, SagaStatusCompensating, false},
		{SagaStatusFailed, SagaStatusCompensating, false},
		{SagaStatusCompensationCompleted, SagaStatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, SagaStatusCompleted.IsTerminal())
	assert.True(t, SagaStatusFailed.IsTerminal())
	assert.True(t, SagaStatusCompensationCompleted.IsTerminal())
	assert.False(t, SagaStatusCompensating.IsTerminal())
}

func TestSagaTransitionTo(t *testing.T) {
	s := &SagaTransaction{SagaID: "s1", Status: SagaStatusCreated}
	require.NoError(t, s.TransitionTo(SagaStatusReserving))
	assert.Equal(t, SagaStatusReserving, s.Status)

	err := s.TransitionTo(SagaStatusCompleted)
	assert.ErrorContains(t, err, "illegal transition RESERVING -> COMPLETED")
	assert.Equal(t, SagaStatusReserving, s.Status)
}

func TestSagaStepsCopy(t *testing.T) {
	s := &SagaTransaction{SagaID: "s1"}
	s.SetSteps([]SagaStep{{Kind: "stock", Lines: []Line{{ResourceID: 1, Amount: 2}}, Reserve: StepPending}})

	clone := s.Clone()
	steps := clone.StepList()
	steps[0].Reserve = StepSucceeded
	steps[0].Lines[0].Amount = 99
	clone.SetSteps(steps)

	orig, ok := s.Step("stock")
	require.True(t, ok)
	assert.Equal(t, StepPending, orig.Reserve)
	assert.Equal(t, int64(2), orig.Lines[0].Amount)

	_, ok = s.Step("point")
	assert.False(t, ok)
}

func TestSagaStepsJSON(t *testing.T) {
	s := &SagaTransaction{SagaID: "s1", Status: SagaStatusReserving}
	s.SetSteps([]SagaStep{{Kind: "coupon", Mode: "async", Reserve: StepPending}})

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"steps":[{"kind":"coupon","mode":"async","reserve":"PENDING"`)
}

func TestNeedsCompensation(t *testing.T) {
	tests := []struct {
		name string
		step SagaStep
		want bool
	}{
		{"reserved", SagaStep{Reserve: StepSucceeded}, true},
		{"pending reserve", SagaStep{Reserve: StepPending}, false},
		{"failed reserve", SagaStep{Reserve: StepFailed}, false},
		{"skipped", SagaStep{Reserve: StepSkipped}, false},
		{"confirmed", SagaStep{Reserve: StepSucceeded, Confirm: StepSucceeded}, false},
		{"confirm pending", SagaStep{Reserve: StepSucceeded, Confirm: StepPending}, true},
		{"already compensating", SagaStep{Reserve: StepSucceeded, Compensation: StepPending}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.step.NeedsCompensation())
		})
	}
}

func TestLedgerEntry(t *testing.T) {
	now := time.Now()
	r := NewLedgerEntry("s1", 10, 20, Line{ResourceID: 3, Amount: 4}, ReservationTypeReserve, now)
	assert.Equal(t, StageReserve, r.Stage)
	assert.False(t, r.IsFinalization())

	c := NewLedgerEntry("s1", 10, 20, Line{ResourceID: 3, Amount: 4}, ReservationTypeCancel, now)
	assert.Equal(t, StageFinalize, c.Stage)
	assert.True(t, c.IsFinalization())

	assert.Equal(t, "stock_reservations", ReservationTable("stock"))
	assert.Equal(t, "coupon_reservations", ReservationTable("coupon"))
	assert.Equal(t, "point_reservations", ReservationTable("point"))
	assert.Empty(t, ReservationTable("wallet"))
}

func TestCapacity(t *testing.T) {
	now := time.Now()
	coupon := &Coupon{UserID: 1, Status: CouponStatusAvailable, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, coupon.IsUsable(1, now))
	assert.False(t, coupon.IsUsable(2, now))
	assert.False(t, coupon.IsUsable(1, now.Add(2*time.Hour)))
	coupon.Status = CouponStatusReserved
	assert.False(t, coupon.IsUsable(1, now))

	assert.Equal(t, int64(7), (&ProductOption{Stock: 10, Reserved: 3}).Available())
	assert.Equal(t, int64(0), (&PointBalance{Balance: 5, Reserved: 5}).Available())
}
