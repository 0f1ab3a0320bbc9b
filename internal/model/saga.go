package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// SagaStatus orchestrator state
type SagaStatus string

const (
	SagaStatusCreated               SagaStatus = "CREATED"
	SagaStatusReserving             SagaStatus = "RESERVING"
	SagaStatusReserved              SagaStatus = "RESERVED"
	SagaStatusConfirming            SagaStatus = "CONFIRMING"
	SagaStatusCompleted             SagaStatus = "COMPLETED"
	SagaStatusCompensating          SagaStatus = "COMPENSATING"
	SagaStatusCompensationCompleted SagaStatus = "COMPENSATION_COMPLETED"
	SagaStatusFailed                SagaStatus = "FAILED"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusCreated:      {SagaStatusReserving},
	SagaStatusReserving:    {SagaStatusReserved, SagaStatusCompensating},
	SagaStatusReserved:     {SagaStatusConfirming},
	SagaStatusConfirming:   {SagaStatusCompleted, SagaStatusCompensating, SagaStatusFailed},
	SagaStatusCompensating: {SagaStatusCompensationCompleted, SagaStatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func (s SagaStatus) CanTransition(to SagaStatus) bool {
	for _, next := range sagaTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal check status has no outgoing transitions
func (s SagaStatus) IsTerminal() bool {
	return len(sagaTransitions[s]) == 0
}

// StepState progress of one phase of a participant step
type StepState string

const (
	StepNone      StepState = ""
	StepPending   StepState = "PENDING"
	StepSucceeded StepState = "SUCCEEDED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
)

// SagaStep tracks one participant through reserve, confirm and compensation.
type SagaStep struct {
	Kind         string    `json:"kind"`
	Mode         string    `json:"mode"`
	Lines        []Line    `json:"lines,omitempty"`
	Reserve      StepState `json:"reserve"`
	Confirm      StepState `json:"confirm,omitempty"`
	Compensation StepState `json:"compensation,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NeedsCompensation a step holds capacity that nobody has released or consumed.
func (s *SagaStep) NeedsCompensation() bool {
	return s.Reserve == StepSucceeded && s.Confirm != StepSucceeded && s.Compensation == StepNone
}

// SagaTransaction orchestrator record, retained after completion for audit.
type SagaTransaction struct {
	ID           uint64                          `gorm:"primaryKey;autoIncrement;comment:row id" json:"-"`
	SagaID       string                          `gorm:"type:varchar(36);not null;uniqueIndex;comment:saga id" json:"saga_id"`
	OrderID      uint64                          `gorm:"not null;uniqueIndex;comment:order id" json:"order_id"`
	UserID       uint64                          `gorm:"not null;index;comment:user id" json:"user_id"`
	Status       SagaStatus                      `gorm:"type:varchar(30);not null;index;comment:saga status" json:"status"`
	Steps        datatypes.JSONType[[]SagaStep]  `gorm:"comment:participant steps" json:"steps"`
	ErrorMessage string                          `gorm:"type:varchar(1000);not null;default:'';comment:failure detail" json:"error_message,omitempty"`
	Version      int64                           `gorm:"not null;default:0;comment:optimistic lock version" json:"version"`
	CreatedAt    time.Time                       `gorm:"comment:created at" json:"created_at"`
	UpdatedAt    time.Time                       `gorm:"comment:updated at" json:"updated_at"`
}

func (SagaTransaction) TableName() string {
	return "saga_transactions"
}

// StepList returns a mutable copy of the steps; write it back with SetSteps.
func (s *SagaTransaction) StepList() []SagaStep {
	src := s.Steps.Data()
	out := make([]SagaStep, len(src))
	for i, st := range src {
		st.Lines = CloneLines(st.Lines)
		out[i] = st
	}
	return out
}

func (s *SagaTransaction) SetSteps(steps []SagaStep) {
	s.Steps = datatypes.NewJSONType(steps)
}

// Step returns a copy of the step for kind.
func (s *SagaTransaction) Step(kind string) (SagaStep, bool) {
	for _, st := range s.StepList() {
		if st.Kind == kind {
			return st, true
		}
	}
	return SagaStep{}, false
}

// TransitionTo moves the saga to next, rejecting moves the state machine forbids.
func (s *SagaTransaction) TransitionTo(next SagaStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("saga %s: illegal transition %s -> %s", s.SagaID, s.Status, next)
	}
	s.Status = next
	return nil
}

// Clone deep-copies the saga.
func (s *SagaTransaction) Clone() *SagaTransaction {
	c := *s
	c.SetSteps(s.StepList())
	return &c
}
