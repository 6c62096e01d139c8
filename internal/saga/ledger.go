package saga

import (
	"errors"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// Step is one participant's part of the saga.
type Step string

const (
	StepPayment   Step = "payment"
	StepInventory Step = "inventory"
	StepShipping  Step = "shipping"
)

// Steps lists the steps in the order their compensations are requested.
var Steps = []Step{StepPayment, StepInventory, StepShipping}

type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRequested          StepStatus = "requested"
	StepSucceeded          StepStatus = "succeeded"
	StepFailed             StepStatus = "failed"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// rank orders statuses. A step only moves to a higher rank, which makes
// folding the same event twice a no-op.
func (s StepStatus) rank() int {
	switch s {
	case StepRequested:
		return 1
	case StepSucceeded, StepFailed:
		return 2
	case StepCompensating:
		return 3
	case StepCompensated, StepCompensationFailed:
		return 4
	}
	return 0
}

type State string

const (
	StateRunning      State = "running"
	StateCompensating State = "compensating"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateEscalated    State = "escalated"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateEscalated
}

var ErrTerminal = errors.New("saga already finished")

type transition struct {
	step   Step
	status StepStatus
}

var transitions = map[events.Type]transition{
	events.PaymentRequested:       {StepPayment, StepRequested},
	events.PaymentCompleted:       {StepPayment, StepSucceeded},
	events.PaymentFailed:          {StepPayment, StepFailed},
	events.PaymentRefundRequested: {StepPayment, StepCompensating},
	events.PaymentRefunded:        {StepPayment, StepCompensated},
	events.PaymentRefundFailed:    {StepPayment, StepCompensationFailed},

	events.InventoryReserveRequested: {StepInventory, StepRequested},
	events.InventoryReserved:         {StepInventory, StepSucceeded},
	events.InventoryReserveFailed:    {StepInventory, StepFailed},
	events.InventoryReleaseRequested: {StepInventory, StepCompensating},
	events.InventoryReleased:         {StepInventory, StepCompensated},

	events.ShippingPrepareRequested: {StepShipping, StepRequested},
	events.ShippingPrepared:         {StepShipping, StepSucceeded},
	events.ShippingDispatched:       {StepShipping, StepSucceeded},
	events.ShippingPrepareFailed:    {StepShipping, StepFailed},
	events.ShippingCancelRequested:  {StepShipping, StepCompensating},
	events.ShippingCancelled:        {StepShipping, StepCompensated},
	events.ReturnInitiated:          {StepShipping, StepCompensated},
}

var compensations = map[Step]events.Type{
	StepPayment:   events.PaymentRefundRequested,
	StepInventory: events.InventoryReleaseRequested,
	StepShipping:  events.ShippingCancelRequested,
}

// Compensation returns the request that undoes s.
func Compensation(s Step) events.Type {
	return compensations[s]
}

// Ledger is the folded state of one saga.
type Ledger struct {
	State         State               `json:"state"`
	Steps         map[Step]StepStatus `json:"steps"`
	Dispatched    bool                `json:"dispatched,omitempty"`
	Delivered     bool                `json:"delivered,omitempty"`
	Returned      bool                `json:"returned,omitempty"`
	FailureReason string              `json:"failureReason,omitempty"`
}

func NewLedger() Ledger {
	l := Ledger{State: StateRunning, Steps: make(map[Step]StepStatus, len(Steps))}
	for _, s := range Steps {
		l.Steps[s] = StepPending
	}
	return l
}

func (l *Ledger) status(s Step) StepStatus {
	if st, ok := l.Steps[s]; ok {
		return st
	}
	return StepPending
}

func (l *Ledger) set(s Step, st StepStatus) bool {
	if l.Steps == nil {
		l.Steps = map[Step]StepStatus{}
	}
	if st.rank() <= l.status(s).rank() {
		return false
	}
	l.Steps[s] = st
	return true
}

// Apply folds one event into the ledger and reports whether it changed.
// reason is the failure reason carried by *_failed events.
func (l *Ledger) Apply(t events.Type, reason string) bool {
	changed := false
	if tr, ok := transitions[t]; ok {
		changed = l.set(tr.step, tr.status)
		switch tr.status {
		case StepFailed:
			changed = l.fail(string(t), reason) || changed
		case StepCompensationFailed:
			if l.State != StateEscalated && l.State != StateCompleted {
				l.State = StateEscalated
				changed = true
			}
		}
	}

	switch t {
	case events.ShippingDispatched:
		changed = setFlag(&l.Dispatched) || changed
	case events.ShippingDelivered:
		changed = setFlag(&l.Delivered) || changed
	case events.ReturnInitiated:
		changed = setFlag(&l.Returned) || changed
	case events.OrderCompleted:
		if !l.State.Terminal() {
			l.State = StateCompleted
			changed = true
		}
	case events.OrderCancelled:
		if !l.State.Terminal() {
			l.State = StateCancelled
			changed = true
		}
	}
	return changed
}

// Cancel fails a running saga on request of the user.
func (l *Ledger) Cancel(reason string) error {
	if l.State.Terminal() {
		return ErrTerminal
	}
	l.fail("cancelled", reason)
	return nil
}

func (l *Ledger) fail(cause, reason string) bool {
	if l.State != StateRunning {
		return false
	}
	l.State = StateCompensating
	l.FailureReason = cause
	if reason != "" {
		l.FailureReason += ": " + reason
	}
	return true
}

func setFlag(f *bool) bool {
	if *f {
		return false
	}
	*f = true
	return true
}

// Next decides what the originating participant publishes after the ledger
// changed and records those requests in the ledger, so asking twice yields
// nothing new.
//
// While the saga runs, a completed payment leads to the inventory
// reservation, and the saga completes once payment and inventory succeeded
// and the parcel is dispatched. Once it failed, every step that succeeded is
// compensated, including steps that only succeed after the failure, and the
// saga is cancelled when no step is left in flight or uncompensated. An
// escalated saga keeps compensating but is never cancelled.
func (l *Ledger) Next() []events.Type {
	var out []events.Type
	switch l.State {
	case StateRunning:
		if l.status(StepPayment) == StepSucceeded && l.status(StepInventory) == StepPending {
			l.set(StepInventory, StepRequested)
			out = append(out, events.InventoryReserveRequested)
		}
		if l.status(StepPayment) == StepSucceeded && l.status(StepInventory) == StepSucceeded && l.Dispatched {
			l.State = StateCompleted
			out = append(out, events.OrderCompleted)
		}
	case StateCompensating, StateEscalated:
		for _, s := range Steps {
			if l.status(s) == StepSucceeded {
				l.set(s, StepCompensating)
				out = append(out, compensations[s])
			}
		}
		if l.State == StateCompensating && l.settled() {
			l.State = StateCancelled
			out = append(out, events.OrderCancelled)
		}
	}
	return out
}

// settled reports whether no step is in flight or awaiting compensation.
func (l *Ledger) settled() bool {
	for _, s := range Steps {
		switch l.status(s) {
		case StepRequested, StepSucceeded, StepCompensating:
			return false
		}
	}
	return true
}

// Phase names the point the saga reached, for display.
func (l *Ledger) Phase() string {
	switch l.State {
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateEscalated:
		return "Escalated"
	case StateCompensating:
		return "Compensating"
	}
	switch l.status(StepInventory) {
	case StepRequested:
		return "InventoryReserveRequested"
	case StepSucceeded:
		return "InventoryReserved"
	}
	switch l.status(StepPayment) {
	case StepRequested:
		return "PaymentRequested"
	case StepSucceeded:
		return "PaymentCompleted"
	}
	return "Initiated"
}
