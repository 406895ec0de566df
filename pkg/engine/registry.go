package engine

import (
	"context"
	"fmt"
	"sync"
)

// ProcedureFunc is the body of a procedure. The returned value becomes the
// slot's context value where the slot produces one; an error is a fault
// unless it carries a FailureSignal or QuitSignal.
type ProcedureFunc func(ctx context.Context, in *Inputs) (interface{}, error)

// Procedure is a user callback bound to a slot together with the inputs it requests.
type Procedure struct {
	// Name identifies the procedure in logs. Defaults to the slot name.
	Name string

	// Requests lists the inputs the procedure needs.
	Requests []Request

	// Run is the procedure body.
	Run ProcedureFunc
}

// Requested reports whether the procedure asked for req.
func (p *Procedure) Requested(req Request) bool {
	for _, r := range p.Requests {
		if r == req {
			return true
		}
	}
	return false
}

// CheckRequests validates requests against the legality table for slot.
func CheckRequests(slot Slot, requests []Request) error {
	seen := make(map[Request]bool, len(requests))
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return NewRegistrationError("unknown request", err).
				WithSlot(slot).WithCode(ErrCodeUnknownRequest)
		}
		if seen[req] {
			return NewRegistrationError(fmt.Sprintf("request %s declared twice", req), nil).
				WithSlot(slot).WithCode(ErrCodeDuplicateRequest)
		}
		seen[req] = true
		if !IsLegal(slot, req) {
			return NewRegistrationError(fmt.Sprintf("request %s is not available to this slot", req), nil).
				WithSlot(slot).WithCode(ErrCodeIllegalRequest)
		}
	}
	return nil
}

// Registry maps slots to procedures. At most one procedure is held per slot;
// a later registration replaces an earlier one, except for the test sequence
// which may only be registered once.
type Registry struct {
	mu         sync.RWMutex
	procedures map[Slot]*Procedure
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		procedures: make(map[Slot]*Procedure),
	}
}

// Register binds proc to slot after validating its requests.
func (r *Registry) Register(slot Slot, proc Procedure) error {
	if err := slot.Validate(); err != nil {
		return NewRegistrationError("unknown slot", err).WithCode(ErrCodeUnknownSlot)
	}
	if proc.Run == nil {
		return NewRegistrationError("procedure has no body", nil).WithSlot(slot)
	}
	if err := CheckRequests(slot, proc.Requests); err != nil {
		return err
	}
	if proc.Name == "" {
		proc.Name = string(slot)
	}
	proc.Requests = append([]Request(nil), proc.Requests...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procedures[slot]; exists && slot == SlotTestSequence {
		return NewRegistrationError("test sequence already registered", nil).
			WithSlot(slot).WithCode(ErrCodeDuplicateSequence)
	}
	r.procedures[slot] = &proc
	return nil
}

// Get returns the procedure registered for slot.
func (r *Registry) Get(slot Slot) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.procedures[slot]
	return proc, ok
}

// Check verifies that the mandatory test sequence is present.
func (r *Registry) Check() error {
	if _, ok := r.Get(SlotTestSequence); !ok {
		return NewRegistrationError("no test sequence registered", nil).
			WithSlot(SlotTestSequence).WithCode(ErrCodeMissingSequence)
	}
	return nil
}

// Registered returns the slots that have a procedure, in lifecycle order.
func (r *Registry) Registered() []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var slots []Slot
	for _, slot := range Slots {
		if _, ok := r.procedures[slot]; ok {
			slots = append(slots, slot)
		}
	}
	return slots
}
