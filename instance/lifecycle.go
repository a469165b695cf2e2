package instance

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/xraph/tenantflow"
)

// Trigger drives an instance lifecycle transition.
type Trigger string

const (
	TriggerStart                  Trigger = "start"
	TriggerPause                  Trigger = "pause"
	TriggerResume                 Trigger = "resume"
	TriggerComplete               Trigger = "complete"
	TriggerCompleteWithExceptions Trigger = "complete_with_exceptions"
	TriggerFail                   Trigger = "fail"
	TriggerCancel                 Trigger = "cancel"
)

// machine builds the lifecycle state machine over inst.Status.
func machine(inst *Instance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return inst.Status, nil },
		func(_ context.Context, s stateless.State) error {
			inst.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusPending).
		Permit(TriggerStart, StatusRunning).
		Permit(TriggerCancel, StatusCancelled)

	sm.Configure(StatusRunning).
		Permit(TriggerPause, StatusPaused).
		Permit(TriggerComplete, StatusCompleted).
		Permit(TriggerCompleteWithExceptions, StatusCompletedWithExceptions).
		Permit(TriggerFail, StatusFailed).
		Permit(TriggerCancel, StatusCancelled)

	sm.Configure(StatusPaused).
		Permit(TriggerResume, StatusRunning).
		Permit(TriggerFail, StatusFailed).
		Permit(TriggerCancel, StatusCancelled)

	return sm
}

// Fire applies trigger to inst. Terminal states permit nothing, and an
// unpermitted trigger returns an error wrapping tenantflow.ErrInvalidState
// and leaves inst unchanged.
func Fire(inst *Instance, trigger Trigger) error {
	from := inst.Status
	sm := machine(inst)
	ok, err := sm.CanFire(trigger)
	if err != nil || !ok {
		return fmt.Errorf("%w: instance %s cannot %s from %s",
			tenantflow.ErrInvalidState, inst.ID, trigger, from)
	}
	if err := sm.Fire(trigger); err != nil {
		inst.Status = from
		return fmt.Errorf("%w: instance %s: %v", tenantflow.ErrInvalidState, inst.ID, err)
	}
	return nil
}

// CanFire reports whether trigger is permitted from inst's current status.
func CanFire(inst *Instance, trigger Trigger) bool {
	ok, err := machine(inst).CanFire(trigger)
	return err == nil && ok
}
