package statemachine

// WaitingState parks a machine: every message processed while waiting is
// deferred (and marked as having waited) until a transition command arrives.
// Coordinators park a caller by transitioning it here, and release it later
// with SendTransitionCommand.

// Values chosen to avoid colliding with any caller's command codes.
const (
	transitionWhat = 0xFFFFFF

	flagTransitionCommand = "__waiting_state_transition_state_command"
	flagMessageWasWaiting = "__waiting_state_message_was_waiting"
)

// WaitingState is a State bound to its parent machine.
type WaitingState struct {
	BaseState
	machine *Machine
}

// NewWaitingState creates a waiting state for the given machine.
func NewWaitingState(machine *Machine) *WaitingState {
	return &WaitingState{
		BaseState: BaseState{StateName: "WaitingState"},
		machine:   machine,
	}
}

// Process defers every message except the transition command.
func (w *WaitingState) Process(msg *Message) bool {
	if msg.What == transitionWhat && msg.Flag(flagTransitionCommand) {
		if dest, ok := msg.Arg.(State); ok {
			w.machine.TransitionTo(dest)
		}
		return true
	}
	msg.SetFlag(flagMessageWasWaiting)
	w.machine.DeferMessage(msg)
	return true
}

// SendTransitionCommand releases the machine to dest. Done as a message so
// the transition (and the deferred-message replay it triggers) runs through
// the machine's normal processing path.
func (w *WaitingState) SendTransitionCommand(dest State) {
	msg := NewMessage(transitionWhat, dest)
	msg.SetFlag(flagTransitionCommand)
	w.machine.SendMessage(msg)
}

// WasMessageInWaitingState reports whether msg was ever deferred by a
// WaitingState. Survives replay, so coordinators can tell a resumed request
// from a fresh one.
func WasMessageInWaitingState(msg *Message) bool {
	return msg.Flag(flagMessageWasWaiting)
}

// MarkMessageInWaitingState flags msg as having waited without routing it
// through Process, for coordinators that defer on the caller's behalf.
func MarkMessageInWaitingState(msg *Message) {
	msg.SetFlag(flagMessageWasWaiting)
}
