// Package statemachine implements the message-driven state machine container
// used by interface requesters (P2P, NAN, AP mode managers). A machine
// processes one message at a time; states may defer messages for later
// replay and command transitions. Deferred messages are re-queued ahead of
// newer traffic when the machine changes state, preserving their original
// arrival order.
//
// Machines are not safe for concurrent use: all messages must be delivered
// from the serial command goroutine.
package statemachine

import (
	"context"

	"github.com/signalsfoundry/wifi-coordinator/internal/logging"
)

// Message is an opaque, replayable command token. Flags survive deferral and
// replay, letting coordinators distinguish a fresh request from one that
// already waited for an external decision.
type Message struct {
	What int
	Arg  any

	flags map[string]bool
}

// NewMessage builds a message carrying the given command code and argument.
func NewMessage(what int, arg any) *Message {
	return &Message{What: what, Arg: arg}
}

// SetFlag marks the message with the given key.
func (m *Message) SetFlag(key string) {
	if m.flags == nil {
		m.flags = make(map[string]bool)
	}
	m.flags[key] = true
}

// Flag reports whether the message carries the given key.
func (m *Message) Flag(key string) bool {
	return m.flags[key]
}

// State handles messages while it is the machine's current state.
type State interface {
	Name() string
	// Enter runs when the machine transitions into this state.
	Enter()
	// Exit runs when the machine transitions out of this state.
	Exit()
	// Process handles one message. Returning false means the message was
	// not recognized and is dropped.
	Process(msg *Message) bool
}

// BaseState provides no-op Enter/Exit so concrete states only implement what
// they need.
type BaseState struct {
	StateName string
}

func (s BaseState) Name() string { return s.StateName }
func (s BaseState) Enter()       {}
func (s BaseState) Exit()        {}

// Machine owns a current state, a pending-message queue, and a deferred
// queue. SendMessage drains the queue synchronously, so by the time it
// returns the message (and everything it triggered) has been processed.
type Machine struct {
	name string
	log  logging.Logger

	current    State
	queue      []*Message
	deferred   []*Message
	processing bool
	transition State
}

// New constructs a machine positioned at the initial state. Enter is not
// invoked for the initial state.
func New(name string, log logging.Logger, initial State) *Machine {
	if log == nil {
		log = logging.Noop()
	}
	return &Machine{
		name:    name,
		log:     log,
		current: initial,
	}
}

// Name returns the machine's name, used for conflict-arbitration tagging.
func (m *Machine) Name() string { return m.name }

// CurrentState returns the state currently processing messages.
func (m *Machine) CurrentState() State { return m.current }

// SendMessage enqueues msg and synchronously drains the queue unless a drain
// is already in progress higher up the call stack.
func (m *Machine) SendMessage(msg *Message) {
	if msg == nil {
		return
	}
	m.queue = append(m.queue, msg)
	if m.processing {
		return
	}
	m.drain()
}

// DeferMessage parks msg for replay on the next state transition. Intended
// to be called from within State.Process (or a coordinator invoked by it).
func (m *Machine) DeferMessage(msg *Message) {
	if msg == nil {
		return
	}
	m.deferred = append(m.deferred, msg)
}

// TransitionTo commands a transition. When called during message processing
// the transition takes effect once the current message completes; otherwise
// it is performed immediately.
func (m *Machine) TransitionTo(s State) {
	if s == nil {
		return
	}
	m.transition = s
	if m.processing {
		return
	}
	m.drain()
}

func (m *Machine) drain() {
	m.processing = true
	defer func() { m.processing = false }()

	for {
		// A transition may have been commanded by Process or by the new
		// state's Enter; chase the chain before touching the queue so a
		// machine never idles with a transition still pending.
		if m.transition != nil {
			m.performTransition()
			continue
		}
		if len(m.queue) == 0 {
			return
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]

		if handled := m.current.Process(msg); !handled {
			m.log.Debug(context.Background(), "unhandled message dropped",
				logging.String("machine", m.name),
				logging.String("state", m.current.Name()),
				logging.Int("what", msg.What))
		}
	}
}

// performTransition exits the current state, moves deferred messages to the
// front of the queue in their original order, and enters the new state.
func (m *Machine) performTransition() {
	next := m.transition
	m.transition = nil

	m.log.Debug(context.Background(), "state transition",
		logging.String("machine", m.name),
		logging.String("from", m.current.Name()),
		logging.String("to", next.Name()))

	m.current.Exit()
	m.current = next
	m.current.Enter()

	if len(m.deferred) > 0 {
		replay := m.deferred
		m.deferred = nil
		m.queue = append(replay, m.queue...)
	}
}
