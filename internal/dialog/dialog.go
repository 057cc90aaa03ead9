// Package dialog manages user-facing approval dialogs. A Presenter renders
// the dialog on some surface (system UI, console, test double); the Manager
// tracks outstanding handles and marshals replies back onto the coordinator's
// command goroutine.
package dialog

import (
	"context"
	"sync"

	"github.com/signalsfoundry/wifi-coordinator/internal/logging"
	"github.com/signalsfoundry/wifi-coordinator/internal/runner"
)

// Reply is the user's answer to a dialog.
type Reply int

const (
	ReplyPositive Reply = iota
	ReplyNegative
	ReplyNeutral
	ReplyCancelled
)

func (r Reply) String() string {
	switch r {
	case ReplyPositive:
		return "POSITIVE"
	case ReplyNegative:
		return "NEGATIVE"
	case ReplyNeutral:
		return "NEUTRAL"
	case ReplyCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Spec is the dialog content handed to the presenter.
type Spec struct {
	Title        string
	Message      string
	PositiveText string
	NegativeText string
}

// Presenter renders dialogs. Show must eventually invoke reply exactly once
// unless Dismiss is called first; replies may arrive from any goroutine.
type Presenter interface {
	Show(id int, spec Spec, reply func(Reply))
	Dismiss(id int)
}

// Handle is one launched dialog. Launch is idempotent per handle; Dismiss
// suppresses any reply that has not been delivered yet.
type Handle struct {
	id      int
	spec    Spec
	manager *Manager

	onPositive func()
	onNegative func()

	mu        sync.Mutex
	launched  bool
	dismissed bool
	done      bool
}

// Launch shows the dialog. A handle whose manager has no presenter does
// nothing.
func (h *Handle) Launch() {
	h.mu.Lock()
	if h.launched || h.dismissed {
		h.mu.Unlock()
		return
	}
	h.launched = true
	h.mu.Unlock()

	h.manager.launch(h)
}

// Dismiss tears the dialog down without a user decision. Any reply racing
// with the dismissal is dropped.
func (h *Handle) Dismiss() {
	h.mu.Lock()
	wasLaunched := h.launched
	h.dismissed = true
	h.mu.Unlock()

	if wasLaunched {
		h.manager.dismiss(h)
	}
}

// completeOnce claims the right to deliver the reply. False when the dialog
// was dismissed or already answered.
func (h *Handle) completeOnce() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dismissed || h.done {
		return false
	}
	h.done = true
	return true
}

// Manager creates dialog handles and routes replies. Callbacks run on the
// supplied Poster so callers never see a reply on a presenter goroutine.
type Manager struct {
	log       logging.Logger
	presenter Presenter
	poster    runner.Poster

	mu     sync.Mutex
	nextID int
	active map[int]*Handle
}

// NewManager builds a dialog manager. presenter may be nil on surfaces with
// no UI; CreateSimpleDialog then returns nil and callers fall back to their
// no-dialog path.
func NewManager(presenter Presenter, poster runner.Poster, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		log:       log,
		presenter: presenter,
		poster:    poster,
		active:    make(map[int]*Handle),
	}
}

// CreateSimpleDialog prepares a two-button dialog. onPositive or onNegative
// runs on the manager's poster when the user answers; cancellation and
// neutral replies are treated as negative.
func (m *Manager) CreateSimpleDialog(spec Spec, onPositive, onNegative func()) *Handle {
	if m.presenter == nil {
		return nil
	}

	m.mu.Lock()
	m.nextID++
	h := &Handle{id: m.nextID, spec: spec, manager: m}
	m.active[h.id] = h
	m.mu.Unlock()

	h.onPositive = onPositive
	h.onNegative = onNegative
	return h
}

// DismissAll tears down every outstanding dialog.
func (m *Manager) DismissAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Dismiss()
	}
}

func (m *Manager) launch(h *Handle) {
	m.log.Info(context.Background(), "launching dialog",
		logging.Int("id", h.id),
		logging.String("title", h.spec.Title))
	m.presenter.Show(h.id, h.spec, func(r Reply) { m.onReply(h, r) })
}

func (m *Manager) dismiss(h *Handle) {
	m.mu.Lock()
	delete(m.active, h.id)
	m.mu.Unlock()
	m.presenter.Dismiss(h.id)
}

func (m *Manager) onReply(h *Handle, r Reply) {
	if !h.completeOnce() {
		m.log.Debug(context.Background(), "dropping stale dialog reply",
			logging.Int("id", h.id),
			logging.Stringer("reply", r))
		return
	}

	m.mu.Lock()
	delete(m.active, h.id)
	m.mu.Unlock()

	cb := h.onNegative
	if r == ReplyPositive {
		cb = h.onPositive
	}
	if cb == nil {
		return
	}
	if m.poster == nil {
		cb()
		return
	}
	if !m.poster.Post(cb) {
		m.log.Warn(context.Background(), "dialog reply dropped, executor closed",
			logging.Int("id", h.id))
	}
}
