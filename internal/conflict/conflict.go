// Package conflict implements interface-conflict arbitration. When creating
// a radio interface would tear down someone else's, the manager parks the
// requesting state machine, asks the user, and later replays the parked
// request with a deterministic verdict.
package conflict

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/wifi-coordinator/internal/dialog"
	"github.com/signalsfoundry/wifi-coordinator/internal/logging"
	"github.com/signalsfoundry/wifi-coordinator/internal/observability"
	"github.com/signalsfoundry/wifi-coordinator/internal/statemachine"
	"github.com/signalsfoundry/wifi-coordinator/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Result is the arbitration verdict for one command.
type Result int

const (
	// ExecuteCommand lets the caller proceed immediately.
	ExecuteCommand Result = iota
	// SkipCommandWaitForUser parks the command until the user decides.
	SkipCommandWaitForUser
	// AbortCommand rejects the command.
	AbortCommand
)

func (r Result) String() string {
	switch r {
	case ExecuteCommand:
		return "EXECUTE"
	case SkipCommandWaitForUser:
		return "SKIP_AND_WAIT"
	case AbortCommand:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// ResourceArbiter reports what creating an interface would destroy.
// Implemented by hal.DeviceManager.
type ResourceArbiter interface {
	ReportImpactToCreateIface(createType model.IfaceType, queryForNew bool,
		requestorWS model.WorkSource) (impact []model.ImpactedIface, feasible bool)
}

// DialogHandle is one launched approval dialog.
type DialogHandle interface {
	Launch()
	Dismiss()
}

// DialogFactory creates a yes/no dialog. A nil return means no dialog could
// be shown on this surface.
type DialogFactory func(spec dialog.Spec, onPositive, onNegative func()) DialogHandle

// Metrics receives arbitration outcomes. Implementations must be cheap; all
// methods are called from the command goroutine.
type Metrics interface {
	ConflictDecision(outcome string)
	DialogLaunched()
	DialogResolved(approved bool)
}

// Config carries the arbitration policy knobs.
type Config struct {
	// UserApprovalEnabled gates the whole dialog flow. Disabled means every
	// request executes immediately.
	UserApprovalEnabled bool

	// ExemptedPackages never trigger an approval dialog.
	ExemptedPackages []string

	// AutoApproveDisconnectedP2P skips the dialog when the only casualty is
	// a P2P interface with no active connection.
	AutoApproveDisconnectedP2P bool
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	// Zero value already means approval disabled; nothing to fill besides
	// keeping the exemption list non-nil for callers that append.
	if c.ExemptedPackages == nil {
		c.ExemptedPackages = []string{}
	}
}

// parkedMachine is one caller waiting for the current round's dialog.
type parkedMachine struct {
	tag     string
	machine *statemachine.Machine
	waiting *statemachine.WaitingState
	target  statemachine.State
}

// Manager owns the pending-approval round. All methods except the dialog
// callbacks must run on the command goroutine; the dialog factory is
// responsible for marshalling replies back onto it.
type Manager struct {
	log     logging.Logger
	cfg     Config
	arbiter ResourceArbiter
	dialogs DialogFactory
	metrics Metrics

	approvalPending bool
	pendingTag      string
	dialogHandle    DialogHandle
	parked          []parkedMachine
	roundSpan       trace.Span

	// verdicts maps a caller tag to the user's decision, kept until the
	// caller's first fresh (non-replayed) request.
	verdicts map[string]bool

	p2pConnected bool

	overrideSet   bool
	overrideValue bool
}

// NewManager builds a conflict manager. metrics may be nil.
func NewManager(cfg Config, arbiter ResourceArbiter, dialogs DialogFactory,
	metrics Metrics, log logging.Logger) *Manager {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		log:      log,
		cfg:      cfg,
		arbiter:  arbiter,
		dialogs:  dialogs,
		metrics:  metrics,
		verdicts: make(map[string]bool),
	}
}

// SetP2PConnected records whether a P2P connection is up. Gates the
// disconnected-P2P auto-approval.
func (m *Manager) SetP2PConnected(connected bool) {
	m.p2pConnected = connected
}

// SetUserApprovalNeededOverride forces approval gating on or off regardless
// of configuration. override=false restores the configured behavior.
func (m *Manager) SetUserApprovalNeededOverride(override, value bool) {
	m.overrideSet = override
	m.overrideValue = value
}

func (m *Manager) userApprovalEnabled() bool {
	if m.overrideSet {
		return m.overrideValue
	}
	return m.cfg.UserApprovalEnabled
}

// Evaluate decides whether the command carried by msg may proceed.
//
// tag identifies the calling state machine; waiting and target are handles
// into its own states so the manager can park it and release it later.
// bypassDialog treats a would-be dialog as already approved, for callers
// that obtained consent through another surface.
func (m *Manager) Evaluate(tag string, msg *statemachine.Message,
	machine *statemachine.Machine, waiting *statemachine.WaitingState,
	target statemachine.State, createType model.IfaceType,
	requestorWS model.WorkSource, bypassDialog bool) Result {
	res := m.evaluate(tag, msg, machine, waiting, target, createType, requestorWS, bypassDialog)
	if m.metrics != nil {
		m.metrics.ConflictDecision(res.String())
	}
	return res
}

func (m *Manager) evaluate(tag string, msg *statemachine.Message,
	machine *statemachine.Machine, waiting *statemachine.WaitingState,
	target statemachine.State, createType model.IfaceType,
	requestorWS model.WorkSource, bypassDialog bool) Result {
	ctx := context.Background()

	// A stored verdict answers every replayed message from that round.
	// The caller's first fresh request after resolution retires it.
	if verdict, ok := m.verdicts[tag]; ok {
		if statemachine.WasMessageInWaitingState(msg) {
			m.log.Info(ctx, "answering replayed request from stored verdict",
				logging.String("tag", tag),
				logging.Bool("approved", verdict))
			if verdict {
				return ExecuteCommand
			}
			return AbortCommand
		}
		delete(m.verdicts, tag)
	}

	if !m.userApprovalEnabled() {
		return ExecuteCommand
	}
	if m.isExempted(requestorWS) {
		m.log.Debug(ctx, "requestor exempted from conflict arbitration",
			logging.String("tag", tag),
			logging.Stringer("workSource", requestorWS))
		return ExecuteCommand
	}

	// Only one dialog at a time: later impactful requests join the round.
	if m.approvalPending {
		if m.impactOf(createType, requestorWS) == nil {
			return ExecuteCommand
		}
		m.log.Info(ctx, "approval round in progress, parking request",
			logging.String("tag", tag),
			logging.String("pendingTag", m.pendingTag))
		m.park(tag, msg, machine, waiting, target)
		return SkipCommandWaitForUser
	}

	impact := m.impactOf(createType, requestorWS)
	if impact == nil {
		return ExecuteCommand
	}

	if m.cfg.AutoApproveDisconnectedP2P && !m.p2pConnected &&
		len(impact) == 1 && impact[0].Type == model.IfaceP2P {
		m.log.Info(ctx, "auto-approving, only casualty is a disconnected P2P",
			logging.String("tag", tag))
		return ExecuteCommand
	}

	// Opportunistic requests from the Wi-Fi stack itself never prompt.
	if createType == model.IfaceNAN && requestorWS.IsInternal() {
		return ExecuteCommand
	}

	needsApproval := false
	for _, imp := range impact {
		if m.NeedsUserApprovalToDelete(createType, requestorWS, imp.Type, imp.WorkSource) {
			needsApproval = true
			break
		}
	}
	if !needsApproval {
		return ExecuteCommand
	}

	if bypassDialog {
		m.log.Info(ctx, "dialog bypassed, treating as approved",
			logging.String("tag", tag))
		return ExecuteCommand
	}

	return m.startRound(tag, msg, machine, waiting, target, createType, requestorWS, impact)
}

// impactOf queries the arbiter, normalizing "infeasible" and "free" to nil.
// The manager only gates impactful feasibility; an infeasible request fails
// downstream on its own. queryForNew is false so an existing interface of
// the requested type satisfies the caller without reporting any impact.
func (m *Manager) impactOf(createType model.IfaceType, ws model.WorkSource) []model.ImpactedIface {
	if m.arbiter == nil {
		return nil
	}
	impact, feasible := m.arbiter.ReportImpactToCreateIface(createType, false, ws)
	if !feasible || len(impact) == 0 {
		return nil
	}
	return impact
}

func (m *Manager) isExempted(ws model.WorkSource) bool {
	pkgs := ws.Packages()
	if len(pkgs) == 0 {
		return false
	}
	for _, pkg := range pkgs {
		found := false
		for _, exempt := range m.cfg.ExemptedPackages {
			if pkg == exempt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NeedsUserApprovalToDelete reports whether tearing down an existing
// interface of existingType for a new one of requestedType must be put to
// the user. Only cross-mode conflicts between user-visible roles prompt;
// low-priority requestors and internally owned interfaces never do.
func (m *Manager) NeedsUserApprovalToDelete(requestedType model.IfaceType,
	newWS model.WorkSource, existingType model.IfaceType,
	existingWS model.WorkSource) bool {
	if !m.userApprovalEnabled() {
		return false
	}
	if newWS.Priority() <= model.PriorityBackground ||
		existingWS.Priority() == model.PriorityInternal {
		return false
	}

	switch requestedType {
	case model.IfaceAP, model.IfaceAPBridge:
		return existingType == model.IfaceP2P || existingType == model.IfaceNAN
	case model.IfaceP2P:
		switch existingType {
		case model.IfaceAP, model.IfaceAPBridge, model.IfaceNAN:
			return true
		}
	case model.IfaceNAN:
		switch existingType {
		case model.IfaceAP, model.IfaceAPBridge, model.IfaceP2P:
			return true
		}
	}
	return false
}

// startRound parks the caller and launches the dialog.
func (m *Manager) startRound(tag string, msg *statemachine.Message,
	machine *statemachine.Machine, waiting *statemachine.WaitingState,
	target statemachine.State, createType model.IfaceType,
	requestorWS model.WorkSource, impact []model.ImpactedIface) Result {
	ctx := context.Background()

	m.park(tag, msg, machine, waiting, target)
	m.approvalPending = true
	m.pendingTag = tag
	_, m.roundSpan = observability.StartSpan(ctx, "conflict.approval_round",
		attribute.String("tag", tag),
		attribute.String("create_type", createType.String()),
		attribute.Int("impacted", len(impact)))

	spec := approvalDialogSpec(createType, requestorWS, impact)
	var handle DialogHandle
	if m.dialogs != nil {
		handle = m.dialogs(spec,
			func() { m.onDialogResolved(true) },
			func() { m.onDialogResolved(false) })
	}
	if handle == nil {
		// No dialog surface. Release the caller immediately; its replay
		// reads the implicit rejection so it aborts instead of hanging.
		m.log.Warn(ctx, "dialog creation failed, rejecting request",
			logging.String("tag", tag))
		m.onDialogResolved(false)
		return SkipCommandWaitForUser
	}

	m.dialogHandle = handle
	handle.Launch()
	if m.metrics != nil {
		m.metrics.DialogLaunched()
	}
	m.log.Info(ctx, "approval dialog launched",
		logging.String("tag", tag),
		logging.Stringer("createType", createType),
		logging.Int("impacted", len(impact)))
	return SkipCommandWaitForUser
}

func (m *Manager) park(tag string, msg *statemachine.Message,
	machine *statemachine.Machine, waiting *statemachine.WaitingState,
	target statemachine.State) {
	machine.TransitionTo(waiting)
	machine.DeferMessage(msg)
	statemachine.MarkMessageInWaitingState(msg)
	m.parked = append(m.parked, parkedMachine{
		tag:     tag,
		machine: machine,
		waiting: waiting,
		target:  target,
	})
}

// onDialogResolved records the verdict for every parked caller and releases
// them back to their target states, which replays their deferred messages.
func (m *Manager) onDialogResolved(approved bool) {
	if !m.approvalPending {
		return
	}
	m.log.Info(context.Background(), "approval dialog resolved",
		logging.Bool("approved", approved),
		logging.Int("parked", len(m.parked)))
	if m.metrics != nil && m.dialogHandle != nil {
		m.metrics.DialogResolved(approved)
	}
	if m.roundSpan != nil {
		m.roundSpan.SetAttributes(
			attribute.Bool("approved", approved),
			attribute.Int("parked", len(m.parked)))
		m.roundSpan.End()
		m.roundSpan = nil
	}

	m.approvalPending = false
	m.pendingTag = ""
	m.dialogHandle = nil

	released := m.parked
	m.parked = nil
	for _, p := range released {
		m.verdicts[p.tag] = approved
	}
	for _, p := range released {
		p.waiting.SendTransitionCommand(p.target)
	}
}

// Reset dismisses any pending dialog, releases every parked machine to its
// target state, and clears all round bookkeeping. Released requests replay
// as wholly new ones.
func (m *Manager) Reset() {
	if m.dialogHandle != nil {
		m.dialogHandle.Dismiss()
		m.dialogHandle = nil
	}
	if m.roundSpan != nil {
		m.roundSpan.SetAttributes(attribute.Bool("cancelled", true))
		m.roundSpan.End()
		m.roundSpan = nil
	}
	m.approvalPending = false
	m.pendingTag = ""
	m.verdicts = make(map[string]bool)

	released := m.parked
	m.parked = nil
	for _, p := range released {
		p.waiting.SendTransitionCommand(p.target)
	}
}

// RoundState is a point-in-time snapshot for dumpsys-style diagnostics.
type RoundState struct {
	ApprovalPending bool
	PendingTag      string
	ParkedTags      []string
	StoredVerdicts  map[string]bool
}

// DumpState snapshots the current round.
func (m *Manager) DumpState() RoundState {
	s := RoundState{
		ApprovalPending: m.approvalPending,
		PendingTag:      m.pendingTag,
		StoredVerdicts:  make(map[string]bool, len(m.verdicts)),
	}
	for _, p := range m.parked {
		s.ParkedTags = append(s.ParkedTags, p.tag)
	}
	for tag, v := range m.verdicts {
		s.StoredVerdicts[tag] = v
	}
	return s
}

func approvalDialogSpec(createType model.IfaceType, requestorWS model.WorkSource,
	impact []model.ImpactedIface) dialog.Spec {
	requestor := "An app"
	if pkgs := requestorWS.Packages(); len(pkgs) > 0 {
		requestor = pkgs[0]
	}

	var impacted []string
	seen := make(map[string]bool)
	for _, imp := range impact {
		for _, pkg := range imp.WorkSource.Packages() {
			if !seen[pkg] {
				seen[pkg] = true
				impacted = append(impacted, pkg)
			}
		}
	}
	victim := "another app"
	if len(impacted) > 0 {
		victim = strings.Join(impacted, ", ")
	}

	return dialog.Spec{
		Title: fmt.Sprintf("%s wants to use the Wi-Fi radio", requestor),
		Message: fmt.Sprintf("Starting %s will interrupt %s. Allow?",
			createType, victim),
		PositiveText: "Allow",
		NegativeText: "Don't allow",
	}
}
