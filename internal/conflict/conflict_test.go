package conflict

import (
	"context"
	"testing"

	"github.com/signalsfoundry/wifi-coordinator/internal/dialog"
	"github.com/signalsfoundry/wifi-coordinator/internal/statemachine"
	"github.com/signalsfoundry/wifi-coordinator/model"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeArbiter struct {
	impact   []model.ImpactedIface
	feasible bool
	queries  []bool
}

func (a *fakeArbiter) ReportImpactToCreateIface(_ model.IfaceType, queryForNew bool,
	_ model.WorkSource) ([]model.ImpactedIface, bool) {
	a.queries = append(a.queries, queryForNew)
	return a.impact, a.feasible
}

type fakeDialog struct {
	launched   int
	dismissed  int
	onPositive func()
	onNegative func()
}

func (d *fakeDialog) Launch()  { d.launched++ }
func (d *fakeDialog) Dismiss() { d.dismissed++ }

type dialogRecorder struct {
	created []*fakeDialog
	fail    bool
}

func (r *dialogRecorder) factory(spec dialog.Spec, onPositive, onNegative func()) DialogHandle {
	if r.fail {
		return nil
	}
	d := &fakeDialog{onPositive: onPositive, onNegative: onNegative}
	r.created = append(r.created, d)
	return d
}

// requester is a caller state machine whose active state runs every message
// through the conflict manager and records the verdicts.
type requester struct {
	statemachine.BaseState
	icm        *Manager
	machine    *statemachine.Machine
	waiting    *statemachine.WaitingState
	tag        string
	createType model.IfaceType
	ws         model.WorkSource
	results    []Result
}

func newRequester(icm *Manager, tag string, createType model.IfaceType,
	ws model.WorkSource) *requester {
	r := &requester{
		BaseState:  statemachine.BaseState{StateName: "ActiveState"},
		icm:        icm,
		tag:        tag,
		createType: createType,
		ws:         ws,
	}
	r.machine = statemachine.New(tag, nil, r)
	r.waiting = statemachine.NewWaitingState(r.machine)
	return r
}

func (r *requester) Process(msg *statemachine.Message) bool {
	res := r.icm.Evaluate(r.tag, msg, r.machine, r.waiting, r,
		r.createType, r.ws, false)
	r.results = append(r.results, res)
	return true
}

func (r *requester) request(what int) {
	r.machine.SendMessage(statemachine.NewMessage(what, nil))
}

func (r *requester) parked() bool {
	return r.machine.CurrentState() == statemachine.State(r.waiting)
}

func fgWS(uid int, pkg string) model.WorkSource {
	return model.NewWorkSource(model.WorkSourceEntry{UID: uid, Package: pkg, Priority: model.PriorityForegroundApp})
}

func apImpact() []model.ImpactedIface {
	return []model.ImpactedIface{{Type: model.IfaceAP, WorkSource: fgWS(10005, "com.example.hotspot")}}
}

func TestGatingDisabledExecutesImmediately(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{}, &fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	if len(r.results) != 1 || r.results[0] != ExecuteCommand {
		t.Fatalf("results = %v, want [EXECUTE]", r.results)
	}
	if len(rec.created) != 0 {
		t.Fatalf("dialogs created = %d, want 0", len(rec.created))
	}
}

func TestEmptyImpactExecutes(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	if len(r.results) != 1 || r.results[0] != ExecuteCommand {
		t.Fatalf("results = %v, want [EXECUTE]", r.results)
	}
}

func TestInfeasibleRequestExecutes(t *testing.T) {
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{feasible: false}, (&dialogRecorder{}).factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	if len(r.results) != 1 || r.results[0] != ExecuteCommand {
		t.Fatalf("results = %v, want [EXECUTE] for infeasible request", r.results)
	}
}

func TestExemptedPackageExecutes(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{
		UserApprovalEnabled: true,
		ExemptedPackages:    []string{"com.example.carrier"},
	}, &fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.carrier"))
	r.request(1)

	if len(r.results) != 1 || r.results[0] != ExecuteCommand {
		t.Fatalf("results = %v, want [EXECUTE] for exempted package", r.results)
	}
	if len(rec.created) != 0 {
		t.Fatalf("dialog created for exempted package")
	}
}

func TestSingleDialogAcrossConcurrentRequests(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r1 := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r2 := newRequester(icm, "nan", model.IfaceNAN, fgWS(10002, "com.example.aware"))

	r1.request(1)
	r2.request(2)

	if got := []Result{r1.results[0], r2.results[0]}; got[0] != SkipCommandWaitForUser || got[1] != SkipCommandWaitForUser {
		t.Fatalf("results = %v, want both SKIP_AND_WAIT", got)
	}
	if len(rec.created) != 1 {
		t.Fatalf("dialogs created = %d, want exactly 1", len(rec.created))
	}
	if rec.created[0].launched != 1 {
		t.Fatalf("dialog launched %d times, want 1", rec.created[0].launched)
	}
	if !r1.parked() || !r2.parked() {
		t.Fatalf("machines parked = %v/%v, want both parked", r1.parked(), r2.parked())
	}
}

func TestApprovalReplaysAsExecute(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r1 := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r2 := newRequester(icm, "nan", model.IfaceNAN, fgWS(10002, "com.example.aware"))
	r1.request(1)
	r2.request(2)

	rec.created[0].onPositive()

	want := []Result{SkipCommandWaitForUser, ExecuteCommand}
	for _, r := range []*requester{r1, r2} {
		if len(r.results) != 2 || r.results[0] != want[0] || r.results[1] != want[1] {
			t.Fatalf("%s results = %v, want %v", r.tag, r.results, want)
		}
		if r.parked() {
			t.Fatalf("%s still parked after approval", r.tag)
		}
	}
}

func TestRejectionReplaysAsAbort(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	rec.created[0].onNegative()

	want := []Result{SkipCommandWaitForUser, AbortCommand}
	if len(r.results) != 2 || r.results[0] != want[0] || r.results[1] != want[1] {
		t.Fatalf("results = %v, want %v", r.results, want)
	}
}

func TestFreshRequestAfterResolutionStartsNewRound(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)
	rec.created[0].onPositive()

	// The stored verdict answered the replay; a fresh request re-arbitrates.
	r.request(2)

	if len(rec.created) != 2 {
		t.Fatalf("dialogs created = %d, want 2 (fresh request opens a new round)", len(rec.created))
	}
	if got := r.results[len(r.results)-1]; got != SkipCommandWaitForUser {
		t.Fatalf("fresh request result = %v, want SKIP_AND_WAIT", got)
	}
}

func TestDisconnectedP2PAutoApproved(t *testing.T) {
	rec := &dialogRecorder{}
	arbiter := &fakeArbiter{
		impact:   []model.ImpactedIface{{Type: model.IfaceP2P, WorkSource: fgWS(10005, "com.example.p2p")}},
		feasible: true,
	}
	icm := NewManager(Config{
		UserApprovalEnabled:        true,
		AutoApproveDisconnectedP2P: true,
	}, arbiter, rec.factory, nil, nil)

	r := newRequester(icm, "softap", model.IfaceAP, fgWS(10001, "com.example.hotspot"))
	r.request(1)

	if len(r.results) != 1 || r.results[0] != ExecuteCommand {
		t.Fatalf("results = %v, want [EXECUTE]", r.results)
	}
	if len(rec.created) != 0 {
		t.Fatalf("dialog created for auto-approved P2P teardown")
	}
	if r.parked() {
		t.Fatalf("machine parked for auto-approved request")
	}

	// An active P2P connection disables the carve-out.
	icm.SetP2PConnected(true)
	r.request(2)
	if got := r.results[len(r.results)-1]; got != SkipCommandWaitForUser {
		t.Fatalf("result with connected P2P = %v, want SKIP_AND_WAIT", got)
	}
}

func TestInternalNANRequestAutoApproved(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "nan", model.IfaceNAN, model.InternalWorkSource())
	r.request(1)

	if len(r.results) != 1 || r.results[0] != ExecuteCommand {
		t.Fatalf("results = %v, want [EXECUTE] for internal NAN request", r.results)
	}
	if len(rec.created) != 0 {
		t.Fatalf("dialog created for internal NAN request")
	}
}

func TestResetDismissesDialogAndReleasesMachines(t *testing.T) {
	rec := &dialogRecorder{}
	arbiter := &fakeArbiter{impact: apImpact(), feasible: true}
	icm := NewManager(Config{UserApprovalEnabled: true}, arbiter, rec.factory, nil, nil)

	r1 := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r2 := newRequester(icm, "nan", model.IfaceNAN, fgWS(10002, "com.example.aware"))
	r1.request(1)
	r2.request(2)

	// Drop the conflict before the reset so the replays sail through.
	arbiter.impact = nil
	arbiter.feasible = false

	icm.Reset()

	if rec.created[0].dismissed != 1 {
		t.Fatalf("dialog dismissed %d times, want exactly 1", rec.created[0].dismissed)
	}
	for _, r := range []*requester{r1, r2} {
		if r.parked() {
			t.Fatalf("%s still parked after reset", r.tag)
		}
		if got := r.results[len(r.results)-1]; got != ExecuteCommand {
			t.Fatalf("%s replay after reset = %v, want EXECUTE", r.tag, got)
		}
	}

	s := icm.DumpState()
	if s.ApprovalPending || len(s.ParkedTags) != 0 || len(s.StoredVerdicts) != 0 {
		t.Fatalf("round state after reset = %+v, want empty", s)
	}
}

func TestDialogCreationFailureAbortsReplay(t *testing.T) {
	rec := &dialogRecorder{fail: true}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	want := []Result{SkipCommandWaitForUser, AbortCommand}
	if len(r.results) != 2 || r.results[0] != want[0] || r.results[1] != want[1] {
		t.Fatalf("results = %v, want %v", r.results, want)
	}
	if r.parked() {
		t.Fatalf("machine left parked after dialog creation failure")
	}
}

func TestUserApprovalOverride(t *testing.T) {
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	icm.SetUserApprovalNeededOverride(true, false)
	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)
	if r.results[0] != ExecuteCommand {
		t.Fatalf("result with approval forced off = %v, want EXECUTE", r.results[0])
	}

	icm.SetUserApprovalNeededOverride(false, false)
	r.request(2)
	if got := r.results[len(r.results)-1]; got != SkipCommandWaitForUser {
		t.Fatalf("result with override cleared = %v, want SKIP_AND_WAIT", got)
	}
}

func TestImpactQueryAllowsExistingIfaceToSatisfy(t *testing.T) {
	arbiter := &fakeArbiter{impact: apImpact(), feasible: true}
	icm := NewManager(Config{UserApprovalEnabled: true}, arbiter,
		(&dialogRecorder{}).factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	// queryForNew must be false: an existing interface of the requested type
	// satisfies the caller, so it must not count as impact.
	if len(arbiter.queries) == 0 {
		t.Fatalf("arbiter never queried")
	}
	for i, forNew := range arbiter.queries {
		if forNew {
			t.Fatalf("impact query %d asked for a new iface, want reuse-allowed query", i)
		}
	}
}

// spanRecorder installs an in-memory span exporter for the test's duration.
func spanRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestApprovalRoundRecordsSpan(t *testing.T) {
	exporter := spanRecorder(t)
	rec := &dialogRecorder{}
	icm := NewManager(Config{UserApprovalEnabled: true},
		&fakeArbiter{impact: apImpact(), feasible: true}, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)
	if n := len(exporter.GetSpans()); n != 0 {
		t.Fatalf("spans exported before resolution = %d, want 0", n)
	}

	rec.created[0].onPositive()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans exported = %d, want 1 per approval round", len(spans))
	}
	if spans[0].Name != "conflict.approval_round" {
		t.Fatalf("span name = %q, want conflict.approval_round", spans[0].Name)
	}
	var approved, found bool
	for _, attr := range spans[0].Attributes {
		if attr.Key == "approved" {
			found = true
			approved = attr.Value.AsBool()
		}
	}
	if !found || !approved {
		t.Fatalf("approved attribute found=%v value=%v, want true recorded", found, approved)
	}
}

func TestResetEndsOpenRoundSpan(t *testing.T) {
	exporter := spanRecorder(t)
	rec := &dialogRecorder{}
	arbiter := &fakeArbiter{impact: apImpact(), feasible: true}
	icm := NewManager(Config{UserApprovalEnabled: true}, arbiter, rec.factory, nil, nil)

	r := newRequester(icm, "p2p", model.IfaceP2P, fgWS(10001, "com.example.p2p"))
	r.request(1)

	// Drop the conflict so the replay does not open a fresh round.
	arbiter.impact = nil
	arbiter.feasible = false
	icm.Reset()

	if n := len(exporter.GetSpans()); n != 1 {
		t.Fatalf("spans exported after reset = %d, want 1", n)
	}
}

func TestNeedsUserApprovalToDeleteMatrix(t *testing.T) {
	icm := NewManager(Config{UserApprovalEnabled: true}, nil, nil, nil, nil)
	fg := fgWS(10001, "com.example.app")

	tests := []struct {
		requested model.IfaceType
		existing  model.IfaceType
		want      bool
	}{
		{model.IfaceAP, model.IfaceP2P, true},
		{model.IfaceAP, model.IfaceNAN, true},
		{model.IfaceAP, model.IfaceSTA, false},
		{model.IfaceAPBridge, model.IfaceP2P, true},
		{model.IfaceP2P, model.IfaceAP, true},
		{model.IfaceP2P, model.IfaceAPBridge, true},
		{model.IfaceP2P, model.IfaceNAN, true},
		{model.IfaceP2P, model.IfaceSTA, false},
		{model.IfaceNAN, model.IfaceAP, true},
		{model.IfaceNAN, model.IfaceP2P, true},
		{model.IfaceNAN, model.IfaceSTA, false},
		{model.IfaceSTA, model.IfaceAP, false},
	}
	for _, tc := range tests {
		got := icm.NeedsUserApprovalToDelete(tc.requested, fg, tc.existing, fg)
		if got != tc.want {
			t.Fatalf("NeedsUserApprovalToDelete(%s over %s) = %v, want %v",
				tc.requested, tc.existing, got, tc.want)
		}
	}
}

func TestNeedsUserApprovalPriorityGate(t *testing.T) {
	icm := NewManager(Config{UserApprovalEnabled: true}, nil, nil, nil, nil)

	bg := model.NewWorkSource(model.WorkSourceEntry{UID: 10001, Package: "com.example.bg", Priority: model.PriorityBackground})
	fg := fgWS(10002, "com.example.fg")

	if icm.NeedsUserApprovalToDelete(model.IfaceAP, bg, model.IfaceP2P, fg) {
		t.Fatalf("background requestor triggered approval")
	}
	if icm.NeedsUserApprovalToDelete(model.IfaceAP, fg, model.IfaceP2P, model.InternalWorkSource()) {
		t.Fatalf("internally owned iface triggered approval")
	}
	if !icm.NeedsUserApprovalToDelete(model.IfaceAP, fg, model.IfaceP2P, fg) {
		t.Fatalf("foreground cross-mode conflict did not trigger approval")
	}
}
