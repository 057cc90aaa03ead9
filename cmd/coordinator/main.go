package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/wifi-coordinator/internal/alarm"
	"github.com/signalsfoundry/wifi-coordinator/internal/anqp"
	"github.com/signalsfoundry/wifi-coordinator/internal/conflict"
	"github.com/signalsfoundry/wifi-coordinator/internal/dialog"
	"github.com/signalsfoundry/wifi-coordinator/internal/hal"
	"github.com/signalsfoundry/wifi-coordinator/internal/logging"
	"github.com/signalsfoundry/wifi-coordinator/internal/observability"
	"github.com/signalsfoundry/wifi-coordinator/internal/runner"
	"github.com/signalsfoundry/wifi-coordinator/internal/statemachine"
	"github.com/signalsfoundry/wifi-coordinator/model"
	"github.com/signalsfoundry/wifi-coordinator/timectrl"
)

const cmdCreateIface = 1

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	approve := flag.Bool("approve", true, "answer the demo approval dialog positively")
	exempt := flag.String("exempt-packages", "", "comma-separated packages exempt from approval dialogs")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewCoordinatorCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	// Single-writer command context: everything below runs through exec.
	exec := runner.NewSerialExecutor()
	clock := timectrl.NewManualClock(time.Now())
	alarms := alarm.NewScheduler(clock)

	devices := hal.NewDeviceManager(hal.DefaultConfig(), clock, log)

	dialogs := dialog.NewManager(&consolePresenter{approve: *approve, log: log}, exec, log)
	factory := func(spec dialog.Spec, onPositive, onNegative func()) conflict.DialogHandle {
		h := dialogs.CreateSimpleDialog(spec, onPositive, onNegative)
		if h == nil {
			return nil
		}
		return h
	}

	icm := conflict.NewManager(conflict.Config{
		UserApprovalEnabled:        true,
		ExemptedPackages:           splitPackages(*exempt),
		AutoApproveDisconnectedP2P: true,
	}, devices, factory, collector, log)
	devices.SetUserApprovalRule(icm.NeedsUserApprovalToDelete)

	anqpMgr := anqp.NewRequestManager(&loggingTransport{log: log}, alarms, collector, log)

	run := func(step func()) {
		done := make(chan struct{})
		exec.Post(func() {
			step()
			close(done)
		})
		<-done
	}

	// Baseline: infrastructure STA plus a user hotspot.
	run(func() {
		mustCreate(log, devices, model.IfaceSTA, model.InternalWorkSource())
		mustCreate(log, devices, model.IfaceAP,
			model.NewWorkSource(model.WorkSourceEntry{UID: 10101, Package: "com.example.hotspot", Priority: model.PriorityForegroundApp}))
		reportIfaces(collector, devices)
	})

	// A P2P request that conflicts with the hotspot: parks behind a dialog,
	// replays after the console presenter answers.
	p2p := newIfaceRequester("p2p", model.IfaceP2P,
		model.NewWorkSource(model.WorkSourceEntry{UID: 10202, Package: "com.example.fileshare", Priority: model.PriorityForegroundApp}),
		icm, devices, log)
	run(func() { p2p.machine.SendMessage(statemachine.NewMessage(cmdCreateIface, nil)) })
	// Drain the posted dialog reply and the replay it triggers.
	run(func() {})
	run(func() { reportIfaces(collector, devices) })

	// ANQP: queue two peers, complete the first, let the retry alarm give up
	// on the second.
	peerA := model.BSSID(0x001122334455)
	peerB := model.BSSID(0xaabbccddeeff)
	run(func() {
		anqpMgr.RequestElements(peerA, model.ANQPNetworkKey{SSID: "cafe", BSSID: peerA, ANQPDomainID: 3}, true, anqp.HSReleaseR2)
		anqpMgr.RequestElements(peerB, model.ANQPNetworkKey{SSID: "hotel", BSSID: peerB, ANQPDomainID: 7}, false, anqp.HSReleaseR1)
		anqpMgr.OnRequestCompleted(peerA, true)
	})
	run(func() {
		clock.Advance(anqp.RequestAlarmInterval)
		alarms.RunDue()
	})

	run(func() {
		icm.Reset()
		anqpMgr.Clear()
	})
	exec.Close()

	log.Info(ctx, "demo scenario complete")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// ifaceRequester is a minimal caller state machine: its active state routes
// the create command through the conflict manager and acts on the verdict.
type ifaceRequester struct {
	statemachine.BaseState
	tag        string
	createType model.IfaceType
	ws         model.WorkSource
	icm        *conflict.Manager
	devices    *hal.DeviceManager
	log        logging.Logger
	machine    *statemachine.Machine
	waiting    *statemachine.WaitingState
}

func newIfaceRequester(tag string, createType model.IfaceType, ws model.WorkSource,
	icm *conflict.Manager, devices *hal.DeviceManager, log logging.Logger) *ifaceRequester {
	r := &ifaceRequester{
		BaseState:  statemachine.BaseState{StateName: "ActiveState"},
		tag:        tag,
		createType: createType,
		ws:         ws,
		icm:        icm,
		devices:    devices,
		log:        log,
	}
	r.machine = statemachine.New(tag, log, r)
	r.waiting = statemachine.NewWaitingState(r.machine)
	return r
}

func (r *ifaceRequester) Process(msg *statemachine.Message) bool {
	if msg.What != cmdCreateIface {
		return false
	}
	ctx := context.Background()
	switch r.icm.Evaluate(r.tag, msg, r.machine, r.waiting, r, r.createType, r.ws, false) {
	case conflict.ExecuteCommand:
		info, err := r.devices.CreateIface(r.createType, r.ws)
		if err != nil {
			r.log.Warn(ctx, "interface creation failed", logging.String("tag", r.tag), logging.String("error", err.Error()))
			return true
		}
		r.log.Info(ctx, "interface created", logging.String("tag", r.tag), logging.String("iface", info.Name))
	case conflict.SkipCommandWaitForUser:
		r.log.Info(ctx, "request parked for user approval", logging.String("tag", r.tag))
	case conflict.AbortCommand:
		r.log.Info(ctx, "request aborted by user", logging.String("tag", r.tag))
	}
	return true
}

// consolePresenter renders dialogs on stdout and answers them immediately
// with the configured reply.
type consolePresenter struct {
	approve bool
	log     logging.Logger
}

func (p *consolePresenter) Show(id int, spec dialog.Spec, reply func(dialog.Reply)) {
	fmt.Printf("[dialog %d] %s\n  %s\n  [%s] / [%s]\n", id, spec.Title, spec.Message, spec.PositiveText, spec.NegativeText)
	answer := dialog.ReplyNegative
	if p.approve {
		answer = dialog.ReplyPositive
	}
	reply(answer)
}

func (p *consolePresenter) Dismiss(id int) {
	fmt.Printf("[dialog %d] dismissed\n", id)
}

// loggingTransport stands in for the supplicant: it accepts every query.
type loggingTransport struct {
	log logging.Logger
}

func (t *loggingTransport) SendQuery(peer model.BSSID, elements []anqp.ElementType) bool {
	t.log.Info(context.Background(), "anqp query out",
		logging.Stringer("peer", peer),
		logging.Int("elements", len(elements)))
	return true
}

func (t *loggingTransport) SendVenueURLQuery(peer model.BSSID) bool {
	t.log.Info(context.Background(), "venue url query out", logging.Stringer("peer", peer))
	return true
}

func mustCreate(log logging.Logger, devices *hal.DeviceManager, t model.IfaceType, ws model.WorkSource) {
	info, err := devices.CreateIface(t, ws)
	if err != nil {
		log.Error(context.Background(), "failed to create baseline interface",
			logging.Stringer("type", t), logging.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info(context.Background(), "baseline interface up", logging.String("iface", info.Name))
}

func reportIfaces(collector *observability.CoordinatorCollector, devices *hal.DeviceManager) {
	counts := make(map[string]int)
	for _, info := range devices.Ifaces() {
		counts[info.Type.String()]++
	}
	collector.SetLiveIfaces(counts)
}

func serveMetrics(addr string, collector *observability.CoordinatorCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func splitPackages(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
