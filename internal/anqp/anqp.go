// Package anqp schedules ANQP metadata queries to Passpoint peers. One query
// is in flight at a time; peers that were recently queried are held off with
// exponential backoff, and an alarm bounds how long an unanswered query can
// block the queue.
package anqp

import (
	"context"
	"time"

	"github.com/signalsfoundry/wifi-coordinator/internal/logging"
	"github.com/signalsfoundry/wifi-coordinator/internal/observability"
	"github.com/signalsfoundry/wifi-coordinator/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ElementType is an ANQP or Hotspot 2.0 query element identifier.
type ElementType int

const (
	ANQPVenueName ElementType = iota
	ANQPRoamingConsortium
	ANQPIPAddrAvailability
	ANQPNAIRealm
	ANQP3GPPNetwork
	ANQPDomainName
	ANQPVenueURL
	HSFriendlyName
	HSWANMetrics
	HSConnCapability
	HSOSUProviders
)

func (e ElementType) String() string {
	switch e {
	case ANQPVenueName:
		return "VenueName"
	case ANQPRoamingConsortium:
		return "RoamingConsortium"
	case ANQPIPAddrAvailability:
		return "IPAddrAvailability"
	case ANQPNAIRealm:
		return "NAIRealm"
	case ANQP3GPPNetwork:
		return "3GPPNetwork"
	case ANQPDomainName:
		return "DomainName"
	case ANQPVenueURL:
		return "VenueURL"
	case HSFriendlyName:
		return "HSFriendlyName"
	case HSWANMetrics:
		return "HSWANMetrics"
	case HSConnCapability:
		return "HSConnCapability"
	case HSOSUProviders:
		return "HSOSUProviders"
	default:
		return "Unknown"
	}
}

// HSRelease is the Hotspot 2.0 release advertised by a peer.
type HSRelease int

const (
	HSReleaseR1 HSRelease = iota + 1
	HSReleaseR2
	HSReleaseR3
)

const (
	// BaseHoldOffDuration is the backoff unit: a peer's n-th consecutive
	// query holds it off for base * 2^n.
	BaseHoldOffDuration = 10 * time.Second

	// MaxHoldOffCount caps the backoff exponent.
	MaxHoldOffCount = 6

	// RequestAlarmInterval bounds how long an unanswered query blocks the
	// queue before the scheduler moves on.
	RequestAlarmInterval = 2 * time.Second

	requestAlarmTag = "anqpRequestAlarm"
)

// Transport sends queries toward the peer. SendQuery returns whether the
// lower layer accepted the frame; the response, if any, arrives later via
// OnRequestCompleted.
type Transport interface {
	SendQuery(peer model.BSSID, elements []ElementType) bool
	SendVenueURLQuery(peer model.BSSID) bool
}

// AlarmScheduler is the clock/alarm collaborator. Implemented by
// alarm.Scheduler.
type AlarmScheduler interface {
	Now() time.Time
	SetOneShot(delay time.Duration, tag string, f func())
	Cancel(tag string)
}

// Metrics receives scheduler outcomes; may be nil.
type Metrics interface {
	ANQPRequest(result string)
	ANQPTimeout()
	ANQPQueueDepth(depth int)
	ANQPHoldOffPeers(peers int)
}

type request struct {
	peer     model.BSSID
	key      model.ANQPNetworkKey
	elements []ElementType
}

type holdOffInfo struct {
	expiration time.Time
	count      int
}

// RequestManager is the single-server ANQP query queue. All methods must run
// on the command goroutine; alarm callbacks are delivered there by the alarm
// scheduler's pump.
type RequestManager struct {
	log       logging.Logger
	transport Transport
	alarms    AlarmScheduler
	metrics   Metrics

	queue          []request
	holdOff        map[model.BSSID]*holdOffInfo
	pendingQueries map[model.BSSID]model.ANQPNetworkKey
	inFlight       bool
	querySpan      trace.Span
}

// NewRequestManager builds a scheduler. metrics may be nil.
func NewRequestManager(transport Transport, alarms AlarmScheduler,
	metrics Metrics, log logging.Logger) *RequestManager {
	if log == nil {
		log = logging.Noop()
	}
	return &RequestManager{
		log:            log,
		transport:      transport,
		alarms:         alarms,
		metrics:        metrics,
		holdOff:        make(map[model.BSSID]*holdOffInfo),
		pendingQueries: make(map[model.BSSID]model.ANQPNetworkKey),
	}
}

// RequestElements queues a query for the peer's ANQP elements and drains the
// queue. Always returns true: the entry is accepted, though it may later be
// discarded if the peer enters hold-off or the send fails.
func (m *RequestManager) RequestElements(peer model.BSSID, key model.ANQPNetworkKey,
	includeRoamingConsortium bool, release HSRelease) bool {
	m.queue = append(m.queue, request{
		peer:     peer,
		key:      key,
		elements: queryElements(includeRoamingConsortium, release),
	})
	m.reportQueueGauges()
	m.drain()
	return true
}

// RequestVenueURL fires a single venue-URL query immediately. No hold-off,
// no alarm, no in-flight accounting.
func (m *RequestManager) RequestVenueURL(peer model.BSSID, key model.ANQPNetworkKey) bool {
	if !m.transport.SendVenueURLQuery(peer) {
		return false
	}
	m.pendingQueries[peer] = key
	return true
}

// OnRequestCompleted must be called when the peer's response (or a definitive
// failure) arrives. Success removes the peer's hold-off entirely. Returns the
// network key recorded when the query was sent, removing it.
func (m *RequestManager) OnRequestCompleted(peer model.BSSID, success bool) (model.ANQPNetworkKey, bool) {
	m.log.Debug(context.Background(), "anqp request completed",
		logging.Stringer("peer", peer),
		logging.Bool("success", success))
	if success {
		delete(m.holdOff, peer)
	}
	m.alarms.Cancel(requestAlarmTag)
	m.inFlight = false
	m.endQuerySpan(attribute.Bool("success", success))

	key, ok := m.pendingQueries[peer]
	delete(m.pendingQueries, peer)

	m.reportQueueGauges()
	m.drain()
	return key, ok
}

// Clear drops all queued work, hold-off history, and in-flight state. Used on
// Wi-Fi disable and Passpoint resets. Idempotent.
func (m *RequestManager) Clear() {
	m.queue = nil
	m.holdOff = make(map[model.BSSID]*holdOffInfo)
	m.pendingQueries = make(map[model.BSSID]model.ANQPNetworkKey)
	m.alarms.Cancel(requestAlarmTag)
	m.inFlight = false
	m.endQuerySpan(attribute.Bool("cleared", true))
	m.reportQueueGauges()
}

// HoldOffExpiration exposes a peer's current hold-off deadline for
// diagnostics.
func (m *RequestManager) HoldOffExpiration(peer model.BSSID) (time.Time, bool) {
	info, ok := m.holdOff[peer]
	if !ok {
		return time.Time{}, false
	}
	return info.expiration, true
}

// drain pops queued requests until one is actually sent or the queue runs
// dry. Held-off peers and refused sends are discarded, never requeued.
func (m *RequestManager) drain() {
	ctx := context.Background()
	for !m.inFlight && len(m.queue) > 0 {
		req := m.queue[0]
		m.queue = m.queue[1:]

		if !m.canSendNow(req.peer) {
			m.log.Debug(ctx, "dropping anqp request, peer in hold-off",
				logging.Stringer("peer", req.peer))
			if m.metrics != nil {
				m.metrics.ANQPRequest("holdoff_dropped")
			}
			continue
		}
		if !m.transport.SendQuery(req.peer, req.elements) {
			m.log.Warn(ctx, "anqp send refused by transport",
				logging.Stringer("peer", req.peer))
			if m.metrics != nil {
				m.metrics.ANQPRequest("send_failed")
			}
			continue
		}

		m.updateHoldOff(req.peer)
		m.pendingQueries[req.peer] = req.key
		m.alarms.SetOneShot(RequestAlarmInterval, requestAlarmTag, m.onRequestAlarm)
		m.inFlight = true
		_, m.querySpan = observability.StartSpan(ctx, "anqp.query",
			attribute.String("peer", req.peer.String()),
			attribute.Int("elements", len(req.elements)))
		if m.metrics != nil {
			m.metrics.ANQPRequest("sent")
		}
		m.log.Debug(ctx, "anqp query sent",
			logging.Stringer("peer", req.peer),
			logging.Int("elements", len(req.elements)))
	}
	m.reportQueueGauges()
}

// onRequestAlarm gives up on the in-flight query. The request is abandoned,
// not retried; a response arriving later is ignored by construction.
func (m *RequestManager) onRequestAlarm() {
	m.log.Warn(context.Background(), "anqp request timed out")
	if m.metrics != nil {
		m.metrics.ANQPTimeout()
	}
	m.inFlight = false
	m.endQuerySpan(attribute.Bool("timed_out", true))
	m.drain()
}

// endQuerySpan closes the in-flight query's span, if any.
func (m *RequestManager) endQuerySpan(attrs ...attribute.KeyValue) {
	if m.querySpan == nil {
		return
	}
	m.querySpan.SetAttributes(attrs...)
	m.querySpan.End()
	m.querySpan = nil
}

func (m *RequestManager) canSendNow(peer model.BSSID) bool {
	info, ok := m.holdOff[peer]
	if !ok {
		return true
	}
	return !m.alarms.Now().Before(info.expiration)
}

// updateHoldOff pushes the peer's next admission out by base * 2^count and
// bumps the count, capped at MaxHoldOffCount.
func (m *RequestManager) updateHoldOff(peer model.BSSID) {
	info, ok := m.holdOff[peer]
	if !ok {
		info = &holdOffInfo{}
		m.holdOff[peer] = info
	}
	info.expiration = m.alarms.Now().Add(BaseHoldOffDuration << uint(info.count))
	if info.count < MaxHoldOffCount {
		info.count++
	}
}

func (m *RequestManager) reportQueueGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.ANQPQueueDepth(len(m.queue))
	m.metrics.ANQPHoldOffPeers(len(m.holdOff))
}

// queryElements assembles the element list for one query. Roaming consortium
// is only asked for when the scan result carried a consortium OI; OSU
// providers only exist from release 2 on.
func queryElements(includeRoamingConsortium bool, release HSRelease) []ElementType {
	elements := []ElementType{
		ANQPVenueName,
		ANQPIPAddrAvailability,
		ANQPNAIRealm,
		ANQP3GPPNetwork,
		ANQPDomainName,
	}
	if includeRoamingConsortium {
		elements = append(elements, ANQPRoamingConsortium)
	}
	elements = append(elements, HSFriendlyName, HSWANMetrics, HSConnCapability)
	if release >= HSReleaseR2 {
		elements = append(elements, HSOSUProviders)
	}
	return elements
}
