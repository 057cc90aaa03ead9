// Package hal implements the device-level interface arbiter. It tracks the
// radio interfaces currently alive on the chip, knows which concurrency
// combinations the chip supports, and answers the central arbitration
// question: what would have to be torn down to create one more interface of
// a given type for a given requestor.
package hal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/wifi-coordinator/internal/logging"
	"github.com/signalsfoundry/wifi-coordinator/model"
	"github.com/signalsfoundry/wifi-coordinator/timectrl"
)

// Combo is one concurrency combination the chip supports: how many
// interfaces of each type may exist simultaneously.
type Combo map[model.IfaceType]int

// Config describes the chip's capabilities and arbitration knobs.
type Config struct {
	// Combos lists the supported concurrency combinations. A request is
	// infeasible when no combo has a slot for the requested type.
	Combos []Combo

	// DisconnectedP2PTimeout is how long a P2P interface must have been
	// alive, while P2P is disconnected, before foreground requestors may
	// reclaim it without arbitration. Negative disables the carve-out.
	DisconnectedP2PTimeout time.Duration
}

// DefaultConfig models a common dual-concurrency chip: one infrastructure
// STA plus one of {AP, bridged AP, P2P, NAN}.
func DefaultConfig() Config {
	return Config{
		Combos: []Combo{
			{model.IfaceSTA: 1, model.IfaceAP: 1},
			{model.IfaceSTA: 1, model.IfaceAPBridge: 1},
			{model.IfaceSTA: 1, model.IfaceP2P: 1},
			{model.IfaceSTA: 1, model.IfaceNAN: 1},
		},
		DisconnectedP2PTimeout: 5 * time.Minute,
	}
}

// IfaceInfo is one live interface in the registry.
type IfaceInfo struct {
	Name        string
	Type        model.IfaceType
	RequestorWS model.WorkSource
	CreatedAt   time.Time
}

// UserApprovalRule lets the conflict manager claim a deletion for its user
// dialog: when it returns true the arbiter treats the deletion as allowed
// and leaves the final say to the user.
type UserApprovalRule func(requested model.IfaceType, newWS model.WorkSource,
	existing model.IfaceType, existingWS model.WorkSource) bool

// DeviceManager is the interface registry plus arbitration logic. Safe for
// use from the command goroutine; accessors take the internal lock so dump
// paths may read from elsewhere.
type DeviceManager struct {
	log   logging.Logger
	clock timectrl.Clock
	cfg   Config

	mu           sync.Mutex
	ifaces       map[string]*IfaceInfo
	nameCounter  map[model.IfaceType]int
	p2pConnected bool
	approvalRule UserApprovalRule
}

// NewDeviceManager builds an arbiter for the given chip configuration.
func NewDeviceManager(cfg Config, clock timectrl.Clock, log logging.Logger) *DeviceManager {
	if log == nil {
		log = logging.Noop()
	}
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	return &DeviceManager{
		log:         log,
		clock:       clock,
		cfg:         cfg,
		ifaces:      make(map[string]*IfaceInfo),
		nameCounter: make(map[model.IfaceType]int),
	}
}

// SetUserApprovalRule injects the conflict manager's approval rule. Wired
// after construction because the conflict manager itself consumes this
// arbiter.
func (d *DeviceManager) SetUserApprovalRule(rule UserApprovalRule) {
	d.mu.Lock()
	d.approvalRule = rule
	d.mu.Unlock()
}

// SetP2PConnected records whether a P2P connection is currently up. Drives
// the disconnected-P2P reclaim carve-out.
func (d *DeviceManager) SetP2PConnected(connected bool) {
	d.mu.Lock()
	d.p2pConnected = connected
	d.mu.Unlock()
}

// Ifaces returns a snapshot of the live interfaces.
func (d *DeviceManager) Ifaces() []IfaceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]IfaceInfo, 0, len(d.ifaces))
	for _, info := range d.ifaces {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReportImpactToCreateIface computes what creating an interface would cost.
//
// Return values:
//   - feasible=false: the interface cannot be created at all
//   - empty impact: it can be created without destroying anything
//   - otherwise: the interfaces that would be destroyed, and their owners
//
// queryForNew=false means an existing interface of the requested type
// satisfies the caller, so the impact is empty when one is already up.
func (d *DeviceManager) ReportImpactToCreateIface(createType model.IfaceType, queryForNew bool,
	requestorWS model.WorkSource) ([]model.ImpactedIface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	victims, feasible := d.ifacesToDestroyLocked(createType, queryForNew, requestorWS)
	if !feasible {
		return nil, false
	}
	impact := make([]model.ImpactedIface, 0, len(victims))
	for _, v := range victims {
		impact = append(impact, model.ImpactedIface{Type: v.Type, WorkSource: v.RequestorWS})
	}
	return impact, true
}

// CreatingIfaceWillDeletePrivilegedIface reports whether satisfying the
// request would tear down an interface owned by a privileged requestor
// (disconnected P2P excepted).
func (d *DeviceManager) CreatingIfaceWillDeletePrivilegedIface(createType model.IfaceType,
	requestorWS model.WorkSource) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	victims, feasible := d.ifacesToDestroyLocked(createType, true, requestorWS)
	if !feasible {
		return false
	}
	for _, v := range victims {
		if v.RequestorWS.Priority() == model.PriorityPrivileged && !d.isDisconnectedP2PLocked(v) {
			return true
		}
	}
	return false
}

// CreateIface performs the arbitration for real: tears down the computed
// victims and registers the new interface. Fails when the request is
// infeasible.
func (d *DeviceManager) CreateIface(createType model.IfaceType,
	requestorWS model.WorkSource) (IfaceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	victims, feasible := d.ifacesToDestroyLocked(createType, true, requestorWS)
	if !feasible {
		return IfaceInfo{}, fmt.Errorf("chip cannot support a %s interface with the current configuration", createType)
	}
	for _, v := range victims {
		d.log.Info(context.Background(), "destroying interface to satisfy request",
			logging.String("iface", v.Name),
			logging.Stringer("type", v.Type),
			logging.Stringer("for", createType))
		delete(d.ifaces, v.Name)
	}

	d.nameCounter[createType]++
	info := &IfaceInfo{
		Name:        fmt.Sprintf("%s%d", namePrefix(createType), d.nameCounter[createType]-1),
		Type:        createType,
		RequestorWS: requestorWS,
		CreatedAt:   d.clock.Now(),
	}
	d.ifaces[info.Name] = info
	return *info, nil
}

// RemoveIface drops an interface from the registry. Reports whether it
// existed.
func (d *DeviceManager) RemoveIface(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ifaces[name]; !ok {
		return false
	}
	delete(d.ifaces, name)
	return true
}

func namePrefix(t model.IfaceType) string {
	switch t {
	case model.IfaceSTA:
		return "wlan"
	case model.IfaceAP:
		return "ap"
	case model.IfaceAPBridge:
		return "ap_br"
	case model.IfaceP2P:
		return "p2p-dev-wlan"
	case model.IfaceNAN:
		return "aware_data"
	default:
		return "iface"
	}
}

// ifacesToDestroyLocked picks the cheapest supported combo that fits the
// request and returns the interfaces that would have to go. feasible=false
// when no combo can host the new interface, or every candidate combo needs
// a deletion the requestor is not entitled to.
func (d *DeviceManager) ifacesToDestroyLocked(createType model.IfaceType, queryForNew bool,
	requestorWS model.WorkSource) ([]*IfaceInfo, bool) {
	counts := make(map[model.IfaceType]int)
	for _, info := range d.ifaces {
		counts[info.Type]++
	}
	if !queryForNew && counts[createType] > 0 {
		return nil, true
	}

	var best []*IfaceInfo
	found := false
	for _, combo := range d.cfg.Combos {
		victims, ok := d.victimsForComboLocked(combo, createType, requestorWS, counts)
		if !ok {
			continue
		}
		if !found || len(victims) < len(best) {
			best = victims
			found = true
		}
	}
	if !found {
		return nil, false
	}
	return best, true
}

// victimsForComboLocked determines which existing interfaces exceed the
// combo's allowances once a slot is reserved for the new interface. Victims
// are picked lowest-priority first, then youngest first, and every victim
// must pass the deletion policy.
func (d *DeviceManager) victimsForComboLocked(combo Combo, createType model.IfaceType,
	requestorWS model.WorkSource, counts map[model.IfaceType]int) ([]*IfaceInfo, bool) {
	if combo[createType] < 1 {
		return nil, false
	}

	var victims []*IfaceInfo
	for t, count := range counts {
		allowance := combo[t]
		if t == createType {
			allowance--
		}
		excess := count - allowance
		if excess <= 0 {
			continue
		}

		candidates := d.ifacesOfTypeLocked(t)
		sort.Slice(candidates, func(i, j int) bool {
			pi, pj := candidates[i].RequestorWS.Priority(), candidates[j].RequestorWS.Priority()
			if pi != pj {
				return pi < pj
			}
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
			}
			return candidates[i].Name < candidates[j].Name
		})
		for _, c := range candidates[:excess] {
			if !d.allowedToDeleteLocked(createType, requestorWS, c) {
				return nil, false
			}
			victims = append(victims, c)
		}
	}
	return victims, true
}

func (d *DeviceManager) ifacesOfTypeLocked(t model.IfaceType) []*IfaceInfo {
	var out []*IfaceInfo
	for _, info := range d.ifaces {
		if info.Type == t {
			out = append(out, info)
		}
	}
	return out
}

// allowedToDeleteLocked is the deletion policy.
//
// Rules, in order:
//  1. Foreground-or-better requestors may reclaim a long-disconnected P2P.
//  2. Deletions the conflict manager will put to the user count as allowed;
//     the dialog is the final gate.
//  3. A higher-priority requestor beats a lower-priority owner.
//  4. At equal priority the existing owner wins for the same type; between
//     privileged requestors the newcomer wins except P2P trying to displace
//     an AP or the infrastructure STA.
func (d *DeviceManager) allowedToDeleteLocked(requested model.IfaceType,
	newWS model.WorkSource, existing *IfaceInfo) bool {
	newPriority := newWS.Priority()
	existingPriority := existing.RequestorWS.Priority()

	if newPriority > model.PriorityBackground && d.isDisconnectedP2PLocked(existing) {
		return true
	}

	if d.approvalRule != nil &&
		d.approvalRule(requested, newWS, existing.Type, existing.RequestorWS) {
		return true
	}

	if newPriority > existingPriority {
		return true
	}
	if newPriority == existingPriority {
		if requested == existing.Type {
			return false
		}
		if newPriority == model.PriorityPrivileged {
			if requested == model.IfaceP2P {
				switch existing.Type {
				case model.IfaceAP, model.IfaceAPBridge, model.IfaceSTA:
					return false
				}
			}
			return true
		}
	}
	return false
}

func (d *DeviceManager) isDisconnectedP2PLocked(info *IfaceInfo) bool {
	return info.Type == model.IfaceP2P &&
		!d.p2pConnected &&
		d.cfg.DisconnectedP2PTimeout >= 0 &&
		d.clock.Since(info.CreatedAt) >= d.cfg.DisconnectedP2PTimeout
}
