package model

import (
	"fmt"
	"sort"
	"strings"
)

// IfaceType identifies the kind of radio interface a requestor wants created.
// The values mirror the creation types the vendor HAL distinguishes between:
// a bridged AP is a separate creation type from a single AP because it
// occupies two concurrency slots on most chips.
type IfaceType int

const (
	IfaceSTA IfaceType = iota
	IfaceAP
	IfaceAPBridge
	IfaceP2P
	IfaceNAN
)

func (t IfaceType) String() string {
	switch t {
	case IfaceSTA:
		return "STA"
	case IfaceAP:
		return "AP"
	case IfaceAPBridge:
		return "AP_BRIDGE"
	case IfaceP2P:
		return "P2P"
	case IfaceNAN:
		return "NAN"
	default:
		return fmt.Sprintf("IfaceType(%d)", int(t))
	}
}

// Priority is the requestor work-source priority ladder. Higher values win
// interface arbitration against lower ones.
type Priority int

const (
	// PriorityInternal marks requests issued by the Wi-Fi stack itself
	// (opportunistic interfaces). These never prompt the user.
	PriorityInternal Priority = iota
	PriorityBackground
	PriorityForegroundService
	PriorityForegroundApp
	PrioritySystem
	PriorityPrivileged
)

func (p Priority) String() string {
	switch p {
	case PriorityInternal:
		return "INTERNAL"
	case PriorityBackground:
		return "BG"
	case PriorityForegroundService:
		return "FG_SERVICE"
	case PriorityForegroundApp:
		return "FG_APP"
	case PrioritySystem:
		return "SYSTEM"
	case PriorityPrivileged:
		return "PRIVILEGED"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// WorkSourceEntry attributes a request to a single uid/package pair.
type WorkSourceEntry struct {
	UID      int
	Package  string
	Priority Priority
}

// WorkSource identifies who is asking for an interface. It may aggregate
// several uid/package pairs when a request is made on behalf of multiple
// applications; arbitration uses the strongest entry.
type WorkSource struct {
	Entries []WorkSourceEntry
}

// NewWorkSource builds a WorkSource from the given entries.
func NewWorkSource(entries ...WorkSourceEntry) WorkSource {
	return WorkSource{Entries: entries}
}

// InternalWorkSource returns the work source used for requests originated by
// the Wi-Fi service itself.
func InternalWorkSource() WorkSource {
	return NewWorkSource(WorkSourceEntry{UID: WifiUID, Package: "com.signalsfoundry.wifi", Priority: PriorityInternal})
}

// WifiUID is the uid the Wi-Fi service runs as.
const WifiUID = 1010

// Priority returns the strongest priority across all entries,
// PriorityInternal when the work source is empty.
func (ws WorkSource) Priority() Priority {
	p := PriorityInternal
	for _, e := range ws.Entries {
		if e.Priority > p {
			p = e.Priority
		}
	}
	return p
}

// Packages returns the sorted, de-duplicated package names of all entries.
func (ws WorkSource) Packages() []string {
	seen := make(map[string]bool, len(ws.Entries))
	var pkgs []string
	for _, e := range ws.Entries {
		if e.Package == "" || seen[e.Package] {
			continue
		}
		seen[e.Package] = true
		pkgs = append(pkgs, e.Package)
	}
	sort.Strings(pkgs)
	return pkgs
}

// IsInternal reports whether every entry belongs to the Wi-Fi service itself.
func (ws WorkSource) IsInternal() bool {
	if len(ws.Entries) == 0 {
		return false
	}
	for _, e := range ws.Entries {
		if e.UID != WifiUID {
			return false
		}
	}
	return true
}

// Equal reports whether two work sources carry the same entries in the same
// order.
func (ws WorkSource) Equal(other WorkSource) bool {
	if len(ws.Entries) != len(other.Entries) {
		return false
	}
	for i := range ws.Entries {
		if ws.Entries[i] != other.Entries[i] {
			return false
		}
	}
	return true
}

func (ws WorkSource) String() string {
	if len(ws.Entries) == 0 {
		return "WorkSource{}"
	}
	parts := make([]string, 0, len(ws.Entries))
	for _, e := range ws.Entries {
		parts = append(parts, fmt.Sprintf("%d/%s", e.UID, e.Package))
	}
	return "WorkSource{" + strings.Join(parts, ", ") + "}"
}

// ImpactedIface describes one existing interface that would be torn down to
// satisfy a new interface request, together with the work source that owns it.
type ImpactedIface struct {
	Type       IfaceType
	WorkSource WorkSource
}

func (i ImpactedIface) String() string {
	return fmt.Sprintf("{%s %s}", i.Type, i.WorkSource)
}
