package model

import "fmt"

// BSSID is a 48-bit access point identifier stored in the low bits of a
// uint64.
type BSSID uint64

func (b BSSID) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		byte(b>>40), byte(b>>32), byte(b>>24), byte(b>>16), byte(b>>8), byte(b))
}

// ANQPNetworkKey identifies the logical network an ANQP exchange belongs to.
// Responses are cached per network, not per AP, so the key combines the SSID
// with either the HESSID + domain ID (when the AP advertises them) or the
// individual BSSID.
type ANQPNetworkKey struct {
	SSID         string
	BSSID        BSSID
	HESSID       uint64
	ANQPDomainID int
}

func (k ANQPNetworkKey) String() string {
	if k.ANQPDomainID != 0 {
		return fmt.Sprintf("%s:%x:%d", k.SSID, k.HESSID, k.ANQPDomainID)
	}
	return fmt.Sprintf("%s:%s", k.SSID, k.BSSID)
}
