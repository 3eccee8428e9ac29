package models

import "time"

// ConnectionStatus classifies how fresh a channel's data is.
type ConnectionStatus string

const (
	StatusOnline  ConnectionStatus = "ONLINE"
	StatusDelay   ConnectionStatus = "DELAY"
	StatusOffline ConnectionStatus = "OFFLINE"
)

// DeriveConnectionStatus applies the three-tier freshness rule used by
// query responses: ONLINE within one timeout, DELAY within two, OFFLINE
// beyond that or when the channel was never seen.
//
// Live push uses a two-state, edge-triggered variant instead (see the
// liveness package); the two are intentionally kept separate.
func DeriveConnectionStatus(lastSeen time.Time, timeout time.Duration, now time.Time) ConnectionStatus {
	if lastSeen.IsZero() {
		return StatusOffline
	}
	age := now.Sub(lastSeen)
	switch {
	case age <= timeout:
		return StatusOnline
	case age <= 2*timeout:
		return StatusDelay
	default:
		return StatusOffline
	}
}

// ChannelStatus is a query-side view of one channel's freshness.
type ChannelStatus struct {
	ChannelKey
	LastSeen    time.Time        `json:"last_seen"`
	Status      ConnectionStatus `json:"status"`
	EngineState EngineState      `json:"engine_state"`
}
