// Package proto defines the messages exchanged between a datanode and its coordinator.
package proto

// Rolling upgrade status values reported per block pool.
const (
	UpgradeStatusNone      = ""
	UpgradeStatusStarted   = "started"
	UpgradeStatusFinalized = "finalized"
)

// PoolUpgradeStatus is the coordinator's view of one block pool's rolling upgrade.
type PoolUpgradeStatus struct {
	BlockPoolID string `json:"block_pool_id"`
	Status      string `json:"status"` // "started", "finalized" or empty when no upgrade is known
}

// RollingUpgradeResponse is returned by the coordinator on every poll.
type RollingUpgradeResponse struct {
	Pools []PoolUpgradeStatus `json:"pools"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
