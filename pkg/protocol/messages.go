package protocol

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SenderSnapshot is the sender's view of its queue and scheduler, served on
// the debug endpoints.
type SenderSnapshot struct {
	SessionID     string  `json:"session_id"`
	Policy        string  `json:"policy"`
	Scheduler     any     `json:"scheduler,omitempty"`
	PendingBlocks int     `json:"pending_blocks"`
	PendingBytes  uint64  `json:"pending_bytes"`
	PacingRate    float64 `json:"pacing_rate"`
	RTTMs         float64 `json:"rtt_ms"`
	BlocksSent    uint64  `json:"blocks_sent"`
	BlocksDropped uint64  `json:"blocks_dropped"`
	BytesSent     uint64  `json:"bytes_sent"`
	Fallbacks     uint64  `json:"fallbacks"`
}

// ReceiverSummary tallies delivered blocks against their deadlines.
type ReceiverSummary struct {
	Blocks      int    `json:"blocks"`
	OnTime      int    `json:"on_time"`
	Late        int    `json:"late"`
	Reset       int    `json:"reset"`
	Bytes       uint64 `json:"bytes"`
	OnTimeBytes uint64 `json:"on_time_bytes"`
	PingsAck    int    `json:"pings_acked"`
}
