package protocol

// Message types carried in envelopes.
const (
	TypeError           = "error"
	TypeSenderSnapshot  = "sender_snapshot"
	TypeReceiverSummary = "receiver_summary"
)

// KnownType reports whether t is one of the message types above.
func KnownType(t string) bool {
	switch t {
	case TypeError, TypeSenderSnapshot, TypeReceiverSummary:
		return true
	}
	return false
}
