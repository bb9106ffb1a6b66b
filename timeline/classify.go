// Package timeline implements the per-event timeline processing pipeline
// from spec.md §4.2 (decryption attempt, redaction, verification dispatch,
// push evaluation) and the latest-event selection from spec.md §4.3.
package timeline

// Kind is the closed tagged variant Design Note §9 asks for: a small
// classifier dispatching on the Matrix event type string, so the processor
// switches on a Go enum instead of repeatedly comparing raw strings.
type Kind int

const (
	KindOther Kind = iota
	KindRoomMember
	KindRoomPowerLevels
	KindRoomEncryption
	KindRoomRedaction
	KindRoomEncrypted
	KindRoomMessage
	KindVerificationRequest
	KindVerificationOther
	KindPoll
	KindCallInvite
	KindCallNotify
	KindSticker
	KindKnockedStateEvent
)

const (
	typeRoomMember      = "m.room.member"
	typeRoomPowerLevels = "m.room.power_levels"
	typeRoomEncryption  = "m.room.encryption"
	typeRoomRedaction   = "m.room.redaction"
	typeRoomEncrypted   = "m.room.encrypted"
	typeRoomMessage     = "m.room.message"
	typeSticker         = "m.sticker"
	typeCallInvite      = "m.call.invite"
	typeCallNotify      = "m.call.notify"
	typeKeyVerificationPrefix = "m.key.verification."
	msgTypeVerificationRequest = "m.key.verification.request"
	typePollStart       = "m.poll.start"
	typePollStartUnstable = "org.matrix.msc3381.poll.start"
	membershipKnock     = "knock"
)

// Classify returns the Kind for a raw Matrix event type string.
func Classify(eventType string) Kind {
	switch {
	case eventType == typeRoomMember:
		return KindRoomMember
	case eventType == typeRoomPowerLevels:
		return KindRoomPowerLevels
	case eventType == typeRoomEncryption:
		return KindRoomEncryption
	case eventType == typeRoomRedaction:
		return KindRoomRedaction
	case eventType == typeRoomEncrypted:
		return KindRoomEncrypted
	case eventType == typeRoomMessage:
		return KindRoomMessage
	case eventType == typeSticker:
		return KindSticker
	case eventType == typeCallInvite:
		return KindCallInvite
	case eventType == typeCallNotify:
		return KindCallNotify
	case eventType == typePollStart || eventType == typePollStartUnstable:
		return KindPoll
	case eventType == msgTypeVerificationRequest:
		return KindVerificationRequest
	case len(eventType) > len(typeKeyVerificationPrefix) && eventType[:len(typeKeyVerificationPrefix)] == typeKeyVerificationPrefix:
		return KindVerificationOther
	default:
		return KindOther
	}
}

// IsStateEventType reports whether k is a Kind this engine treats as room
// state (carries a state_key in practice). The processor does not call it:
// it decides "is this a state event" from the presence of a state_key on
// the event, not from the Kind alone.
func IsStateEventType(k Kind) bool {
	switch k {
	case KindRoomMember, KindRoomPowerLevels, KindRoomEncryption, KindKnockedStateEvent:
		return true
	default:
		return false
	}
}
