package timeline

import (
	"context"
	"encoding/json"

	"github.com/element-hq/matrix-client-base/crypto"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EncryptedEventRef is one candidate in a room's stored
// latest_encrypted_events list, newest-first per spec.md §4.3.
type EncryptedEventRef struct {
	Raw json.RawMessage
}

// LatestEvent is the chosen best-display candidate from spec.md §3.
type LatestEvent struct {
	Event TimelineEvent
}

// IsSuitable classifies whether te is a candidate for a room's latest-event
// preview (spec.md §4.3: RoomMessage | Poll | CallInvite | CallNotify |
// Sticker | KnockedStateEvent). ownUserID/powerLevels are accepted to match
// spec.md's signature; no suitability rule in this engine currently
// consults them beyond the Kind switch, so they are threaded through unused
// rather than dropped from the signature.
func IsSuitable(te TimelineEvent, ownUserID id.UserID, powerLevels *event.PowerLevelsEventContent) bool {
	switch te.Kind {
	case KindRoomMessage, KindPoll, KindCallInvite, KindCallNotify, KindSticker, KindKnockedStateEvent:
		return true
	default:
		return false
	}
}

// SelectLatestEvent walks candidates from newest (index 0) to oldest,
// attempting decryption and classification, per spec.md §4.3. On the first
// suitable decrypted candidate, it returns the LatestEvent and the index at
// which the caller should truncate latest_encrypted_events (older candidates
// are discarded). ok is false if no candidate qualified.
func SelectLatestEvent(
	ctx context.Context,
	cryptoEngine crypto.Engine,
	settings crypto.DecryptionSettings,
	roomID string,
	candidates []EncryptedEventRef,
	ownUserID id.UserID,
	powerLevels *event.PowerLevelsEventContent,
) (*LatestEvent, int, bool) {
	for i, candidate := range candidates {
		result, err := cryptoEngine.TryDecryptRoomEvent(ctx, candidate.Raw, roomID, settings)
		if err != nil || result.UTD != nil {
			continue
		}
		te := wrap(result.Decrypted)
		if !IsSuitable(te, ownUserID, powerLevels) {
			continue
		}
		return &LatestEvent{Event: te}, i, true
	}
	return nil, -1, false
}
