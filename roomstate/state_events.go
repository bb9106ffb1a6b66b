package roomstate

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/event"
)

// StateKeyTuple identifies one (type, state_key) pair a sync request asked
// for, per spec.md §4.7.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

// RequestedRequiredStates is the per-room lookup from spec.md §4.7, used by
// HandleEncryptionState to distinguish "asked, absent" from "never asked".
type RequestedRequiredStates map[string][]StateKeyTuple

// Requested reports whether (eventType, stateKey) was asked for in roomID.
// A wildcard state_key ("*") in the requested list matches any stateKey.
func (r RequestedRequiredStates) Requested(roomID, eventType, stateKey string) bool {
	for _, tuple := range r[roomID] {
		if tuple.Type != eventType && tuple.Type != "*" {
			continue
		}
		if tuple.StateKey == stateKey || tuple.StateKey == "*" {
			return true
		}
	}
	return false
}

const (
	typeMember        = "m.room.member"
	typePowerLevels   = "m.room.power_levels"
	typeEncryption    = "m.room.encryption"
	typeRedaction     = "m.room.redaction"
)

// HandleStateEvent folds a single non-member state event into RoomInfo, per
// spec.md §4.2 ("RoomInfo.handle_state_event"). Unrecognized event types are
// ignored: RoomInfo only tracks the fields this engine's consumers need.
func (r *RoomInfo) HandleStateEvent(eventType, stateKey string, content json.RawMessage) {
	switch eventType {
	case typePowerLevels:
		var pl event.PowerLevelsEventContent
		if err := json.Unmarshal(content, &pl); err == nil {
			r.PowerLevels = &pl
		}
	case typeEncryption:
		var enc event.EncryptionEventContent
		if err := json.Unmarshal(content, &enc); err == nil && enc.Algorithm != "" {
			r.EncryptionState = EncryptionEncrypted
		}
	}
}

// HandleEncryptionState implements spec.md §4.7's absence rule: if
// m.room.encryption was requested and is absent from the batch, the room is
// Unencrypted; if it was never requested, nothing is concluded from its
// absence and the encryption state is left as it was (Unknown for a room
// whose encryption has never been observed).
func (r *RoomInfo) HandleEncryptionState(requested RequestedRequiredStates, sawEncryptionEvent bool) {
	if sawEncryptionEvent {
		r.EncryptionState = EncryptionEncrypted
		return
	}
	if requested.Requested(r.RoomID, typeEncryption, "") {
		r.EncryptionState = EncryptionUnencrypted
		return
	}
	if r.EncryptionState == EncryptionUnknown {
		r.EncryptionState = EncryptionUnknown
	}
}

// redactionAllowedKeys lists the top-level content keys a redaction
// preserves, by room version. gomatrixserverlib's redaction algorithm is the
// authoritative definition of this table in the real client; here we mirror
// the well-known allow-list directly (see DESIGN.md for why this is kept
// local rather than calling into gomatrixserverlib's unexported redaction
// internals).
var redactionAllowedKeys = map[gomatrixserverlib.RoomVersion]map[string][]string{
	gomatrixserverlib.RoomVersionV1: {
		typeMember:      {"membership"},
		typePowerLevels: {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
		"m.room.create":           {"creator"},
		"m.room.join_rules":       {"join_rule"},
		"m.room.history_visibility": {"history_visibility"},
	},
}

// allowedKeysFor returns the allow-list for a room version, falling back to
// V1 (spec.md §4.2: "default V1 if unknown").
func allowedKeysFor(version gomatrixserverlib.RoomVersion) map[string][]string {
	if m, ok := redactionAllowedKeys[version]; ok {
		return m
	}
	return redactionAllowedKeys[gomatrixserverlib.RoomVersionV1]
}

// HandleRedaction implements spec.md §4.2's RoomInfo.handle_redaction: it
// does not mutate the timeline itself (that is the timeline package's job)
// but updates any RoomInfo fields derived from the now-redacted event, e.g.
// clearing a redacted m.room.topic/name's cached value is left to callers
// that track such derived fields; the RoomInfo fields this engine keeps
// (power levels, encryption) are not redactable in practice, so this is a
// narrow hook kept for symmetry with the original's per-field handling.
func (r *RoomInfo) HandleRedaction(redactedEventType string) {
	// No RoomInfo field currently derives from a redactable event type
	// beyond what HandleStateEvent already recomputes on the next state
	// event; this method exists so callers have one stable entry point
	// if that changes.
	_ = redactedEventType
}

// RedactContent strips all content keys a redaction does not preserve for
// eventType at room version, returning the redacted JSON. Keeps the raw
// bytes byte-exact on the surviving fields (Design Note §9).
func RedactContent(raw json.RawMessage, eventType string, version gomatrixserverlib.RoomVersion) (json.RawMessage, error) {
	allowed := allowedKeysFor(version)[eventType]
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = struct{}{}
	}

	var content map[string]json.RawMessage
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}

	out := []byte(`{}`)
	var err error
	for k, v := range content {
		if _, ok := allowedSet[k]; !ok {
			continue
		}
		out, err = sjson.SetRawBytes(out, k, v)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
