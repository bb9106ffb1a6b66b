package store

import (
	"encoding/json"

	"github.com/element-hq/matrix-client-base/ambiguity"
	"github.com/element-hq/matrix-client-base/roomstate"
	"maunium.net/go/mautrix/id"
)

// RawStateEvent is one (type, state_key) -> raw content entry, preserving
// both the typed view's inputs and the original bytes (Design Note §9).
type RawStateEvent struct {
	Type     string
	StateKey string
	Content  json.RawMessage
}

// Profile is a self-declared member profile, recorded only when
// event.state_key == event.sender (spec.md §4.5).
type Profile struct {
	UserID      id.UserID
	Displayname string
	AvatarURL   string
}

// ProfileKey identifies a (room, user) profile entry for deletion.
type ProfileKey struct {
	RoomID string
	UserID id.UserID
}

// RedactionRecord pairs a redaction's target event ID with the raw
// m.room.redaction event that named it. Applying the redaction to the
// target's stored content (stripping disallowed keys per RedactContent) is
// the store/event-cache layer's job, not the timeline processor's: the
// redaction event's own bytes must round-trip untouched.
type RedactionRecord struct {
	TargetEventID string
	Raw           json.RawMessage
}

// StateChanges is the per-sync accumulator from spec.md §3. A single
// StateChanges is committed atomically by Store.SaveChanges; intermediate
// reads during one sync MUST consult StateChanges before the store (spec.md
// §3 invariant).
type StateChanges struct {
	NextBatch string

	RoomInfos map[string]roomstate.RoomInfo

	// State and StrippedState are keyed room_id -> (type, state_key) -> raw.
	State        map[string]map[string]map[string]json.RawMessage
	StrippedState map[string]map[string]map[string]json.RawMessage

	Redactions map[string][]RedactionRecord // room_id -> target event + raw redaction event

	AccountData     map[string]json.RawMessage // global account data: type -> raw
	RoomAccountData map[string]map[string]json.RawMessage // room_id -> type -> raw

	Presence map[id.UserID]json.RawMessage
	Receipts map[string]json.RawMessage // room_id -> raw m.receipt content

	AmbiguityChanges map[string][]ambiguity.Change // room_id -> changes this batch

	Profiles         map[ProfileKey]Profile
	ProfilesToDelete map[ProfileKey]struct{}
}

// NewStateChanges seeds an empty accumulator with the batch's next_batch
// token (spec.md §4.1 step 2).
func NewStateChanges(nextBatch string) *StateChanges {
	return &StateChanges{
		NextBatch:        nextBatch,
		RoomInfos:        map[string]roomstate.RoomInfo{},
		State:            map[string]map[string]map[string]json.RawMessage{},
		StrippedState:    map[string]map[string]map[string]json.RawMessage{},
		Redactions:       map[string][]RedactionRecord{},
		AccountData:      map[string]json.RawMessage{},
		RoomAccountData:  map[string]map[string]json.RawMessage{},
		Presence:         map[id.UserID]json.RawMessage{},
		Receipts:         map[string]json.RawMessage{},
		AmbiguityChanges: map[string][]ambiguity.Change{},
		Profiles:         map[ProfileKey]Profile{},
		ProfilesToDelete: map[ProfileKey]struct{}{},
	}
}

// AddRoomInfo records (or overwrites) roomID's pending RoomInfo for this batch.
func (c *StateChanges) AddRoomInfo(info roomstate.RoomInfo) {
	c.RoomInfos[info.RoomID] = info
}

// RoomInfoOrClone returns the batch's pending RoomInfo for roomID if one
// exists, otherwise clones room's current info, records the clone, and
// returns it. This is the "RoomInfo lookup helper" from spec.md §4.4: prefer
// StateChanges, fall back to the Room, never read the store directly once
// writes have started accumulating.
func (c *StateChanges) RoomInfoOrClone(room *roomstate.Room) roomstate.RoomInfo {
	if info, ok := c.RoomInfos[room.Info().RoomID]; ok {
		return info
	}
	clone := room.Info().Clone()
	c.AddRoomInfo(clone)
	return clone
}

func (c *StateChanges) AddState(roomID, eventType, stateKey string, content json.RawMessage) {
	if _, ok := c.State[roomID]; !ok {
		c.State[roomID] = map[string]map[string]json.RawMessage{}
	}
	if _, ok := c.State[roomID][eventType]; !ok {
		c.State[roomID][eventType] = map[string]json.RawMessage{}
	}
	c.State[roomID][eventType][stateKey] = content
}

func (c *StateChanges) AddStrippedState(roomID, eventType, stateKey string, content json.RawMessage) {
	if _, ok := c.StrippedState[roomID]; !ok {
		c.StrippedState[roomID] = map[string]map[string]json.RawMessage{}
	}
	if _, ok := c.StrippedState[roomID][eventType]; !ok {
		c.StrippedState[roomID][eventType] = map[string]json.RawMessage{}
	}
	c.StrippedState[roomID][eventType][stateKey] = content
}

func (c *StateChanges) AddRedaction(roomID, targetEventID string, raw json.RawMessage) {
	c.Redactions[roomID] = append(c.Redactions[roomID], RedactionRecord{TargetEventID: targetEventID, Raw: raw})
}

func (c *StateChanges) AddAccountData(eventType string, content json.RawMessage) {
	c.AccountData[eventType] = content
}

func (c *StateChanges) AddRoomAccountData(roomID, eventType string, content json.RawMessage) {
	if _, ok := c.RoomAccountData[roomID]; !ok {
		c.RoomAccountData[roomID] = map[string]json.RawMessage{}
	}
	c.RoomAccountData[roomID][eventType] = content
}

func (c *StateChanges) AddPresence(userID id.UserID, raw json.RawMessage) {
	c.Presence[userID] = raw
}

func (c *StateChanges) AddReceipt(roomID string, raw json.RawMessage) {
	c.Receipts[roomID] = raw
}

func (c *StateChanges) AddAmbiguityChanges(roomID string, changes []ambiguity.Change) {
	if len(changes) == 0 {
		return
	}
	c.AmbiguityChanges[roomID] = append(c.AmbiguityChanges[roomID], changes...)
}

// AddProfile records a self-declared profile (event.state_key ==
// event.sender). Per spec.md §8's quantified invariant, nothing else may
// call this for a third-party-authored profile.
func (c *StateChanges) AddProfile(roomID string, p Profile) {
	c.Profiles[ProfileKey{RoomID: roomID, UserID: p.UserID}] = p
}

// MarkProfileForDeletion schedules removal of a persisted profile, used when
// a membership transitions to Invite (spec.md §4.5: a re-invite after a
// leave with a synthetic-empty profile must not clobber newer data).
func (c *StateChanges) MarkProfileForDeletion(roomID string, userID id.UserID) {
	c.ProfilesToDelete[ProfileKey{RoomID: roomID, UserID: userID}] = struct{}{}
}

// RoomIDs returns every room ID touched by this batch, used by stores that
// want to iterate per-room rather than per-field.
func (c *StateChanges) RoomIDs() []string {
	seen := map[string]struct{}{}
	for id := range c.RoomInfos {
		seen[id] = struct{}{}
	}
	for id := range c.State {
		seen[id] = struct{}{}
	}
	for id := range c.StrippedState {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}
