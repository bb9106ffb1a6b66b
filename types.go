package baseengine

import (
	"encoding/json"

	"github.com/element-hq/matrix-client-base/roomstate"
)

// SyncResponse is the already-fetched, already-JSON-decoded-at-the-envelope-
// level sync response the host hands to ReceiveSyncResponse. The engine
// never performs the HTTP call or top-level JSON decode itself (spec.md
// §1); per-event bodies stay as json.RawMessage so the timeline processor
// can keep raw bytes alongside typed views (Design Note §9).
type SyncResponse struct {
	NextBatch string

	Rooms RoomsSection

	AccountData []json.RawMessage
	Presence    []json.RawMessage
	ToDevice    ToDeviceSection
}

// RoomsSection mirrors the Matrix /sync response's "rooms" object.
type RoomsSection struct {
	Join   map[string]JoinedRoomSync
	Invite map[string]InvitedRoomSync
	Leave  map[string]LeftRoomSync
	Knock  map[string]KnockedRoomSync
}

// TimelineSection mirrors one room's "timeline" object.
type TimelineSection struct {
	Events    []json.RawMessage
	Limited   bool
	PrevBatch string
}

// JoinedRoomSync mirrors one room's entry under rooms.join.
type JoinedRoomSync struct {
	State               []json.RawMessage
	Timeline            TimelineSection
	AccountData         []json.RawMessage
	Ephemeral           []json.RawMessage
	UnreadNotifications roomstate.NotificationCounts
}

// LeftRoomSync mirrors one room's entry under rooms.leave.
type LeftRoomSync struct {
	State       []json.RawMessage
	Timeline    TimelineSection
	AccountData []json.RawMessage
}

// InvitedRoomSync mirrors one room's entry under rooms.invite: only stripped
// state is visible to a non-member (spec.md Glossary: "Stripped state").
type InvitedRoomSync struct {
	InviteState []json.RawMessage
}

// KnockedRoomSync mirrors one room's entry under rooms.knock.
type KnockedRoomSync struct {
	KnockState []json.RawMessage
}

// ToDeviceSection mirrors the to-device/E2EE bookkeeping fields of a sync
// response, the exact inputs crypto.EncryptionSyncChanges needs (spec.md
// §4.1 step 3).
type ToDeviceSection struct {
	Events                  []json.RawMessage
	DeviceListsChanged      []string
	DeviceOneTimeKeysCounts map[string]int
	DeviceUnusedFallbackKeyTypes []string
}

// JoinedRoomUpdate is one room's contribution to a SyncResult. It does not
// carry the processed timeline. NotableReasons always contains
// ReasonMembership, plus ReasonLatestEvent when a room-key update promoted a
// latest-event candidate during this sync; it is not the diff-based reason
// set published on the RoomInfo update channel.
type JoinedRoomUpdate struct {
	RoomID        string
	NotableReasons roomstate.NotableUpdateReasons
}

// SyncResult is ReceiveSyncResponse's return value: a summary of what
// changed, not the changes themselves (those are already committed to the
// store and applied to in-memory Rooms by the time this is returned).
type SyncResult struct {
	JoinedRooms  map[string]JoinedRoomUpdate
	LeftRooms    map[string]struct{}
	InvitedRooms map[string]struct{}
	KnockedRooms map[string]struct{}

	// IsReplay is true when this call was short-circuited because
	// NextBatch matched the already-stored sync token (spec.md §4.1 step 1).
	IsReplay bool
}
