// Package roomstate holds the per-room summary (RoomInfo), the Room
// wrapper that owns it, and the room lifecycle state machine described in
// spec.md §3/§4.1.
package roomstate

import (
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// State is the room lifecycle state machine from spec.md §3.
type State int

const (
	Joined State = iota
	Left
	Invited
	Knocked
	Banned
)

func (s State) String() string {
	switch s {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Invited:
		return "invited"
	case Knocked:
		return "knocked"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// EncryptionState tracks whether a room's m.room.encryption state is known,
// and if so, whether it is present.
type EncryptionState int

const (
	EncryptionUnknown EncryptionState = iota
	EncryptionUnencrypted
	EncryptionEncrypted
)

// MembersSyncStatus tracks how complete this client's view of room
// membership is.
type MembersSyncStatus int

const (
	MembersNotSynced MembersSyncStatus = iota
	MembersPartial
	MembersSynced
	MembersMissing
)

// StateSyncStatus tracks how complete this client's view of room state is.
// Monotone within a sync batch: Partial -> Full, never reverse (spec.md §3).
type StateSyncStatus int

const (
	StateNotSynced StateSyncStatus = iota
	StatePartial
	StateFull
)

// NotableUpdateReasons is the bitset from spec.md §3 describing why a
// RoomInfo changed during a sync batch.
type NotableUpdateReasons uint8

const (
	ReasonNone         NotableUpdateReasons = 0
	ReasonMembership   NotableUpdateReasons = 1 << 0
	ReasonUnreadMarker NotableUpdateReasons = 1 << 1
	ReasonLatestEvent  NotableUpdateReasons = 1 << 2
	ReasonNotification NotableUpdateReasons = 1 << 3
)

// Set returns reasons with r added.
func (reasons NotableUpdateReasons) Set(r NotableUpdateReasons) NotableUpdateReasons {
	return reasons | r
}

// Has reports whether reasons contains r.
func (reasons NotableUpdateReasons) Has(r NotableUpdateReasons) bool {
	return reasons&r != 0
}

// SessionMeta identifies the logged-in session. Set exactly once via
// Engine.Activate.
type SessionMeta struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// NotificationCounts mirrors the per-room unread counters Matrix sync
// responses carry.
type NotificationCounts struct {
	Highlights    int
	Notifications int
}

// RoomInfo is the per-room summary described in spec.md §3.
type RoomInfo struct {
	RoomID             string
	State              State
	EncryptionState    EncryptionState
	PrevBatchToken     string
	MembersSyncStatus  MembersSyncStatus
	StateSyncStatus    StateSyncStatus
	IsMarkedUnread     bool
	NotableTags        map[string]struct{}
	NotificationCounts NotificationCounts
	RoomVersion        gomatrixserverlib.RoomVersion
	PowerLevels        *event.PowerLevelsEventContent

	// ActiveMembers tracks the user IDs this batch has observed as
	// Join/Invite, used to feed crypto.UpdateTrackedUsers on encryption
	// onset (spec.md §4.1 step 5g).
	ActiveMembers map[id.UserID]struct{}
}

// NewRoomInfo creates an empty RoomInfo for a freshly-seen room.
func NewRoomInfo(roomID string) RoomInfo {
	return RoomInfo{
		RoomID:          roomID,
		State:           Left,
		EncryptionState: EncryptionUnknown,
		NotableTags:     map[string]struct{}{},
		ActiveMembers:   map[id.UserID]struct{}{},
	}
}

// Clone deep-copies the maps and pointer fields so the result can be
// accumulated into StateChanges without aliasing the live Room.
func (r RoomInfo) Clone() RoomInfo {
	clone := r
	clone.NotableTags = make(map[string]struct{}, len(r.NotableTags))
	for k := range r.NotableTags {
		clone.NotableTags[k] = struct{}{}
	}
	clone.ActiveMembers = make(map[id.UserID]struct{}, len(r.ActiveMembers))
	for k := range r.ActiveMembers {
		clone.ActiveMembers[k] = struct{}{}
	}
	if r.PowerLevels != nil {
		pl := *r.PowerLevels
		clone.PowerLevels = &pl
	}
	return clone
}

// MarkMembersMissing sets MembersSyncStatus to Missing, per spec.md §3/§4.1:
// triggered by a limited timeline or an own-membership change.
func (r *RoomInfo) MarkMembersMissing() {
	r.MembersSyncStatus = MembersMissing
}

// SetStateSyncStatus enforces the monotone Partial -> Full rule within a
// batch; a request to move backwards is a no-op.
func (r *RoomInfo) SetStateSyncStatus(status StateSyncStatus) {
	if status < r.StateSyncStatus {
		return
	}
	r.StateSyncStatus = status
}

// Room owns a RoomInfo and the broadcast sender for its member updates.
// Room is cheap to share: observers hold only the receive side of
// MemberUpdates, so a Room's lifetime never depends on its observers
// (Design Note: Cyclic references between Room and Engine).
type Room struct {
	mu   sync.RWMutex
	info RoomInfo

	// MemberUpdates is owned by this Room, not the Engine, so Rooms can
	// outlive a particular Engine-held reference to them.
	MemberUpdates chan MemberUpdate
}

// MemberUpdate is sent on a Room's MemberUpdates channel: either a partial
// set of changed user IDs, or a signal that the receiver should reload the
// full membership list from the store.
type MemberUpdate struct {
	FullReload bool
	Changed    map[id.UserID]struct{}
}

// NewRoom creates a Room with the given info and a member-update channel of
// the given capacity.
func NewRoom(info RoomInfo, memberUpdateChannelSize int) *Room {
	return &Room{
		info:          info,
		MemberUpdates: make(chan MemberUpdate, memberUpdateChannelSize),
	}
}

// Info returns a copy of the current RoomInfo.
func (r *Room) Info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

// SetInfo replaces the RoomInfo under the Room's lock. Called only from the
// commit region under the Engine's sync lock.
func (r *Room) SetInfo(info RoomInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
}

// BroadcastMemberUpdate sends a non-blocking MemberUpdate, dropping it if
// the channel is full (spec.md §5: slow subscribers MAY lose updates).
func (r *Room) BroadcastMemberUpdate(update MemberUpdate) {
	select {
	case r.MemberUpdates <- update:
	default:
	}
}
