// Package store defines the abstract StateStore and EventCacheStore
// interfaces from spec.md §6. The core never implements a real backing
// store (spec.md §1 places persistence out of scope); store/memory provides
// a reference implementation used only by this module's own tests.
package store

import (
	"context"
	"encoding/json"

	"github.com/element-hq/matrix-client-base/roomstate"
)

// MembershipFilter narrows GetUserIDs to a membership subset.
type MembershipFilter int

const (
	MembershipActive MembershipFilter = iota // Join + Invite
	MembershipJoin
	MembershipInvite
)

// RoomLoadSettings selects which rooms Engine.Activate loads, grounded on
// original_source's LoadAll/LoadOne distinction (SPEC_FULL.md §9).
type RoomLoadSettings struct {
	All    bool
	RoomID string // only meaningful when All is false
}

// LoadAll requests every known room be loaded at activation.
func LoadAll() RoomLoadSettings { return RoomLoadSettings{All: true} }

// LoadOne requests only roomID be loaded at activation.
func LoadOne(roomID string) RoomLoadSettings { return RoomLoadSettings{RoomID: roomID} }

// Store is the abstract state store from spec.md §6.
type Store interface {
	GetSessionMeta(ctx context.Context) (*roomstate.SessionMeta, error)
	SetSessionMeta(ctx context.Context, meta roomstate.SessionMeta) error

	LoadRooms(ctx context.Context, settings RoomLoadSettings) (map[string]*roomstate.Room, error)
	SaveRooms(ctx context.Context, rooms map[string]*roomstate.Room) error
	RemoveRoom(ctx context.Context, roomID string) error

	GetSyncToken(ctx context.Context) (string, error)
	SetSyncToken(ctx context.Context, token string) error

	SaveChanges(ctx context.Context, changes *StateChanges) error

	GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error)
	GetUserIDs(ctx context.Context, roomID string, filter MembershipFilter) ([]string, error)
	GetAccountDataEvent(ctx context.Context, roomID, eventType string) (json.RawMessage, error)

	GetKV(ctx context.Context, key string) ([]byte, error)
	SetKV(ctx context.Context, key string, value []byte) error
}

// EventCacheStore is the narrow interface the core holds only for
// ForgetRoom (spec.md §6).
type EventCacheStore interface {
	Lock(ctx context.Context) (unlock func(), err error)
	RemoveRoom(ctx context.Context, roomID string) error
}
