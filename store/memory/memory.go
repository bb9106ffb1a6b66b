// Package memory is an in-memory reference implementation of store.Store
// and store.EventCacheStore, used only by this module's own tests. Real
// backing stores (SQL, sled, ...) are out of scope for the core (spec.md
// §1); this mirrors the shape of the teacher's storage "shared"
// implementations (mediaapi/storage/shared) without any of the SQL.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"maunium.net/go/mautrix/id"
)

// defaultMemberUpdateChannelSize backs rooms SaveChanges creates from a
// RoomInfo that has no prior *roomstate.Room to fold into; real activation
// always supplies config.MemberUpdateChannelSize, which this reference store
// has no access to, so a fixed default matching it stands in.
const defaultMemberUpdateChannelSize = 64

// Store is a concurrency-safe, non-persistent implementation of store.Store.
type Store struct {
	mu sync.Mutex

	sessionMeta *roomstate.SessionMeta
	syncToken   string
	rooms       map[string]*roomstate.Room

	stateEvents map[string]map[string]map[string]json.RawMessage // room -> type -> key -> raw
	userIDs     map[string]map[string]store.MembershipFilter     // room -> userID -> membership bucket
	accountData map[string]map[string]json.RawMessage            // room -> type -> raw ("" room = global)
	kv          map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		rooms:       map[string]*roomstate.Room{},
		stateEvents: map[string]map[string]map[string]json.RawMessage{},
		userIDs:     map[string]map[string]store.MembershipFilter{},
		accountData: map[string]map[string]json.RawMessage{},
		kv:          map[string][]byte{},
	}
}

func (s *Store) GetSessionMeta(context.Context) (*roomstate.SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionMeta, nil
}

func (s *Store) SetSessionMeta(_ context.Context, meta roomstate.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionMeta = &meta
	return nil
}

func (s *Store) LoadRooms(_ context.Context, settings store.RoomLoadSettings) (map[string]*roomstate.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*roomstate.Room{}
	if settings.All {
		for id, r := range s.rooms {
			out[id] = r
		}
		return out, nil
	}
	if r, ok := s.rooms[settings.RoomID]; ok {
		out[settings.RoomID] = r
	}
	return out, nil
}

func (s *Store) SaveRooms(_ context.Context, rooms map[string]*roomstate.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range rooms {
		s.rooms[id] = r
	}
	return nil
}

func (s *Store) RemoveRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.stateEvents, roomID)
	delete(s.userIDs, roomID)
	delete(s.accountData, roomID)
	return nil
}

func (s *Store) GetSyncToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncToken, nil
}

func (s *Store) SetSyncToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncToken = token
	return nil
}

// SaveChanges atomically folds changes into the in-memory maps. The whole
// method runs under s.mu, which is how this reference store satisfies
// spec.md §1's "save_changes is atomic as defined by the store": here, the
// definition is "single critical section".
func (s *Store) SaveChanges(_ context.Context, changes *store.StateChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, byType := range changes.State {
		if _, ok := s.stateEvents[roomID]; !ok {
			s.stateEvents[roomID] = map[string]map[string]json.RawMessage{}
		}
		for eventType, byKey := range byType {
			if _, ok := s.stateEvents[roomID][eventType]; !ok {
				s.stateEvents[roomID][eventType] = map[string]json.RawMessage{}
			}
			for stateKey, raw := range byKey {
				s.stateEvents[roomID][eventType][stateKey] = raw
			}
		}
	}

	for eventType, raw := range changes.AccountData {
		if _, ok := s.accountData[""]; !ok {
			s.accountData[""] = map[string]json.RawMessage{}
		}
		s.accountData[""][eventType] = raw
	}
	for roomID, byType := range changes.RoomAccountData {
		if _, ok := s.accountData[roomID]; !ok {
			s.accountData[roomID] = map[string]json.RawMessage{}
		}
		for eventType, raw := range byType {
			s.accountData[roomID][eventType] = raw
		}
	}

	for key := range changes.ProfilesToDelete {
		delete(s.userIDs[key.RoomID], string(key.UserID))
	}
	for key, profile := range changes.Profiles {
		if _, ok := s.userIDs[key.RoomID]; !ok {
			s.userIDs[key.RoomID] = map[string]store.MembershipFilter{}
		}
		s.userIDs[key.RoomID][string(profile.UserID)] = store.MembershipActive
	}

	for roomID, info := range changes.RoomInfos {
		if room, ok := s.rooms[roomID]; ok {
			room.SetInfo(info)
		} else {
			s.rooms[roomID] = roomstate.NewRoom(info, defaultMemberUpdateChannelSize)
		}
	}

	return nil
}

func (s *Store) GetStateEvent(_ context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.stateEvents[roomID]
	if !ok {
		return nil, nil
	}
	byKey, ok := byType[eventType]
	if !ok {
		return nil, nil
	}
	return byKey[stateKey], nil
}

func (s *Store) GetUserIDs(_ context.Context, roomID string, filter store.MembershipFilter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for userID, bucket := range s.userIDs[roomID] {
		if filter == store.MembershipActive || bucket == filter {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (s *Store) GetAccountDataEvent(_ context.Context, roomID, eventType string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.accountData[roomID]
	if !ok {
		return nil, nil
	}
	return byType[eventType], nil
}

func (s *Store) GetKV(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *Store) SetKV(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

// SeedActiveMember is test-only scaffolding: it lets tests populate a
// room's known membership without going through a sync response, mirroring
// how a real store would already contain prior state.
func (s *Store) SeedActiveMember(roomID string, userID id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userIDs[roomID]; !ok {
		s.userIDs[roomID] = map[string]store.MembershipFilter{}
	}
	s.userIDs[roomID][string(userID)] = store.MembershipActive
}

// EventCacheStore is an in-memory implementation of store.EventCacheStore.
type EventCacheStore struct {
	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewEventCacheStore creates an empty EventCacheStore.
func NewEventCacheStore() *EventCacheStore {
	return &EventCacheStore{rooms: map[string]struct{}{}}
}

func (e *EventCacheStore) Lock(context.Context) (func(), error) {
	e.mu.Lock()
	return func() { e.mu.Unlock() }, nil
}

func (e *EventCacheStore) RemoveRoom(_ context.Context, roomID string) error {
	delete(e.rooms, roomID)
	return nil
}
