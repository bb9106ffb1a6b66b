package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SyncTokenRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	token, err := s.GetSyncToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.SetSyncToken(ctx, "s1"))
	token, err = s.GetSyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", token)
}

func TestStore_SaveChangesFoldsStateAndAccountData(t *testing.T) {
	s := New()
	ctx := context.Background()

	changes := store.NewStateChanges("s1")
	changes.AddState("!room:example.org", "m.room.name", "", json.RawMessage(`{"name":"Test"}`))
	changes.AddAccountData("m.push_rules", json.RawMessage(`{"global":{}}`))
	changes.AddProfile("!room:example.org", store.Profile{UserID: "@alice:example.org", Displayname: "Alice"})

	require.NoError(t, s.SaveChanges(ctx, changes))

	raw, err := s.GetStateEvent(ctx, "!room:example.org", "m.room.name", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Test"}`, string(raw))

	ad, err := s.GetAccountDataEvent(ctx, "", "m.push_rules")
	require.NoError(t, err)
	assert.JSONEq(t, `{"global":{}}`, string(ad))

	users, err := s.GetUserIDs(ctx, "!room:example.org", store.MembershipActive)
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:example.org"}, users)
}

func TestStore_SaveChangesPersistsRoomInfo(t *testing.T) {
	s := New()
	ctx := context.Background()

	info := roomstate.NewRoomInfo("!room:example.org")
	info.State = roomstate.Joined
	changes := store.NewStateChanges("s1")
	changes.AddRoomInfo(info)
	require.NoError(t, s.SaveChanges(ctx, changes))

	rooms, err := s.LoadRooms(ctx, store.LoadOne("!room:example.org"))
	require.NoError(t, err)
	require.Contains(t, rooms, "!room:example.org")
	assert.Equal(t, roomstate.Joined, rooms["!room:example.org"].Info().State)

	// A second batch updating the same room must mutate the existing Room
	// rather than replacing it with a fresh one.
	info.State = roomstate.Left
	changes2 := store.NewStateChanges("s2")
	changes2.AddRoomInfo(info)
	require.NoError(t, s.SaveChanges(ctx, changes2))

	rooms, err = s.LoadRooms(ctx, store.LoadOne("!room:example.org"))
	require.NoError(t, err)
	assert.Equal(t, roomstate.Left, rooms["!room:example.org"].Info().State)
}

func TestStore_RemoveRoomClearsAllRoomKeyedState(t *testing.T) {
	s := New()
	ctx := context.Background()

	room := roomstate.NewRoom(roomstate.NewRoomInfo("!room:example.org"), 1)
	require.NoError(t, s.SaveRooms(ctx, map[string]*roomstate.Room{"!room:example.org": room}))
	s.SeedActiveMember("!room:example.org", "@alice:example.org")

	require.NoError(t, s.RemoveRoom(ctx, "!room:example.org"))

	rooms, err := s.LoadRooms(ctx, store.LoadOne("!room:example.org"))
	require.NoError(t, err)
	assert.Empty(t, rooms)

	users, err := s.GetUserIDs(ctx, "!room:example.org", store.MembershipActive)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestStore_LoadRooms_AllVsOne(t *testing.T) {
	s := New()
	ctx := context.Background()
	rooms := map[string]*roomstate.Room{
		"!a:example.org": roomstate.NewRoom(roomstate.NewRoomInfo("!a:example.org"), 1),
		"!b:example.org": roomstate.NewRoom(roomstate.NewRoomInfo("!b:example.org"), 1),
	}
	require.NoError(t, s.SaveRooms(ctx, rooms))

	all, err := s.LoadRooms(ctx, store.LoadAll())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := s.LoadRooms(ctx, store.LoadOne("!a:example.org"))
	require.NoError(t, err)
	assert.Len(t, one, 1)
	assert.Contains(t, one, "!a:example.org")
}

func TestEventCacheStore_LockUnlockAndRemoveRoom(t *testing.T) {
	e := NewEventCacheStore()
	ctx := context.Background()

	unlock, err := e.Lock(ctx)
	require.NoError(t, err)
	unlock()

	require.NoError(t, e.RemoveRoom(ctx, "!room:example.org"))
}
