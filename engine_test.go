package baseengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/element-hq/matrix-client-base/config"
	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/element-hq/matrix-client-base/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	ecs := memory.NewEventCacheStore()
	cfg := config.Defaults()
	e := New(cfg, st, ecs, nil, nil)
	err := e.Activate(context.Background(), roomstate.SessionMeta{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("DEVICE1")}, store.LoadAll())
	require.NoError(t, err)
	return e, st
}

func rawEvent(t *testing.T, v map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEngine_ActivateTwiceFails(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.Activate(context.Background(), roomstate.SessionMeta{UserID: id.UserID("@alice:example.org")}, store.LoadAll())
	assert.ErrorIs(t, err, ErrAlreadyActivated)
}

func TestEngine_ReceiveSyncResponse_BeforeActivateFails(t *testing.T) {
	st := memory.New()
	ecs := memory.NewEventCacheStore()
	e := New(config.Defaults(), st, ecs, nil, nil)
	_, err := e.ReceiveSyncResponse(context.Background(), SyncResponse{NextBatch: "s1"}, nil)
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestEngine_ReceiveSyncResponse_ReplayShortCircuit(t *testing.T) {
	e, _ := newTestEngine(t)

	resp := SyncResponse{NextBatch: "s1"}
	result, err := e.ReceiveSyncResponse(context.Background(), resp, nil)
	require.NoError(t, err)
	assert.False(t, result.IsReplay)

	result2, err := e.ReceiveSyncResponse(context.Background(), resp, nil)
	require.NoError(t, err)
	assert.True(t, result2.IsReplay)
}

func TestEngine_ReceiveSyncResponse_JoinedRoomRecordsMembershipAndMessage(t *testing.T) {
	e, st := newTestEngine(t)

	roomID := "!room:example.org"
	selfMember := rawEvent(t, map[string]interface{}{
		"type":      "m.room.member",
		"state_key": "@alice:example.org",
		"sender":    "@alice:example.org",
		"content":   map[string]interface{}{"membership": "join", "displayname": "Alice"},
	})
	otherMember := rawEvent(t, map[string]interface{}{
		"type":      "m.room.member",
		"state_key": "@bob:example.org",
		"sender":    "@bob:example.org",
		"content":   map[string]interface{}{"membership": "join", "displayname": "Bob"},
	})
	message := rawEvent(t, map[string]interface{}{
		"type":      "m.room.message",
		"event_id":  "$1",
		"sender":    "@bob:example.org",
		"content":   map[string]interface{}{"msgtype": "m.text", "body": "hello alice"},
	})

	resp := SyncResponse{
		NextBatch: "s1",
		Rooms: RoomsSection{
			Join: map[string]JoinedRoomSync{
				roomID: {
					State: []json.RawMessage{selfMember, otherMember},
					Timeline: TimelineSection{
						Events: []json.RawMessage{message},
					},
				},
			},
		},
	}

	result, err := e.ReceiveSyncResponse(context.Background(), resp, nil)
	require.NoError(t, err)
	require.Contains(t, result.JoinedRooms, roomID)
	assert.True(t, result.JoinedRooms[roomID].NotableReasons.Has(roomstate.ReasonMembership))

	room, ok := e.lookupRoom(roomID)
	require.True(t, ok)
	info := room.Info()
	assert.Equal(t, roomstate.Joined, info.State)
	assert.Len(t, info.ActiveMembers, 2)

	users, err := st.GetUserIDs(context.Background(), roomID, store.MembershipActive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@alice:example.org", "@bob:example.org"}, users)
}

func TestEngine_ReceiveAllMembers_RejectsPartialFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.ReceiveAllMembers(context.Background(), "!room:example.org", ReceiveAllMembersRequest{Membership: "join"}, nil)
	assert.ErrorIs(t, err, ErrInvalidReceiveMembersParameters)
}

func TestEngine_ReceiveAllMembers_FullListStoresActiveMembers(t *testing.T) {
	e, st := newTestEngine(t)
	roomID := "!room:example.org"

	members := []json.RawMessage{
		rawEvent(t, map[string]interface{}{
			"type": "m.room.member", "state_key": "@carol:example.org", "sender": "@carol:example.org",
			"content": map[string]interface{}{"membership": "join", "displayname": "Carol"},
		}),
	}

	err := e.ReceiveAllMembers(context.Background(), roomID, ReceiveAllMembersRequest{}, members)
	require.NoError(t, err)

	users, err := st.GetUserIDs(context.Background(), roomID, store.MembershipActive)
	require.NoError(t, err)
	assert.Equal(t, []string{"@carol:example.org"}, users)
}

func TestEngine_RoomJoined_IsIdempotent(t *testing.T) {
	e, st := newTestEngine(t)
	roomID := "!room:example.org"

	require.NoError(t, e.RoomJoined(context.Background(), roomID))
	room, ok := e.lookupRoom(roomID)
	require.True(t, ok)
	assert.Equal(t, roomstate.Joined, room.Info().State)

	// Second call is a no-op: state unchanged, no error, no duplicate save
	// beyond what the first call already did.
	require.NoError(t, e.RoomJoined(context.Background(), roomID))
	assert.Equal(t, roomstate.Joined, room.Info().State)

	rooms, err := st.LoadRooms(context.Background(), store.LoadOne(roomID))
	require.NoError(t, err)
	assert.Contains(t, rooms, roomID)
}

func TestEngine_RoomLeft_TransitionsFromJoined(t *testing.T) {
	e, _ := newTestEngine(t)
	roomID := "!room:example.org"
	require.NoError(t, e.RoomJoined(context.Background(), roomID))
	require.NoError(t, e.RoomLeft(context.Background(), roomID))

	room, ok := e.lookupRoom(roomID)
	require.True(t, ok)
	assert.Equal(t, roomstate.Left, room.Info().State)
}

func TestEngine_ForgetRoom_RemovesFromBothStores(t *testing.T) {
	e, st := newTestEngine(t)
	roomID := "!room:example.org"
	require.NoError(t, e.RoomJoined(context.Background(), roomID))

	require.NoError(t, e.ForgetRoom(context.Background(), roomID))

	rooms, err := st.LoadRooms(context.Background(), store.LoadOne(roomID))
	require.NoError(t, err)
	assert.NotContains(t, rooms, roomID)

	_, ok := e.lookupRoom(roomID)
	assert.False(t, ok)
}

func TestEngine_ShareRoomKey_FailsWithoutEncryption(t *testing.T) {
	e, _ := newTestEngine(t)
	roomID := "!room:example.org"
	require.NoError(t, e.RoomJoined(context.Background(), roomID))

	_, err := e.ShareRoomKey(context.Background(), roomID)
	assert.Error(t, err)
}

func TestEngine_ReceiveSyncResponse_InvitedRoomFoldsStrippedState(t *testing.T) {
	e, _ := newTestEngine(t)
	roomID := "!invited:example.org"

	inviteState := []json.RawMessage{
		rawEvent(t, map[string]interface{}{
			"type": "m.room.name", "state_key": "", "sender": "@bob:example.org",
			"content": map[string]interface{}{"name": "Cool Room"},
		}),
		rawEvent(t, map[string]interface{}{
			"type": "m.room.member", "state_key": "@alice:example.org", "sender": "@bob:example.org",
			"content": map[string]interface{}{"membership": "invite"},
		}),
	}

	resp := SyncResponse{
		NextBatch: "s1",
		Rooms: RoomsSection{
			Invite: map[string]InvitedRoomSync{roomID: {InviteState: inviteState}},
		},
	}

	result, err := e.ReceiveSyncResponse(context.Background(), resp, nil)
	require.NoError(t, err)
	assert.Contains(t, result.InvitedRooms, roomID)

	room, ok := e.lookupRoom(roomID)
	require.True(t, ok)
	assert.Equal(t, roomstate.Invited, room.Info().State)
}

func TestEngine_ReceiveSyncResponse_KnockedRoom(t *testing.T) {
	e, _ := newTestEngine(t)
	roomID := "!knocked:example.org"

	resp := SyncResponse{
		NextBatch: "s1",
		Rooms: RoomsSection{
			Knock: map[string]KnockedRoomSync{
				roomID: {KnockState: []json.RawMessage{
					rawEvent(t, map[string]interface{}{
						"type": "m.room.name", "state_key": "", "sender": "@bob:example.org",
						"content": map[string]interface{}{"name": "Knock Room"},
					}),
				}},
			},
		},
	}

	result, err := e.ReceiveSyncResponse(context.Background(), resp, nil)
	require.NoError(t, err)
	assert.Contains(t, result.KnockedRooms, roomID)

	room, ok := e.lookupRoom(roomID)
	require.True(t, ok)
	assert.Equal(t, roomstate.Knocked, room.Info().State)
}

func TestEngine_ReceiveSyncResponse_FreshPushRulesPopulateRulesetCache(t *testing.T) {
	e, _ := newTestEngine(t)

	pushRules := rawEvent(t, map[string]interface{}{
		"type": "m.push_rules",
		"content": map[string]interface{}{
			"global": map[string]interface{}{
				"override": []interface{}{
					map[string]interface{}{
						"rule_id": ".m.rule.master",
						"default": true,
						"enabled": false,
						"actions": []interface{}{},
					},
				},
			},
		},
	})

	resp := SyncResponse{NextBatch: "s1", AccountData: []json.RawMessage{pushRules}}
	_, err := e.ReceiveSyncResponse(context.Background(), resp, nil)
	require.NoError(t, err)

	cached, ok := e.rulesetCache.Get(string(e.sessionMeta.UserID))
	require.True(t, ok, "deriveRuleset must populate the cache when push_rules arrives fresh in the sync response")
	require.Len(t, cached.Override, 1)
	assert.Equal(t, ".m.rule.master", cached.Override[0].RuleID)

	// A later sync with no push_rules at all must still see the cached
	// ruleset rather than falling back to the server default.
	resp2 := SyncResponse{NextBatch: "s2"}
	_, err = e.ReceiveSyncResponse(context.Background(), resp2, nil)
	require.NoError(t, err)

	cached2, ok := e.rulesetCache.Get(string(e.sessionMeta.UserID))
	require.True(t, ok)
	require.Len(t, cached2.Override, 1)
	assert.Equal(t, ".m.rule.master", cached2.Override[0].RuleID)
}
