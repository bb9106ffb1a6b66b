package pushctx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/element-hq/matrix-client-base/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestBuilder_BuildFromStateChanges(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	info.ActiveMembers[id.UserID("@alice:example.org")] = struct{}{}
	info.ActiveMembers[id.UserID("@bob:example.org")] = struct{}{}
	room := roomstate.NewRoom(info, 8)

	changes := store.NewStateChanges("batch1")
	changes.AddState(info.RoomID, "m.room.member", "@alice:example.org", json.RawMessage(`{"membership":"join","displayname":"Alice"}`))

	b := NewBuilder(nil)
	pc, ok := b.Build(context.Background(), changes, room, memory.New(), "@alice:example.org")
	require.True(t, ok)
	assert.Equal(t, "Alice", pc.UserDisplayName)
	assert.Equal(t, 2, pc.MemberCount)
	assert.Equal(t, info.RoomID, pc.RoomID)
}

func TestBuilder_BuildMissingOwnMemberReturnsFalse(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	room := roomstate.NewRoom(info, 8)
	changes := store.NewStateChanges("batch1")

	b := NewBuilder(nil)
	_, ok := b.Build(context.Background(), changes, room, memory.New(), "@alice:example.org")
	assert.False(t, ok)
}

func TestBuilder_DisplayNameFallsBackToLocalpart(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	room := roomstate.NewRoom(info, 8)
	changes := store.NewStateChanges("batch1")
	changes.AddState(info.RoomID, "m.room.member", "@alice:example.org", json.RawMessage(`{"membership":"join"}`))

	b := NewBuilder(nil)
	pc, ok := b.Build(context.Background(), changes, room, memory.New(), "@alice:example.org")
	require.True(t, ok)
	assert.Equal(t, "alice", pc.UserDisplayName)
}

func TestRulesetCache_SetGetInvalidate(t *testing.T) {
	rc := NewRulesetCache(time.Minute, time.Minute)
	rc.Set("@alice:example.org", Ruleset{})
	_, ok := rc.Get("@alice:example.org")
	assert.True(t, ok)
	rc.Invalidate("@alice:example.org")
	_, ok = rc.Get("@alice:example.org")
	assert.False(t, ok)
}
