package roomstate

import (
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomInfo_DefaultsToLeftAndUnknownEncryption(t *testing.T) {
	info := NewRoomInfo("!room:example.org")
	assert.Equal(t, Left, info.State)
	assert.Equal(t, EncryptionUnknown, info.EncryptionState)
}

func TestRoomInfo_Clone_DoesNotAliasMaps(t *testing.T) {
	info := NewRoomInfo("!room:example.org")
	info.ActiveMembers["@alice:example.org"] = struct{}{}

	clone := info.Clone()
	clone.ActiveMembers["@bob:example.org"] = struct{}{}

	assert.Len(t, info.ActiveMembers, 1)
	assert.Len(t, clone.ActiveMembers, 2)
}

func TestRoomInfo_SetStateSyncStatus_NeverGoesBackwards(t *testing.T) {
	info := NewRoomInfo("!room:example.org")
	info.SetStateSyncStatus(StateFull)
	info.SetStateSyncStatus(StatePartial)
	assert.Equal(t, StateFull, info.StateSyncStatus)
}

func TestRoomInfo_HandleEncryptionState(t *testing.T) {
	info := NewRoomInfo("!room:example.org")
	requested := RequestedRequiredStates{"!room:example.org": {{Type: "m.room.encryption", StateKey: ""}}}

	info.HandleEncryptionState(requested, false)
	assert.Equal(t, EncryptionUnencrypted, info.EncryptionState)

	info2 := NewRoomInfo("!room:example.org")
	info2.HandleEncryptionState(RequestedRequiredStates{}, false)
	assert.Equal(t, EncryptionUnknown, info2.EncryptionState)

	info3 := NewRoomInfo("!room:example.org")
	info3.HandleEncryptionState(RequestedRequiredStates{}, true)
	assert.Equal(t, EncryptionEncrypted, info3.EncryptionState)
}

func TestRoomInfo_HandleStateEvent_PowerLevelsAndEncryption(t *testing.T) {
	info := NewRoomInfo("!room:example.org")
	info.HandleStateEvent("m.room.power_levels", "", json.RawMessage(`{"users_default":0,"events_default":0}`))
	require.NotNil(t, info.PowerLevels)

	info.HandleStateEvent("m.room.encryption", "", json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`))
	assert.Equal(t, EncryptionEncrypted, info.EncryptionState)
}

func TestRedactContent_StripsDisallowedKeysForV1(t *testing.T) {
	raw := json.RawMessage(`{"membership":"join","displayname":"Alice","avatar_url":"mxc://x/y"}`)
	redacted, err := RedactContent(raw, "m.room.member", gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(redacted, &content))
	assert.Contains(t, content, "membership")
	assert.NotContains(t, content, "displayname")
	assert.NotContains(t, content, "avatar_url")
}

func TestRedactContent_UnknownVersionFallsBackToV1(t *testing.T) {
	raw := json.RawMessage(`{"creator":"@alice:example.org","extra":"gone"}`)
	redacted, err := RedactContent(raw, "m.room.create", gomatrixserverlib.RoomVersion("99"))
	require.NoError(t, err)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(redacted, &content))
	assert.Contains(t, content, "creator")
	assert.NotContains(t, content, "extra")
}

func TestRoom_BroadcastMemberUpdate_DropsWhenFull(t *testing.T) {
	room := NewRoom(NewRoomInfo("!room:example.org"), 1)
	room.BroadcastMemberUpdate(MemberUpdate{FullReload: true})
	room.BroadcastMemberUpdate(MemberUpdate{FullReload: false})

	update := <-room.MemberUpdates
	assert.True(t, update.FullReload)
	select {
	case <-room.MemberUpdates:
		t.Fatal("expected the second update to have been dropped")
	default:
	}
}

func TestRoom_SetInfoAndInfo_RoundTrip(t *testing.T) {
	room := NewRoom(NewRoomInfo("!room:example.org"), 1)
	updated := room.Info()
	updated.State = Joined
	room.SetInfo(updated)

	assert.Equal(t, Joined, room.Info().State)
}
