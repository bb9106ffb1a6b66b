package accountdata

import (
	"encoding/json"
	"testing"

	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/stretchr/testify/assert"
)

func TestProcessor_HandleRoomAccountData_MarkedUnreadStable(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	room := roomstate.NewRoom(info, 8)
	changes := store.NewStateChanges("batch1")

	p := NewProcessor()
	p.HandleRoomAccountData(changes, room, TypeMarkedUnreadStable, json.RawMessage(`{"type":"m.marked_unread","content":{"unread":true}}`))

	got := changes.RoomInfos[info.RoomID]
	assert.True(t, got.IsMarkedUnread)
}

func TestProcessor_HandleRoomAccountData_MarkedUnreadUnstablePrefix(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	room := roomstate.NewRoom(info, 8)
	changes := store.NewStateChanges("batch1")

	p := NewProcessor()
	p.HandleRoomAccountData(changes, room, TypeMarkedUnreadUnstable, json.RawMessage(`{"type":"com.famedly.marked_unread","content":{"unread":true}}`))

	got := changes.RoomInfos[info.RoomID]
	assert.True(t, got.IsMarkedUnread)
}

func TestProcessor_HandleRoomAccountData_Tag(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	room := roomstate.NewRoom(info, 8)
	changes := store.NewStateChanges("batch1")

	p := NewProcessor()
	p.HandleRoomAccountData(changes, room, TypeTag, json.RawMessage(`{"type":"m.tag","content":{"tags":{"m.favourite":{"order":0.1},"u.work":{}}}}`))

	got := changes.RoomInfos[info.RoomID]
	assert.Len(t, got.NotableTags, 2)
	_, hasFavourite := got.NotableTags["m.favourite"]
	assert.True(t, hasFavourite)
}

func TestProcessor_HandleRoomAccountData_UnknownTypeStoredVerbatim(t *testing.T) {
	info := roomstate.NewRoomInfo("!room:example.org")
	room := roomstate.NewRoom(info, 8)
	changes := store.NewStateChanges("batch1")
	raw := json.RawMessage(`{"custom":true}`)

	p := NewProcessor()
	p.HandleRoomAccountData(changes, room, "org.example.custom", raw)

	assert.Equal(t, raw, changes.RoomAccountData[info.RoomID]["org.example.custom"])
	_, hasInfo := changes.RoomInfos[info.RoomID]
	assert.False(t, hasInfo)
}

func TestProcessor_Apply_FoldsGlobalAccountData(t *testing.T) {
	changes := store.NewStateChanges("batch1")
	p := NewProcessor()
	global := map[string]json.RawMessage{
		TypeDirect:         json.RawMessage(`{"@bob:example.org":["!dm:example.org"]}`),
		TypeIgnoredUserList: json.RawMessage(`{"ignored_users":{"@spammer:example.org":{}}}`),
	}
	p.Apply(changes, global)

	assert.Equal(t, global[TypeDirect], changes.AccountData[TypeDirect])
	assert.Equal(t, global[TypeIgnoredUserList], changes.AccountData[TypeIgnoredUserList])
}

func TestIgnoredUsers(t *testing.T) {
	raw := json.RawMessage(`{"type":"m.ignored_user_list","content":{"ignored_users":{"@spammer:example.org":{},"@troll:example.org":{}}}}`)
	users := IgnoredUsers(raw)
	assert.Len(t, users, 2)
}

func TestIgnoredUsers_NilRaw(t *testing.T) {
	assert.Nil(t, IgnoredUsers(nil))
}
