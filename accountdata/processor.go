// Package accountdata implements the per-room and global account-data
// folding rules from spec.md §4.4.
package accountdata

import (
	"encoding/json"

	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/tidwall/gjson"
)

// Event types handled specially. m.marked_unread is the stable type;
// com.famedly.marked_unread was the MSC2867 unstable prefix this still needs
// to honor for clients that have not migrated (SPEC_FULL.md §6.4).
const (
	TypeMarkedUnreadStable   = "m.marked_unread"
	TypeMarkedUnreadUnstable = "com.famedly.marked_unread"
	TypeTag                  = "m.tag"

	TypePushRules        = "m.push_rules"
	TypeDirect           = "m.direct"
	TypeIgnoredUserList   = "m.ignored_user_list"
)

// Processor implements spec.md §4.4's per-room and global account-data
// folding.
type Processor struct{}

// NewProcessor creates a Processor. It is stateless; all state lives in the
// StateChanges accumulator passed to each call.
func NewProcessor() *Processor { return &Processor{} }

// HandleRoomAccountData folds one room-scoped account-data event into
// changes, implementing the MarkedUnread and Tag special cases and the
// verbatim-storage fallback (spec.md §4.4).
func (p *Processor) HandleRoomAccountData(changes *store.StateChanges, room *roomstate.Room, eventType string, raw json.RawMessage) {
	changes.AddRoomAccountData(room.Info().RoomID, eventType, raw)

	switch eventType {
	case TypeMarkedUnreadStable, TypeMarkedUnreadUnstable:
		p.handleMarkedUnread(changes, room, raw)
	case TypeTag:
		p.handleTag(changes, room, raw)
	}
}

// handleMarkedUnread sets IsMarkedUnread when it changed. The caller (the
// engine's commit step) diffs old vs. new RoomInfo to decide whether to set
// ReasonUnreadMarker on the notable update, so this just records the value.
func (p *Processor) handleMarkedUnread(changes *store.StateChanges, room *roomstate.Room, raw json.RawMessage) {
	info := changes.RoomInfoOrClone(room)
	info.IsMarkedUnread = gjson.GetBytes(raw, "content.unread").Bool()
	changes.AddRoomInfo(info)
}

func (p *Processor) handleTag(changes *store.StateChanges, room *roomstate.Room, raw json.RawMessage) {
	info := changes.RoomInfoOrClone(room)
	tags := gjson.GetBytes(raw, "content.tags")
	folded := map[string]struct{}{}
	tags.ForEach(func(key, _ gjson.Result) bool {
		folded[key.String()] = struct{}{}
		return true
	})
	info.NotableTags = folded
	changes.AddRoomInfo(info)
}

// Apply folds global (room_id == "") account-data into changes, per spec.md
// §4.4's "fold push_rules, direct, ignored_user_list, etc.". The
// ignored-user-list diff itself is deliberately NOT computed here: spec.md
// §4.4 places that at commit time against the pre-sync snapshot, which is
// the engine's responsibility since only the engine holds that snapshot.
func (p *Processor) Apply(changes *store.StateChanges, globalAccountData map[string]json.RawMessage) {
	for eventType, raw := range globalAccountData {
		changes.AddAccountData(eventType, raw)
	}
}

// IgnoredUsers extracts the ignored_user_list content's user ID set, used by
// the engine to diff against the prior snapshot at commit time.
func IgnoredUsers(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	result := gjson.GetBytes(raw, "content.ignored_users")
	if !result.IsObject() {
		return nil
	}
	var out []string
	result.ForEach(func(key, _ gjson.Result) bool {
		out = append(out, key.String())
		return true
	})
	return out
}
