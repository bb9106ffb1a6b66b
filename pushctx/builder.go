package pushctx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/element-hq/matrix-client-base/internal/cache"
	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func senderID(s string) id.UserID { return id.UserID(s) }

// PushConditionRoomCtx is the minimal room view spec.md §4.6 defines:
// { user_id, room_id, member_count, user_display_name, power_levels }.
type PushConditionRoomCtx struct {
	UserID          id.UserID
	RoomID          string
	MemberCount     int
	UserDisplayName string
	PowerLevels     *event.PowerLevelsEventContent
}

// Builder constructs PushConditionRoomCtx values per spec.md §4.6's
// precedence order, with a ristretto-backed power-levels cache (grounded on
// internal/caching's RistrettoCachePartition pattern) and a singleflight
// group to collapse duplicate concurrent store lookups for the same room
// within one sync batch.
type Builder struct {
	powerLevelsCache *cache.Partition[string, *event.PowerLevelsEventContent]
	group            singleflight.Group
}

// NewBuilder creates a Builder backed by rc for its power-levels cache.
func NewBuilder(rc *cache.Partition[string, *event.PowerLevelsEventContent]) *Builder {
	return &Builder{powerLevelsCache: rc}
}

// Build implements spec.md §4.6. Returns ok=false only when own-member
// info is entirely unavailable (a brand new room mid-processing); push
// evaluation skips events lacking a context, per spec.
func (b *Builder) Build(ctx context.Context, changes *store.StateChanges, room *roomstate.Room, st store.Store, userID id.UserID) (*PushConditionRoomCtx, bool) {
	info := room.Info()
	pc := &PushConditionRoomCtx{UserID: userID, RoomID: info.RoomID}

	memberRaw, ok := lookupState(changes, info.RoomID, "m.room.member", string(userID))
	if !ok {
		return nil, false
	}
	var member event.MemberEventContent
	if err := json.Unmarshal(memberRaw, &member); err != nil {
		return nil, false
	}
	pc.UserDisplayName = member.Displayname
	if pc.UserDisplayName == "" {
		pc.UserDisplayName = localpart(string(userID))
	}

	pc.MemberCount = len(info.ActiveMembers)

	if plRaw, ok := lookupState(changes, info.RoomID, "m.room.power_levels", ""); ok {
		var pl event.PowerLevelsEventContent
		if err := json.Unmarshal(plRaw, &pl); err == nil {
			pc.PowerLevels = &pl
		}
	} else if info.PowerLevels != nil {
		pc.PowerLevels = info.PowerLevels
	} else {
		pc.PowerLevels = b.powerLevelsFromStore(ctx, st, info.RoomID)
	}

	return pc, true
}

func lookupState(changes *store.StateChanges, roomID, eventType, stateKey string) (json.RawMessage, bool) {
	byType, ok := changes.State[roomID]
	if !ok {
		return nil, false
	}
	byKey, ok := byType[eventType]
	if !ok {
		return nil, false
	}
	raw, ok := byKey[stateKey]
	return raw, ok
}

func (b *Builder) powerLevelsFromStore(ctx context.Context, st store.Store, roomID string) *event.PowerLevelsEventContent {
	if b.powerLevelsCache != nil {
		if cached, ok := b.powerLevelsCache.Get(roomID); ok {
			return cached
		}
	}
	result, _, _ := b.group.Do(roomID, func() (interface{}, error) {
		raw, err := st.GetStateEvent(ctx, roomID, "m.room.power_levels", "")
		if err != nil || raw == nil {
			return (*event.PowerLevelsEventContent)(nil), nil
		}
		var pl event.PowerLevelsEventContent
		if err := json.Unmarshal(raw, &pl); err != nil {
			return (*event.PowerLevelsEventContent)(nil), nil
		}
		return &pl, nil
	})
	pl, _ := result.(*event.PowerLevelsEventContent)
	if b.powerLevelsCache != nil && pl != nil {
		b.powerLevelsCache.Set(roomID, pl)
	}
	return pl
}

func localpart(userID string) string {
	if len(userID) == 0 || userID[0] != '@' {
		return userID
	}
	for i := 1; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[1:i]
		}
	}
	return userID[1:]
}

// RulesetCache wraps go-cache for the built-Ruleset-per-user cache
// (grounded on patrickmn/go-cache's simple TTL-expiring map, used here
// because a Ruleset is rebuilt wholesale on m.push_rules change rather than
// incrementally updated like the ristretto-backed partitions above).
type RulesetCache struct {
	c *gocache.Cache
}

// NewRulesetCache creates a cache with the given default TTL and cleanup
// interval.
func NewRulesetCache(ttl, cleanupInterval time.Duration) *RulesetCache {
	return &RulesetCache{c: gocache.New(ttl, cleanupInterval)}
}

// Get returns the cached Ruleset for userID, if present and unexpired.
func (rc *RulesetCache) Get(userID string) (Ruleset, bool) {
	v, ok := rc.c.Get(userID)
	if !ok {
		return Ruleset{}, false
	}
	rs, ok := v.(Ruleset)
	return rs, ok
}

// Set caches rs for userID using the cache's default TTL.
func (rc *RulesetCache) Set(userID string, rs Ruleset) {
	rc.c.SetDefault(userID, rs)
}

// Invalidate drops userID's cached Ruleset. The engine does not call it:
// fresh m.push_rules account data replaces the cached entry via Set.
func (rc *RulesetCache) Invalidate(userID string) {
	rc.c.Delete(userID)
}
