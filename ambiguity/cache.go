// Package ambiguity implements the AmbiguityCache from spec.md §3/§4.5: a
// per-room display-name -> user-id-set map used to disambiguate members
// sharing a display name.
package ambiguity

import (
	"sync"

	"github.com/element-hq/matrix-client-base/internal/metrics"
	"maunium.net/go/mautrix/id"
)

// Change describes a transition in a user's ambiguity status or effective
// display name, emitted whenever either changes (spec.md §4.5).
type Change struct {
	RoomID             string
	UserID             id.UserID
	DisplayName        string
	WasAmbiguous       bool
	IsAmbiguous        bool
	DisplayNameChanged bool
}

// Cache is the AmbiguityCache: room_id -> display_name -> set<user_id>.
// A user's bucket membership is the source of truth for Ambiguous(): a
// bucket size > 1 means every member in it is ambiguous (spec.md §3).
type Cache struct {
	mu sync.Mutex
	// rooms[roomID][displayName] = set of user IDs currently using it.
	rooms map[string]map[string]map[id.UserID]struct{}
	// memberName[roomID][userID] = the display name they are currently
	// tracked under, so Track can find and remove the old bucket.
	memberName map[string]map[id.UserID]string

	pending []Change
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		rooms:      map[string]map[string]map[id.UserID]struct{}{},
		memberName: map[string]map[id.UserID]string{},
	}
}

func (c *Cache) ensureRoom(roomID string) {
	if _, ok := c.rooms[roomID]; !ok {
		c.rooms[roomID] = map[string]map[id.UserID]struct{}{}
	}
	if _, ok := c.memberName[roomID]; !ok {
		c.memberName[roomID] = map[id.UserID]string{}
	}
}

// bucketSize returns len(rooms[roomID][name]), 0 if absent.
func (c *Cache) bucketSize(roomID, name string) int {
	return len(c.rooms[roomID][name])
}

// Track records that userID in roomID now has displayName as their active
// display name (joined or invited with a name). If they were previously
// tracked under a different name, the old bucket entry is removed first.
// active=false removes the user from tracking entirely (left/banned/kicked
// or a name-less membership).
//
// Queues a Change if the user's ambiguity status or effective name
// transitioned; callers collect these via Drain.
func (c *Cache) Track(roomID string, userID id.UserID, displayName string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureRoom(roomID)

	oldName, wasTracked := c.memberName[roomID][userID]
	wasAmbiguous := wasTracked && c.bucketSize(roomID, oldName) > 1

	if wasTracked && (oldName != displayName || !active) {
		delete(c.rooms[roomID][oldName], userID)
		if len(c.rooms[roomID][oldName]) == 0 {
			delete(c.rooms[roomID], oldName)
		}
		delete(c.memberName[roomID], userID)
	}

	if !active || displayName == "" {
		metrics.AmbiguityCacheSize.WithLabelValues(roomID).Set(float64(len(c.memberName[roomID])))
		return
	}

	if _, ok := c.rooms[roomID][displayName]; !ok {
		c.rooms[roomID][displayName] = map[id.UserID]struct{}{}
	}
	c.rooms[roomID][displayName][userID] = struct{}{}
	c.memberName[roomID][userID] = displayName

	isAmbiguous := c.bucketSize(roomID, displayName) > 1
	nameChanged := !wasTracked || oldName != displayName
	if isAmbiguous != wasAmbiguous || nameChanged {
		c.pending = append(c.pending, Change{
			RoomID:             roomID,
			UserID:             userID,
			DisplayName:        displayName,
			WasAmbiguous:       wasAmbiguous,
			IsAmbiguous:        isAmbiguous,
			DisplayNameChanged: nameChanged,
		})
	}
	metrics.AmbiguityCacheSize.WithLabelValues(roomID).Set(float64(len(c.memberName[roomID])))
}

// Ambiguous reports whether userID's current display name in roomID is
// shared by another active member.
func (c *Cache) Ambiguous(roomID string, userID id.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.memberName[roomID][userID]
	if !ok {
		return false
	}
	return c.bucketSize(roomID, name) > 1
}

// Drain returns and clears the list of ambiguity changes observed since the
// last Drain call for this room.
func (c *Cache) Drain(roomID string) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Change
	var rest []Change
	for _, ch := range c.pending {
		if ch.RoomID == roomID {
			out = append(out, ch)
		} else {
			rest = append(rest, ch)
		}
	}
	c.pending = rest
	return out
}
