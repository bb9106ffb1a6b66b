package ambiguity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestCache_TwoMembersSameNameAreAmbiguous(t *testing.T) {
	c := New()
	c.Track("!room:example.org", id.UserID("@alice:example.org"), "Tom", true)
	c.Track("!room:example.org", id.UserID("@bob:example.org"), "Tom", true)

	assert.True(t, c.Ambiguous("!room:example.org", id.UserID("@alice:example.org")))
	assert.True(t, c.Ambiguous("!room:example.org", id.UserID("@bob:example.org")))

	changes := c.Drain("!room:example.org")
	require.Len(t, changes, 2)
	assert.True(t, changes[1].IsAmbiguous)
	assert.False(t, changes[1].WasAmbiguous)
}

func TestCache_RenameOutOfBucketResolvesAmbiguity(t *testing.T) {
	c := New()
	c.Track("!room:example.org", id.UserID("@alice:example.org"), "Tom", true)
	c.Track("!room:example.org", id.UserID("@bob:example.org"), "Tom", true)
	c.Drain("!room:example.org")

	c.Track("!room:example.org", id.UserID("@bob:example.org"), "Bob", true)

	assert.False(t, c.Ambiguous("!room:example.org", id.UserID("@alice:example.org")))
	assert.False(t, c.Ambiguous("!room:example.org", id.UserID("@bob:example.org")))
}

func TestCache_InactiveMemberStopsTracking(t *testing.T) {
	c := New()
	c.Track("!room:example.org", id.UserID("@alice:example.org"), "Tom", true)
	c.Track("!room:example.org", id.UserID("@alice:example.org"), "", false)

	assert.False(t, c.Ambiguous("!room:example.org", id.UserID("@alice:example.org")))
}

func TestCache_DrainOnlyReturnsRequestedRoom(t *testing.T) {
	c := New()
	c.Track("!room1:example.org", id.UserID("@alice:example.org"), "Alice", true)
	c.Track("!room2:example.org", id.UserID("@bob:example.org"), "Bob", true)

	changes := c.Drain("!room1:example.org")
	require.Len(t, changes, 1)
	assert.Equal(t, "!room1:example.org", changes[0].RoomID)

	remaining := c.Drain("!room2:example.org")
	require.Len(t, remaining, 1)
	assert.Equal(t, "!room2:example.org", remaining[0].RoomID)
}
