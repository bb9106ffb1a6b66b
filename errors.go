package baseengine

import "errors"

// Sentinel errors matching spec.md §7's "Error kinds (abstract)".
var (
	// ErrAlreadyActivated is returned by Activate on a second call.
	ErrAlreadyActivated = errors.New("baseengine: engine already activated")

	// ErrInvalidReceiveMembersParameters is returned by ReceiveAllMembers
	// when the request carries a partial-member filter (spec.md §4.1).
	ErrInvalidReceiveMembersParameters = errors.New("baseengine: receive_all_members does not accept membership/not_membership/at filters")

	// ErrNotActivated is returned by any sync-path call made before Activate.
	ErrNotActivated = errors.New("baseengine: engine not activated")
)
