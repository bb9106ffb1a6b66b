// Package crypto defines the CryptoEngine capability interface from
// spec.md §6: the engine's only contact with the Olm/Megolm layer, which is
// explicitly out of scope for this module (spec.md §1).
package crypto

import (
	"context"
	"encoding/json"

	"github.com/element-hq/matrix-client-base/config"
	"github.com/google/uuid"
)

// TrustRequirement re-exports config.TrustRequirement for call sites that
// only import this package.
type TrustRequirement = config.TrustRequirement

// DecryptionSettings configures a single TryDecryptRoomEvent call.
type DecryptionSettings struct {
	SenderDeviceTrustRequirement TrustRequirement
}

// EncryptionSettings configures a single ShareRoomKey call.
type EncryptionSettings struct {
	RecipientStrategy config.RoomKeyRecipientStrategy
	// HistoryVisibilityJoinOnly narrows the recipient filter to JOIN-only
	// members, per spec.md §4.1 ("JOIN only if Joined-visibility, else
	// ACTIVE").
	HistoryVisibilityJoinOnly bool
}

// ToDeviceRequest is a to-device send the crypto engine wants the host's
// transport layer to perform on the engine's behalf. This module never
// sends it; it only returns it to the caller of ShareRoomKey.
type ToDeviceRequest struct {
	TxnID     string
	EventType string
	Messages  json.RawMessage
}

// RoomKeyUpdate is emitted from ReceiveSyncChanges whenever a new Megolm
// session becomes available for a room, driving LatestEvent re-selection
// (spec.md §4.3).
type RoomKeyUpdate struct {
	RoomID    string
	SessionID string
}

// DecryptResult is either a successfully decrypted event or a diagnostic
// UnableToDecrypt (spec.md §4.2, §7: "UTDs are a first-class user-visible
// state", not an error).
type DecryptResult struct {
	Decrypted json.RawMessage
	UTD       *UnableToDecryptInfo
}

// UnableToDecryptInfo carries enough diagnostic context for the UI to
// explain a UTD to the user.
type UnableToDecryptInfo struct {
	SessionID string
	Reason    string
}

// EncryptionSyncChanges bundles the inputs ReceiveSyncChanges needs from a
// single sync response's to-device section (spec.md §4.1 step 3).
type EncryptionSyncChanges struct {
	ToDeviceEvents     []json.RawMessage
	DeviceListChanges  []string
	OneTimeKeysCounts  map[string]int
	UnusedFallbackKeys []string
	NextBatch          string
}

// Engine is the capability interface spec.md §6 requires: {
// receive_sync_changes, try_decrypt_room_event, share_room_key,
// update_tracked_users, receive_verification_event }.
type Engine interface {
	ReceiveSyncChanges(ctx context.Context, changes EncryptionSyncChanges) (decryptedToDevice []json.RawMessage, roomKeyUpdates []RoomKeyUpdate, err error)
	TryDecryptRoomEvent(ctx context.Context, raw json.RawMessage, roomID string, settings DecryptionSettings) (DecryptResult, error)
	ShareRoomKey(ctx context.Context, roomID string, users []string, settings EncryptionSettings) ([]ToDeviceRequest, error)
	UpdateTrackedUsers(ctx context.Context, users []string) error
	ReceiveVerificationEvent(ctx context.Context, fullEvent json.RawMessage) error
}

// NoOp satisfies Engine for builds without encryption support, so the
// Engine's orchestration code has the same shape whether or not encryption
// is enabled (Design Note §9).
type NoOp struct{}

func (NoOp) ReceiveSyncChanges(context.Context, EncryptionSyncChanges) ([]json.RawMessage, []RoomKeyUpdate, error) {
	return nil, nil, nil
}

func (NoOp) TryDecryptRoomEvent(_ context.Context, raw json.RawMessage, _ string, _ DecryptionSettings) (DecryptResult, error) {
	return DecryptResult{UTD: &UnableToDecryptInfo{Reason: "no crypto engine configured"}}, nil
}

// ErrEncryptionNotEnabled is returned by ShareRoomKey when a room has no
// m.room.encryption state (spec.md §4.1).
var ErrEncryptionNotEnabled = errNotEnabled{}

type errNotEnabled struct{}

func (errNotEnabled) Error() string { return "crypto: encryption not enabled for this room" }

func (NoOp) ShareRoomKey(context.Context, string, []string, EncryptionSettings) ([]ToDeviceRequest, error) {
	// Per spec.md §7: calling share_room_key with no crypto engine
	// configured is a programming error. The no-op implementation is used
	// by builds that deliberately never call ShareRoomKey; panicking here
	// matches the spec's stated contract rather than silently succeeding.
	panic("crypto: ShareRoomKey called with no-op crypto engine")
}

func (NoOp) UpdateTrackedUsers(context.Context, []string) error { return nil }

func (NoOp) ReceiveVerificationEvent(context.Context, json.RawMessage) error { return nil }

// NewToDeviceTxnID returns a fresh transaction ID for a ToDeviceRequest.
func NewToDeviceTxnID() string {
	return uuid.NewString()
}
