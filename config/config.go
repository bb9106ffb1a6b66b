// Package config carries the process-wide configuration knobs spec.md §6
// names, in the teacher's YAML-tagged struct-of-knobs style
// (setup/config/config_clientapi.go).
package config

import (
	"fmt"
	"time"
)

// RoomKeyRecipientStrategy controls which devices share()'d room keys reach.
type RoomKeyRecipientStrategy string

const (
	AllDevices                RoomKeyRecipientStrategy = "all_devices"
	ErrorOnVerifiedUserProblem RoomKeyRecipientStrategy = "error_on_verified_user_problem"
	IdentityBasedStrategy     RoomKeyRecipientStrategy = "identity_based"
)

// TrustRequirement gates which sender devices a decrypted event may come
// from before it is treated as trusted.
type TrustRequirement string

const (
	Untrusted   TrustRequirement = "untrusted"
	CrossSigned TrustRequirement = "cross_signed"
)

// Config is the engine's construction-time configuration. Zero-value fields
// are filled by Defaults(); Verify() rejects invalid combinations before the
// engine is activated.
type Config struct {
	// CrossProcessStoreLocksHolderName identifies this client instance for
	// cross-process store locks (several processes sharing one on-disk
	// store must not stomp on each other's writes).
	CrossProcessStoreLocksHolderName string `yaml:"cross_process_store_locks_holder_name"`

	// RoomKeyRecipientStrategy is fed into EncryptionSettings on ShareRoomKey.
	RoomKeyRecipientStrategy RoomKeyRecipientStrategy `yaml:"room_key_recipient_strategy"`

	// DecryptionTrustRequirement is fed into DecryptionSettings on every
	// TryDecryptRoomEvent call.
	DecryptionTrustRequirement TrustRequirement `yaml:"decryption_trust_requirement"`

	// HandleVerificationEvents gates dispatch of verification-request and
	// m.key.verification.* events to the verification handler.
	HandleVerificationEvents bool `yaml:"handle_verification_events"`

	// RoomInfoNotableUpdateChannelSize is the capacity of the room-info
	// notable-update broadcast channel. spec.md §5 requires this to be
	// non-zero; the spec's own reference value is 500.
	RoomInfoNotableUpdateChannelSize int `yaml:"room_info_notable_update_channel_size"`

	// MemberUpdateChannelSize is the capacity of each per-room member-update
	// broadcast channel.
	MemberUpdateChannelSize int `yaml:"member_update_channel_size"`

	// PushRulesetCacheTTL bounds how long a built Ruleset is reused before a
	// forgotten invalidation self-heals (pushctx package).
	PushRulesetCacheTTL time.Duration `yaml:"push_ruleset_cache_ttl"`
}

// Defaults returns a Config with every spec-mandated default filled in.
func Defaults() Config {
	return Config{
		RoomKeyRecipientStrategy:         AllDevices,
		DecryptionTrustRequirement:       Untrusted,
		HandleVerificationEvents:         true,
		RoomInfoNotableUpdateChannelSize: 500,
		MemberUpdateChannelSize:          64,
		PushRulesetCacheTTL:              10 * time.Minute,
	}
}

// Verify rejects configurations spec.md forbids: a zero-capacity broadcast
// channel (§5: "MUST be non-zero").
func (c Config) Verify() error {
	if c.RoomInfoNotableUpdateChannelSize <= 0 {
		return fmt.Errorf("config: room_info_notable_update_channel_size must be non-zero")
	}
	if c.MemberUpdateChannelSize <= 0 {
		return fmt.Errorf("config: member_update_channel_size must be non-zero")
	}
	return nil
}
