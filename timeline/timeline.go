package timeline

import (
	"context"
	"encoding/json"

	"github.com/element-hq/matrix-client-base/ambiguity"
	"github.com/element-hq/matrix-client-base/crypto"
	"github.com/element-hq/matrix-client-base/internal/logutil"
	"github.com/element-hq/matrix-client-base/internal/metrics"
	"github.com/element-hq/matrix-client-base/pushctx"
	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Processor implements spec.md §4.2's per-event timeline processing.
type Processor struct {
	Crypto                   crypto.Engine
	HandleVerificationEvents bool
	DecryptionSettings       crypto.DecryptionSettings
	Log                      *logrus.Logger
}

// NewProcessor creates a Processor. log may be nil, in which case
// logrus.StandardLogger() is used.
func NewProcessor(cryptoEngine crypto.Engine, handleVerification bool, settings crypto.DecryptionSettings, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{Crypto: cryptoEngine, HandleVerificationEvents: handleVerification, DecryptionSettings: settings, Log: log}
}

// ProcessRoomTimeline folds one room's ordered raw timeline events into
// changes, exactly per spec.md §4.2. info is the room's pending RoomInfo for
// this batch (already cloned into changes by the caller); ignoreStateEvents
// mirrors the sync request's own filter flag. pc/ruleset may be nil/empty,
// in which case push evaluation is skipped for every event (spec.md §4.6:
// "push evaluation skips events lacking a context").
func (p *Processor) ProcessRoomTimeline(
	ctx context.Context,
	changes *store.StateChanges,
	info *roomstate.RoomInfo,
	ambCache *ambiguity.Cache,
	ownUserID id.UserID,
	rawEvents []json.RawMessage,
	ignoreStateEvents bool,
	pc *pushctx.PushConditionRoomCtx,
	ruleset pushctx.Ruleset,
) []TimelineEvent {
	out := make([]TimelineEvent, 0, len(rawEvents))
	for _, raw := range rawEvents {
		te := wrap(raw)
		if te.Malformed {
			p.Log.WithFields(logutil.Room(info.RoomID)).Warn("timeline: skipping malformed event")
			out = append(out, te)
			continue
		}

		if te.StateKey != nil && !ignoreStateEvents {
			p.handleStateEvent(changes, info, ambCache, ownUserID, &te)
		}

		switch te.Kind {
		case KindRoomRedaction:
			p.handleRedaction(changes, info, &te)
		case KindRoomEncrypted:
			p.handleEncrypted(ctx, changes, info, &te)
		case KindRoomMessage:
			if p.HandleVerificationEvents && isVerificationRequestMessage(te.Raw) {
				p.dispatchVerification(ctx, te.Raw)
			}
		case KindVerificationRequest, KindVerificationOther:
			if p.HandleVerificationEvents {
				p.dispatchVerification(ctx, te.Raw)
			}
		}

		if pc != nil {
			te.PushActions = ruleset.Evaluate(te.Raw, pc)
			if pushctx.ActionsNotify(te.PushActions) {
				metrics.PushNotifications.WithLabelValues(info.RoomID).Inc()
			}
		}

		out = append(out, te)
	}
	return out
}

func (p *Processor) handleStateEvent(changes *store.StateChanges, info *roomstate.RoomInfo, ambCache *ambiguity.Cache, ownUserID id.UserID, te *TimelineEvent) {
	stateKey := *te.StateKey
	c := content(te.Raw)
	raw := json.RawMessage(c.Raw)
	if raw == nil {
		raw = json.RawMessage("{}")
	}

	if te.Kind == KindRoomMember || te.Kind == KindKnockedStateEvent {
		p.handleRoomMember(changes, info, ambCache, ownUserID, te.Sender, stateKey, raw)
	} else {
		info.HandleStateEvent(te.Type, stateKey, raw)
	}
	changes.AddState(info.RoomID, te.Type, stateKey, raw)
}

// handleRoomMember implements spec.md §4.2's member branch plus §4.5's
// profile/ambiguity rules, in one call since they share the parsed
// MemberEventContent and old/new membership comparison. A change of the
// own user's active/inactive membership marks members Missing.
func (p *Processor) handleRoomMember(changes *store.StateChanges, info *roomstate.RoomInfo, ambCache *ambiguity.Cache, ownUserID id.UserID, sender, stateKey string, raw json.RawMessage) {
	var member event.MemberEventContent
	if err := json.Unmarshal(raw, &member); err != nil {
		p.Log.WithFields(logutil.User(logutil.Room(info.RoomID), stateKey)).WithError(err).Warn("timeline: malformed m.room.member content")
		return
	}

	userID := id.UserID(stateKey)
	_, wasActive := info.ActiveMembers[userID]
	active := member.Membership == event.MembershipJoin || member.Membership == event.MembershipInvite
	if userID == ownUserID && wasActive != active {
		info.MarkMembersMissing()
	}
	if active {
		info.ActiveMembers[userID] = struct{}{}
	} else {
		delete(info.ActiveMembers, userID)
	}

	ambCache.Track(info.RoomID, userID, member.Displayname, active)
	changes.AddAmbiguityChanges(info.RoomID, ambCache.Drain(info.RoomID))

	if stateKey == sender {
		changes.AddProfile(info.RoomID, store.Profile{UserID: userID, Displayname: member.Displayname, AvatarURL: member.AvatarURL})
	}
	if member.Membership == event.MembershipInvite {
		changes.MarkProfileForDeletion(info.RoomID, userID)
	}
}

// handleRedaction records the redaction against its target event; it never
// touches te.Raw, since te here is the m.room.redaction event itself, not
// the event it redacts. Stripping the target's disallowed content keys
// (RedactContent) is the store/event-cache layer's job once it has the
// target's own stored bytes to rewrite (spec.md §4.2/§4.4's "redaction...
// round-trips remain byte-exact").
func (p *Processor) handleRedaction(changes *store.StateChanges, info *roomstate.RoomInfo, te *TimelineEvent) {
	target := gjson.GetBytes(te.Raw, "redacts").String()
	if target == "" {
		return
	}
	info.HandleRedaction(te.Type)
	changes.AddRedaction(info.RoomID, target, te.Raw)
}

func (p *Processor) handleEncrypted(ctx context.Context, changes *store.StateChanges, info *roomstate.RoomInfo, te *TimelineEvent) {
	if p.Crypto == nil {
		return
	}
	result, err := p.Crypto.TryDecryptRoomEvent(ctx, te.Raw, info.RoomID, p.DecryptionSettings)
	if err != nil {
		p.Log.WithFields(logutil.Event(logutil.Room(info.RoomID), te.EventID)).WithError(err).Warn("timeline: decrypt attempt failed")
		metrics.UnableToDecrypt.WithLabelValues(info.RoomID).Inc()
		return
	}
	if result.UTD != nil {
		te.UTD = result.UTD
		metrics.UnableToDecrypt.WithLabelValues(info.RoomID).Inc()
		return
	}

	decrypted := wrap(result.Decrypted)
	decrypted.EventID = te.EventID
	decrypted.Decrypted = true
	*te = decrypted

	if p.HandleVerificationEvents {
		if te.Kind == KindVerificationRequest || te.Kind == KindVerificationOther || (te.Kind == KindRoomMessage && isVerificationRequestMessage(te.Raw)) {
			p.dispatchVerification(ctx, te.Raw)
		}
	}
}

func (p *Processor) dispatchVerification(ctx context.Context, raw json.RawMessage) {
	if err := p.Crypto.ReceiveVerificationEvent(ctx, raw); err != nil {
		p.Log.WithError(err).Warn("timeline: verification dispatch failed")
	}
}

func isVerificationRequestMessage(raw json.RawMessage) bool {
	return content(raw).Get("msgtype").String() == msgTypeVerificationRequest
}
