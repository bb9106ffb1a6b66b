package timeline

import (
	"encoding/json"

	"github.com/element-hq/matrix-client-base/crypto"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/pushrules"
)

// TimelineEvent is the default-wrapped plaintext view of one raw timeline
// event, carried alongside its Raw bytes so redaction and decryption stay
// byte-exact on the surviving fields (Design Note §9).
type TimelineEvent struct {
	Raw       json.RawMessage
	EventID   string
	Type      string
	Sender    string
	StateKey  *string
	Kind      Kind
	Malformed bool

	// UTD is set when this event was RoomEncrypted and decryption failed;
	// Decrypted mirrors that a successful decryption replaced Raw/Type/Kind
	// with the plaintext event's own fields.
	Decrypted bool
	UTD       *crypto.UnableToDecryptInfo

	// PushActions is attached after push evaluation (spec.md §4.2); nil
	// means no push context was available for this event.
	PushActions pushrules.PushActionArray
}

// wrap builds the default-wrapped TimelineEvent for one raw event, per
// spec.md §4.2's "default-wrap as plaintext TimelineEvent; try deserialize;
// on failure, log and push wrapper unchanged". Here "deserialize" means
// parsing just enough top-level fields (type/sender/event_id/state_key) to
// route the event; a field-level JSON error marks Malformed rather than
// failing the whole batch.
func wrap(raw json.RawMessage) TimelineEvent {
	parsed := gjson.ParseBytes(raw)
	if !parsed.Exists() || !parsed.IsObject() {
		return TimelineEvent{Raw: raw, Malformed: true}
	}
	te := TimelineEvent{
		Raw:     raw,
		EventID: parsed.Get("event_id").String(),
		Type:    parsed.Get("type").String(),
		Sender:  parsed.Get("sender").String(),
	}
	if sk := parsed.Get("state_key"); sk.Exists() {
		s := sk.String()
		te.StateKey = &s
	}
	te.Kind = Classify(te.Type)
	if te.Kind == KindRoomMember && parsed.Get("content.membership").String() == membershipKnock {
		te.Kind = KindKnockedStateEvent
	}
	return te
}

func content(raw json.RawMessage) gjson.Result {
	return gjson.GetBytes(raw, "content")
}
