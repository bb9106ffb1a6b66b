// Package pushctx implements the push-context builder (spec.md §4.6) and
// push-rule evaluation (spec.md §4.2) the timeline processor uses to decide
// whether an event should notify.
//
// Rule matching is implemented locally rather than by calling into
// maunium.net/go/mautrix/pushrules' own Ruleset.GetActions: that entry
// point matches against mautrix's own Room/StateStore abstractions, which
// this engine does not share (see DESIGN.md). The real ecosystem type this
// package does reuse is pushrules.PushActionArray/PushAction, so the action
// vocabulary — notify, dont_notify, coalesce, set_tweak — is the same type
// bridges built on mautrix already consume, not a local reinvention.
package pushctx

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/pushrules"
)

// ConditionKind enumerates the push-rule condition kinds from the Matrix
// spec (and spec.md §4.6's "Ruleset" precedence discussion).
type ConditionKind string

const (
	ConditionEventMatch                ConditionKind = "event_match"
	ConditionContainsDisplayName        ConditionKind = "contains_display_name"
	ConditionRoomMemberCount             ConditionKind = "room_member_count"
	ConditionSenderNotificationPermission ConditionKind = "sender_notification_permission"
)

// Condition is one push-rule condition.
type Condition struct {
	Kind ConditionKind
	Key  string // event_match
	Pattern string // event_match
	Is   string // room_member_count, e.g. "2", ">2", "<=5"
	Key2 string // sender_notification_permission ("room")
}

// Rule is one push rule.
type Rule struct {
	RuleID     string
	Enabled    bool
	Default    bool
	Conditions []Condition // empty for content/override rules using "pattern" shorthand
	Pattern    string      // content rule shorthand: a single glob against content.body
	Actions    pushrules.PushActionArray
}

// Ruleset is the effective, precedence-ordered rule set from spec.md §4.6:
// "in-response push_rules -> persisted -> server_default(user_id) -> empty".
type Ruleset struct {
	Override  []Rule
	Content   []Rule
	Room      []Rule
	Sender    []Rule
	Underride []Rule
}

// Empty returns a Ruleset with no rules. The engine passes it where no push
// evaluation is wanted (state sections, left rooms).
func Empty() Ruleset { return Ruleset{} }

// ActionsNotify reports whether actions contains a notify action.
func ActionsNotify(actions pushrules.PushActionArray) bool {
	for _, a := range actions {
		if a.Action == pushrules.ActionNotify {
			return true
		}
	}
	return false
}

// Evaluate returns the actions of the first enabled, matching rule across
// Override, Content, Room, Sender, Underride in that precedence order (the
// Matrix spec's push-rule evaluation order), or nil if nothing matched.
func (rs Ruleset) Evaluate(eventRaw []byte, ctx *PushConditionRoomCtx) pushrules.PushActionArray {
	for _, r := range rs.Override {
		if r.Enabled && matchConditions(r.Conditions, eventRaw, ctx) {
			return r.Actions
		}
	}
	for _, r := range rs.Content {
		if r.Enabled && matchContentRule(r, eventRaw) {
			return r.Actions
		}
	}
	for _, r := range rs.Room {
		if r.Enabled && r.RuleID == ctx.RoomID {
			return r.Actions
		}
	}
	for _, r := range rs.Sender {
		if r.Enabled && r.RuleID == senderOf(eventRaw) {
			return r.Actions
		}
	}
	for _, r := range rs.Underride {
		if r.Enabled && matchConditions(r.Conditions, eventRaw, ctx) {
			return r.Actions
		}
	}
	return nil
}

func senderOf(eventRaw []byte) string {
	return gjson.GetBytes(eventRaw, "sender").String()
}

func matchContentRule(r Rule, eventRaw []byte) bool {
	if r.Pattern == "" {
		return false
	}
	body := gjson.GetBytes(eventRaw, "content.body").String()
	return globMatch(r.Pattern, body)
}

func matchConditions(conds []Condition, eventRaw []byte, ctx *PushConditionRoomCtx) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !matchCondition(c, eventRaw, ctx) {
			return false
		}
	}
	return true
}

func matchCondition(c Condition, eventRaw []byte, ctx *PushConditionRoomCtx) bool {
	switch c.Kind {
	case ConditionEventMatch:
		value := gjson.GetBytes(eventRaw, c.Key).String()
		return globMatch(c.Pattern, value)
	case ConditionContainsDisplayName:
		if ctx == nil || ctx.UserDisplayName == "" {
			return false
		}
		body := gjson.GetBytes(eventRaw, "content.body").String()
		return containsWord(body, ctx.UserDisplayName)
	case ConditionRoomMemberCount:
		if ctx == nil {
			return false
		}
		return matchMemberCount(c.Is, ctx.MemberCount)
	case ConditionSenderNotificationPermission:
		if ctx == nil || ctx.PowerLevels == nil {
			return false
		}
		sender := senderOf(eventRaw)
		level := ctx.PowerLevels.GetUserLevel(senderID(sender))
		required := ctx.PowerLevels.Notifications.Room
		return level >= required
	default:
		return false
	}
}

func matchMemberCount(is string, count int) bool {
	if is == "" {
		return false
	}
	op := "=="
	numStr := is
	for _, prefix := range []string{">=", "<=", ">", "<", "=="} {
		if strings.HasPrefix(is, prefix) {
			op = prefix
			numStr = strings.TrimPrefix(is, prefix)
			break
		}
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return false
	}
	switch op {
	case ">=":
		return count >= n
	case "<=":
		return count <= n
	case ">":
		return count > n
	case "<":
		return count < n
	default:
		return count == n
	}
}

// globMatch implements the restricted glob the Matrix spec defines for
// event_match patterns: '*' matches any run of characters, '?' matches one.
func globMatch(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	lowerPattern := strings.ToLower(pattern)
	lowerValue := strings.ToLower(value)
	return globMatchRunes([]rune(lowerPattern), []rune(lowerValue))
}

func globMatchRunes(pattern, value []rune) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(value); i++ {
			if globMatchRunes(pattern[1:], value[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(value) == 0 {
			return false
		}
		return globMatchRunes(pattern[1:], value[1:])
	default:
		if len(value) == 0 || value[0] != pattern[0] {
			return false
		}
		return globMatchRunes(pattern[1:], value[1:])
	}
}

func containsWord(haystack, word string) bool {
	lowerHay := strings.ToLower(haystack)
	lowerWord := strings.ToLower(word)
	idx := strings.Index(lowerHay, lowerWord)
	if idx < 0 {
		return false
	}
	before := idx == 0 || !isWordChar(rune(lowerHay[idx-1]))
	after := idx+len(lowerWord) >= len(lowerHay) || !isWordChar(rune(lowerHay[idx+len(lowerWord)]))
	return before && after
}

func isWordChar(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
