package pushctx

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/pushrules"
)

// ServerDefault returns a small subset of the Matrix specification's
// server-default push rules for userID: two override rules (the master
// switch, disabled by default, and being invited) and two underride rules
// (display-name mentions and plain messages). It has no content rules and
// no @-mention override. This is not the full ~20-rule default set; it is
// used as the final fallback in spec.md §4.6's precedence chain
// ("server_default(user_id)").
func ServerDefault(userID string) Ruleset {
	return Ruleset{
		Override: []Rule{
			{
				RuleID:  ".m.rule.master",
				Enabled: false,
				Default: true,
				Actions: pushrules.PushActionArray{{Action: pushrules.ActionDontNotify}},
			},
			{
				RuleID:  ".m.rule.invite_for_me",
				Enabled: true,
				Default: true,
				Conditions: []Condition{
					{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.member"},
					{Kind: ConditionEventMatch, Key: "content.membership", Pattern: "invite"},
					{Kind: ConditionEventMatch, Key: "state_key", Pattern: userID},
				},
				Actions: pushrules.PushActionArray{{Action: pushrules.ActionNotify}},
			},
		},
		Underride: []Rule{
			{
				RuleID:  ".m.rule.contains_display_name",
				Enabled: true,
				Default: true,
				Conditions: []Condition{
					{Kind: ConditionContainsDisplayName},
				},
				Actions: pushrules.PushActionArray{{Action: pushrules.ActionNotify}},
			},
			{
				RuleID:  ".m.rule.message",
				Enabled: true,
				Default: true,
				Conditions: []Condition{
					{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.message"},
				},
				Actions: pushrules.PushActionArray{{Action: pushrules.ActionNotify}},
			},
		},
	}
}

// pushRulesContent is the subset of an m.push_rules account-data event this
// engine folds into a Ruleset: global override/content/room/sender/underride
// arrays, each an array of objects carrying rule_id/enabled/pattern/conditions/actions.
type pushRulesContent struct {
	Global struct {
		Override  []ruleJSON `json:"override"`
		Content   []ruleJSON `json:"content"`
		Room      []ruleJSON `json:"room"`
		Sender    []ruleJSON `json:"sender"`
		Underride []ruleJSON `json:"underride"`
	} `json:"global"`
}

type ruleJSON struct {
	RuleID     string          `json:"rule_id"`
	Enabled    bool            `json:"enabled"`
	Default    bool            `json:"default"`
	Pattern    string          `json:"pattern"`
	Conditions []conditionJSON `json:"conditions"`
	Actions    json.RawMessage `json:"actions"`
}

type conditionJSON struct {
	Kind    string `json:"kind"`
	Key     string `json:"key"`
	Pattern string `json:"pattern"`
	Is      string `json:"is"`
}

// FromAccountData decodes an m.push_rules account-data event's content into
// a Ruleset, per spec.md §4.6's in-response/persisted precedence source.
func FromAccountData(raw json.RawMessage) (Ruleset, bool) {
	if len(raw) == 0 {
		return Ruleset{}, false
	}
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		content = gjson.ParseBytes(raw)
	}
	var parsed pushRulesContent
	if err := json.Unmarshal([]byte(content.Raw), &parsed); err != nil {
		return Ruleset{}, false
	}
	return Ruleset{
		Override:  decodeRules(parsed.Global.Override),
		Content:   decodeRules(parsed.Global.Content),
		Room:      decodeRules(parsed.Global.Room),
		Sender:    decodeRules(parsed.Global.Sender),
		Underride: decodeRules(parsed.Global.Underride),
	}, true
}

func decodeRules(rules []ruleJSON) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		var actions pushrules.PushActionArray
		_ = json.Unmarshal(r.Actions, &actions)
		conds := make([]Condition, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			conds = append(conds, Condition{
				Kind:    ConditionKind(c.Kind),
				Key:     c.Key,
				Pattern: c.Pattern,
				Is:      c.Is,
			})
		}
		out = append(out, Rule{
			RuleID:     r.RuleID,
			Enabled:    r.Enabled,
			Default:    r.Default,
			Pattern:    r.Pattern,
			Conditions: conds,
			Actions:    actions,
		})
	}
	return out
}
