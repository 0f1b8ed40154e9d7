package karma

import (
	"fmt"
	"math"
	"sort"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/types"
)

// DefaultRuleConfigs are used when no rule is configured.
func DefaultRuleConfigs() []config.RuleConfig {
	return []config.RuleConfig{
		{Action: "event_organization", Type: string(types.KarmaTypeOrganization), Points: "25", Reason: "organized an event"},
		{Action: "event_participation", Type: string(types.KarmaTypeParticipation), Points: "10", Reason: "participated in an event"},
		{Action: "goal_creation", Type: string(types.KarmaTypeCreation), Points: "5", Reason: "created a goal"},
		{Action: "goal_completion", Type: string(types.KarmaTypeContribution), Points: "15", Reason: "completed a goal"},
		{Action: "post_creation", Type: string(types.KarmaTypeCreation), Points: "2", Reason: "wrote a post"},
		{Action: "comment_creation", Type: string(types.KarmaTypeContribution), Points: "1", Reason: "wrote a comment"},
	}
}

// Rule maps an action onto a karma award.
type Rule struct {
	Action string
	Type   types.KarmaType
	Reason string
	Points string

	program *vm.Program
}

// Rules is the compiled set of award rules, keyed by action.
type Rules struct {
	rules   map[string]*Rule
	version uint64
}

// NewRules compiles the configured rules. An empty list selects DefaultRuleConfigs.
func NewRules(cfgs []config.RuleConfig) (*Rules, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultRuleConfigs()
	}
	rules := &Rules{rules: make(map[string]*Rule, len(cfgs))}
	for _, cfg := range cfgs {
		karmaType := types.KarmaType(cfg.Type)
		if !karmaType.Valid() {
			return nil, fmt.Errorf("rule %s: unknown karma type %q", cfg.Action, cfg.Type)
		}
		if _, ok := rules.rules[cfg.Action]; ok {
			return nil, fmt.Errorf("rule %s: defined twice", cfg.Action)
		}
		prog, err := expr.Compile(cfg.Points)
		if err != nil {
			return nil, fmt.Errorf("rule %s: could not compile points expression: %w", cfg.Action, err)
		}
		reason := cfg.Reason
		if reason == "" {
			reason = cfg.Action
		}
		rules.rules[cfg.Action] = &Rule{
			Action:  cfg.Action,
			Type:    karmaType,
			Reason:  reason,
			Points:  cfg.Points,
			program: prog,
		}
	}
	version, err := hashstructure.Hash(cfgs, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		return nil, fmt.Errorf("could not hash rules: %w", err)
	}
	rules.version = version
	return rules, nil
}

// Version fingerprints the rule set. It does not depend on the order the rules were configured
// in, so two processes awarding with the same rules report the same version.
func (r *Rules) Version() string {
	return fmt.Sprintf("%016x", r.version)
}

// Actions returns the configured action names, sorted.
func (r *Rules) Actions() []string {
	actions := make([]string, 0, len(r.rules))
	for action := range r.rules {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Rule returns the rule for action.
func (r *Rules) Rule(action string) (Rule, bool) {
	rule, ok := r.rules[action]
	if !ok {
		return Rule{}, false
	}
	return *rule, true
}

// Evaluate computes the points awarded for action. params are visible to the points
// expression by name.
func (r *Rules) Evaluate(action string, params map[string]interface{}) (int64, Rule, error) {
	rule, ok := r.rules[action]
	if !ok {
		return 0, Rule{}, types.Validationf("unknown action %q", action)
	}
	env := make(map[string]interface{}, len(params))
	for k, v := range params {
		env[k] = v
	}
	res, err := expr.Run(rule.program, env)
	if err != nil {
		return 0, Rule{}, types.Validationf("action %s: %s", action, err)
	}
	points, err := asPoints(res)
	if err != nil {
		return 0, Rule{}, types.Validationf("action %s: %s", action, err)
	}
	if points < 0 {
		return 0, Rule{}, types.Validationf("action %s: negative points %d", action, points)
	}
	return points, *rule, nil
}

func asPoints(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("points overflow")
		}
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("points overflow")
		}
		return int64(n), nil
	case float32:
		return asPoints(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, fmt.Errorf("points must be a whole number, got %v", n)
		}
		// 1<<63 is the smallest float above math.MaxInt64
		if n >= 1<<63 || n < -(1<<63) {
			return 0, fmt.Errorf("points overflow, got %v", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("points expression returned %T", v)
}
