// Package access evaluates agent unlock rules against a user profile.
//
// Unlock requirements are data, not code: each gated agent key maps to a Rule,
// a disjunction of Clauses where every Condition in a Clause must hold. Adding
// a gated agent means adding a table entry, not a branch.
package access

// Metric names a numeric or boolean dimension of a user profile.
type Metric string

const (
	MetricTrustScore      Metric = "trust_score"
	MetricCompletedDreams Metric = "completed_dreams"
	MetricStakedTokens    Metric = "staked_tokens"
	MetricTokenBoost      Metric = "token_boost"
)

// Profile carries the caller-supplied reputation values an unlock rule can test.
type Profile struct {
	TrustScore      int  `json:"trust_score"`
	CompletedDreams int  `json:"completed_dreams"`
	StakedTokens    int  `json:"staked_tokens"`
	TokenBoost      bool `json:"token_boost"`
}

func (p Profile) value(m Metric) int {
	switch m {
	case MetricTrustScore:
		return p.TrustScore
	case MetricCompletedDreams:
		return p.CompletedDreams
	case MetricStakedTokens:
		return p.StakedTokens
	case MetricTokenBoost:
		if p.TokenBoost {
			return 1
		}
		return 0
	}
	return 0
}

// Condition is a single threshold test: profile metric >= Min.
type Condition struct {
	Metric Metric `json:"metric" yaml:"metric"`
	Min    int    `json:"min" yaml:"min"`
}

func (c Condition) holds(p Profile) bool {
	return p.value(c.Metric) >= c.Min
}

// Clause is a conjunction of conditions.
type Clause []Condition

func (cl Clause) holds(p Profile) bool {
	for _, c := range cl {
		if !c.holds(p) {
			return false
		}
	}
	return true
}

// Rule unlocks an agent when any clause holds. Reason is the denial message
// shown when no clause does.
type Rule struct {
	Any    []Clause `json:"any" yaml:"any"`
	Reason string   `json:"reason" yaml:"reason"`
}

// Satisfied reports whether the profile meets at least one clause.
// A rule with no clauses is always satisfied.
func (r Rule) Satisfied(p Profile) bool {
	if len(r.Any) == 0 {
		return true
	}
	for _, cl := range r.Any {
		if cl.holds(p) {
			return true
		}
	}
	return false
}

// Ruleset maps agent keys to unlock rules. Agents without an entry are
// ungated at the unlock layer (a subscription gate may still apply).
type Ruleset map[string]Rule

// Check evaluates the unlock rule for agentKey, returning ok and, when denied,
// the rule's reason.
func (rs Ruleset) Check(agentKey string, p Profile) (ok bool, reason string) {
	rule, gated := rs[agentKey]
	if !gated {
		return true, ""
	}
	if rule.Satisfied(p) {
		return true, ""
	}
	return false, rule.Reason
}

// DefaultRuleset returns the built-in unlock table for the core roster.
func DefaultRuleset() Ruleset {
	return Ruleset{
		"root": {
			Any:    []Clause{{{Metric: MetricTrustScore, Min: 61}}},
			Reason: "Trust Score > 60 required",
		},
		"cradle": {
			Any: []Clause{
				{{Metric: MetricTrustScore, Min: 81}},
				{{Metric: MetricTokenBoost, Min: 1}},
			},
			Reason: "Trust Score > 80 or Token Boost required",
		},
		"wing": {
			Any: []Clause{
				{{Metric: MetricStakedTokens, Min: 1000}},
				{{Metric: MetricCompletedDreams, Min: 10}},
			},
			Reason: "Stake 1000 $SHEEP or complete 10 dreams",
		},
	}
}

// Decision is the structured result of an access check. Denials are data,
// never errors.
type Decision struct {
	HasAccess bool   `json:"has_access"`
	Reason    string `json:"reason,omitempty"`
}

// Deny returns a denial decision with the given reason.
func Deny(reason string) Decision {
	return Decision{HasAccess: false, Reason: reason}
}

// Grant returns an allow decision.
func Grant() Decision {
	return Decision{HasAccess: true}
}
