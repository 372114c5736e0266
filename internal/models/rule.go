package models

import "time"

// RuleAction enumerates what a trigger rule does when it matches.
type RuleAction string

const (
	RuleActionNotify       RuleAction = "NOTIFY"
	RuleActionApprove      RuleAction = "APPROVE"
	RuleActionForceApprove RuleAction = "FORCEAPPROVE"
	RuleActionDeny         RuleAction = "DENY"
	RuleActionEscalate     RuleAction = "ESCALATE"
)

// RuleCondition enumerates comparison operators for elapsed-time checks.
type RuleCondition string

const (
	ConditionAny RuleCondition = "ANY"
	ConditionGE  RuleCondition = "GE"
	ConditionGT  RuleCondition = "GT"
	ConditionLT  RuleCondition = "LT"
	ConditionLE  RuleCondition = "LE"
	ConditionEQ  RuleCondition = "EQ"
	ConditionNE  RuleCondition = "NE"
)

// Compare evaluates actual against threshold under the condition operator.
func (c RuleCondition) Compare(actual, threshold int) bool {
	switch c {
	case ConditionAny:
		return true
	case ConditionGE:
		return actual >= threshold
	case ConditionGT:
		return actual > threshold
	case ConditionLT:
		return actual < threshold
	case ConditionLE:
		return actual <= threshold
	case ConditionEQ:
		return actual == threshold
	case ConditionNE:
		return actual != threshold
	}
	return false
}

// Rule is a configured trigger: when its elapsed-time condition matches for
// an open item (and all ancestor rules match too), the action fires. Rules
// form a tree via ParentID; a rule must never be its own ancestor.
type Rule struct {
	ID              string        `db:"id" json:"id"`
	Name            string        `db:"name" json:"name"`
	DataType        string        `db:"data_type" json:"dataType"`
	Priority        int           `db:"priority" json:"priority"`
	ParentID        *string       `db:"parent_id" json:"parentId,omitempty"`
	Role            UserRole      `db:"role" json:"role"`
	Action          RuleAction    `db:"action" json:"action"`
	LengthType      RuleCondition `db:"length_type" json:"lengthType"`
	LengthFromDue   int           `db:"length_from_due" json:"lengthFromDue"`
	ElapsedType     RuleCondition `db:"elapsed_type" json:"elapsedType"`
	ElapsedWeekdays int           `db:"elapsed_weekdays" json:"elapsedWeekdays"`
	TemplateNotify  string        `db:"template_notify" json:"templateNotify"`
	TemplateUser    string        `db:"template_user" json:"templateUser"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

// GrantsApproval reports whether the rule's action allows auto-approval.
func (r *Rule) GrantsApproval() bool {
	return r.Action == RuleActionApprove || r.Action == RuleActionForceApprove
}

// SameConfiguration reports whether two rules are configured identically,
// ignoring identifiers and timestamps. Used to dedupe rule rows on import.
func (r *Rule) SameConfiguration(other *Rule) bool {
	if other == nil {
		return false
	}
	parent := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return r.Name == other.Name &&
		r.DataType == other.DataType &&
		r.Priority == other.Priority &&
		parent(r.ParentID) == parent(other.ParentID) &&
		r.Role == other.Role &&
		r.Action == other.Action &&
		r.LengthType == other.LengthType &&
		r.LengthFromDue == other.LengthFromDue &&
		r.ElapsedType == other.ElapsedType &&
		r.ElapsedWeekdays == other.ElapsedWeekdays
}
