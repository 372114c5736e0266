package dto

import "github.com/noah-isme/extension-api/internal/models"

// CreateRuleRequest payload for configuring a trigger rule.
type CreateRuleRequest struct {
	Name            string               `json:"name" validate:"required"`
	DataType        string               `json:"dataType" validate:"required"`
	Priority        int                  `json:"priority" validate:"gte=0"`
	ParentID        *string              `json:"parentId"`
	Role            models.UserRole      `json:"role" validate:"required"`
	Action          models.RuleAction    `json:"action" validate:"required"`
	LengthType      models.RuleCondition `json:"lengthType"`
	LengthFromDue   int                  `json:"lengthFromDue"`
	ElapsedType     models.RuleCondition `json:"elapsedType"`
	ElapsedWeekdays int                  `json:"elapsedWeekdays"`
	TemplateNotify  string               `json:"templateNotify"`
	TemplateUser    string               `json:"templateUser"`
}

// RuleTreeNode is one rule with its children, for the tree listing view.
type RuleTreeNode struct {
	Rule     models.Rule    `json:"rule"`
	Children []RuleTreeNode `json:"children,omitempty"`
}

// DeleteRuleResponse reports how many rules a subtree delete removed.
type DeleteRuleResponse struct {
	Deleted int `json:"deleted"`
}

// SweepResponse summarises one trigger sweep pass.
type SweepResponse struct {
	Scanned   int `json:"scanned"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}
