package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/timeutil"
)

type ruleStore interface {
	Create(ctx context.Context, rule *models.Rule) error
	GetByID(ctx context.Context, id string) (*models.Rule, error)
	ListAll(ctx context.Context) ([]models.Rule, error)
	FindMatching(ctx context.Context, rule *models.Rule) (*models.Rule, error)
	Update(ctx context.Context, rule *models.Rule) error
	DeleteSubtree(ctx context.Context, id string) (int, error)
	MarkFired(ctx context.Context, ruleID, itemID string) (bool, error)
}

type sweepItemSource interface {
	ListOpenItems(ctx context.Context) ([]models.RequestItem, error)
	GetByID(ctx context.Context, id string) (*models.Request, error)
}

type sweepActivityReader interface {
	GetByID(ctx context.Context, id string) (*models.Activity, error)
}

type sweepSubscriber interface {
	Upsert(ctx context.Context, sub *models.Subscription) error
	Enqueue(ctx context.Context, n *models.Notification) error
}

type roleUserSource interface {
	ListByRole(ctx context.Context, role models.UserRole) ([]models.User, error)
}

type itemTransitioner interface {
	UpdateItemState(ctx context.Context, itemID string, next models.ItemState, actor *models.JWTClaims, comment string) (*models.RequestItem, error)
}

type sweepRecorder interface {
	RecordSweep(scanned, triggered, failed int)
}

// systemActor performs rule-driven transitions with full privileges.
var systemActor = &models.JWTClaims{UserID: "system", Role: models.RoleAdmin, ForceStatus: true}

// RuleService owns the trigger rule tree: configuration, matching and the
// periodic sweep that applies rule actions to open items.
type RuleService struct {
	rules       ruleStore
	requests    sweepItemSource
	activities  sweepActivityReader
	subscribers sweepSubscriber
	users       roleUserSource
	transitions itemTransitioner
	handlers    *HandlerRegistry
	metrics     sweepRecorder
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewRuleService constructs a RuleService.
func NewRuleService(rules ruleStore, requests sweepItemSource, activities sweepActivityReader, subscribers sweepSubscriber, users roleUserSource, transitions itemTransitioner, handlers *HandlerRegistry, metrics sweepRecorder, logger *zap.Logger) *RuleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleService{
		rules:       rules,
		requests:    requests,
		activities:  activities,
		subscribers: subscribers,
		users:       users,
		transitions: transitions,
		handlers:    handlers,
		metrics:     metrics,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Create stores a new rule. When an identically configured rule already
// exists it is returned instead of inserting a duplicate.
func (s *RuleService) Create(ctx context.Context, req dto.CreateRuleRequest) (*models.Rule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rule payload")
	}
	rule := &models.Rule{
		Name:            strings.TrimSpace(req.Name),
		DataType:        req.DataType,
		Priority:        req.Priority,
		ParentID:        req.ParentID,
		Role:            req.Role,
		Action:          req.Action,
		LengthType:      req.LengthType,
		LengthFromDue:   req.LengthFromDue,
		ElapsedType:     req.ElapsedType,
		ElapsedWeekdays: req.ElapsedWeekdays,
		TemplateNotify:  req.TemplateNotify,
		TemplateUser:    req.TemplateUser,
	}
	if err := s.validateRule(ctx, rule); err != nil {
		return nil, err
	}

	existing, err := s.rules.FindMatching(ctx, rule)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check for duplicate rule")
	}
	if existing != nil {
		return existing, nil
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create rule")
	}
	if s.handlers != nil {
		s.handlers.InvalidateTriggers()
	}
	return rule, nil
}

// Update rewrites a rule's configuration.
func (s *RuleService) Update(ctx context.Context, id string, req dto.CreateRuleRequest) (*models.Rule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rule payload")
	}
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule")
	}

	rule.Name = strings.TrimSpace(req.Name)
	rule.DataType = req.DataType
	rule.Priority = req.Priority
	rule.ParentID = req.ParentID
	rule.Role = req.Role
	rule.Action = req.Action
	rule.LengthType = req.LengthType
	rule.LengthFromDue = req.LengthFromDue
	rule.ElapsedType = req.ElapsedType
	rule.ElapsedWeekdays = req.ElapsedWeekdays
	rule.TemplateNotify = req.TemplateNotify
	rule.TemplateUser = req.TemplateUser

	if err := s.validateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update rule")
	}
	if s.handlers != nil {
		s.handlers.InvalidateTriggers()
	}
	return rule, nil
}

// Delete removes a rule and its whole subtree.
func (s *RuleService) Delete(ctx context.Context, id string) (int, error) {
	if _, err := s.rules.GetByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule")
	}
	deleted, err := s.rules.DeleteSubtree(ctx, id)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete rule subtree")
	}
	if s.handlers != nil {
		s.handlers.InvalidateTriggers()
	}
	s.logger.Info("rule subtree deleted", zap.String("rule_id", id), zap.Int("deleted", deleted))
	return deleted, nil
}

// Tree returns the rule forest with cycle branches pruned.
func (s *RuleService) Tree(ctx context.Context) ([]dto.RuleTreeNode, error) {
	rules, err := s.rules.ListAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rules")
	}
	forest := buildRuleForest(rules, s.logger)
	roots := make([]dto.RuleTreeNode, 0, len(forest.roots))
	for _, id := range forest.roots {
		roots = append(roots, forest.node(id))
	}
	return roots, nil
}

func (s *RuleService) validateRule(ctx context.Context, rule *models.Rule) error {
	if rule.Name == "" {
		return appErrors.Clone(appErrors.ErrValidation, "rule name is required")
	}
	if _, ok := s.handlers.ForDataType(rule.DataType); !ok {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("no handler for activity type %s", rule.DataType))
	}
	if !rule.Role.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "unknown role")
	}
	switch rule.Action {
	case models.RuleActionNotify, models.RuleActionApprove, models.RuleActionForceApprove,
		models.RuleActionDeny, models.RuleActionEscalate:
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unknown rule action")
	}

	// Walk the parent chain to reject self-reference before it poisons
	// the tree.
	seen := map[string]bool{rule.ID: true}
	parentID := rule.ParentID
	for parentID != nil {
		if seen[*parentID] {
			return appErrors.ErrRuleCycle
		}
		seen[*parentID] = true
		parent, err := s.rules.GetByID(ctx, *parentID)
		if err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrValidation, "parent rule not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load parent rule")
		}
		if parent.DataType != rule.DataType {
			return appErrors.Clone(appErrors.ErrValidation, "parent rule serves a different activity type")
		}
		parentID = parent.ParentID
	}
	return nil
}

// ruleForest indexes rules by id with cycle branches removed.
type ruleForest struct {
	byID     map[string]models.Rule
	children map[string][]string
	depths   map[string]int
	roots    []string
}

func (f *ruleForest) node(id string) dto.RuleTreeNode {
	node := dto.RuleTreeNode{Rule: f.byID[id]}
	for _, childID := range f.children[id] {
		node.Children = append(node.Children, f.node(childID))
	}
	return node
}

// buildRuleForest links rules into trees. A rule whose ancestry loops back
// on itself cannot be evaluated, so the branch is dropped and logged rather
// than failing the whole load.
func buildRuleForest(rules []models.Rule, logger *zap.Logger) *ruleForest {
	if logger == nil {
		logger = zap.NewNop()
	}
	forest := &ruleForest{
		byID:     make(map[string]models.Rule, len(rules)),
		children: make(map[string][]string),
		depths:   make(map[string]int, len(rules)),
	}
	for _, rule := range rules {
		forest.byID[rule.ID] = rule
	}

	for _, rule := range rules {
		depth, ok := resolveDepth(forest.byID, rule.ID)
		if !ok {
			logger.Warn("rule skipped: ancestor cycle", zap.String("rule_id", rule.ID), zap.String("name", rule.Name))
			delete(forest.byID, rule.ID)
			continue
		}
		forest.depths[rule.ID] = depth
	}

	for id, rule := range forest.byID {
		if rule.ParentID == nil {
			forest.roots = append(forest.roots, id)
			continue
		}
		if _, ok := forest.byID[*rule.ParentID]; !ok {
			// Parent was pruned or deleted; treat as root.
			forest.roots = append(forest.roots, id)
			continue
		}
		forest.children[*rule.ParentID] = append(forest.children[*rule.ParentID], id)
	}

	sortByPriority := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool {
			a, b := forest.byID[ids[i]], forest.byID[ids[j]]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.Name < b.Name
		})
	}
	sortByPriority(forest.roots)
	for _, ids := range forest.children {
		sortByPriority(ids)
	}
	return forest
}

func resolveDepth(byID map[string]models.Rule, id string) (int, bool) {
	depth := 0
	seen := map[string]bool{}
	current := id
	for {
		if seen[current] {
			return 0, false
		}
		seen[current] = true
		rule, ok := byID[current]
		if !ok || rule.ParentID == nil {
			return depth, true
		}
		if _, ok := byID[*rule.ParentID]; !ok {
			return depth, true
		}
		current = *rule.ParentID
		depth++
	}
}

// ruleMatches evaluates one rule's conditions against an item, ignoring
// ancestry. Length is compared in whole days relative to the due date and
// elapsed time in weekdays since the request was raised.
func ruleMatches(rule models.Rule, item models.RequestItem, requestedAt, now time.Time) bool {
	lengthDays := int(item.Length / 86400)
	if !rule.LengthType.Compare(lengthDays, rule.LengthFromDue) {
		return false
	}
	elapsed := timeutil.WeekdaysElapsed(requestedAt, now)
	return rule.ElapsedType.Compare(elapsed, rule.ElapsedWeekdays)
}

// matchingRules returns every rule whose conditions and full ancestor chain
// match, deepest first then by priority.
func matchingRules(forest *ruleForest, item models.RequestItem, requestedAt, now time.Time) []models.Rule {
	matched := make(map[string]bool, len(forest.byID))
	var walk func(id string, ancestorsMatch bool)
	walk = func(id string, ancestorsMatch bool) {
		rule := forest.byID[id]
		selfMatch := ancestorsMatch && ruleMatches(rule, item, requestedAt, now)
		if selfMatch {
			matched[id] = true
		}
		for _, childID := range forest.children[id] {
			walk(childID, selfMatch)
		}
	}
	for _, rootID := range forest.roots {
		walk(rootID, true)
	}

	result := make([]models.Rule, 0, len(matched))
	for id := range matched {
		result = append(result, forest.byID[id])
	}
	sort.Slice(result, func(i, j int) bool {
		di, dj := forest.depths[result[i].ID], forest.depths[result[j].ID]
		if di != dj {
			return di > dj
		}
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// AccessFor derives the caller's relationship to an item from ownership,
// account role and the current rule matches.
func (s *RuleService) AccessFor(ctx context.Context, user *models.JWTClaims, item models.RequestItem, ownerID string) (models.ItemAccess, error) {
	access := models.ItemAccess{
		Owner: user.UserID == ownerID,
		Force: user.ForceStatus || user.Role == models.RoleAdmin,
	}
	if access.Force {
		access.CanApprove = true
		return access, nil
	}

	handler, ok := s.handlers.ForDataType(item.DataType)
	if !ok {
		return access, nil
	}
	rules, err := handler.Triggers(ctx)
	if err != nil {
		return access, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load triggers")
	}
	request, err := s.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return access, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}

	forest := buildRuleForest(rules, s.logger)
	for _, rule := range matchingRules(forest, item, request.CreatedAt, time.Now().UTC()) {
		if rule.Role != user.Role {
			continue
		}
		if rule.GrantsApproval() {
			access.CanApprove = true
		}
		if rule.Action == models.RuleActionForceApprove {
			access.Force = true
		}
	}
	return access, nil
}

// Sweep evaluates every open item against the rule trees and applies the
// best matching rule's action. One failing item never stops the pass, and
// firing the same rule twice for an item is a no-op.
func (s *RuleService) Sweep(ctx context.Context) (dto.SweepResponse, error) {
	items, err := s.requests.ListOpenItems(ctx)
	if err != nil {
		return dto.SweepResponse{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list open items")
	}

	now := time.Now().UTC()
	result := dto.SweepResponse{Scanned: len(items)}
	for _, item := range items {
		fired, err := s.sweepItem(ctx, item, now)
		if err != nil {
			result.Failed++
			s.logger.Warn("trigger sweep failed for item", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if fired {
			result.Triggered++
		}
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(result.Scanned, result.Triggered, result.Failed)
	}
	s.logger.Info("trigger sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("triggered", result.Triggered),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *RuleService) sweepItem(ctx context.Context, item models.RequestItem, now time.Time) (bool, error) {
	handler, ok := s.handlers.ForDataType(item.DataType)
	if !ok {
		return false, fmt.Errorf("no handler for activity type %s", item.DataType)
	}
	rules, err := handler.Triggers(ctx)
	if err != nil {
		return false, err
	}
	if len(rules) == 0 {
		return false, nil
	}
	request, err := s.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return false, fmt.Errorf("load request: %w", err)
	}

	forest := buildRuleForest(rules, s.logger)
	matches := matchingRules(forest, item, request.CreatedAt, now)
	if len(matches) == 0 {
		return false, nil
	}
	best := matches[0]

	first, err := s.rules.MarkFired(ctx, best.ID, item.ID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	activity, err := s.activities.GetByID(ctx, item.ActivityID)
	if err != nil {
		return false, fmt.Errorf("load activity: %w", err)
	}
	if err := s.applyRule(ctx, best, item, request, activity); err != nil {
		return false, err
	}
	s.logger.Info("trigger fired",
		zap.String("rule_id", best.ID),
		zap.String("rule", best.Name),
		zap.String("action", string(best.Action)),
		zap.String("item_id", item.ID))
	return true, nil
}

func (s *RuleService) applyRule(ctx context.Context, rule models.Rule, item models.RequestItem, request *models.Request, activity *models.Activity) error {
	switch rule.Action {
	case models.RuleActionNotify:
		return s.grantAndNotify(ctx, rule, item, request, activity, rule.Role, models.AccessView)
	case models.RuleActionApprove:
		return s.grantAndNotify(ctx, rule, item, request, activity, rule.Role, models.AccessApprove)
	case models.RuleActionForceApprove:
		return s.grantAndNotify(ctx, rule, item, request, activity, rule.Role, models.AccessForce)
	case models.RuleActionEscalate:
		return s.grantAndNotify(ctx, rule, item, request, activity, models.RoleAdmin, models.AccessForce)
	case models.RuleActionDeny:
		if _, err := s.transitions.UpdateItemState(ctx, item.ID, models.StateDenied, systemActor,
			renderTemplate(rule.TemplateUser, rule, activity)); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown rule action %s", rule.Action)
}

func (s *RuleService) grantAndNotify(ctx context.Context, rule models.Rule, item models.RequestItem, request *models.Request, activity *models.Activity, role models.UserRole, access models.SubscriptionAccess) error {
	watchers, err := s.users.ListByRole(ctx, role)
	if err != nil {
		return fmt.Errorf("list %s users: %w", role, err)
	}
	subject := fmt.Sprintf("Extension request update: %s", activity.Name)
	for _, watcher := range watchers {
		if watcher.ID == request.UserID {
			continue
		}
		sub := &models.Subscription{
			ItemID:    item.ID,
			RequestID: item.RequestID,
			UserID:    watcher.ID,
			Access:    access,
		}
		if err := s.subscribers.Upsert(ctx, sub); err != nil {
			return fmt.Errorf("subscribe watcher: %w", err)
		}
		if rule.TemplateNotify == "" {
			continue
		}
		notification := &models.Notification{
			RecipientID: watcher.ID,
			RequestID:   item.RequestID,
			Subject:     subject,
			Content:     renderTemplate(rule.TemplateNotify, rule, activity),
		}
		if err := s.subscribers.Enqueue(ctx, notification); err != nil {
			return fmt.Errorf("queue watcher notification: %w", err)
		}
	}

	if rule.TemplateUser != "" {
		notification := &models.Notification{
			RecipientID: request.UserID,
			RequestID:   item.RequestID,
			Subject:     subject,
			Content:     renderTemplate(rule.TemplateUser, rule, activity),
		}
		if err := s.subscribers.Enqueue(ctx, notification); err != nil {
			return fmt.Errorf("queue requester notification: %w", err)
		}
	}
	return nil
}

// renderTemplate substitutes the supported placeholders into a rule template.
func renderTemplate(template string, rule models.Rule, activity *models.Activity) string {
	if template == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		"{rule}", rule.Name,
		"{activity}", activity.Name,
		"{course}", activity.CourseName,
	)
	return replacer.Replace(template)
}
