// Package directory is the port to the user/role/org collaborator that
// resolves approver rules into concrete user IDs.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/opsretail/approval-flow/rules"
	"github.com/opsretail/approval-flow/types"
)

var (
	ErrUserNotFound   = errors.New("user not found in directory")
	ErrNoRoleMembers  = errors.New("role has no members")
	ErrNoLeader       = errors.New("department has no leader")
	ErrNoManager      = errors.New("user has no manager")
	ErrUnknownRule    = errors.New("unknown approver rule kind")
	ErrEmptyApprovers = errors.New("approver rule resolved to no users")
)

// Directory answers identity and org-hierarchy lookups. It is owned by an
// external system; this package only defines the contract and a static
// implementation for tests and small deployments.
type Directory interface {
	// UserExists reports whether a user ID is known.
	UserExists(ctx context.Context, userID string) (bool, error)

	// RoleMembers returns the user IDs holding a role.
	RoleMembers(ctx context.Context, role string) ([]string, error)

	// DepartmentLeader returns the current leader of a user's department.
	DepartmentLeader(ctx context.Context, userID string) (string, error)

	// ManagerOf returns a user's direct manager.
	ManagerOf(ctx context.Context, userID string) (string, error)
}

// Resolver resolves one approver rule variant to concrete user IDs.
type Resolver interface {
	Resolve(ctx context.Context, rule types.ApproverRule, initiatorID string, formData map[string]interface{}) ([]string, error)
}

// RuleResolver dispatches an approver rule to its variant resolver.
type RuleResolver struct {
	resolvers map[string]Resolver
}

// NewRuleResolver wires the four standard resolver variants over a
// directory and an expression evaluator.
func NewRuleResolver(dir Directory, evaluator rules.Evaluator) *RuleResolver {
	return &RuleResolver{
		resolvers: map[string]Resolver{
			types.ApproverUsers:      explicitList{dir: dir},
			types.ApproverRole:       roleLookup{dir: dir},
			types.ApproverDeptLeader: orgLookup{dir: dir, leader: true},
			types.ApproverManager:    orgLookup{dir: dir},
			types.ApproverExpression: formExpression{evaluator: evaluator, dir: dir},
		},
	}
}

// Resolve resolves a rule to a deduplicated, non-empty list of user IDs.
func (r *RuleResolver) Resolve(ctx context.Context, rule types.ApproverRule, initiatorID string, formData map[string]interface{}) ([]string, error) {
	resolver, ok := r.resolvers[rule.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, rule.Kind)
	}
	users, err := resolver.Resolve(ctx, rule, initiatorID, formData)
	if err != nil {
		return nil, err
	}
	users = dedupe(users)
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: kind=%s", ErrEmptyApprovers, rule.Kind)
	}
	return users, nil
}

type explicitList struct {
	dir Directory
}

func (e explicitList) Resolve(ctx context.Context, rule types.ApproverRule, _ string, _ map[string]interface{}) ([]string, error) {
	for _, userID := range rule.Users {
		ok, err := e.dir.UserExists(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
	}
	return rule.Users, nil
}

type roleLookup struct {
	dir Directory
}

func (r roleLookup) Resolve(ctx context.Context, rule types.ApproverRule, _ string, _ map[string]interface{}) ([]string, error) {
	members, err := r.dir.RoleMembers(ctx, rule.Role)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoleMembers, rule.Role)
	}
	return members, nil
}

// orgLookup resolves department-leader and initiator's-manager rules.
type orgLookup struct {
	dir    Directory
	leader bool
}

func (o orgLookup) Resolve(ctx context.Context, _ types.ApproverRule, initiatorID string, _ map[string]interface{}) ([]string, error) {
	if o.leader {
		leader, err := o.dir.DepartmentLeader(ctx, initiatorID)
		if err != nil {
			return nil, err
		}
		return []string{leader}, nil
	}
	manager, err := o.dir.ManagerOf(ctx, initiatorID)
	if err != nil {
		return nil, err
	}
	return []string{manager}, nil
}

// formExpression resolves approvers from an expression over form data.
type formExpression struct {
	evaluator rules.Evaluator
	dir       Directory
}

func (f formExpression) Resolve(ctx context.Context, rule types.ApproverRule, initiatorID string, formData map[string]interface{}) ([]string, error) {
	env := make(map[string]interface{}, len(formData)+1)
	for k, v := range formData {
		env[k] = v
	}
	env["initiator"] = initiatorID

	users, err := f.evaluator.EvaluateUsers(rule.Expression, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate approver expression: %w", err)
	}
	for _, userID := range users {
		ok, err := f.dir.UserExists(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
	}
	return users, nil
}

func dedupe(users []string) []string {
	seen := make(map[string]bool, len(users))
	out := users[:0]
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// StaticDirectory is an in-memory Directory backed by fixed tables. Used
// in tests, the demo binary, and deployments that sync the org chart from
// an external source.
type StaticDirectory struct {
	users   map[string]StaticUser
	roles   map[string][]string
	leaders map[string]string // department -> leader user
	mu      sync.RWMutex
}

// StaticUser is one user row of a StaticDirectory.
type StaticUser struct {
	ID         string `json:"id"`
	Department string `json:"department"`
	ManagerID  string `json:"manager_id"`
}

// StaticConfig is the JSON shape loaded by NewStaticDirectoryFromFile.
type StaticConfig struct {
	Users   []StaticUser        `json:"users"`
	Roles   map[string][]string `json:"roles"`
	Leaders map[string]string   `json:"leaders"`
}

// NewStaticDirectory builds a directory from fixed tables.
func NewStaticDirectory(cfg StaticConfig) *StaticDirectory {
	d := &StaticDirectory{
		users:   make(map[string]StaticUser, len(cfg.Users)),
		roles:   make(map[string][]string, len(cfg.Roles)),
		leaders: make(map[string]string, len(cfg.Leaders)),
	}
	for _, u := range cfg.Users {
		d.users[u.ID] = u
	}
	for role, members := range cfg.Roles {
		d.roles[role] = append([]string(nil), members...)
	}
	for dept, leader := range cfg.Leaders {
		d.leaders[dept] = leader
	}
	return d
}

// NewStaticDirectoryFromFile loads a StaticDirectory from a JSON file.
func NewStaticDirectoryFromFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	var cfg StaticConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return NewStaticDirectory(cfg), nil
}

// UserExists reports whether a user ID is known.
func (d *StaticDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

// RoleMembers returns the user IDs holding a role, sorted for stable output.
func (d *StaticDirectory) RoleMembers(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := append([]string(nil), d.roles[role]...)
	sort.Strings(members)
	return members, nil
}

// DepartmentLeader returns the leader of a user's department.
func (d *StaticDirectory) DepartmentLeader(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	leader, ok := d.leaders[user.Department]
	if !ok || leader == "" {
		return "", fmt.Errorf("%w: %s", ErrNoLeader, user.Department)
	}
	return leader, nil
}

// ManagerOf returns a user's direct manager.
func (d *StaticDirectory) ManagerOf(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if user.ManagerID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoManager, userID)
	}
	return user.ManagerID, nil
}
