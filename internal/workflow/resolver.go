package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"backend/internal/agency"
)

// DynamicApproverFunc 由触发方按实体类型注册的动态审批人解析回调，
// 例如 "申请人的直属上级"。
type DynamicApproverFunc func(ctx context.Context, agencyID, entityType, entityID string) ([]*agency.User, error)

// Directory 审批人目录依赖
type Directory interface {
	ResolveUsersWithRole(ctx context.Context, agencyID, roleCode string) ([]*agency.User, error)
	GetUserByEmail(ctx context.Context, agencyID, email string) (*agency.User, error)
}

// Resolver 步骤解析器：把快照步骤按 step_number 分组，
// 并把每个步骤的审批人规则解析为具体用户集合。
type Resolver struct {
	directory Directory

	mu      sync.RWMutex
	dynamic map[string]DynamicApproverFunc // entity_type -> 回调
}

// NewResolver 创建解析器
func NewResolver(directory Directory) *Resolver {
	return &Resolver{
		directory: directory,
		dynamic:   make(map[string]DynamicApproverFunc),
	}
}

// RegisterDynamic 注册实体类型的动态审批人回调
func (r *Resolver) RegisterDynamic(entityType string, fn DynamicApproverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynamic[entityType] = fn
}

// StepGroup 共享同一 step_number 的一组快照步骤
type StepGroup struct {
	StepNumber int
	Steps      []*WorkflowStepSnapshot
}

// GroupSteps 将快照步骤按 step_number 升序分组
func GroupSteps(snapshots []*WorkflowStepSnapshot) []StepGroup {
	byNumber := make(map[int][]*WorkflowStepSnapshot)
	for _, st := range snapshots {
		byNumber[st.StepNumber] = append(byNumber[st.StepNumber], st)
	}

	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	groups := make([]StepGroup, 0, len(numbers))
	for _, n := range numbers {
		groups = append(groups, StepGroup{StepNumber: n, Steps: byNumber[n]})
	}
	return groups
}

// NextGroup 返回编号大于 after 的下一组，没有则返回 nil
func NextGroup(snapshots []*WorkflowStepSnapshot, after int) *StepGroup {
	groups := GroupSteps(snapshots)
	for i := range groups {
		if groups[i].StepNumber > after {
			return &groups[i]
		}
	}
	return nil
}

// ResolvedStep 解析结果：一个步骤及其具体审批人
type ResolvedStep struct {
	Step      *WorkflowStepSnapshot
	Approvers []*agency.User
}

// ResolveGroup 解析一组步骤的审批人。
// 任一步骤无法解析出至少一名审批人时返回 ErrUnresolvedApprover，
// 调用方应阻塞实例推进而非置为失败。
func (r *Resolver) ResolveGroup(ctx context.Context, agencyID string, group *StepGroup, entityType, entityID string) ([]ResolvedStep, error) {
	resolved := make([]ResolvedStep, 0, len(group.Steps))
	for _, step := range group.Steps {
		approvers, err := r.resolveStep(ctx, agencyID, step, entityType, entityID)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, ResolvedStep{Step: step, Approvers: approvers})
	}
	return resolved, nil
}

func (r *Resolver) resolveStep(ctx context.Context, agencyID string, step *WorkflowStepSnapshot, entityType, entityID string) ([]*agency.User, error) {
	switch step.ApproverType {
	case ApproverRole:
		users, err := r.directory.ResolveUsersWithRole(ctx, agencyID, step.ApproverRole)
		if err != nil {
			if errors.Is(err, agency.ErrRoleNotFound) {
				return nil, fmt.Errorf("%w: 角色 %s 不存在", ErrUnresolvedApprover, step.ApproverRole)
			}
			return nil, err
		}
		if len(users) == 0 {
			return nil, fmt.Errorf("%w: 角色 %s 没有成员", ErrUnresolvedApprover, step.ApproverRole)
		}
		return users, nil

	case ApproverUser:
		user, err := r.directory.GetUserByEmail(ctx, agencyID, step.ApproverEmail)
		if err != nil {
			if errors.Is(err, agency.ErrUserNotFound) {
				return nil, fmt.Errorf("%w: 审批人 %s 不存在", ErrUnresolvedApprover, step.ApproverEmail)
			}
			return nil, err
		}
		return []*agency.User{user}, nil

	case ApproverDynamic:
		r.mu.RLock()
		fn, ok := r.dynamic[entityType]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: 实体类型 %s 没有注册动态审批人回调", ErrUnresolvedApprover, entityType)
		}
		users, err := fn(ctx, agencyID, entityType, entityID)
		if err != nil {
			return nil, fmt.Errorf("%w: 动态解析失败: %v", ErrUnresolvedApprover, err)
		}
		if len(users) == 0 {
			return nil, fmt.Errorf("%w: 动态解析结果为空", ErrUnresolvedApprover)
		}
		return users, nil

	default:
		return nil, fmt.Errorf("%w: 未知的审批人类型 %s", ErrValidation, step.ApproverType)
	}
}
