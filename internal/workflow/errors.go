package workflow

import "errors"

// 策略错误哨兵值，handler 层据此映射业务码。
var (
	// ErrNotFound 工作流 / 实例 / 审批不存在
	ErrNotFound = errors.New("workflow: not found")
	// ErrValidation 输入校验失败
	ErrValidation = errors.New("workflow: validation failed")
	// ErrImmutableSystemWorkflow 系统工作流不允许结构性修改
	ErrImmutableSystemWorkflow = errors.New("workflow: system workflow is immutable")
	// ErrSystemWorkflowProtected 系统工作流不允许删除
	ErrSystemWorkflowProtected = errors.New("workflow: system workflow cannot be deleted")
	// ErrWorkflowInUse 工作流仍有存活实例
	ErrWorkflowInUse = errors.New("workflow: workflow has live instances")
	// ErrStepInUse 步骤仍有未决审批
	ErrStepInUse = errors.New("workflow: step has pending approvals")
	// ErrUnresolvedApprover 审批人无法解析（角色无成员等），实例被阻塞而非失败
	ErrUnresolvedApprover = errors.New("workflow: approver cannot be resolved")
	// ErrAlreadyDecided 审批已被处理（幂等冲突，非致命）
	ErrAlreadyDecided = errors.New("workflow: approval already decided")
	// ErrInstanceTerminal 实例已处于终态
	ErrInstanceTerminal = errors.New("workflow: instance is in a terminal state")
)
