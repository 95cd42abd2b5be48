package common

import (
	"errors"

	"backend/internal/agency"
	"backend/internal/auth"
	"backend/internal/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// Error 将服务层错误映射为业务码并写入响应。
// 未识别的错误一律按内部错误处理，不向调用方泄漏细节。
func Error(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		common.ResponseError(c, common.CodeWorkflowNotFound, err.Error())
	case errors.Is(err, workflow.ErrValidation):
		common.ResponseError(c, common.CodeWorkflowValidation, err.Error())
	case errors.Is(err, workflow.ErrImmutableSystemWorkflow),
		errors.Is(err, workflow.ErrSystemWorkflowProtected):
		common.ResponseError(c, common.CodeWorkflowSystem, err.Error())
	case errors.Is(err, workflow.ErrWorkflowInUse):
		common.ResponseError(c, common.CodeWorkflowInUse, err.Error())
	case errors.Is(err, workflow.ErrStepInUse):
		common.ResponseError(c, common.CodeStepInUse, err.Error())
	case errors.Is(err, workflow.ErrUnresolvedApprover):
		common.ResponseError(c, common.CodeUnresolvedApprover, err.Error())
	case errors.Is(err, workflow.ErrAlreadyDecided):
		common.ResponseError(c, common.CodeApprovalDecided, err.Error())
	case errors.Is(err, workflow.ErrInstanceTerminal):
		common.ResponseError(c, common.CodeInstanceTerminal, err.Error())
	case errors.Is(err, agency.ErrUserNotFound):
		common.ResponseError(c, common.CodeUserNotFound, "")
	case errors.Is(err, agency.ErrRoleNotFound):
		common.ResponseError(c, common.CodeRoleNotFound, "")
	case errors.Is(err, auth.ErrInvalidCredentials):
		common.ResponseError(c, common.CodeInvalidCredentials, "")
	case errors.Is(err, auth.ErrUserDisabled):
		common.ResponseError(c, common.CodeUserDisabled, "")
	case errors.Is(err, auth.ErrEmailTaken):
		common.ResponseError(c, common.CodeConflict, "邮箱已被注册")
	default:
		common.ResponseServerError(c, "")
	}
}
