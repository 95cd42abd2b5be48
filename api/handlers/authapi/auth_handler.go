package authapi

import (
	response "backend/api/handlers/common"
	"backend/internal/auth"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// AuthHandler 认证 Handler
type AuthHandler struct {
	service *auth.Service
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(service *auth.Service) *AuthHandler {
	return &AuthHandler{service: service}
}

// loginRequest 登录请求体
type loginRequest struct {
	AgencyID string `json:"agencyId" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login 登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	result, err := h.service.Login(c.Request.Context(), req.AgencyID, req.Email, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// registerRequest 注册请求体
type registerRequest struct {
	AgencyID  string `json:"agencyId" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Username  string `json:"username" binding:"required"`
	Password  string `json:"password" binding:"required,min=8"`
	FullName  string `json:"fullName"`
	ManagerID string `json:"managerId"`
}

// Register 注册
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	user, err := h.service.Register(c.Request.Context(), &auth.RegisterRequest{
		AgencyID:  req.AgencyID,
		Email:     req.Email,
		Username:  req.Username,
		Password:  req.Password,
		FullName:  req.FullName,
		ManagerID: req.ManagerID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, user)
}

// refreshRequest 刷新令牌请求体
type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh 刷新访问令牌
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	tokens, err := h.service.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		common.ResponseError(c, common.CodeUnauthorized, err.Error())
		return
	}
	common.ResponseSuccess(c, tokens)
}

// Logout 注销当前令牌
func (h *AuthHandler) Logout(c *gin.Context) {
	token := auth.ExtractTokenFromBearer(c.GetHeader("Authorization"))
	if token == "" {
		common.ResponseBadRequest(c, "缺少令牌")
		return
	}

	if err := h.service.Logout(c.Request.Context(), token); err != nil {
		common.ResponseServerError(c, err.Error())
		return
	}
	common.ResponseSuccessMessage(c, "已注销", nil)
}
