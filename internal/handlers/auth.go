package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"authgate/internal/middleware"
	"authgate/internal/service"
)

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	TwoFACode string `json:"two_fa_code"`
}

type loginResponse struct {
	Success bool `json:"success"`
	service.LoginResult
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginInput{
		Username:  req.Username,
		Password:  req.Password,
		TwoFACode: req.TwoFACode,
		Client:    middleware.Client(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, loginResponse{Success: true, LoginResult: result})
}

type verifyTwoFactorRequest struct {
	TempToken string `json:"temp_token"`
	Code      string `json:"code"`
}

func (h HandlerSet) VerifyTwoFactor(c *gin.Context) {
	var req verifyTwoFactorRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.auth.CompleteTwoFactorLogin(c.Request.Context(), service.CompleteTwoFactorInput{
		PendingToken: req.TempToken,
		Code:         req.Code,
		Client:       middleware.Client(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, loginResponse{Success: true, LoginResult: result})
}

func (h HandlerSet) Verify(c *gin.Context) {
	session, ok := middleware.CurrentSession(c)
	if !ok {
		h.fail(c, errNoSession)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"user":       session.User.Summary(),
		"expires_at": session.Claim.ExpiresAt,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (h HandlerSet) ChangePassword(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		h.fail(c, errNoSession)
		return
	}

	var req changePasswordRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	err := h.auth.ChangePassword(c.Request.Context(), user.ID, service.ChangePasswordInput{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		ConfirmPassword: req.ConfirmPassword,
		Client:          middleware.Client(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	okMessage(c, "Password changed successfully")
}

// Logout accepts a missing or unusable token and still reports success.
func (h HandlerSet) Logout(c *gin.Context) {
	token, _ := middleware.BearerToken(c)
	if err := h.auth.Logout(c.Request.Context(), token, middleware.Client(c)); err != nil {
		h.fail(c, err)
		return
	}

	okMessage(c, "Logged out successfully")
}
