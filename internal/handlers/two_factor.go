package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"authgate/internal/middleware"
	"authgate/internal/service"
)

type twoFactorResponse struct {
	Success bool `json:"success"`
	service.TwoFactorSetup
}

func (h HandlerSet) PrepareTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		h.fail(c, errNoSession)
		return
	}

	setup, err := h.auth.PrepareTwoFactor(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, twoFactorResponse{Success: true, TwoFactorSetup: setup})
}

type setupTwoFactorRequest struct {
	Code string `json:"code"`
}

func (h HandlerSet) SetupTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		h.fail(c, errNoSession)
		return
	}

	var req setupTwoFactorRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	setup, err := h.auth.SetupTwoFactor(c.Request.Context(), user.ID, req.Code, middleware.Client(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, twoFactorResponse{Success: true, TwoFactorSetup: setup})
}

type disableTwoFactorRequest struct {
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code"`
	BackupCode string `json:"backup_code"`
}

func (h HandlerSet) DisableTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		h.fail(c, errNoSession)
		return
	}

	var req disableTwoFactorRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	err := h.auth.DisableTwoFactor(c.Request.Context(), user.ID, service.DisableTwoFactorInput{
		Password:   req.Password,
		TOTPCode:   req.TOTPCode,
		BackupCode: req.BackupCode,
		Client:     middleware.Client(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	okMessage(c, "Two-factor authentication disabled")
}
