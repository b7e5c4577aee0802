package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"smartclassroom/internal/qrtoken"
)

// qrImageSize is the edge length of rendered QR codes in pixels.
const qrImageSize = 256

func (h *handlers) generateQR(c *gin.Context) {
	var req struct {
		ClassID      string `json:"class_id" binding:"required"`
		PeriodNumber int    `json:"period_number" binding:"required"`
	}
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	qr, err := h.Tokens.GenerateQR(c.Request.Context(), req.ClassID, req.PeriodNumber)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, qr)
}

func (h *handlers) currentCode(c *gin.Context) {
	classID := c.Param("class_id")
	if _, err := h.Engine.GetSession(c.Request.Context(), classID); err != nil {
		h.fail(c, err)
		return
	}
	code := h.Tokens.CurrentCode(classID)
	c.JSON(http.StatusOK, gin.H{
		"class_id":          classID,
		"code":              code.Code,
		"time_slot":         code.Slot,
		"valid_until":       code.ValidUntil,
		"remaining_seconds": code.RemainingSeconds,
		"rotation_minutes":  code.RotationMinutes,
	})
}

func (h *handlers) periods(c *gin.Context) {
	classID := c.Param("class_id")
	ps, err := h.Tokens.Periods(c.Request.Context(), classID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"class_id": classID, "total_periods": len(ps), "periods": ps})
}

// validateToken reports the token binding together with the seconds left
// on the class's current code.
func (h *handlers) validateToken(c *gin.Context) {
	v, err := h.Tokens.Validate(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !v.Valid {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "reason": v.Reason})
		return
	}
	code := h.Tokens.CurrentCode(v.Token.ClassID)
	c.JSON(http.StatusOK, gin.H{
		"valid":                  true,
		"class_id":               v.Token.ClassID,
		"period_number":          v.Token.PeriodNumber,
		"expires_at":             v.Token.ExpiresAt,
		"code_remaining_seconds": code.RemainingSeconds,
	})
}

func (h *handlers) qrImage(c *gin.Context) {
	token := c.Param("token")
	v, err := h.Tokens.Validate(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !v.Valid {
		h.fail(c, qrtoken.ErrTokenNotFound)
		return
	}
	png, err := qrcode.Encode(h.Tokens.PayloadURL(token), qrcode.Medium, qrImageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handlers) revokeToken(c *gin.Context) {
	if err := h.Tokens.Revoke(c.Request.Context(), c.Param("token")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) verifyCode(c *gin.Context) {
	var req struct {
		Token     string `json:"token" binding:"required"`
		StudentID string `json:"student_id"`
		// Cedula is the national id the student app sends as student_id.
		Cedula string `json:"cedula"`
		Code   string `json:"code" binding:"required"`
	}
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if req.StudentID == "" {
		req.StudentID = req.Cedula
	}
	if req.StudentID == "" {
		h.fail(c, fmt.Errorf("%w: student_id or cedula is required", errBadRequest))
		return
	}
	out, err := h.Engine.VerifyByCode(c.Request.Context(), req.Token, req.StudentID, req.Code)
	h.outcome(c, out, err)
}
