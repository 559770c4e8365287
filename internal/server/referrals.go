package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type attachReferralRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (s *Server) HandleReferralAttach(c *gin.Context) {
	var req attachReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	accountID, err := snowflake.ParseString(strings.TrimSpace(req.AccountID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	referral, err := s.referralSvc.Attach(c.Request.Context(), accountID, req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"referral_id":         referral.ID.String(),
		"referrer_account_id": referral.ReferrerAccountID.String(),
		"code":                referral.Code,
		"status":              referral.Status,
		"referee_discount":    referral.RefereeDiscount,
		"currency":            referral.Currency,
	})
}

func (s *Server) HandleReferralStats(c *gin.Context) {
	accountID, err := snowflake.ParseString(strings.TrimSpace(c.Param("account_id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	stats, err := s.referralSvc.Stats(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
