package controller

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tobyprime/VerificationBot/common"
	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/session"
)

type VerificationRequest struct {
	UserID   int64  `json:"UserID" binding:"required"`
	Code     string `json:"Code" binding:"required"`
	Response string `json:"Response" binding:"required"`
}

// GetVerification reports the pending session the challenge page was opened for.
func GetVerification(engine *session.Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := strconv.ParseInt(ctx.Param("UserID"), 10, 64)
		if err != nil || ctx.Query("code") == "" {
			common.ResponseBadRequestError(ctx)
			return
		}
		sess, err := engine.Get(userID, ctx.Query("code"))
		if err != nil {
			common.ResponseError(ctx, err)
			return
		}
		// the watchdog may not have fired yet
		if common.Expired(sess.Deadline) {
			common.ResponseError(ctx, model.ErrNotFound)
			return
		}
		remaining := time.Until(sess.Deadline)
		if remaining < 0 {
			remaining = 0
		}
		common.ResponseSuccess(ctx, gin.H{
			"UserID":    sess.UserID,
			"ChatID":    sess.ChatID,
			"Deadline":  sess.Deadline,
			"Remaining": int64(remaining.Seconds()),
		})
	}
}

// PostVerification submits the challenge response of a user.
func PostVerification(engine *session.Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req VerificationRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			common.ResponseBadRequestError(ctx)
			return
		}
		err := engine.SubmitProof(ctx.Request.Context(), req.UserID, req.Code, req.Response)
		switch {
		case err == nil:
			common.ResponseSuccess(ctx, gin.H{"State": model.StatePassed.String()})
		case errors.Is(err, model.ErrValidationFailed):
			common.ResponseError(ctx, model.ErrValidationFailed)
		case errors.Is(err, model.ErrNotFound):
			common.ResponseError(ctx, model.ErrNotFound)
		default:
			log.Warn("PostVerification: user %v: %v", req.UserID, err)
			common.ResponseError(ctx, errors.New("internal error"))
		}
	}
}
