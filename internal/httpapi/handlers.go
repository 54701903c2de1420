package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	adminLedgerLimit = 100

	codeUnauthorized         = "unauthorized"
	codeInvalidPayload       = "invalid_payload"
	codeLedgerError          = credits.CodeLedgerError
	messageMissingSession    = "missing session"
	messageLedgerUnavailable = "ledger unavailable"
)

type httpHandler struct {
	logger        *zap.Logger
	creditService *credits.Service
	options       Options
	admins        map[string]struct{}
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, messageMissingSession))
		return
	}
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	userCredits, err := handler.creditService.UserCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"userId":    claims.GetUserID(),
		"email":     claims.GetUserEmail(),
		"display":   claims.GetUserDisplayName(),
		"avatarUrl": claims.GetUserAvatarURL(),
		"roles":     claims.GetUserRoles(),
		"expires":   claims.GetExpiresAt().Unix(),
		"credits":   newCreditStatusPayload(userCredits),
	})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	_, created, err := handler.creditService.GrantNewUserBonus(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	userCredits, err := handler.creditService.UserCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"created": created,
		"credits": newCreditStatusPayload(userCredits),
	})
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request summaryRequest
	if !handler.bindOptionalJSON(ctx, &request) {
		return
	}
	handler.respondWithSummary(ctx, userID, request.options())
}

func (handler *httpHandler) handleCreditStatus(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	userCredits, err := handler.creditService.UserCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newCreditStatusPayload(userCredits))
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if !handler.bindOptionalJSON(ctx, &request) {
		return
	}
	amount := int64(1)
	if request.Credits != nil {
		amount = *request.Credits
	}
	handler.consumeAndRespond(ctx, userID, amount, credits.ReasonMockUsage, gin.H{})
}

func (handler *httpHandler) handlePing(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request pingRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	handler.consumeAndRespond(ctx, userID, credits.PingCostCredits, credits.ReasonPing, gin.H{"pong": request.Message})
}

func (handler *httpHandler) handleTextToVideoCharge(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request textToVideoRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	cost := handler.options.Pricing.TextToVideoCost(request.DurationSeconds, request.AspectRatio)
	handler.consumeAndRespond(ctx, userID, cost.Int64(), credits.ReasonTextToVideoTask, gin.H{"charged": cost.Int64()})
}

func (handler *httpHandler) handleSelfGrant(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request selfGrantRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	_, err := handler.creditService.Grant(requestCtx, credits.GrantRequest{
		UserID:         userID,
		Type:           credits.TransactionSystemGrant,
		Amount:         request.Credits,
		ExpiresAt:      request.ExpiredAt,
		OrderReference: credits.NewOrderReference(request.OrderNo),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	options := credits.DefaultSummaryOptions()
	options.LedgerLimit = request.LedgerLimit
	handler.respondWithSummary(ctx, userID, options)
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	var request adminGrantRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	userID, err := credits.NewUserID(request.UserUUID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	_, err = handler.creditService.Grant(requestCtx, credits.GrantRequest{
		UserID:         userID,
		Type:           credits.TransactionAdminGrant,
		Amount:         request.Credits,
		ExpiresAt:      request.ExpiredAt,
		OrderReference: credits.NewOrderReference(request.OrderNo),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("admin credit grant",
		zap.String("admin_id", getClaims(ctx).GetUserID()),
		zap.String("user_id", userID.String()),
		zap.Int64("credits", request.Credits),
	)
	summary, err := handler.creditService.Summarize(requestCtx, userID, credits.DefaultSummaryOptions())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"userUuid":       userID.String(),
		"creditsGranted": request.Credits,
		"summary":        newSummaryPayload(summary),
	})
}

func (handler *httpHandler) handleAdminUserCredits(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("uuid"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	options := credits.DefaultSummaryOptions()
	options.LedgerLimit = adminLedgerLimit
	handler.respondWithSummary(ctx, userID, options)
}

func (handler *httpHandler) consumeAndRespond(ctx *gin.Context, userID credits.UserID, amount int64, reason credits.ConsumptionReason, body gin.H) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactionID, err := handler.creditService.Consume(requestCtx, userID, amount, reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	userCredits, err := handler.creditService.UserCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	body["transactionId"] = formatTransactionID(transactionID)
	body["balance"] = userCredits.LeftCredits
	ctx.JSON(http.StatusOK, body)
}

func (handler *httpHandler) respondWithSummary(ctx *gin.Context, userID credits.UserID, options credits.SummaryOptions) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	summary, err := handler.creditService.Summarize(requestCtx, userID, options)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newSummaryPayload(summary))
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, messageMissingSession))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "session has no user id"))
		return credits.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.options.RequestTimeout)
}

func (handler *httpHandler) bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		handler.respondBindError(ctx, err)
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body.
func (handler *httpHandler) bindOptionalJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		handler.respondBindError(ctx, err)
		return false
	}
	return true
}

func (handler *httpHandler) respondBindError(ctx *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	details := make([]fieldErrorPayload, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		details = append(details, fieldErrorPayload{
			Field: fieldError.Field(),
			Rule:  fieldError.Tag(),
			Param: fieldError.Param(),
		})
	}
	response := errorResponse(codeInvalidPayload, "request failed validation")
	response["details"] = details
	ctx.JSON(http.StatusBadRequest, response)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	code := credits.ErrorCode(err)
	switch code {
	case credits.CodeInsufficientCredits:
		ctx.JSON(http.StatusPaymentRequired, errorResponse(code, "not enough credits"))
	case credits.CodeLockUnavailable:
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(code, "account is busy, retry shortly"))
	case codeLedgerError:
		handler.logger.Error("credit ledger failure", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(code, messageLedgerUnavailable))
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse(code, err.Error()))
	}
}

type summaryRequest struct {
	IncludeLedger   *bool `json:"includeLedger"`
	LedgerLimit     int   `json:"ledgerLimit" binding:"omitempty,min=1,max=200"`
	IncludeExpiring *bool `json:"includeExpiring"`
}

func (request summaryRequest) options() credits.SummaryOptions {
	options := credits.DefaultSummaryOptions()
	if request.IncludeLedger != nil {
		options.IncludeLedger = *request.IncludeLedger
	}
	if request.LedgerLimit > 0 {
		options.LedgerLimit = request.LedgerLimit
	}
	if request.IncludeExpiring != nil {
		options.IncludeExpiring = *request.IncludeExpiring
	}
	return options
}

// consumeRequest charges one credit when credits is omitted.
type consumeRequest struct {
	Credits *int64 `json:"credits"`
}

type pingRequest struct {
	Message string `json:"message" binding:"required,max=500"`
}

type textToVideoRequest struct {
	DurationSeconds float64 `json:"durationSeconds" binding:"required,gt=0,lte=600"`
	AspectRatio     string  `json:"aspectRatio" binding:"omitempty,oneof=landscape portrait square"`
}

type selfGrantRequest struct {
	Credits     int64      `json:"credits" binding:"required"`
	ExpiredAt   *time.Time `json:"expiredAt"`
	OrderNo     string     `json:"orderNo" binding:"max=255"`
	LedgerLimit int        `json:"ledgerLimit" binding:"omitempty,min=1,max=200"`
}

type adminGrantRequest struct {
	UserUUID  string     `json:"userUuid" binding:"required,max=255"`
	Credits   int64      `json:"credits" binding:"required"`
	ExpiredAt *time.Time `json:"expiredAt"`
	OrderNo   string     `json:"orderNo" binding:"max=255"`
}
