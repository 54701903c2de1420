// Package httpapi serves the account and admin credit endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second

	roleAdminRead  = "admin_ro"
	roleAdminWrite = "admin_rw"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	AdminUserIDs   []string
	RequestTimeout time.Duration
	Pricing        credits.TextToVideoPricing
}

// Serve runs handler on addr until ctx ends.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the HTTP routes. recorder may be nil.
func NewRouter(options Options, creditService *credits.Service, validator *sessionvalidator.Validator, recorder *metrics.Recorder, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 3 * time.Second
	}
	if options.Pricing.MinCredits == 0 && options.Pricing.CreditsPerSecond == 0 {
		options.Pricing = credits.DefaultTextToVideoPricing()
	}
	handler := &httpHandler{
		logger:        logger,
		creditService: creditService,
		options:       options,
		admins:        make(map[string]struct{}, len(options.AdminUserIDs)),
	}
	for _, adminID := range options.AdminUserIDs {
		handler.admins[adminID] = struct{}{}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if recorder != nil {
		router.Use(metricsMiddleware(recorder))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     options.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if recorder != nil {
		router.GET("/metrics", gin.WrapH(recorder.Handler()))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.POST("/ping", handler.handlePing)
	api.POST("/tasks/text-to-video/charge", handler.handleTextToVideoCharge)

	account := api.Group("/account")
	account.POST("/bootstrap", handler.handleBootstrap)
	account.POST("/credits", handler.handleCredits)
	account.GET("/credits/status", handler.handleCreditStatus)
	account.POST("/credits/consume", handler.handleConsume)
	account.POST("/credits/grant", handler.handleSelfGrant)

	admin := api.Group("/admin")
	admin.POST("/credits/grant", handler.requireAdmin(true), handler.handleAdminGrant)
	admin.GET("/users/:uuid/credits", handler.requireAdmin(false), handler.handleAdminUserCredits)

	return router
}

func metricsMiddleware(recorder *metrics.Recorder) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		recorder.RecordHTTPRequest(
			ctx.Request.Method,
			path,
			strconv.Itoa(ctx.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireAdmin admits allow-listed user ids and holders of the admin roles.
// Read access accepts admin_ro or admin_rw; write access needs admin_rw.
func (handler *httpHandler) requireAdmin(write bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		if !handler.isAdmin(claims, write) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
			return
		}
		ctx.Next()
	}
}

func (handler *httpHandler) isAdmin(claims *sessionvalidator.Claims, write bool) bool {
	if _, ok := handler.admins[claims.GetUserID()]; ok {
		return true
	}
	for _, role := range claims.GetUserRoles() {
		if role == roleAdminWrite || (!write && role == roleAdminRead) {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
