package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/logger"
	"pdvledger/backend/internal/service"
)

const maxBodyBytes = 1 << 20

// Metrics is the subset of the metrics package the router needs.
type Metrics interface {
	Middleware() gin.HandlerFunc
	Handler() http.Handler
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       Metrics
	log           *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, metrics Metrics, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		metrics:       metrics,
		log:           log.Named("http"),
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and previous hour buckets.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())
	if a.metrics != nil {
		r.Use(a.metrics.Middleware())
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}
	r.Use(a.securityHeaders(), a.checkCSRF())

	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)
	v1.GET("/auth/csrf-token", a.handleCSRFToken)

	staff := v1.Group("", a.requireAuth(domain.RoleOperator, domain.RoleAdmin))
	staff.POST("/sales/quote", a.handleQuote)
	staff.POST("/sales", a.handleSettle)
	staff.GET("/sessions", a.handleListSessions)
	staff.GET("/opening-suggestion", a.handleSuggestOpening)
	staff.POST("/sessions", a.handleOpenSession)
	staff.GET("/sessions/:id/preview", a.handlePreviewClose)
	staff.POST("/sessions/:id/close", a.handleCloseSession)
	staff.GET("/sessions/:id/entries", a.handleListEntries)
	staff.POST("/sessions/:id/entries", a.handleAddEntry)
	staff.POST("/expenses", a.handleRecordExpense)
	staff.POST("/transactions/:id/pay", a.handleMarkPaid)
	staff.GET("/balances/drawer", a.handleDrawerBalance)
	staff.GET("/balances/cumulative", a.handleCumulativeBalance)

	admin := v1.Group("", a.requireAuth(domain.RoleAdmin))
	admin.PATCH("/sales/:id/vendor", a.handleReassignSale)
	admin.GET("/stale-sessions", a.handleStaleSessions)
	admin.GET("/reports/sales", a.handleSalesReport)
	admin.GET("/stock-count", a.handleCountSession)
	admin.POST("/stock-count", a.handleStartCount)
	admin.DELETE("/stock-count", a.handleResetCount)
	admin.POST("/stock-count/scan", a.handleScan)
	admin.PUT("/stock-count/current-batch", a.handleLabelBatch)
	admin.POST("/stock-count/batches", a.handleCommitBatch)
	admin.DELETE("/stock-count/batches/:id", a.handleDeleteBatch)
	admin.GET("/stock-count/consolidated", a.handleConsolidated)
	admin.GET("/stock-count/compare", a.handleCompare)
	admin.POST("/stock-count/finalize", a.handleFinalize)

	return r
}

func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.abort(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.abort(c, http.StatusForbidden, "FORBIDDEN", "forbidden role")
			return
		}
		ctx := service.WithActor(c.Request.Context(), actor)
		log := logger.FromContext(ctx, a.log).With(zap.String("actor", actor.Username))
		c.Request = c.Request.WithContext(logger.WithContext(ctx, log))
		c.Next()
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		log := a.log.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), log))

		started := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

func (a *API) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		h.Set("Vary", "Origin")

		if c.Request.Body != nil && isMutating(c.Request.Method) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// csrfExemptPaths are called before a client can have fetched a token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isMutating(c.Request.Method) {
			c.Next()
			return
		}
		for _, exempt := range csrfExemptPaths {
			if c.Request.URL.Path == exempt {
				c.Next()
				return
			}
		}
		if !a.validateCSRFToken(strings.TrimSpace(c.GetHeader("X-CSRF-Token"))) {
			a.abort(c, http.StatusForbidden, "CSRF", "missing or invalid CSRF token")
			return
		}
		c.Next()
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(clientKey(c.Request)) {
		a.abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
		return
	}
	var req domain.LoginRequest
	if !a.bind(c, &req) {
		return
	}
	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		a.abort(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleCSRFToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"csrf_token": a.generateCSRFToken()})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func (a *API) bind(c *gin.Context, dest any) bool {
	if err := decodeJSON(c.Request, dest); err != nil {
		a.abort(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return false
	}
	return true
}

func (a *API) abort(c *gin.Context, status int, code string, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// writeError maps a ledger error to its HTTP status. Failures carry only the
// generic message; their cause goes to the log.
func (a *API) writeError(c *gin.Context, err error) {
	var le *domain.LedgerError
	if !errors.As(err, &le) {
		logger.FromContext(c.Request.Context(), a.log).Error("unclassified error", zap.Error(err))
		a.abort(c, http.StatusInternalServerError, domain.ErrOperationFailed.Code, "internal server error")
		return
	}
	if errors.Is(err, domain.ErrLockNotAcquired) {
		a.abort(c, http.StatusServiceUnavailable, le.Code, le.Message)
		return
	}
	switch le.Kind {
	case domain.KindValidation, domain.KindInsufficientBalance:
		a.abort(c, http.StatusUnprocessableEntity, le.Code, le.Message)
	case domain.KindConflict:
		a.abort(c, http.StatusConflict, le.Code, le.Message)
	case domain.KindNotFound:
		a.abort(c, http.StatusNotFound, le.Code, le.Message)
	case domain.KindForbidden:
		a.abort(c, http.StatusForbidden, le.Code, le.Message)
	default:
		logger.FromContext(c.Request.Context(), a.log).Error("operation failed", zap.Error(err))
		a.abort(c, http.StatusInternalServerError, domain.ErrOperationFailed.Code, domain.ErrOperationFailed.Message)
	}
}
