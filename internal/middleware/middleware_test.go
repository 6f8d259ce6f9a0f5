package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/auth"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdmin(t *testing.T) {
	jwtSvc, err := auth.NewJWTService("secret", "billing-admin")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/admin", NewAuthMiddleware(jwtSvc).RequireAdmin(), func(c *gin.Context) {
		c.String(http.StatusOK, Actor(c, "nobody"))
	})

	token, err := jwtSvc.GenerateToken("ops", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ops", w.Body.String())
			}
		})
	}
}

func TestRequireAdminWithoutVerifier(t *testing.T) {
	r := gin.New()
	r.GET("/admin", NewAuthMiddleware(nil).RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextRequestID))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "abc-123")
	w := serve(r, req)
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(HeaderXRequestID))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderXRequestID))
}

func TestErrorHandlerRendersUnwrittenError(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler(logger.Nop()))
	r.GET("/", func(c *gin.Context) {
		_ = c.Error(apperrors.ErrStoreUnavailable)
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "temporarily unavailable")
	assert.NotContains(t, w.Body.String(), "store unavailable")
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.Nop()))
	r.GET("/", func(c *gin.Context) {
		panic("boom")
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"error"`)
}

func TestRateLimiterPerClient(t *testing.T) {
	r := gin.New()
	r.Use(NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 1}).RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := func(ip string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		return req
	}

	assert.Equal(t, http.StatusOK, serve(r, req("10.0.0.1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, req("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, serve(r, req("10.0.0.2")).Code)
}

func TestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(SizeLimit(SizeLimitConfig{MaxBodySize: 8, MaxHeaderSize: 1 << 10}))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://app.example.com"}

	r := gin.New()
	r.Use(CORS(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(r, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTimeoutSetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(TimeoutConfig{Duration: time.Second}))
	r.GET("/", func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		if ok {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusTeapot)
	})

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}
