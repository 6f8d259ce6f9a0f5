package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig lists the browser origins allowed to call the API. A "*"
// entry allows any origin.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderXRequestID},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", HeaderXRequestID},
		AllowCredentials: false,
		MaxAge:           86400,
	}
}

// CORS answers preflight requests itself. Requests from origins outside the
// list get no CORS headers and are left for the browser to block.
func CORS(config CORSConfig) gin.HandlerFunc {
	anyOrigin := false
	origins := make(map[string]struct{}, len(config.AllowOrigins))
	for _, o := range config.AllowOrigins {
		if o == "*" {
			anyOrigin = true
			continue
		}
		origins[o] = struct{}{}
	}

	methods := strings.Join(config.AllowMethods, ", ")
	headers := strings.Join(config.AllowHeaders, ", ")
	expose := strings.Join(config.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(config.MaxAge)

	allowed := func(origin string) string {
		if origin == "" {
			return ""
		}
		if _, ok := origins[origin]; ok {
			return origin
		}
		if !anyOrigin {
			return ""
		}
		// A credentialed response must name the origin.
		if config.AllowCredentials {
			return origin
		}
		return "*"
	}

	return func(c *gin.Context) {
		preflight := c.Request.Method == http.MethodOptions
		c.Writer.Header().Add("Vary", "Origin")

		origin := allowed(c.GetHeader("Origin"))
		if origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Expose-Headers", expose)
			h.Set("Access-Control-Max-Age", maxAge)
			if config.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
