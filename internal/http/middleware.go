package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

const userKey = "user"

// bearerToken reads the token from the Authorization header, or from ?token=
// for WebSocket clients that cannot set headers
func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return "", false
		}
		return tokenString, true
	}
	if q := c.Query("token"); q != "" {
		return q, true
	}
	return "", false
}

// JWTAuthMiddleware validates the bearer token and loads the user
// 兼容 auth-service 签发的 JWT 格式，使用 MapClaims 解析
func JWTAuthMiddleware(secretKey string, accounts AccountAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed bearer token"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secretKey), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}

		// 优先使用 uid 字段，其次使用 sub 字段（标准 JWT claim）
		var userID string
		if uid, ok := claims["uid"].(string); ok {
			userID = uid
		} else if sub, ok := claims["sub"].(string); ok {
			userID = sub
		}
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
			c.Abort()
			return
		}

		user, err := accounts.GetUser(c.Request.Context(), userID)
		if err != nil {
			if statusOf(err) == http.StatusNotFound {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			} else {
				writeError(c, err)
			}
			c.Abort()
			return
		}

		c.Set("userID", user.ID)
		c.Set(userKey, user)
		c.Next()
	}
}

// BanGuardMiddleware rejects suspended users; with allowReads they may still GET
func BanGuardMiddleware(allowReads bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user != nil && user.IsBanned(time.Now()) && !(allowReads && c.Request.Method == http.MethodGet) {
			c.JSON(http.StatusForbidden, gin.H{"error": "account suspended"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminMiddleware requires the admin role
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil || !user.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// MetricsMiddleware counts requests per route template
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(route, strconv.Itoa(c.Writer.Status()))
	}
}

func currentUser(c *gin.Context) *models.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}
