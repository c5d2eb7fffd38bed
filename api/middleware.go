package api

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/digitorus/signserver/guard"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	ownerKey        = "owner"
)

// RequestID takes the request id from the X-Request-ID header or generates
// one, and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header(requestIDHeader, requestID)
		c.Set(requestIDKey, requestID)

		c.Next()
	}
}

// GetRequestID gets the request ID from gin context
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// GetOwner returns the authenticated owner, empty when auth is disabled.
func GetOwner(c *gin.Context) string {
	return c.GetString(ownerKey)
}

// RequestLogger logs one event per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}

		event.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", GetRequestID(c)).
			Str("owner", GetOwner(c)).
			Msg("request completed")
	}
}

// Recovery turns a panic into a 500 response.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(c)

				log.Error().
					Str("panic", fmt.Sprint(err)).
					Str("request_id", requestID).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "internal server error",
					"request_id": requestID,
				})
			}
		}()

		c.Next()
	}
}

// BodyLimit rejects requests whose body exceeds limit bytes.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":      "request exceeded limit",
				"request_id": GetRequestID(c),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// Claims are the JWT claims accepted by Auth. The subject is the owner of
// signing requests and flows.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthConfig configures bearer token authentication.
type AuthConfig struct {
	Enabled bool
	Secret  string
	Issuer  string
}

// GenerateToken issues an HS256 token for subject.
func GenerateToken(subject string, ttl time.Duration, cfg AuthConfig) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// Auth validates the bearer token and stores its subject as the owner.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.Secret), nil
		}, options...)
		if err != nil || !token.Valid || claims.Subject == "" {
			unauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ownerKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":      msg,
		"request_id": GetRequestID(c),
	})
}

// Throttle bounds the concurrent requests per owner or client address.
func Throttle(inflight *guard.InFlight, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := guard.Key(GetOwner(c), c.ClientIP())

		release, ok := inflight.Acquire(key)
		if !ok {
			log.Warn().Str("key", key).Str("request_id", GetRequestID(c)).Msg("too many concurrent requests")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "too many concurrent requests, please slow down",
				"request_id": GetRequestID(c),
			})
			return
		}
		defer release()

		c.Next()
	}
}

func isMaxBytesError(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes)
}
