package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/http/response"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Gin context keys set by RequireCaller and read by the ask handler and the
// request logger.
const (
	ctxKeyCaller   = "caller"
	ctxKeyTenantID = "tenant_id"
	ctxKeyUserID   = "user_id"
)

// AuthMiddleware resolves the authenticated principal per the configured
// mode. In trust mode no principal is attached and the request body's
// userContext stands alone; in jwt and api_key modes the verified identity
// is attached and later wins over whatever the body claims.
type AuthMiddleware struct {
	log *logger.Logger
	cfg config.AuthConfig

	// verified caches sha256(presented key) -> registry index so the bcrypt
	// comparison runs once per key, not once per request.
	mu       sync.Mutex
	verified map[string]int
}

func NewAuthMiddleware(log *logger.Logger, cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		log:      log.With("Middleware", "AuthMiddleware"),
		cfg:      cfg,
		verified: make(map[string]int),
	}
}

// Principal returns the caller RequireCaller attached, if any.
func Principal(c *gin.Context) *domain.CallerContext {
	v, ok := c.Get(ctxKeyCaller)
	if !ok {
		return nil
	}
	caller, ok := v.(*domain.CallerContext)
	if !ok {
		return nil
	}
	return caller
}

func (am *AuthMiddleware) RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			caller *domain.CallerContext
			err    error
		)
		switch am.cfg.Mode {
		case "trust":
			c.Next()
			return
		case "jwt":
			caller, err = am.callerFromJWT(c)
		case "api_key":
			caller, err = am.callerFromAPIKey(c)
		default:
			err = fmt.Errorf("auth mode %q is not configured", am.cfg.Mode)
		}
		if err != nil {
			abortError(c, apierr.Unauthorized(err))
			return
		}
		c.Set(ctxKeyCaller, caller)
		c.Set(ctxKeyTenantID, caller.TenantID)
		c.Set(ctxKeyUserID, caller.UserID)
		c.Next()
	}
}

// RequireIngestToken guards the internal ingest and stats routes with the
// shared bearer token. An unset token disables the routes outright.
func (am *AuthMiddleware) RequireIngestToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := strings.TrimSpace(am.cfg.IngestToken)
		if configured == "" {
			abortError(c, apierr.Forbidden(fmt.Errorf("ingest endpoints are disabled: no ingest token configured")))
			return
		}
		presented := bearerToken(c)
		if presented == "" {
			abortError(c, apierr.Unauthorized(fmt.Errorf("missing bearer token")))
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
			abortError(c, apierr.Forbidden(fmt.Errorf("invalid ingest token")))
			return
		}
		c.Next()
	}
}

type jwtClaims struct {
	TenantID string   `json:"tenant_id"`
	Groups   []string `json:"groups"`
	Langs    []string `json:"langs"`
	jwt.RegisteredClaims
}

func (am *AuthMiddleware) callerFromJWT(c *gin.Context) (*domain.CallerContext, error) {
	tokenString := bearerToken(c)
	if tokenString == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	claims := &jwtClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(am.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("token lacks sub or tenant_id claim")
	}
	return &domain.CallerContext{
		UserID:    claims.Subject,
		TenantID:  claims.TenantID,
		GroupIDs:  claims.Groups,
		Languages: claims.Langs,
	}, nil
}

func (am *AuthMiddleware) callerFromAPIKey(c *gin.Context) (*domain.CallerContext, error) {
	key := strings.TrimSpace(c.GetHeader("X-Api-Key"))
	if key == "" {
		return nil, fmt.Errorf("missing X-Api-Key header")
	}
	idx, err := am.lookupKey(key)
	if err != nil {
		return nil, err
	}
	entry := am.cfg.APIKeys[idx]
	return &domain.CallerContext{
		UserID:   entry.UserID,
		TenantID: entry.TenantID,
		GroupIDs: entry.GroupIDs,
	}, nil
}

func (am *AuthMiddleware) lookupKey(key string) (int, error) {
	digest := sha256.Sum256([]byte(key))
	cacheKey := hex.EncodeToString(digest[:])

	am.mu.Lock()
	idx, hit := am.verified[cacheKey]
	am.mu.Unlock()
	if hit {
		return idx, nil
	}

	for i, entry := range am.cfg.APIKeys {
		if bcrypt.CompareHashAndPassword([]byte(entry.KeyHash), []byte(key)) == nil {
			am.mu.Lock()
			am.verified[cacheKey] = i
			am.mu.Unlock()
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown api key")
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

func abortError(c *gin.Context, err error) {
	ae := apierr.From(err)
	c.AbortWithStatusJSON(ae.Status, response.ErrorBody{Error: ae.Error(), Code: ae.Code})
}
