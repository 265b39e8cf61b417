package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"presence-service/internal/domain"
	"presence-service/internal/response"
)

// Context keys set by Auth
const (
	IdentityKey = "identity"
	UserIDKey   = "user_id"
	TokenKey    = "jwtToken"
)

var (
	errMissingUserID = errors.New("user ID not found in token")
	errInvalidUserID = errors.New("invalid user ID format")
)

// ParseIdentity validates an HMAC-signed token and extracts the participant.
// The user ID is read from "user_id", then "sub", then "uid".
func ParseIdentity(tokenString, secret string) (domain.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if !token.Valid {
		return domain.Identity{}, jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, jwt.ErrTokenInvalidClaims
	}

	var userIDStr string
	for _, key := range []string{"user_id", "sub", "uid"} {
		if v, ok := claims[key].(string); ok && v != "" {
			userIDStr = v
			break
		}
	}
	if userIDStr == "" {
		return domain.Identity{}, errMissingUserID
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return domain.Identity{}, errInvalidUserID
	}

	identity := domain.Identity{UserID: userID}
	if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}
	if anonymous, ok := claims["anonymous"].(bool); ok {
		identity.IsAnonymous = anonymous
	}
	return identity, nil
}

// Auth returns a middleware that validates JWT tokens locally. Browsers
// cannot set headers on websocket upgrades, so a "token" query parameter is
// accepted as well.
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "Invalid authorization header format")
				c.Abort()
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "Authorization header is required")
			c.Abort()
			return
		}

		identity, err := ParseIdentity(tokenString, jwtSecret)
		if err != nil {
			message := "Invalid or expired token"
			if errors.Is(err, errMissingUserID) || errors.Is(err, errInvalidUserID) {
				message = err.Error()
			}
			response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, message)
			c.Abort()
			return
		}

		c.Set(IdentityKey, identity)
		c.Set(UserIDKey, identity.UserID)
		c.Set(TokenKey, tokenString)

		c.Next()
	}
}

// GetIdentity returns the participant stored by Auth
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	v, exists := c.Get(IdentityKey)
	if !exists {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok
}
