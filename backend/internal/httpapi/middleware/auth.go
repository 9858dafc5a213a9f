// Package middleware authenticates requests before they reach the realtime
// and chat handlers.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Context keys set on every authenticated request.
const (
	UserIDKey   = "userId"
	UsernameKey = "username"
)

// Subject is a user id that may be issued as a JSON number or a string.
type Subject string

func (s *Subject) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Subject(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = Subject(n.String())
	return nil
}

// Claims matches the access tokens minted by the auth service.
type Claims struct {
	UserID   Subject `json:"sub"`
	Username string  `json:"username"`
	Type     string  `json:"typ"`
	jwt.RegisteredClaims
}

type verifyResp struct {
	UserID   Subject `json:"userId"`
	Username string  `json:"username"`
	Type     string  `json:"type"`
	Error    string  `json:"error"`
}

type AuthOptions struct {
	// Secret enables local HS256 verification. When empty every token is
	// checked remotely.
	Secret string
	// AuthBaseURL is the auth service root, without a path; the middleware
	// appends /v1/auth/verify.
	AuthBaseURL   string
	VerifyTimeout time.Duration
	Client        *http.Client
}

var errAccessRequired = errors.New("access token required")

// Auth reads the bearer token from the Authorization header, or from
// ?token= for websocket upgrades, and stores userId and username as strings
// on the gin context.
func Auth(opts AuthOptions, log zerolog.Logger) gin.HandlerFunc {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 1200 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	verifyURL := ""
	if opts.AuthBaseURL != "" {
		verifyURL = strings.TrimRight(opts.AuthBaseURL, "/") + "/v1/auth/verify"
	}
	log = log.With().Str("component", "auth").Logger()

	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		if opts.Secret != "" {
			claims, err := parseLocal(token, opts.Secret)
			if err != nil {
				log.Debug().Err(err).Msg("token rejected")
				unauthenticated(c, "invalid token")
				return
			}
			setIdentity(c, string(claims.UserID), claims.Username)
			return
		}
		if verifyURL == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "no token verifier configured"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.VerifyTimeout)
		defer cancel()
		status, v, err := verifyRemote(ctx, opts.Client, verifyURL, token)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("auth verify failed")
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": "auth-service verify failed"})
		case status == http.StatusUnauthorized:
			msg := v.Error
			if msg == "" {
				msg = "invalid token"
			}
			unauthenticated(c, msg)
		case status != http.StatusOK:
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": "auth-service verify non-200"})
		case v.Type != "" && v.Type != "access":
			unauthenticated(c, errAccessRequired.Error())
		default:
			setIdentity(c, string(v.UserID), v.Username)
		}
	}
}

func parseLocal(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, errAccessRequired
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func verifyRemote(ctx context.Context, client *http.Client, url, token string) (int, verifyResp, error) {
	var v verifyResp
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return 0, v, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, v, err
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(&v)
	if resp.StatusCode == http.StatusOK && (decodeErr != nil || v.UserID == "") {
		return 0, v, fmt.Errorf("invalid verify response (userId %q): %v", v.UserID, decodeErr)
	}
	return resp.StatusCode, v, nil
}

func setIdentity(c *gin.Context, userID, username string) {
	c.Set(UserIDKey, userID)
	c.Set(UsernameKey, username)
	c.Next()
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": msg})
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
