package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"captchify/internal/utils"
)

type claimsKey struct{}

func (g *Gate) signToken(challengeID, ip string) (string, error) {
	now := g.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"cid": challengeID,
		"iat": now.Unix(),
		"exp": now.Add(g.tokenTTL).Unix(),
		"ip":  ip,
	})
	return token.SignedString(g.jwtSecret)
}

// ParseToken validates a token issued by Verify for the client at ip.
func (g *Gate) ParseToken(raw, ip string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.jwtSecret, nil
	}, jwt.WithTimeFunc(g.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claimIP, _ := claims["ip"].(string); claimIP != ip {
		return nil, fmt.Errorf("token issued to %q", claimIP)
	}
	return claims, nil
}

// RequireToken lets a request through only with a valid token in the
// X-Captcha-Token header or as an Authorization bearer.
func (g *Gate) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Captcha-Token")
		if raw == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				raw = strings.TrimSpace(auth[7:])
			}
		}
		if raw == "" {
			writeDetail(w, http.StatusUnauthorized, "missing token")
			return
		}
		ip := utils.ClientIP(r)
		claims, err := g.ParseToken(raw, ip)
		if err != nil {
			g.logger.Info("RequireToken: rejected", zap.String("ip", ip), zap.Error(err))
			writeDetail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// Claims returns the token claims RequireToken attached to ctx.
func Claims(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return c, ok
}

// SessionInfo is returned to clients holding a valid token.
type SessionInfo struct {
	ChallengeID string `json:"challenge_id"`
	IP          string `json:"ip"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Session reports the claims of the caller's token.
func (g *Gate) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := Claims(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "missing token")
		return
	}
	info := SessionInfo{}
	info.ChallengeID, _ = claims["cid"].(string)
	info.IP, _ = claims["ip"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Unix()
	}
	writeJSON(w, http.StatusOK, info)
}
