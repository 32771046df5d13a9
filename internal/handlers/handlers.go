// Package handlers serves the reference gate: challenge issue, proof and
// behaviour verification, and token introspection.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"captchify/internal/challenge"
	"captchify/internal/config"
	"captchify/internal/logging"
	"captchify/internal/utils"
)

// Gate holds what the HTTP handlers share.
type Gate struct {
	issuer    *challenge.Issuer
	scorer    Scorer
	jwtSecret []byte
	tokenTTL  time.Duration
	threshold float64
	blocked   []string
	required  []string
	logger    *zap.Logger
	now       func() time.Time
}

func NewGate(cfg config.GateConfig, issuer *challenge.Issuer, scorer Scorer, logger *zap.Logger) *Gate {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = cfg.Secret
	}
	if scorer == nil {
		scorer = StaticScorer(cfg.StaticRisk)
	}
	blocked := make([]string, len(cfg.BlockedAgents))
	for i, a := range cfg.BlockedAgents {
		blocked[i] = strings.ToLower(a)
	}
	return &Gate{
		issuer:    issuer,
		scorer:    scorer,
		jwtSecret: []byte(secret),
		tokenTTL:  cfg.TokenTTL,
		threshold: cfg.AllowThreshold,
		blocked:   blocked,
		required:  cfg.RequiredHeader,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// Init issues a new challenge. Obvious automation clients get 403.
func (g *Gate) Init(w http.ResponseWriter, r *http.Request) {
	ip := utils.ClientIP(r)
	if g.isBot(r) {
		g.logger.Info("Init: automation client rejected", zap.String("ip", ip), zap.String("ua", r.UserAgent()))
		writeDetail(w, http.StatusForbidden, "bots are not allowed")
		return
	}
	resp, err := g.issuer.Issue(r.Context(), ip)
	if err != nil {
		g.logger.Error("Init: issue failed", zap.String("ip", ip), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gate) isBot(r *http.Request) bool {
	ua := strings.ToLower(r.UserAgent())
	for _, id := range g.blocked {
		if strings.Contains(ua, id) {
			return true
		}
	}
	for _, h := range g.required {
		if _, ok := r.Header[http.CanonicalHeaderKey(h)]; !ok {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}
