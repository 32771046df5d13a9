package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"go.uber.org/zap"

	"captchify/internal/challenge"
	"captchify/internal/types"
	"captchify/internal/utils"
)

// maxBody caps the size of a verify request.
const maxBody = 1 << 20

// Scorer turns a behaviour summary into a risk in [0,1]. Lower is more
// human.
type Scorer interface {
	Score(ctx context.Context, f types.Features) float64
}

type ScorerFunc func(ctx context.Context, f types.Features) float64

func (fn ScorerFunc) Score(ctx context.Context, f types.Features) float64 { return fn(ctx, f) }

// StaticScorer gives every request the same risk.
type StaticScorer float64

func (s StaticScorer) Score(context.Context, types.Features) float64 { return float64(s) }

// Verify checks the proof of work, scores the features and, when the
// request passes, consumes the challenge and returns a signed token.
func (g *Gate) Verify(w http.ResponseWriter, r *http.Request) {
	ip := utils.ClientIP(r)
	var req types.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		g.logger.Info("Verify: invalid body", zap.String("ip", ip), zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}

	rec, err := g.issuer.Lookup(r.Context(), req.ChallengeID)
	if err != nil {
		g.rejectChallenge(w, ip, req.ChallengeID, err)
		return
	}

	if lz, ok := challenge.CheckProof(rec, req.ClientNonce); !ok {
		g.logger.Info("Verify: insufficient proof", zap.String("challenge", rec.ID), zap.Int("bits", lz))
		writeJSON(w, http.StatusOK, types.VerifyResponse{
			OK:     false,
			Risk:   1,
			Reason: fmt.Sprintf("insufficient PoW: %d < %d", lz, rec.Difficulty),
		})
		return
	}

	risk := clamp(g.scorer.Score(r.Context(), req.Features))
	if risk > g.threshold && !req.PuzzleOK {
		g.logger.Info("Verify: step up", zap.String("challenge", rec.ID), zap.Float64("risk", risk))
		writeJSON(w, http.StatusOK, types.VerifyResponse{OK: false, Risk: risk, Reason: "couldnt verify, solve puzzle"})
		return
	}

	if err := g.issuer.Consume(r.Context(), rec.ID); err != nil {
		g.rejectChallenge(w, ip, rec.ID, err)
		return
	}
	token, err := g.signToken(rec.ID, ip)
	if err != nil {
		g.logger.Error("Verify: sign token", zap.String("challenge", rec.ID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("Verify: accepted",
		zap.String("challenge", rec.ID),
		zap.Float64("risk", risk),
		zap.Bool("puzzle_ok", req.PuzzleOK))
	writeJSON(w, http.StatusOK, types.VerifyResponse{OK: true, Risk: risk, Token: token})
}

func (g *Gate) rejectChallenge(w http.ResponseWriter, ip, id string, err error) {
	switch {
	case errors.Is(err, challenge.ErrUnknown), errors.Is(err, challenge.ErrUsed), errors.Is(err, challenge.ErrExpired):
		g.logger.Info("Verify: challenge rejected", zap.String("ip", ip), zap.String("challenge", id), zap.Error(err))
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("Verify: challenge lookup", zap.String("challenge", id), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
