// Package orchestrator drives a submit attempt end to end: feature snapshot,
// proof of work, verify call, and the success or step-up outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"captchify/internal/client"
	"captchify/internal/config"
	"captchify/internal/features"
	"captchify/internal/logging"
	"captchify/internal/pow"
	"captchify/internal/session"
	"captchify/internal/types"
)

var (
	ErrNoChallenge       = errors.New("orchestrator: no active challenge")
	ErrAttemptInProgress = errors.New("orchestrator: attempt already in progress")
)

// Verifier is the remote side of the gate. *client.Client implements it.
type Verifier interface {
	Init(ctx context.Context) (*types.InitResponse, error)
	Verify(ctx context.Context, req types.VerifyRequest) (*types.VerifyResponse, error)
}

// Result describes a completed verify call.
type Result struct {
	OK       bool
	Risk     float64
	Token    string
	Reason   string
	Nonce    string
	Features types.Features
	PuzzleOK bool
}

type Options struct {
	Control Control
	Display Display
	Policy  config.PolicyConfig
	// Deadline bounds the proof-of-work search. Zero means no deadline.
	Deadline time.Duration
	Logger   *zap.Logger
}

type Orchestrator struct {
	sess     *session.Session
	verifier Verifier
	solver   *pow.Solver
	control  Control
	display  Display
	policy   config.PolicyConfig
	deadline time.Duration
	logger   *zap.Logger

	inFlight atomic.Bool
}

func New(sess *session.Session, v Verifier, solver *pow.Solver, opts Options) *Orchestrator {
	o := &Orchestrator{
		sess:     sess,
		verifier: v,
		solver:   solver,
		control:  opts.Control,
		display:  opts.Display,
		policy:   opts.Policy,
		deadline: opts.Deadline,
		logger:   logging.OrNop(opts.Logger).With(zap.String("session", sess.ID.String())),
	}
	if o.control == nil {
		o.control = nopControl{}
	}
	if o.display == nil {
		o.display = nopDisplay{}
	}
	if o.solver == nil {
		o.solver = &pow.Solver{Logger: o.logger}
	}
	sess.Puzzle.OnSolved(func() {
		o.display.HidePuzzle()
		o.display.Status(Status{Phase: PhasePuzzleSolved})
		o.logger.Info("puzzle: ok")
	})
	return o
}

// Init fetches a fresh challenge and makes it the session's active one.
func (o *Orchestrator) Init(ctx context.Context) (types.Challenge, error) {
	resp, err := o.verifier.Init(ctx)
	if err != nil {
		o.logger.Error("Init: request failed", zap.Error(err))
		return types.Challenge{}, err
	}
	ch, err := client.DecodeChallenge(resp)
	if err != nil {
		o.logger.Error("Init: bad challenge", zap.Error(err))
		return types.Challenge{}, err
	}
	o.sess.SetChallenge(ch)
	o.logger.Info("Init: challenge ready",
		zap.String("challenge", shortID(ch.ID)),
		zap.Int("difficulty", ch.Difficulty),
		zap.Int("expires_in", resp.ExpiresIn))
	return ch, nil
}

// Submit runs one verification attempt. Only one attempt runs at a time; a
// concurrent call returns ErrAttemptInProgress without touching the control.
// Any failure leaves no token behind and is reported as PhaseFailed.
func (o *Orchestrator) Submit(ctx context.Context) (*Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrAttemptInProgress
	}
	defer o.inFlight.Store(false)

	o.control.SetEnabled(false)
	defer o.control.SetEnabled(true)
	o.display.Status(Status{Phase: PhaseInProgress})

	res, err := o.attempt(ctx)
	if err != nil {
		o.logger.Error("Submit: verification failed", zap.Error(err))
		o.display.Status(Status{Phase: PhaseFailed, Err: err})
		return nil, err
	}

	if res.OK {
		o.display.Status(Status{Phase: PhaseVerified, Risk: res.Risk})
		o.logger.Info("Submit: verified", zap.Float64("risk", res.Risk))
		return res, nil
	}

	if o.policy.ResetPuzzleOnFailedVerify {
		o.sess.Puzzle.Revoke()
	}
	o.display.Status(Status{Phase: PhaseStepUp, Risk: res.Risk})
	o.display.ShowPuzzle()
	o.logger.Info("Submit: step up required", zap.Float64("risk", res.Risk), zap.String("reason", res.Reason))
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context) (*Result, error) {
	ch, ok := o.sess.Challenge()
	if !ok {
		return nil, ErrNoChallenge
	}

	// Features are fixed before the search so they reflect behaviour up to
	// the click.
	feats := features.Extract(o.sess.Aggregator.Snapshot())
	if ce := o.logger.Check(zap.DebugLevel, "features"); ce != nil {
		fields := make([]zap.Field, 0, 9)
		for _, l := range features.Summary(feats) {
			fields = append(fields, zap.String(l.Name, l.Value))
		}
		ce.Write(fields...)
	}

	solveCtx := ctx
	if o.deadline > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}
	start := time.Now()
	nonce, err := o.solver.Solve(solveCtx, ch.Prefix, ch.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("solve %s: %w", shortID(ch.ID), err)
	}
	o.logger.Debug("pow nonce", zap.String("nonce", nonce), zap.Duration("took", time.Since(start)))

	req := types.VerifyRequest{
		ChallengeID: ch.ID,
		ClientNonce: nonce,
		Features:    feats,
		PuzzleOK:    o.sess.Puzzle.Solved(),
	}
	resp, err := o.verifier.Verify(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{
		OK:       resp.OK,
		Risk:     resp.Risk,
		Token:    resp.Token,
		Reason:   resp.Reason,
		Nonce:    nonce,
		Features: feats,
		PuzzleOK: req.PuzzleOK,
	}
	if resp.OK {
		if err := o.sess.SaveToken(ctx, resp.Token); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
