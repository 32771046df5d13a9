package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"captchify/internal/client"
	"captchify/internal/config"
	"captchify/internal/features"
	"captchify/internal/pow"
	"captchify/internal/puzzle"
	"captchify/internal/sensor"
	"captchify/internal/session"
	"captchify/internal/store"
	"captchify/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeVerifier struct {
	mu       sync.Mutex
	init     *types.InitResponse
	initErr  error
	replies  []*types.VerifyResponse
	err      error
	requests []types.VerifyRequest
	block    chan struct{}
	entered  chan struct{}
}

func (f *fakeVerifier) Init(context.Context) (*types.InitResponse, error) {
	return f.init, f.initErr
}

func (f *fakeVerifier) Verify(ctx context.Context, req types.VerifyRequest) (*types.VerifyResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return resp, nil
}

func (f *fakeVerifier) last() types.VerifyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingUI struct {
	mu       sync.Mutex
	enabled  []bool
	statuses []Status
	shown    int
	hidden   int
}

func (r *recordingUI) SetEnabled(b bool) {
	r.mu.Lock()
	r.enabled = append(r.enabled, b)
	r.mu.Unlock()
}

func (r *recordingUI) Status(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recordingUI) ShowPuzzle() {
	r.mu.Lock()
	r.shown++
	r.mu.Unlock()
}

func (r *recordingUI) HidePuzzle() {
	r.mu.Lock()
	r.hidden++
	r.mu.Unlock()
}

func (r *recordingUI) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.Phase
	}
	return out
}

func (r *recordingUI) lastEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[len(r.enabled)-1]
}

type fixture struct {
	sess *session.Session
	v    *fakeVerifier
	ui   *recordingUI
	o    *Orchestrator
}

func newFixture(t *testing.T, v *fakeVerifier, opts Options) *fixture {
	t.Helper()
	if v.init == nil {
		v.init = &types.InitResponse{ChallengeID: "c1", Prefix: "00", Difficulty: 8, ExpiresIn: 180}
	}
	sess := session.New(session.Options{Tokens: store.NewMemoryTokens(), TokenTTL: time.Minute})
	ui := &recordingUI{}
	opts.Control = ui
	opts.Display = ui
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	o := New(sess, v, &pow.Solver{ChunkSize: 128}, opts)
	return &fixture{sess: sess, v: v, ui: ui, o: o}
}

func smallestNonce(prefix []byte, difficulty int) string {
	for n := 0; ; n++ {
		s := strconv.Itoa(n)
		if pow.Verify(prefix, s, difficulty) {
			return s
		}
	}
}

func feed(t *testing.T, agg *sensor.Aggregator, events []sensor.Event) {
	t.Helper()
	require.NoError(t, agg.Run(context.Background(), sensor.NewReplay(events)))
}

var humanish = []sensor.Event{
	{Kind: sensor.PointerMove, X: 10, Y: 10, T: 100},
	{Kind: sensor.PointerMove, X: 14, Y: 13, T: 116},
	{Kind: sensor.PointerMove, X: 25, Y: 20, T: 140},
	{Kind: sensor.PointerMove, X: 26, Y: 20, T: 400},
	{Kind: sensor.KeyDown, T: 500},
	{Kind: sensor.KeyDown, T: 620},
	{Kind: sensor.KeyDown, T: 700},
	{Kind: sensor.Scroll, T: 800},
}

func TestSubmitVerified(t *testing.T) {
	f := newFixture(t, &fakeVerifier{replies: []*types.VerifyResponse{{OK: true, Risk: 0.2, Token: "tok"}}}, Options{})
	ctx := context.Background()

	ch, err := f.o.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Challenge{ID: "c1", Prefix: []byte{0x00}, Difficulty: 8}, ch)

	feed(t, f.sess.Aggregator, humanish)
	want := features.Extract(f.sess.Aggregator.Snapshot())

	res, err := f.o.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0.2, res.Risk)

	req := f.v.last()
	assert.Equal(t, "c1", req.ChallengeID)
	assert.Equal(t, smallestNonce([]byte{0x00}, 8), req.ClientNonce)
	d := pow.Digest([]byte{0x00}, req.ClientNonce)
	assert.Equal(t, byte(0), d[0])
	assert.Equal(t, want, req.Features)
	assert.False(t, req.PuzzleOK)

	tok, err := f.sess.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	assert.Equal(t, []Phase{PhaseInProgress, PhaseVerified}, f.ui.phases())
	assert.Equal(t, []bool{false, true}, f.ui.enabled)
	assert.Zero(t, f.ui.shown)
}

func TestSubmitStepUpThenPuzzle(t *testing.T) {
	v := &fakeVerifier{replies: []*types.VerifyResponse{
		{OK: false, Risk: 0.8, Reason: "couldnt verify, solve puzzle"},
		{OK: true, Risk: 0.8, Token: "tok"},
	}}
	f := newFixture(t, v, Options{})
	ctx := context.Background()
	_, err := f.o.Init(ctx)
	require.NoError(t, err)

	res, err := f.o.Submit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "couldnt verify, solve puzzle", res.Reason)
	assert.Equal(t, 1, f.ui.shown)
	assert.Equal(t, []Phase{PhaseInProgress, PhaseStepUp}, f.ui.phases())
	_, err = f.sess.Token(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, f.ui.lastEnabled())

	geo := puzzle.DefaultGeometry()
	f.sess.Puzzle.PointerDown(geo.Marker.Center)
	f.sess.Puzzle.PointerUp(geo.Target.Center)
	assert.Equal(t, 1, f.ui.hidden)
	assert.Equal(t, PhasePuzzleSolved, f.ui.phases()[2])

	res, err = f.o.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, f.v.last().PuzzleOK)
	assert.Equal(t, []bool{false, true, false, true}, f.ui.enabled)
}

func TestSolvedPuzzlePolicy(t *testing.T) {
	reject := []*types.VerifyResponse{{OK: false, Risk: 0.9}}

	t.Run("sticky by default", func(t *testing.T) {
		f := newFixture(t, &fakeVerifier{replies: reject}, Options{})
		_, err := f.o.Init(context.Background())
		require.NoError(t, err)
		solve(f.sess.Puzzle)

		_, err = f.o.Submit(context.Background())
		require.NoError(t, err)
		assert.True(t, f.v.last().PuzzleOK)
		assert.True(t, f.sess.Puzzle.Solved())
		assert.Equal(t, 1, f.ui.shown, "puzzle is shown again even though it was solved")
	})

	t.Run("reset on failed verify", func(t *testing.T) {
		f := newFixture(t, &fakeVerifier{replies: reject}, Options{
			Policy: config.PolicyConfig{ResetPuzzleOnFailedVerify: true},
		})
		_, err := f.o.Init(context.Background())
		require.NoError(t, err)
		solve(f.sess.Puzzle)

		_, err = f.o.Submit(context.Background())
		require.NoError(t, err)
		assert.False(t, f.sess.Puzzle.Solved())

		_, err = f.o.Submit(context.Background())
		require.NoError(t, err)
		assert.False(t, f.v.last().PuzzleOK)
	})
}

func solve(m *puzzle.Machine) {
	geo := puzzle.DefaultGeometry()
	m.PointerDown(geo.Marker.Center)
	m.PointerUp(geo.Target.Center)
}

func TestSubmitFailures(t *testing.T) {
	t.Run("no challenge", func(t *testing.T) {
		f := newFixture(t, &fakeVerifier{}, Options{})
		_, err := f.o.Submit(context.Background())
		assert.ErrorIs(t, err, ErrNoChallenge)
		assert.Equal(t, []Phase{PhaseInProgress, PhaseFailed}, f.ui.phases())
		assert.Equal(t, []bool{false, true}, f.ui.enabled)
		assert.Empty(t, f.v.requests)
	})

	t.Run("network error", func(t *testing.T) {
		netErr := &client.StatusError{Op: "verify", Code: 400, Detail: "challange expired"}
		f := newFixture(t, &fakeVerifier{err: netErr}, Options{})
		_, err := f.o.Init(context.Background())
		require.NoError(t, err)

		_, err = f.o.Submit(context.Background())
		assert.ErrorIs(t, err, client.ErrNetwork)
		assert.Equal(t, PhaseFailed, f.ui.phases()[1])
		assert.True(t, f.ui.lastEnabled())
		_, err = f.sess.Token(context.Background())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("solver deadline", func(t *testing.T) {
		v := &fakeVerifier{init: &types.InitResponse{ChallengeID: "hard", Prefix: "ff", Difficulty: pow.MaxDifficulty}}
		f := newFixture(t, v, Options{Deadline: 20 * time.Millisecond})
		_, err := f.o.Init(context.Background())
		require.NoError(t, err)

		_, err = f.o.Submit(context.Background())
		assert.ErrorIs(t, err, pow.ErrUnsolvable)
		assert.Empty(t, v.requests, "nothing is sent without a nonce")
		assert.True(t, f.ui.lastEnabled())
	})

	t.Run("failure is logged", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		f := newFixture(t, &fakeVerifier{err: errors.New("boom")}, Options{Logger: zap.New(core)})
		_, err := f.o.Init(context.Background())
		require.NoError(t, err)
		_, err = f.o.Submit(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, logs.FilterMessage("Submit: verification failed").Len())
	})
}

func TestInitErrors(t *testing.T) {
	f := newFixture(t, &fakeVerifier{init: &types.InitResponse{ChallengeID: "c1", Prefix: "xyz", Difficulty: 1}}, Options{})
	_, err := f.o.Init(context.Background())
	assert.ErrorIs(t, err, client.ErrProtocol)
	_, ok := f.sess.Challenge()
	assert.False(t, ok)

	f = newFixture(t, &fakeVerifier{initErr: client.ErrNetwork}, Options{})
	_, err = f.o.Init(context.Background())
	assert.ErrorIs(t, err, client.ErrNetwork)
}

func TestSubmitIsNotReentrant(t *testing.T) {
	v := &fakeVerifier{
		replies: []*types.VerifyResponse{{OK: true, Risk: 0.1, Token: "tok"}},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	f := newFixture(t, v, Options{})
	_, err := f.o.Init(context.Background())
	require.NoError(t, err)
	feed(t, f.sess.Aggregator, humanish[:2])

	done := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background())
		done <- err
	}()
	<-v.entered

	_, err = f.o.Submit(context.Background())
	assert.ErrorIs(t, err, ErrAttemptInProgress)

	// Input keeps flowing during the attempt but is not part of it.
	feed(t, f.sess.Aggregator, humanish[2:])
	close(v.block)
	require.NoError(t, <-done)

	assert.Equal(t, 2, v.last().Features.MoveCount)
	assert.Equal(t, []bool{false, true}, f.ui.enabled, "the rejected call never touched the control")
	assert.Equal(t, 4, f.sess.Aggregator.Snapshot().Counters.Moves, "aggregator is never reset")
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "verifying", Status{Phase: PhaseInProgress}.String())
	assert.Equal(t, "verified captcha | risk: 0.20", Status{Phase: PhaseVerified, Risk: 0.2}.String())
	assert.Equal(t, "step up required | risk: 0.83", Status{Phase: PhaseStepUp, Risk: 0.834}.String())
	assert.Equal(t, "verification failed. check debug.", Status{Phase: PhaseFailed}.String())
	assert.Equal(t, "idle", Status{}.String())
	assert.True(t, Status{Phase: PhaseVerified}.Good())
	assert.True(t, Status{Phase: PhaseStepUp}.Bad())
	assert.False(t, Status{Phase: PhaseInProgress}.Bad())
	assert.Equal(t, "unknown", Phase(42).String())
}
