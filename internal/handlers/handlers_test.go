package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"captchify/internal/challenge"
	"captchify/internal/config"
	"captchify/internal/middleware"
	"captchify/internal/pow"
	"captchify/internal/ratelimit"
	"captchify/internal/store"
	"captchify/internal/types"
)

type gateFixture struct {
	gate   *Gate
	srv    *httptest.Server
	cfg    config.GateConfig
	scorer *float64
}

func newGateFixture(t *testing.T, mutate func(*config.GateConfig)) *gateFixture {
	t.Helper()
	cfg := config.DefaultConfig().Gate
	cfg.Secret = "test-secret"
	cfg.Difficulty = 8
	cfg.RateLimitBurst = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zaptest.NewLogger(t)
	risk := cfg.StaticRisk
	f := &gateFixture{cfg: cfg, scorer: &risk}
	issuer := challenge.NewIssuer(cfg, store.NewMemoryChallenges(), logger)
	f.gate = NewGate(cfg, issuer, ScorerFunc(func(context.Context, types.Features) float64 { return *f.scorer }), logger)
	mw := middleware.New(ratelimit.NewStore(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Minute), logger)
	f.srv = httptest.NewServer(NewRouter(f.gate, mw, "test"))
	t.Cleanup(f.srv.Close)
	return f
}

func browserRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var rd *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(data))
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *gateFixture) init(t *testing.T) types.InitResponse {
	t.Helper()
	var resp types.InitResponse
	code := do(t, browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/init", nil), &resp)
	require.Equal(t, http.StatusOK, code)
	return resp
}

func solve(t *testing.T, init types.InitResponse) string {
	t.Helper()
	prefix, err := hex.DecodeString(init.Prefix)
	require.NoError(t, err)
	nonce, err := (&pow.Solver{}).Solve(context.Background(), prefix, init.Difficulty)
	require.NoError(t, err)
	return nonce
}

func (f *gateFixture) verify(t *testing.T, req types.VerifyRequest) (int, types.VerifyResponse, string) {
	t.Helper()
	var raw map[string]any
	code := do(t, browserRequest(t, http.MethodPost, f.srv.URL+"/captcha/verify", req), &raw)
	data, _ := json.Marshal(raw)
	var resp types.VerifyResponse
	_ = json.Unmarshal(data, &resp)
	detail, _ := raw["detail"].(string)
	return code, resp, detail
}

func TestInitRejectsAutomation(t *testing.T) {
	f := newGateFixture(t, nil)

	req := browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/init", nil)
	req.Header.Set("User-Agent", "python-requests/2.31")
	var body map[string]string
	assert.Equal(t, http.StatusForbidden, do(t, req, &body))
	assert.Equal(t, "bots are not allowed", body["detail"])

	req = browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/init", nil)
	req.Header.Del("Accept-Language")
	assert.Equal(t, http.StatusForbidden, do(t, req, nil))
}

func TestVerifyFlow(t *testing.T) {
	f := newGateFixture(t, nil)
	*f.scorer = 0.1

	init := f.init(t)
	assert.Equal(t, 8, init.Difficulty)
	assert.Equal(t, 180, init.ExpiresIn)
	nonce := solve(t, init)

	code, resp, _ := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: nonce})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.OK)
	assert.Equal(t, 0.1, resp.Risk)
	require.NotEmpty(t, resp.Token)

	claims, err := f.gate.ParseToken(resp.Token, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, init.ChallengeID, claims["cid"])
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	iat, err := claims.GetIssuedAt()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, exp.Sub(iat.Time))

	code, _, detail := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: nonce})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "challenge id already solved/used", detail)
}

func TestVerifyStepUp(t *testing.T) {
	f := newGateFixture(t, nil)
	*f.scorer = 0.7
	init := f.init(t)
	nonce := solve(t, init)

	code, resp, _ := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: nonce})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.OK)
	assert.Equal(t, 0.7, resp.Risk)
	assert.Empty(t, resp.Token)
	assert.Equal(t, "couldnt verify, solve puzzle", resp.Reason)

	// The challenge is still open, so the solved puzzle can be submitted.
	code, resp, _ = f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: nonce, PuzzleOK: true})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.Token)
}

func TestVerifyRejections(t *testing.T) {
	f := newGateFixture(t, func(c *config.GateConfig) { c.Difficulty = 12 })

	code, _, detail := f.verify(t, types.VerifyRequest{ChallengeID: "missing", ClientNonce: "0"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unknown challenge id", detail)

	init := f.init(t)
	nonce := solve(t, init)
	bad := "0"
	if nonce == "0" {
		bad = "1"
	}
	code, resp, _ := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: bad})
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.OK)
	assert.Equal(t, 1.0, resp.Risk)
	assert.Contains(t, resp.Reason, "insufficient PoW")
	assert.Contains(t, resp.Reason, "< 12")

	req := browserRequest(t, http.MethodPost, f.srv.URL+"/captcha/verify", nil)
	req.Body = http.NoBody
	assert.Equal(t, http.StatusBadRequest, do(t, req, nil))
}

func TestVerifyRequiresCanonicalNonce(t *testing.T) {
	f := newGateFixture(t, nil)
	*f.scorer = 0.1
	init := f.init(t)
	nonce := solve(t, init)

	// Same digest input apart from the padding, so only the form is wrong.
	code, resp, _ := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: "0" + nonce})
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.OK)
	assert.Equal(t, "insufficient PoW: 0 < 8", resp.Reason)

	code, resp, _ = f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: nonce})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.OK, "a rejected proof leaves the challenge usable")
}

func TestVerifyBodyTooLarge(t *testing.T) {
	f := newGateFixture(t, nil)
	body := `{"challenge_id":"` + strings.Repeat("a", maxBody) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/captcha/verify", strings.NewReader(body))
	rec := httptest.NewRecorder()

	f.gate.Verify(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"detail":"request body too large"}`, rec.Body.String())
}

func TestVerifyExpired(t *testing.T) {
	f := newGateFixture(t, func(c *config.GateConfig) { c.ChallengeTTL = 200 * time.Millisecond })
	init := f.init(t)
	nonce := solve(t, init)

	// Past the TTL but before the stored record is dropped.
	time.Sleep(250 * time.Millisecond)
	code, _, detail := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: nonce})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "challenge expired", detail)
}

func TestRiskIsClamped(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-0.2))
	assert.Equal(t, 1.0, clamp(3))
	assert.Equal(t, 0.5, clamp(0.5))
}

func TestSessionRequiresToken(t *testing.T) {
	f := newGateFixture(t, nil)
	*f.scorer = 0
	init := f.init(t)
	_, resp, _ := f.verify(t, types.VerifyRequest{ChallengeID: init.ChallengeID, ClientNonce: solve(t, init)})
	require.True(t, resp.OK)

	req := browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/session", nil)
	assert.Equal(t, http.StatusUnauthorized, do(t, req, nil))

	req = browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/session", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	var info SessionInfo
	require.Equal(t, http.StatusOK, do(t, req, &info))
	assert.Equal(t, init.ChallengeID, info.ChallengeID)
	assert.Equal(t, "127.0.0.1", info.IP)

	req = browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/session", nil)
	req.Header.Set("X-Captcha-Token", resp.Token)
	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	assert.Equal(t, http.StatusUnauthorized, do(t, req, nil), "token is bound to the client address")
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	f := newGateFixture(t, nil)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"cid": "c1", "ip": "127.0.0.1", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = f.gate.ParseToken(forged, "127.0.0.1")
	assert.Error(t, err)

	tok, err := f.gate.signToken("c1", "127.0.0.1")
	require.NoError(t, err)
	f.gate.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = f.gate.ParseToken(tok, "127.0.0.1")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestHealth(t *testing.T) {
	f := newGateFixture(t, nil)
	var h HealthResponse
	require.Equal(t, http.StatusOK, do(t, browserRequest(t, http.MethodGet, f.srv.URL+"/health", nil), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
}

func TestRateLimitedInit(t *testing.T) {
	f := newGateFixture(t, func(c *config.GateConfig) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})
	f.init(t)
	var body map[string]string
	assert.Equal(t, http.StatusTooManyRequests, do(t, browserRequest(t, http.MethodGet, f.srv.URL+"/captcha/init", nil), &body))
	assert.Equal(t, "too many requests", body["detail"])
}
