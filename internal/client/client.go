// Package client talks to the verification service: one call to obtain a
// challenge and one to submit the solved challenge with the fingerprint.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"captchify/internal/config"
	"captchify/internal/logging"
	"captchify/internal/types"
)

const maxBody = 1 << 20

type Client struct {
	base       *url.URL
	initPath   string
	verifyPath string
	userAgent  string
	http       *http.Client
	logger     *zap.Logger
}

// New builds a client for the service described by cfg. A nil httpClient
// gets one with cfg.Timeout.
func New(cfg config.EndpointConfig, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: unsupported scheme", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:       base,
		initPath:   cfg.InitPath,
		verifyPath: cfg.VerifyPath,
		userAgent:  cfg.UserAgent,
		http:       httpClient,
		logger:     logging.OrNop(logger),
	}, nil
}

// Init requests a fresh challenge.
func (c *Client) Init(ctx context.Context) (*types.InitResponse, error) {
	var out types.InitResponse
	if err := c.do(ctx, "init", http.MethodGet, c.initPath, nil, initSchema, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("Init: challenge issued",
		zap.String("challenge_id", out.ChallengeID),
		zap.Int("difficulty", out.Difficulty))
	return &out, nil
}

// Verify submits a solved challenge. It is never retried.
func (c *Client) Verify(ctx context.Context, req types.VerifyRequest) (*types.VerifyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("verify: encode request: %w", err)
	}
	var out types.VerifyResponse
	if err := c.do(ctx, "verify", http.MethodPost, c.verifyPath, body, verifySchema, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("Verify: response", zap.Bool("ok", out.OK), zap.Float64("risk", out.Risk))
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, schema *jsonschema.Schema, out any) error {
	u := c.base.ResolveReference(&url.URL{Path: path})

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %w", ErrNetwork, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode, Detail: detail(data)}
	}

	// The schema validator wants numbers as json.Number.
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: response is not JSON: %v", ErrProtocol, op, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrProtocol, op, err)
	}
	return nil
}

// detail pulls a human readable reason out of an error body.
func detail(data []byte) string {
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// DecodeChallenge converts an init response into a Challenge.
func DecodeChallenge(resp *types.InitResponse) (types.Challenge, error) {
	if resp == nil {
		return types.Challenge{}, fmt.Errorf("%w: empty init response", ErrProtocol)
	}
	prefix, err := hex.DecodeString(resp.Prefix)
	if err != nil {
		return types.Challenge{}, fmt.Errorf("%w: prefix: %v", ErrProtocol, err)
	}
	if resp.ChallengeID == "" || resp.Difficulty < 0 {
		return types.Challenge{}, fmt.Errorf("%w: incomplete challenge", ErrProtocol)
	}
	return types.Challenge{ID: resp.ChallengeID, Prefix: prefix, Difficulty: resp.Difficulty}, nil
}
