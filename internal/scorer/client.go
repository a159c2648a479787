package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/scanq/scanq/internal/config"
	logpkg "github.com/scanq/scanq/pkg/log"
)

// Client scores payloads over HTTP against the classification service.
type Client struct {
	base    string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  logpkg.Logger
}

// NewClient builds a Client from config. RequestsPerSecond <= 0 disables
// pacing.
func NewClient(cfg config.ScorerConfig, logger logpkg.Logger) *Client {
	var lim *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{},
		limiter: lim,
		logger:  logger.With(logpkg.Component("scorer")),
	}
}

// Score posts the payload to base+path and decodes the verdict.
func (c *Client) Score(ctx context.Context, path string, payload json.RawMessage) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classify(err, 0, "")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindOther, Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classify(err, 0, "")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(err, resp.StatusCode, "")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(nil, resp.StatusCode, string(body))
	}

	res := &Result{Raw: body}
	if err := json.Unmarshal(body, res); err != nil {
		return nil, &Error{Kind: KindOther, Msg: "malformed verdict: " + err.Error()}
	}
	return res, nil
}

// classify maps a transport error or status code to a typed Error.
func classify(err error, status int, body string) *Error {
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return &Error{Kind: KindTimeout, Msg: err.Error()}
		case errors.As(err, &netErr) && netErr.Timeout():
			return &Error{Kind: KindTimeout, Msg: err.Error()}
		case errors.Is(err, syscall.ECONNREFUSED):
			return &Error{Kind: KindConnectionRefused, Msg: err.Error()}
		default:
			return &Error{Kind: KindOther, Msg: err.Error()}
		}
	}

	msg := body
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusBadGateway,
		status == http.StatusGatewayTimeout:
		return &Error{Kind: KindUnavailable, Status: status, Msg: msg}
	case status >= 400 && status < 500:
		return &Error{Kind: KindBadRequest, Status: status, Msg: msg}
	default:
		return &Error{Kind: KindOther, Status: status, Msg: msg}
	}
}
