package syncq

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/Wei-Shaw/opsync/internal/config"
)

const (
	headerIdempotencyKey      = "X-Idempotency-Key"
	headerIdempotencyAccepted = "X-Idempotency-Accepted"
	headerTxnToken            = "X-Txn-Token"
	headerTraceID             = "X-Trace-Id"
)

// TokenSource supplies the bearer token and knows how to mint a fresh one
// when the server rejects the current one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that can never refresh; a 401 with it is
// immediately fatal for dispatching.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(context.Context) (string, error) { return string(t), nil }

// Outcome is the classified result of one dispatch attempt. Kind is empty
// on success; otherwise it is one of the error kinds.
type Outcome struct {
	Kind       string
	HTTPStatus int
	// RetryAfter is the parsed Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Body       []byte
	TraceID    string
	// IdempotencyAccepted means the server recognized the idempotency key
	// and deduplicated a replay.
	IdempotencyAccepted bool
	Err                 error
}

func (o Outcome) Success() bool { return o.Kind == "" }

// CountsTowardBreaker reports whether this outcome feeds the circuit
// breaker window: network errors and every 5xx. Throttling (408/429) is
// the server managing load, not the server being down, so it does not
// count even though it is retried the same way.
func (o Outcome) CountsTowardBreaker() bool {
	switch o.Kind {
	case KindNetwork, KindServer:
		return true
	case KindRetryable:
		return o.HTTPStatus >= 500
	}
	return false
}

// APIClient sends operations to the remote API and classifies responses.
type APIClient struct {
	http    *req.Client
	tokens  TokenSource
	clock   clock.PassiveClock
	log     *zap.Logger
	refresh singleflight.Group
}

func NewAPIClient(cfg config.APIConfig, tokens TokenSource, clk clock.PassiveClock, log *zap.Logger) *APIClient {
	if log == nil {
		log = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "opsync/1.0"
	}
	client := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetUserAgent(ua).
		SetCommonHeader("Accept", "application/json")
	if cfg.AppVersion != "" {
		client.SetCommonHeader("X-App-Version", cfg.AppVersion)
	}
	if cfg.DeviceID != "" {
		client.SetCommonHeader("X-Device-Id", cfg.DeviceID)
	}
	return &APIClient{http: client, tokens: tokens, clock: clk, log: log}
}

// Do performs one attempt for the op. A 401 triggers a single in-place
// token refresh and one silent replay; a second 401 surfaces as AUTH.
func (c *APIClient) Do(ctx context.Context, op *PendingOp, method, path string) Outcome {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Outcome{Kind: KindAuth, Err: err}
	}

	out := c.send(ctx, op, method, path, token)
	if out.HTTPStatus != http.StatusUnauthorized {
		return out
	}

	fresh, err := c.refreshToken(ctx)
	if err != nil {
		return Outcome{Kind: KindAuth, HTTPStatus: http.StatusUnauthorized, Err: err, TraceID: out.TraceID}
	}
	out = c.send(ctx, op, method, path, fresh)
	if out.HTTPStatus == http.StatusUnauthorized {
		out.Kind = KindAuth
	}
	return out
}

// Fetch performs a read for the reconciler; no idempotency headers, no
// refresh dance beyond the same single retry.
func (c *APIClient) Fetch(ctx context.Context, method, path string) Outcome {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Outcome{Kind: KindAuth, Err: err}
	}
	out := c.send(ctx, nil, method, path, token)
	if out.HTTPStatus == http.StatusUnauthorized {
		fresh, err := c.refreshToken(ctx)
		if err != nil {
			return Outcome{Kind: KindAuth, HTTPStatus: http.StatusUnauthorized, Err: err}
		}
		out = c.send(ctx, nil, method, path, fresh)
		if out.HTTPStatus == http.StatusUnauthorized {
			out.Kind = KindAuth
		}
	}
	return out
}

// refreshToken dedupes concurrent refreshes so a burst of 401s mints one
// token, not many.
func (c *APIClient) refreshToken(ctx context.Context) (string, error) {
	v, err, _ := c.refresh.Do("token", func() (any, error) {
		return c.tokens.Refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *APIClient) send(ctx context.Context, op *PendingOp, method, path, token string) Outcome {
	traceID := uuid.NewString()
	r := c.http.R().SetContext(ctx)
	r.SetHeader(headerTraceID, traceID)
	if token != "" {
		r.SetBearerAuthToken(token)
	}
	var isDelete bool
	if op != nil {
		isDelete = op.OpType == OpDelete
		r.SetHeader(headerIdempotencyKey, op.IdempotencyKey)
		if op.TxnToken != "" {
			r.SetHeader(headerTxnToken, op.TxnToken)
		}
		if op.Payload != nil && method != http.MethodDelete && method != http.MethodGet {
			r.SetBodyJsonMarshal(op.Payload)
		}
	}

	resp, err := r.Send(method, path)
	if err != nil {
		return Outcome{Kind: KindNetwork, Err: err, TraceID: traceID}
	}

	// Prefer the server's echo so logs match what its side recorded.
	if echo := resp.Header.Get(headerTraceID); echo != "" {
		traceID = echo
	}
	out := Outcome{
		HTTPStatus:          resp.StatusCode,
		Body:                resp.Bytes(),
		TraceID:             traceID,
		IdempotencyAccepted: resp.Header.Get(headerIdempotencyAccepted) == "true",
	}
	out.Kind = classify(resp.StatusCode, isDelete)
	if out.Kind == KindRetryable {
		out.RetryAfter = ParseRetryAfter(resp.Header, c.clock.Now())
	}
	return out
}

// classify maps an HTTP status to an error kind; empty means success.
func classify(status int, isDelete bool) string {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusNotFound:
		// DELETE of an already-gone entity achieved its goal.
		if isDelete {
			return ""
		}
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindPermissionDenied
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		// 503/504 usually carry Retry-After; they still feed the breaker.
		return KindRetryable
	case status >= 500:
		return KindServer
	default:
		// Remaining 4xx: the request itself is malformed; retrying the
		// same bytes cannot succeed.
		return KindValidation
	}
}
