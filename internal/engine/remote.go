package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/feng04-qyq/backend/pkg/apperr"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// RemoteConfig points the bridge at an engine process.
type RemoteConfig struct {
	BaseURL  string
	APIKey   string
	GRPCAddr string // health endpoint; empty disables Probe
	Timeout  time.Duration

	HTTPClient  *http.Client
	DialOptions []grpc.DialOption
}

// RemoteBackend holds the transports shared by every remote handle.
type RemoteBackend struct {
	cfg    RemoteConfig
	client *http.Client
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Health is the engine's gRPC health answer.
type Health struct {
	Serving bool            `json:"serving"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	b := &RemoteBackend{cfg: cfg, client: cfg.HTTPClient}
	if b.client == nil {
		b.client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.GRPCAddr != "" {
		opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.DialOptions...)
		conn, err := grpc.NewClient(cfg.GRPCAddr, opts...)
		if err != nil {
			return nil, fmt.Errorf("engine grpc client: %w", err)
		}
		b.conn = conn
		b.health = healthpb.NewHealthClient(conn)
	}
	return b, nil
}

func (b *RemoteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Handle returns the handle for identity. It satisfies Factory.
func (b *RemoteBackend) Handle(identity string) (Handle, error) {
	r := &Remote{backend: b, identity: identity}
	if identity != "" {
		r.prefix = "/users/" + url.PathEscape(identity)
	}
	return r, nil
}

// Probe asks the engine's gRPC health service for its serving status.
func (b *RemoteBackend) Probe(ctx context.Context) (Health, error) {
	if b.health == nil {
		return Health{}, apperr.ErrEngineUnreachable.WithDetail("no health endpoint configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Health{}, apperr.ErrTimeout.Wrap(err)
		}
		return Health{}, apperr.ErrEngineUnreachable.Wrap(err)
	}
	detail, err := protojson.Marshal(resp)
	if err != nil {
		return Health{}, apperr.ErrInternal.Wrap(err)
	}
	return Health{
		Serving: resp.GetStatus() == healthpb.HealthCheckResponse_SERVING,
		Detail:  detail,
	}, nil
}

// Remote is a Handle backed by the engine's HTTP API.
type Remote struct {
	backend  *RemoteBackend
	identity string
	prefix   string
	running  atomic.Bool
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type call struct {
	method   string
	path     string
	query    url.Values
	body     any
	conflict *apperr.Error
	notFound error
}

func (r *Remote) do(ctx context.Context, c call, out any) error {
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		if err != nil {
			return apperr.ErrInternal.Wrap(err)
		}
		body = bytes.NewReader(raw)
	}
	target := r.backend.cfg.BaseURL + r.prefix + c.path
	if len(c.query) > 0 {
		target += "?" + c.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, c.method, target, body)
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.backend.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", r.backend.cfg.APIKey)
	}

	resp, err := r.backend.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return transportError(ctx, err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return apperr.ErrEngineUnreachable.WithDetail("malformed engine response: %v", err)
		}
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, env, c)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.ErrEngineUnreachable.WithDetail("malformed engine data: %v", err)
	}
	return nil
}

func statusError(status int, env envelope, c call) error {
	code, msg := "", env.Message
	if env.Error != nil {
		code, msg = env.Error.Code, env.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case code == apperr.ErrNotRunning.Code:
		return apperr.ErrNotRunning
	case code == apperr.ErrAlreadyRunning.Code:
		return apperr.ErrAlreadyRunning
	case status == http.StatusConflict:
		if c.conflict != nil {
			return c.conflict
		}
		return apperr.ErrNotRunning
	case status == http.StatusNotFound:
		if c.notFound != nil {
			return c.notFound
		}
		return apperr.ErrNoData
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperr.ErrInvalidRequest.WithDetail("%s", msg)
	case status == http.StatusGatewayTimeout:
		return apperr.ErrTimeout.WithDetail("%s", msg)
	}
	return apperr.ErrEngineUnreachable.WithDetail("engine returned %d: %s", status, msg)
}

func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.ErrTimeout.Wrap(err)
	}
	return apperr.ErrEngineUnreachable.Wrap(err)
}

func (r *Remote) Start(ctx context.Context, cfg StartConfig) error {
	var st Status
	if err := r.do(ctx, call{method: http.MethodPost, path: "/start", body: cfg, conflict: apperr.ErrAlreadyRunning}, &st); err != nil {
		if errors.Is(err, apperr.ErrAlreadyRunning) {
			r.running.Store(true)
		}
		return err
	}
	r.running.Store(true)
	return nil
}

func (r *Remote) Stop(ctx context.Context) error {
	if err := r.do(ctx, call{method: http.MethodPost, path: "/stop", conflict: apperr.ErrNotRunning}, nil); err != nil {
		if errors.Is(err, apperr.ErrNotRunning) {
			r.running.Store(false)
		}
		return err
	}
	r.running.Store(false)
	return nil
}

func (r *Remote) Restart(ctx context.Context, cfg StartConfig) error {
	if err := r.do(ctx, call{method: http.MethodPost, path: "/restart", body: cfg}, nil); err != nil {
		return err
	}
	r.running.Store(true)
	return nil
}

func (r *Remote) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := r.do(ctx, call{method: http.MethodGet, path: "/status"}, &st); err != nil {
		if apperr.IsClass(err, apperr.ClassUpstream) {
			r.running.Store(false)
		}
		return Status{}, err
	}
	if st.Symbols == nil {
		st.Symbols = []string{}
	}
	r.running.Store(st.IsRunning)
	return st, nil
}

// Running reports the last state observed from the engine.
func (r *Remote) Running() bool { return r.running.Load() }

func (r *Remote) Balance(ctx context.Context) (Balance, error) {
	var b Balance
	err := r.do(ctx, call{method: http.MethodGet, path: "/balance"}, &b)
	return b, err
}

func (r *Remote) Positions(ctx context.Context, symbol string) ([]Position, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var out []Position
	if err := r.do(ctx, call{method: http.MethodGet, path: "/positions", query: q}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Position{}
	}
	return out, nil
}

func (r *Remote) Trades(ctx context.Context, tq TradeQuery) ([]Trade, error) {
	q := url.Values{}
	if tq.Limit > 0 {
		q.Set("limit", strconv.Itoa(tq.Limit))
	}
	if tq.Offset > 0 {
		q.Set("offset", strconv.Itoa(tq.Offset))
	}
	if tq.Status != "" {
		q.Set("status", tq.Status)
	}
	if tq.Symbol != "" {
		q.Set("symbol", tq.Symbol)
	}
	var out []Trade
	if err := r.do(ctx, call{method: http.MethodGet, path: "/trades", query: q}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Trade{}
	}
	return out, nil
}

func (r *Remote) Trade(ctx context.Context, id string) (Trade, error) {
	var t Trade
	err := r.do(ctx, call{method: http.MethodGet, path: "/trades/" + url.PathEscape(id)}, &t)
	return t, err
}

func (r *Remote) Decisions(ctx context.Context, dq DecisionQuery) ([]Decision, error) {
	q := url.Values{}
	if dq.Limit > 0 {
		q.Set("limit", strconv.Itoa(dq.Limit))
	}
	if dq.Offset > 0 {
		q.Set("offset", strconv.Itoa(dq.Offset))
	}
	if dq.Action != "" {
		q.Set("action", dq.Action)
	}
	var out []Decision
	if err := r.do(ctx, call{method: http.MethodGet, path: "/decisions", query: q}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Decision{}
	}
	return out, nil
}

func (r *Remote) ClosePosition(ctx context.Context, symbol string) (Trade, error) {
	var t Trade
	err := r.do(ctx, call{
		method:   http.MethodPost,
		path:     "/positions/" + url.PathEscape(symbol) + "/close",
		notFound: apperr.ErrUnknownSymbol.WithDetail("%s", symbol),
	}, &t)
	return t, err
}
