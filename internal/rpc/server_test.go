package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/health"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/ratelimit"
)

func testServer(t *testing.T, services ...*Service) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.API.RateLimit.Enabled = false
	cfg.Metrics.Enabled = false

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })

	srv := NewServer(cfg, health.NewProbe(), ratelimit.New(client, cfg.API.RateLimit),
		client, metrics.NewNopPipeline(), nil, services...)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postRPC(t *testing.T, ts *httptest.Server, body interface{}) (*http.Response, Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func TestHandleRPCSuccess(t *testing.T) {
	ts := testServer(t, echoService())

	resp, envelope := postRPC(t, ts, Request{
		ID:      "r1",
		Version: "2.0",
		Service: "EchoService",
		Method:  "echo",
		Input:   json.RawMessage(`{"hello":"world"}`),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, envelope.Success)
	assert.Equal(t, "r1", envelope.ID)
	assert.Nil(t, envelope.Error)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
}

func TestHandleRPCUnknownService(t *testing.T) {
	ts := testServer(t, echoService())

	resp, envelope := postRPC(t, ts, Request{
		ID: "r2", Version: "2.0", Service: "NoSuchService", Method: "echo",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, errs.InvalidParams, envelope.Error.Code)
}

func TestHandleRPCVersionMismatch(t *testing.T) {
	ts := testServer(t, echoService())

	resp, envelope := postRPC(t, ts, Request{
		ID: "r3", Version: "1.0", Service: "EchoService", Method: "echo",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, errs.InvalidParams, envelope.Error.Code)
}

func TestHandleRPCMalformedEnvelope(t *testing.T) {
	ts := testServer(t, echoService())

	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRPCHandlerErrorMapped(t *testing.T) {
	svc := &Service{
		Name:    "FailService",
		Version: "1.0.0",
		Methods: map[string]Handler{
			"missing": func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				return nil, errs.New(errs.PriceUnavailable, "no price for btc-usd")
			},
			"broken": func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				return nil, errs.Wrap(errs.DatabaseError, "query failed", context.DeadlineExceeded)
			},
		},
	}
	ts := testServer(t, svc)

	resp, envelope := postRPC(t, ts, Request{
		ID: "r4", Version: "2.0", Service: "FailService", Method: "missing",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, errs.PriceUnavailable, envelope.Error.Code)
	assert.Equal(t, "no price for btc-usd", envelope.Error.Message)

	_, envelope = postRPC(t, ts, Request{
		ID: "r5", Version: "2.0", Service: "FailService", Method: "broken",
	})
	require.NotNil(t, envelope.Error)
	assert.Equal(t, errs.InternalError, envelope.Error.Code)
	assert.Equal(t, "internal error", envelope.Error.Message)
}

func TestLivenessAndReadiness(t *testing.T) {
	ts := testServer(t, echoService())

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
