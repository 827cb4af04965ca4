package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/errs"
)

func echoService() *Service {
	return &Service{
		Name:    "EchoService",
		Version: "1.0.0",
		Methods: map[string]Handler{
			"echo": func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				return json.RawMessage(input), nil
			},
		},
	}
}

func TestRegistryAcceptsBareAndVersionedNames(t *testing.T) {
	r := newRegistry(echoService())

	h, err := r.lookup("EchoService", "echo")
	require.NoError(t, err)
	require.NotNil(t, h)

	h, err = r.lookup("EchoService@1.0.0", "echo")
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestRegistryUnknownServiceAndMethod(t *testing.T) {
	r := newRegistry(echoService())

	_, err := r.lookup("NoSuchService", "echo")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidParams, errs.CodeOf(err))

	_, err = r.lookup("EchoService", "noSuchMethod")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidParams, errs.CodeOf(err))
}

func TestFailurePassesValidationErrorsThrough(t *testing.T) {
	err := errs.New(errs.InvalidParams, "pairs must hold between 1 and 10 entries").
		WithDetails(map[string]interface{}{"field": "pairs"})

	resp := failure("req-1", err)
	assert.Equal(t, "req-1", resp.ID)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errs.InvalidParams, resp.Error.Code)
	assert.Equal(t, err.Error(), resp.Error.Message)
	assert.Equal(t, "pairs", resp.Error.Details["field"])
}

func TestFailurePassesResourceErrorsThrough(t *testing.T) {
	for _, code := range []errs.Code{
		errs.PairNotFound, errs.PriceUnavailable, errs.PriceStale,
		errs.ChartDataNotFound, errs.InvalidTimeRange, errs.InvalidInterval,
		errs.ExchangeRateLimited, errs.StreamAborted, errs.StreamTimeout,
	} {
		resp := failure("req-2", errs.New(code, "nope"))
		require.NotNil(t, resp.Error, string(code))
		assert.Equal(t, code, resp.Error.Code, string(code))
		assert.Equal(t, "nope", resp.Error.Message, string(code))
	}
}

func TestFailureRewritesInternalErrors(t *testing.T) {
	cases := []error{
		errors.New("pq: connection refused"),
		errs.Wrap(errs.DatabaseError, "insert failed", errors.New("deadlock")),
		errs.New(errs.InternalError, "secret detail").
			WithDetails(map[string]interface{}{"stack": "nope"}),
	}
	for _, err := range cases {
		resp := failure("req-3", err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, errs.InternalError, resp.Error.Code)
		assert.Equal(t, "internal error", resp.Error.Message)
		assert.Nil(t, resp.Error.Details)
	}
}

func TestSuccessEnvelope(t *testing.T) {
	resp := success("req-4", map[string]string{"pair": "btc-usd"})
	assert.True(t, resp.Success)
	assert.Equal(t, "req-4", resp.ID)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Data)
}
