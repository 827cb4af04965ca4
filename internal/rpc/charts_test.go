package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/errs"
)

func TestGetOHLCVValidatesPagingInput(t *testing.T) {
	svc := NewChartsService(nil)
	ctx := context.Background()

	// Each input fails validation before any repository access.
	cases := []string{
		`{"pair":"btc-usd","interval":"5min","limit":-1}`,
		`{"pair":"btc-usd","interval":"5min","limit":1001}`,
		`{"pair":"btc-usd","interval":"5min","offset":-1}`,
		`{"pair":"btc-usd","interval":"5min","order":"sideways"}`,
		`{"pair":"btc-usd","interval":"5min","direction":"up"}`,
		`{"pair":"btc-usd","interval":"5min","from":"26/08/2026"}`,
	}
	for _, in := range cases {
		_, err := svc.getOHLCV(ctx, json.RawMessage(in))
		require.Error(t, err, in)
		assert.True(t, errs.IsValidation(err), in)
	}
}

func TestGetOHLCVRejectsUnknownInterval(t *testing.T) {
	svc := NewChartsService(nil)

	_, err := svc.getOHLCV(context.Background(),
		json.RawMessage(`{"pair":"btc-usd","interval":"15min"}`))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInterval, errs.CodeOf(err))
}
