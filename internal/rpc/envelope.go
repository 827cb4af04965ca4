// Package rpc exposes the request/response surface: a JSON envelope
// over HTTP POST, a websocket price stream, and the health and metrics
// endpoints.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/errs"
)

const envelopeVersion = "2.0"

// Request is the inbound envelope.
type Request struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Service   string          `json:"service"`
	Method    string          `json:"method"`
	Input     json.RawMessage `json:"input"`
}

// Response is the outbound envelope.
type Response struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the failure payload.
type ErrorBody struct {
	Code    errs.Code              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Handler executes one RPC method.
type Handler func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Service is a named, versioned group of methods.
type Service struct {
	Name    string
	Version string
	Methods map[string]Handler
}

// registry maps the envelope service field to a service. Both the
// bare name and the name@version form are accepted.
type registry struct {
	services map[string]*Service
}

func newRegistry(services ...*Service) *registry {
	r := &registry{services: map[string]*Service{}}
	for _, s := range services {
		r.services[s.Name] = s
		r.services[s.Name+"@"+s.Version] = s
	}
	return r
}

func (r *registry) lookup(service, method string) (Handler, error) {
	svc, ok := r.services[service]
	if !ok {
		return nil, errs.Newf(errs.InvalidParams, "unknown service %q", service)
	}
	h, ok := svc.Methods[method]
	if !ok {
		return nil, errs.Newf(errs.InvalidParams, "unknown method %q on %s", method, svc.Name)
	}
	return h, nil
}

// success builds an OK response.
func success(id string, data interface{}) Response {
	return Response{ID: id, Success: true, Data: data}
}

// failure maps an error to the wire shape. Validation and
// resource-level errors pass through; everything else is rewritten to
// INTERNAL_ERROR with no details.
func failure(id string, err error) Response {
	code := errs.CodeOf(err)
	body := &ErrorBody{Code: code, Message: "internal error"}

	switch {
	case errs.IsValidation(err), code == errs.PairNotFound, code == errs.PriceUnavailable,
		code == errs.PriceStale, code == errs.ChartDataNotFound, code == errs.InvalidTimeRange,
		code == errs.InvalidInterval, code == errs.ExchangeRateLimited,
		code == errs.StreamAborted, code == errs.StreamTimeout:
		body.Message = err.Error()
		var core *errs.CoreError
		if errors.As(err, &core) && len(core.Details) > 0 {
			body.Details = core.Details
		}
	default:
		body.Code = errs.InternalError
		log.Error().Str("request", id).Err(err).Msg("rpc internal error")
	}
	return Response{ID: id, Success: false, Error: body}
}
