// Package client calls saga participants synchronously over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"promotion-shop/internal/config"
	"promotion-shop/internal/model"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/reservation"
	"promotion-shop/pkg/breaker"
	"promotion-shop/pkg/utils"
)

// Header names understood by participant services.
const (
	HeaderUserID = "X-User-Id"
	HeaderSagaID = "X-Saga-Id"
)

// ErrParticipantUnavailable the participant could not answer: breaker open,
// timeout, transport failure, a 5xx or a 4xx outside the protocol.
var ErrParticipantUnavailable = errors.New("participant unavailable")

// errUnexpectedResponse a 4xx without a protocol code, such as an unknown
// route or a refused identity header. It reflects a broken setup rather than
// a verdict on the order, and retrying does not change it.
var errUnexpectedResponse = errors.New("unexpected participant response")

// RejectedError the participant answered and refused the request with a
// reservation protocol code.
type RejectedError struct {
	Participant string
	Status      int
	Code        utils.ResponseCode
	Message     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s participant rejected request (%d, code %d): %s", e.Participant, e.Status, e.Code, e.Message)
}

// Unwrap exposes the protocol error behind the response code.
func (e *RejectedError) Unwrap() error {
	return reservation.ErrorForCode(e.Code)
}

// Participant reservation API of one remote participant
type Participant interface {
	Kind() string
	Reserve(ctx context.Context, req reservation.Request) (*reservation.Result, error)
	Confirm(ctx context.Context, req reservation.Request) (*reservation.Result, error)
	Cancel(ctx context.Context, req reservation.Request) (*reservation.Result, error)
}

// IsRejection reports whether err is a participant refusal rather than a failure.
func IsRejection(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// BreakerConfig builds the breaker settings for participant calls. A
// rejection proves the participant is healthy and counts as a success.
func BreakerConfig(cfg config.CircuitBreakConfig) breaker.Config {
	return breaker.Config{
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  breaker.FailureRatio(cfg.MinRequestCount, cfg.FailureRatio),
		IsSuccessful: func(err error) bool { return err == nil || IsRejection(err) },
	}
}

// HTTPParticipant calls a participant's reservation endpoints through the
// breaker named after its kind.
type HTTPParticipant struct {
	kind     string
	baseURL  string
	http     *http.Client
	retries  int
	backoff  time.Duration
	breakers *breaker.Manager
	metrics  *monitor.MetricsCollector
}

func NewHTTPParticipant(kind string, endpoint config.ParticipantEndpoint, breakers *breaker.Manager, metrics *monitor.MetricsCollector) *HTTPParticipant {
	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPParticipant{
		kind:     kind,
		baseURL:  strings.TrimRight(endpoint.BaseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		retries:  endpoint.Retries,
		backoff:  50 * time.Millisecond,
		breakers: breakers,
		metrics:  metrics,
	}
}

func (p *HTTPParticipant) Kind() string { return p.kind }

type reserveBody struct {
	SagaID  string       `json:"sagaId"`
	OrderID uint64       `json:"orderId"`
	Lines   []model.Line `json:"lines,omitempty"`
}

func (p *HTTPParticipant) Reserve(ctx context.Context, req reservation.Request) (*reservation.Result, error) {
	return p.call(ctx, reservation.OpReserve, "/api/v1/reservations", req)
}

func (p *HTTPParticipant) Confirm(ctx context.Context, req reservation.Request) (*reservation.Result, error) {
	return p.call(ctx, reservation.OpConfirm, fmt.Sprintf("/api/v1/reservations/%d/confirm", req.OrderID), req)
}

func (p *HTTPParticipant) Cancel(ctx context.Context, req reservation.Request) (*reservation.Result, error) {
	return p.call(ctx, reservation.OpCancel, fmt.Sprintf("/api/v1/reservations/%d/cancel", req.OrderID), req)
}

// call retries failures with a growing backoff. Rejections and breaker
// refusals are final.
func (p *HTTPParticipant) call(ctx context.Context, op reservation.Operation, path string, req reservation.Request) (*reservation.Result, error) {
	body, err := json.Marshal(reserveBody{SagaID: req.SagaID, OrderID: req.OrderID, Lines: req.Lines})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	var result *reservation.Result
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err = p.breakers.Execute(ctx, p.kind, func(ctx context.Context) error {
			res, err := p.send(ctx, path, req, body)
			result = res
			return err
		})
		p.metrics.RecordParticipantCall(p.kind, string(op), callResult(err), time.Since(start))

		if err == nil {
			return result, nil
		}
		if IsRejection(err) {
			return nil, err
		}
		if breaker.IsCircuitBreakerError(err) || errors.Is(err, errUnexpectedResponse) ||
			attempt >= p.retries || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt+1) * p.backoff):
		}
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrParticipantUnavailable, p.kind, op, err)
}

type envelope struct {
	Code    utils.ResponseCode `json:"code"`
	Message string             `json:"message"`
	Data    json.RawMessage    `json:"data"`
}

func (p *HTTPParticipant) send(ctx context.Context, path string, req reservation.Request, body []byte) (*reservation.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderUserID, strconv.FormatUint(req.UserID, 10))
	if req.SagaID != "" {
		httpReq.Header.Set(HeaderSagaID, req.SagaID)
	}

	_, span := monitor.StartClientSpan(ctx, p.kind, httpReq)
	defer span.End()

	resp, err := p.http.Do(httpReq)
	if err != nil {
		monitor.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500:
		err = fmt.Errorf("status %d: %s", resp.StatusCode, env.Message)
		monitor.RecordError(span, err)
		return nil, err
	case resp.StatusCode >= 400:
		if decodeErr != nil || reservation.ErrorForCode(env.Code) == nil {
			err = fmt.Errorf("%w: status %d, code %d", errUnexpectedResponse, resp.StatusCode, env.Code)
			monitor.RecordError(span, err)
			return nil, err
		}
		return nil, &RejectedError{
			Participant: p.kind,
			Status:      resp.StatusCode,
			Code:        env.Code,
			Message:     env.Message,
		}
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	var result reservation.Result
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsRejection(err):
		return "rejected"
	case breaker.IsCircuitBreakerError(err):
		return "breaker_open"
	}
	return "error"
}
