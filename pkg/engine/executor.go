package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

const tracerName = "github.com/openfroyo/flowkeeper/pkg/engine"

// Executor sends batches of flow ops to devices with bounded retry.
// Batches for different devices are independent; a failing device never
// affects another device's report.
type Executor struct {
	gateway SwitchGateway
	policy  RetryPolicy
	workers int
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewExecutor creates a new executor. workers bounds how many devices are
// driven in parallel by ExecuteFleet.
func NewExecutor(gateway SwitchGateway, policy RetryPolicy, workers int, logger zerolog.Logger) *Executor {
	if workers <= 0 {
		workers = 10 // Default to 10 concurrent devices
	}

	return &Executor{
		gateway: gateway,
		policy:  policy.withDefaults(),
		workers: workers,
		logger:  logger.With().Str("component", "executor").Logger(),
		tracer:  otel.Tracer(tracerName),
	}
}

// Policy returns the retry policy in effect.
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Execute sends ops to a device as one batch. Transport failures are retried
// with exponential backoff; a device rejecting individual ops is final.
func (e *Executor) Execute(ctx context.Context, deviceID string, ops []FlowOp) *BatchReport {
	report := &BatchReport{DeviceID: deviceID}
	if len(ops) == 0 {
		return report
	}

	ctx, span := e.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.Int("ops", len(ops)),
	))
	defer span.End()

	var lastErr error
retry:
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		report.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AckTimeout)
		results, err := e.gateway.Apply(attemptCtx, deviceID, ops)
		cancel()

		if err == nil {
			if len(results) != len(ops) {
				err = NewPermanentError(
					fmt.Sprintf("device acknowledged %d of %d ops", len(results), len(ops)), nil).
					WithCode(ErrCodeInternal).WithDevice(deviceID)
			} else {
				report.Sent = len(ops)
				report.Results = results
				report.Failures = rejectionFailures(ops, results)
				span.SetAttributes(attribute.Int("attempts", attempt), attribute.Int("rejected", len(report.Failures)))
				return report
			}
		}

		lastErr = classifyTransport(deviceID, err)
		if !IsRetryable(lastErr) {
			break
		}

		// Don't retry on last attempt
		if attempt >= e.policy.MaxAttempts {
			break
		}

		backoff := e.calculateBackoff(attempt)
		e.logger.Warn().
			Err(lastErr).
			Str("device_id", deviceID).
			Int("attempt", attempt).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Retrying batch after transport failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = NewTransportError("batch cancelled", ctx.Err()).WithDevice(deviceID).WithCode(ErrCodeTimeout)
			break retry
		}
	}

	report.Err = lastErr
	report.Failures = make([]OpFailure, 0, len(ops))
	for _, op := range ops {
		report.Failures = append(report.Failures, OpFailure{
			RecordID: op.RecordID,
			Op:       op.Type,
			Key:      op.Flow.Key(),
			Reason:   lastErr.Error(),
		})
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "batch failed")
	e.logger.Error().
		Err(lastErr).
		Str("device_id", deviceID).
		Int("attempts", report.Attempts).
		Int("ops", len(ops)).
		Msg("Batch failed")

	return report
}

// ExecuteFleet executes one batch per device in parallel. The result is
// partitioned per device and is never all-or-nothing.
func (e *Executor) ExecuteFleet(ctx context.Context, batches map[string][]FlowOp) *FleetReport {
	fleet := &FleetReport{Devices: make(map[string]*BatchReport, len(batches))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for deviceID, ops := range batches {
		deviceID, ops := deviceID, ops
		g.Go(func() error {
			report := e.Execute(gctx, deviceID, ops)

			mu.Lock()
			fleet.Devices[deviceID] = report
			fleet.Sent += report.Sent
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return fleet
}

// Observe dumps a device with the same retry policy as Execute.
func (e *Executor) Observe(ctx context.Context, deviceID string) ([]flows.Observed, error) {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AckTimeout)
		observed, err := e.gateway.Dump(attemptCtx, deviceID)
		cancel()
		if err == nil {
			return observed, nil
		}

		lastErr = classifyTransport(deviceID, err)
		if !IsRetryable(lastErr) || attempt >= e.policy.MaxAttempts {
			break
		}

		select {
		case <-time.After(e.calculateBackoff(attempt)):
		case <-ctx.Done():
			return nil, NewTransportError("dump cancelled", ctx.Err()).WithDevice(deviceID).WithCode(ErrCodeTimeout)
		}
	}

	return nil, lastErr
}

// calculateBackoff calculates exponential backoff with jitter.
func (e *Executor) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: delay = baseDelay * 2^(attempt-1)
	delay := e.policy.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))

	if delay > e.policy.MaxDelay || delay <= 0 {
		delay = e.policy.MaxDelay
	}

	// Add up to 25% jitter
	if quarter := int64(delay) / 4; quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}

	return delay
}

// classifyTransport turns a gateway error into an EngineError. Errors that
// are already classified keep their class; anything else means the exchange
// did not complete.
func classifyTransport(deviceID string, err error) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return err
	}

	code := ErrCodeUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}

	return NewTransportError("device exchange failed", err).
		WithDevice(deviceID).
		WithCode(code)
}

func rejectionFailures(ops []FlowOp, results []error) []OpFailure {
	var failures []OpFailure
	for i, res := range results {
		if res == nil {
			continue
		}
		failures = append(failures, OpFailure{
			RecordID: ops[i].RecordID,
			Op:       ops[i].Type,
			Key:      ops[i].Flow.Key(),
			Reason:   res.Error(),
		})
	}
	return failures
}
