// Package render turns a web page into a PDF document through a headless
// browser.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Renderer produces the PDF bytes for url.
type Renderer interface {
	Render(ctx context.Context, url string, p Profile) ([]byte, error)
}

// RenderError is returned once every attempt has failed.
type RenderError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

const (
	ErrCodeRenderTimeout = "RENDER_TIMEOUT"
	ErrCodeRenderFailed  = "RENDER_FAILED"
	ErrCodeBadStatus     = "BAD_STATUS"
	ErrCodeEmptyOutput   = "EMPTY_OUTPUT"
	ErrCodeInvalidOutput = "INVALID_OUTPUT"
)

func NewRenderError(code, message string, cause error) *RenderError {
	return &RenderError{Code: code, Message: message, Cause: cause}
}

// attemptFunc performs a single render attempt.
type attemptFunc func(ctx context.Context, url string, p Profile) ([]byte, error)

// retry runs attempt up to p.Attempts times, sleeping RetryBase*2^n after
// the n-th failure. The error of the last attempt is returned wrapped in a
// RenderError.
func retry(ctx context.Context, logger *zap.Logger, url string, p Profile, attempt attemptFunc) ([]byte, error) {
	attempts := max(p.Attempts, 1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.RetryBase * 2
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0

	var (
		out []byte
		try int
	)
	op := func() error {
		try++
		data, err := attempt(ctx, url, p)
		if err == nil && len(data) == 0 {
			err = NewRenderError(ErrCodeEmptyOutput, "generated PDF is empty", nil)
		}
		if err != nil {
			logger.Warn("render attempt failed",
				zap.String("url", url),
				zap.String("profile", p.Name),
				zap.Int("attempt", try),
				zap.Int("attempts", attempts),
				zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = data
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		var re *RenderError
		code := ErrCodeRenderFailed
		if errors.As(err, &re) {
			code = re.Code
		}
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeRenderTimeout
		}
		return nil, NewRenderError(code, fmt.Sprintf("PDF generation failed after %d attempts", try), err)
	}
	return out, nil
}
