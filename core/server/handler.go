package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/searchktools/bodystream/core/codec"
	"github.com/searchktools/bodystream/core/form"
	"github.com/searchktools/bodystream/core/observability"
	"github.com/searchktools/bodystream/core/pools"
	"github.com/searchktools/bodystream/core/stream"
)

// StatusClientClosedRequest is reported when the client goes away mid-body.
const StatusClientClosedRequest = 499

const formContentType = "application/x-www-form-urlencoded"

type formHandler struct {
	opts     form.Options
	maxBytes int64
	timeout  time.Duration
	fallback codec.Codec
	pool     *pools.BytePool
	monitor  *observability.StreamMonitor
	logger   *zap.Logger
}

func (h *formHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := r.Pattern

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != formContentType {
		http.Error(w, "expected "+formContentType, http.StatusUnsupportedMediaType)
		return
	}

	ctx := r.Context()
	rc := http.NewResponseController(w)
	var deadline time.Time
	if h.timeout > 0 {
		deadline = start.Add(h.timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
		// A stalled client parks the body Read; the read deadline ends it.
		// Writers without deadline support fall back to the context alone.
		_ = rc.SetReadDeadline(deadline)
	}

	body := r.Body
	if h.maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	reader := form.NewReader(body, h.opts, h.logger).WithPool(h.pool)
	values, err := reader.ReadForm(ctx)
	if err == nil && !deadline.IsZero() {
		_ = rc.SetReadDeadline(time.Time{})
	}

	expired := !deadline.IsZero() && !time.Now().Before(deadline)
	status, outcome := classify(err, expired)
	h.monitor.Record(observability.Parse{
		Route:    route,
		Outcome:  outcome,
		Fields:   fieldCount(values),
		Duration: time.Since(start),
		Stream:   reader.Stats(),
	})

	if err != nil {
		fields := []zap.Field{
			zap.Error(err),
			zap.Int("status", status),
			zap.Uint64("bytes", reader.Stats().BytesWritten),
		}
		if outcome == observability.OutcomeCancelled {
			h.logger.Info("form parse cancelled", fields...)
		} else {
			h.logger.Warn("form rejected", fields...)
		}
		http.Error(w, statusText(status), status)
		return
	}

	c := codec.ForAccept(r.Header.Get("Accept"), h.fallback)
	w.Header().Set("Content-Type", c.ContentType())
	if _, err := codec.Write(w, c, values); err != nil {
		h.logger.Warn("write response", zap.Error(err), zap.String("codec", c.Name()))
	}
}

func fieldCount(values url.Values) int {
	n := 0
	for _, vs := range values {
		n += len(vs)
	}
	return n
}

// classify maps a ReadForm error to a status code and outcome. expired
// reports whether the parse deadline had passed when ReadForm returned.
func classify(err error, expired bool) (int, observability.Outcome) {
	var maxBytes *http.MaxBytesError

	switch {
	case err == nil:
		return http.StatusOK, observability.OutcomeOK
	case errors.Is(err, form.ErrTooManyValues),
		errors.Is(err, form.ErrKeyTooLong),
		errors.Is(err, form.ErrValueTooLong),
		errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, observability.OutcomeRejected
	case errors.Is(err, form.ErrInvalidEncoding):
		return http.StatusBadRequest, observability.OutcomeRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return http.StatusRequestTimeout, observability.OutcomeCancelled
	case errors.Is(err, stream.ErrCancelled), clientGone(err):
		// A read deadline can surface as a dropped connection or a
		// cancelled request context rather than as a timeout.
		if expired {
			return http.StatusRequestTimeout, observability.OutcomeCancelled
		}
		return StatusClientClosedRequest, observability.OutcomeCancelled
	default:
		return http.StatusBadRequest, observability.OutcomeFailed
	}
}

// clientGone reports whether a body read failed because the peer went away.
func clientGone(err error) bool {
	var (
		netErr    net.Error
		streamErr http2.StreamError
	)
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &netErr) ||
		errors.As(err, &streamErr)
}

func statusText(status int) string {
	if status == StatusClientClosedRequest {
		return "Client Closed Request"
	}
	return http.StatusText(status)
}
