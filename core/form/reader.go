// Package form parses application/x-www-form-urlencoded bodies while they
// stream in, without buffering the whole body first.
package form

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/bodystream/core/pools"
	"github.com/searchktools/bodystream/core/stream"
)

// Default limits
const (
	DefaultBufferSize       = 2048
	DefaultValueCountLimit  = 1024
	DefaultKeyLengthLimit   = 2048
	DefaultValueLengthLimit = 4 * 1024 * 1024
)

// Error definitions
var (
	ErrTooManyValues   = errors.New("form: value count limit exceeded")
	ErrKeyTooLong      = errors.New("form: key length limit exceeded")
	ErrValueTooLong    = errors.New("form: value length limit exceeded")
	ErrInvalidEncoding = errors.New("form: invalid percent-encoding")
)

// Options configures a Reader. Zero fields take the defaults.
type Options struct {
	BufferSize       int // Chunk size used to drain the body
	ValueCountLimit  int // Maximum number of key/value pairs
	KeyLengthLimit   int // Maximum encoded key length in bytes
	ValueLengthLimit int // Maximum encoded value length in bytes
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		BufferSize:       DefaultBufferSize,
		ValueCountLimit:  DefaultValueCountLimit,
		KeyLengthLimit:   DefaultKeyLengthLimit,
		ValueLengthLimit: DefaultValueLengthLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ValueCountLimit <= 0 {
		o.ValueCountLimit = DefaultValueCountLimit
	}
	if o.KeyLengthLimit <= 0 {
		o.KeyLengthLimit = DefaultKeyLengthLimit
	}
	if o.ValueLengthLimit <= 0 {
		o.ValueLengthLimit = DefaultValueLengthLimit
	}
	return o
}

// Reader reads a form body once.
type Reader struct {
	body   io.Reader
	opts   Options
	pool   *pools.BytePool
	logger *zap.Logger

	stats stream.ChannelStats
}

// NewReader creates a reader over body. A nil logger discards logs.
func NewReader(body io.Reader, opts Options, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		body:   body,
		opts:   opts.withDefaults(),
		pool:   pools.Default(),
		logger: logger.With(zap.String("component", "form")),
	}
}

// WithPool sets the pool used for drain buffers and owned segments.
func (r *Reader) WithPool(pool *pools.BytePool) *Reader {
	r.pool = pool
	return r
}

// ReadForm drains the body and returns the decoded pairs in body order.
//
// The body is copied into a stream.Channel on a separate goroutine while
// this goroutine tokenises it. When parsing fails the channel is cancelled
// and ReadForm returns without waiting for that goroutine: it may be parked
// in a body Read that only a read deadline or the peer can end, and it
// exits as soon as that Read returns.
func (r *Reader) ReadForm(ctx context.Context) (url.Values, error) {
	ch := stream.NewChannelWithPool(r.pool)
	defer ch.Release()

	var g errgroup.Group
	g.Go(func() error {
		_, err := ch.CopyFrom(ctx, r.body, r.opts.BufferSize)
		return err
	})

	values, err := r.parse(ctx, ch)
	if err != nil {
		ch.Cancel()
		r.stats = ch.Stats()
		r.logger.Debug("form parse failed",
			zap.Error(err),
			zap.Uint64("bytes", r.stats.BytesWritten))
		return nil, err
	}

	werr := g.Wait()
	r.stats = ch.Stats()
	if werr != nil {
		return nil, werr
	}

	r.logger.Debug("form parsed",
		zap.Int("fields", len(values)),
		zap.Uint64("bytes", r.stats.BytesWritten),
		zap.Uint64("compactions", r.stats.Compactions),
		zap.Uint64("compacted_bytes", r.stats.CompactedBytes))
	return values, nil
}

// Stats returns the channel statistics of the last ReadForm call.
func (r *Reader) Stats() stream.ChannelStats {
	return r.stats
}

func (r *Reader) parse(ctx context.Context, ch *stream.Channel) (url.Values, error) {
	values := make(url.Values)
	count := 0

	// The unterminated pair left at the front of the channel: its first
	// scanned bytes hold no '&', and eq is its '=' offset or -1.
	scanned, eq := 0, -1

	for {
		buf, err := ch.Read(ctx)
		eof := err == io.EOF
		if err != nil && !eof {
			return nil, err
		}

		consumed := 0
		for {
			amp := buf.IndexByteFrom('&', max(consumed, scanned))
			if amp < 0 {
				break
			}
			if err := r.addPair(values, &count, buf.Slice(consumed, amp-consumed)); err != nil {
				return nil, err
			}
			consumed = amp + 1
		}

		rest := buf.Slice(consumed, buf.Len()-consumed)
		if eof {
			if err := r.addPair(values, &count, rest); err != nil {
				return nil, err
			}
			ch.Consumed(buf.Len())
			return values, nil
		}

		if consumed > 0 {
			scanned, eq = 0, -1
		}
		if eq < 0 {
			eq = rest.IndexByteFrom('=', scanned)
		}
		scanned = rest.Len()

		// The unterminated pair stays in the channel; fail early once it
		// can no longer fit the limits.
		if err := r.checkPartial(rest.Len(), eq); err != nil {
			return nil, err
		}
		ch.Consumed(consumed)
	}
}

func (r *Reader) addPair(values url.Values, count *int, pair stream.Buffer) error {
	if pair.IsEmpty() {
		return nil
	}

	key, value := pair, stream.Buffer{}
	if eq := pair.IndexByte('='); eq >= 0 {
		key = pair.Slice(0, eq)
		value = pair.Slice(eq+1, pair.Len()-eq-1)
	}

	if key.Len() > r.opts.KeyLengthLimit {
		return fmt.Errorf("%w: %d > %d", ErrKeyTooLong, key.Len(), r.opts.KeyLengthLimit)
	}
	if value.Len() > r.opts.ValueLengthLimit {
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, value.Len(), r.opts.ValueLengthLimit)
	}
	if *count >= r.opts.ValueCountLimit {
		return fmt.Errorf("%w: %d", ErrTooManyValues, r.opts.ValueCountLimit)
	}

	k, err := unescape(key)
	if err != nil {
		return err
	}
	v, err := unescape(value)
	if err != nil {
		return err
	}

	values.Add(k, v)
	*count++
	return nil
}

func (r *Reader) checkPartial(n, eq int) error {
	if eq < 0 {
		if n > r.opts.KeyLengthLimit {
			return fmt.Errorf("%w: %d > %d", ErrKeyTooLong, n, r.opts.KeyLengthLimit)
		}
		return nil
	}
	if eq > r.opts.KeyLengthLimit {
		return fmt.Errorf("%w: %d > %d", ErrKeyTooLong, eq, r.opts.KeyLengthLimit)
	}
	if v := n - eq - 1; v > r.opts.ValueLengthLimit {
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, v, r.opts.ValueLengthLimit)
	}
	return nil
}

func unescape(b stream.Buffer) (string, error) {
	s, err := url.QueryUnescape(b.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEncoding, err)
	}
	return s, nil
}

// ReadForm reads a form from body with the given options.
func ReadForm(ctx context.Context, body io.Reader, opts Options) (url.Values, error) {
	return NewReader(body, opts, nil).ReadForm(ctx)
}
