/*
Package bodystream drains HTTP request bodies through a bufferless
single-producer/single-consumer byte channel and parses
application/x-www-form-urlencoded forms while the body is still arriving.

Packages

  - core/stream: the Channel and its Buffer view. A producer's Write blocks
    until the consumer has reported how much it processed; only the
    unprocessed remainder is copied, into pooled storage.
  - core/form: a streaming form reader with value count and key/value
    length limits.
  - core/codec: JSON and Protocol Buffers encodings of parsed forms.
  - core/server: POST /form, GET /metrics and GET /healthz over HTTP/1.1
    and h2c.
  - core/observability: Prometheus collectors for stream and pool counters.
  - config, app, cmd/bodystream: configuration and process wiring.

Consumer loop

	ch := stream.NewChannel()
	go ch.CopyFrom(ctx, body, 0)

	for {
		buf, err := ch.Read(ctx)
		n := process(buf) // bytes fully handled
		if err != nil {
			break // io.EOF at the end of the body
		}
		ch.Consumed(n)
	}

Running the server

	go run ./cmd/bodystream -port 8080 -config bodystream.yaml
	curl -d 'foo=bar&baz=1' localhost:8080/form
*/
package bodystream
