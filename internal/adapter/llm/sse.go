package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"swarmbridge/internal/domain"
)

// streamDelta is one parsed increment of a streamed completion.
type streamDelta struct {
	Content   string
	ToolCalls []toolCallDelta
	Usage     *domain.Usage
	Done      bool
}

// toolCallDelta is a partial tool call fragment. The id and name arrive on
// the first fragment for an index; argument text trickles in across later
// fragments and must be concatenated in order.
type toolCallDelta struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a streamDelta using the server-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*streamDelta, error)) <-chan streamDelta {
	ch := make(chan streamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- streamDelta{Done: true}
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if delta == nil {
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}
		// If the scanner stopped due to an I/O error (not EOF), send a
		// final Done delta so consumers know the stream terminated.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- streamDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
