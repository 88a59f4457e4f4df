package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"conduit/internal/domain"
)

// maxSSELine bounds a single push-stream line.
const maxSSELine = 1024 * 1024

// errStopStream ends ReadSSE without error.
var errStopStream = errors.New("stop stream")

// ReadSSE reads "data: " payloads from body and hands each one to handle,
// in order. The cancellation checkpoint runs before every read. A "[DONE]"
// payload or handle returning StopStream ends the stream cleanly. A read
// failure that is not cancellation becomes ErrStreamInterrupted.
func ReadSSE(ctx context.Context, body io.Reader, handle func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	for {
		if err := domain.Checkpoint(ctx); err != nil {
			return err
		}
		if !scanner.Scan() {
			break
		}

		line := scanner.Bytes()
		// Skip empty lines and comments.
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}
		if err := handle(data); err != nil {
			if errors.Is(err, errStopStream) {
				return nil
			}
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return cerr
		}
		return fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, err)
	}
	return nil
}

// StopStream is returned by a ReadSSE handler to end the stream cleanly.
func StopStream() error { return errStopStream }

// ChunkSink delivers strictly incremental output and keeps the running
// total, so the concatenation of delivered chunks always equals Text().
type ChunkSink struct {
	ctx     context.Context
	onChunk domain.ChunkFunc
	buf     strings.Builder
}

// NewChunkSink returns a sink for one Execute call. onChunk may be nil.
func NewChunkSink(ctx context.Context, onChunk domain.ChunkFunc) *ChunkSink {
	return &ChunkSink{ctx: ctx, onChunk: onChunk}
}

// Emit records delta and forwards it. After cancellation nothing more is
// delivered and the cancellation error is returned.
func (s *ChunkSink) Emit(delta string) error {
	if delta == "" {
		return nil
	}
	if err := domain.Checkpoint(s.ctx); err != nil {
		return err
	}
	s.buf.WriteString(delta)
	if s.onChunk != nil {
		s.onChunk(delta)
	}
	return nil
}

// Text returns everything emitted so far.
func (s *ChunkSink) Text() string { return s.buf.String() }
