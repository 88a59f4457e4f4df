package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/domain"
)

func TestReadSSE(t *testing.T) {
	input := ": comment\n\nevent: message\ndata: one\n\ndata:two\n\ndata: [DONE]\n\ndata: never\n"
	var got []string
	err := ReadSSE(context.Background(), strings.NewReader(input), func(data []byte) error {
		got = append(got, string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestReadSSEStopStream(t *testing.T) {
	var got []string
	err := ReadSSE(context.Background(), strings.NewReader("data: a\ndata: b\ndata: c\n"), func(data []byte) error {
		got = append(got, string(data))
		if string(data) == "b" {
			return StopStream()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestReadSSEHandlerError(t *testing.T) {
	boom := errors.New("boom")
	err := ReadSSE(context.Background(), strings.NewReader("data: a\n"), func([]byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

type failingReader struct{ data io.Reader }

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.data.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset")
	}
	return n, err
}

func TestReadSSEInterrupted(t *testing.T) {
	err := ReadSSE(context.Background(), &failingReader{data: strings.NewReader("data: a\n")}, func([]byte) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStreamInterrupted)
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))
}

func TestReadSSECancelled(t *testing.T) {
	called := false
	err := ReadSSE(cancelledContext(), strings.NewReader("data: a\n"), func([]byte) error {
		called = true
		return nil
	})
	assert.True(t, domain.IsCancelled(err))
	assert.False(t, called)
}

func TestChunkSink(t *testing.T) {
	var chunks []string
	sink := NewChunkSink(context.Background(), func(c string) { chunks = append(chunks, c) })

	require.NoError(t, sink.Emit("a"))
	require.NoError(t, sink.Emit(""))
	require.NoError(t, sink.Emit("bc"))
	assert.Equal(t, []string{"a", "bc"}, chunks)
	assert.Equal(t, "abc", sink.Text())
}

func TestChunkSinkStopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var chunks []string
	sink := NewChunkSink(ctx, func(c string) { chunks = append(chunks, c) })

	require.NoError(t, sink.Emit("a"))
	cancel()
	err := sink.Emit("b")
	assert.True(t, domain.IsCancelled(err))
	assert.Equal(t, []string{"a"}, chunks)
	assert.Equal(t, "a", sink.Text())
}

func TestChunkSinkNilCallback(t *testing.T) {
	sink := NewChunkSink(context.Background(), nil)
	require.NoError(t, sink.Emit("x"))
	assert.Equal(t, "x", sink.Text())
}
