package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// DefaultChunkSizeBytes is the spec's default chunk-size threshold (8 MiB).
const DefaultChunkSizeBytes = 8 * 1024 * 1024

// DefaultFlushTimeout is the spec's default flush-on-idle interval.
const DefaultFlushTimeout = 5 * time.Second

// CaptureSource is the external collaborator producing a session's raw
// bytes. It is a finite, non-restartable stream: Recv returns io.EOF once
// the session's capture is done, and the pipeline drains it on session
// close.
type CaptureSource interface {
	Recv(ctx context.Context) (Payload, error)
}

// ChunkAssembler buffers incoming payloads and emits a Chunk whenever the
// accumulator reaches the configured size or the flush-timeout elapses with
// a non-empty accumulator. Chunk indices are monotonically increasing, dense,
// and assigned at emission time.
type ChunkAssembler struct {
	maxBytes     int
	flushTimeout time.Duration
}

// NewChunkAssembler constructs an assembler with the given thresholds. A
// non-positive maxBytes or flushTimeout falls back to the spec defaults.
func NewChunkAssembler(maxBytes int, flushTimeout time.Duration) *ChunkAssembler {
	if maxBytes <= 0 {
		maxBytes = DefaultChunkSizeBytes
	}
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &ChunkAssembler{maxBytes: maxBytes, flushTimeout: flushTimeout}
}

// Run drains src until it returns io.EOF or ctx is cancelled, emitting
// chunks on the returned channel in strict, gap-free index order. The
// channel is closed when the source is exhausted, an unrecoverable error
// occurs, or ctx is cancelled; in the last two cases any buffered bytes are
// first flushed as a final chunk so no captured data is silently dropped.
func (a *ChunkAssembler) Run(ctx context.Context, src CaptureSource) (<-chan *Chunk, <-chan error) {
	out := make(chan *Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		var buf bytes.Buffer
		var descriptors []PayloadDescriptor
		index := 0
		timer := time.NewTimer(a.flushTimeout)
		defer timer.Stop()

		emit := func() {
			if buf.Len() == 0 {
				return
			}
			c := &Chunk{
				Index:        index,
				Descriptors:  descriptors,
				RawBytes:     append([]byte(nil), buf.Bytes()...),
				OriginalSize: buf.Len(),
				State:        ChunkPending,
			}
			index++
			buf.Reset()
			descriptors = nil
			select {
			case out <- c:
				return
			default:
			}
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}

		payloadc := make(chan Payload)
		recvErrc := make(chan error, 1)
		go func() {
			for {
				p, err := src.Recv(ctx)
				if err != nil {
					recvErrc <- err
					return
				}
				select {
				case payloadc <- p:
				case <-ctx.Done():
					recvErrc <- ctx.Err()
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				emit()
				errc <- ctx.Err()
				return
			case err := <-recvErrc:
				emit()
				if errors.Is(err, io.EOF) {
					return
				}
				errc <- err
				return
			case p := <-payloadc:
				buf.Write(p.Data)
				descriptors = append(descriptors, PayloadDescriptor{
					Kind:      p.Kind,
					Timestamp: p.Timestamp,
					Size:      len(p.Data),
				})
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				if buf.Len() >= a.maxBytes {
					emit()
				}
				timer.Reset(a.flushTimeout)
			case <-timer.C:
				emit()
				timer.Reset(a.flushTimeout)
			}
		}
	}()

	return out, errc
}
