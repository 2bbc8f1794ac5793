// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ai

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("chunk stream closed")

// ChunkStream is a lazy, finite, single-pass sequence of reply chunks.
//
// # Description
//
// Next pulls the following chunk from the backend. The stream ends with
// io.EOF; every call after the end returns the same terminal error. A
// stream cannot be rewound. Consumers concatenate chunks in the order Next
// returns them.
//
// Close releases the underlying network call. It is idempotent and may be
// called from another goroutine while Next is blocked; the blocked call
// then returns ErrStreamClosed.
//
// # Thread Safety
//
// Next calls are serialized. Close may run concurrently with Next.
type ChunkStream struct {
	pullMu sync.Mutex
	next   func() (string, error)
	done   bool
	err    error

	closeFn   func() error
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// NewChunkStream builds a stream from a pull function and a closer.
//
// next returns io.EOF when the sequence is exhausted. closeFn must unblock a
// pending next call (typically by cancelling its context). closeFn may be nil.
func NewChunkStream(next func() (string, error), closeFn func() error) *ChunkStream {
	return &ChunkStream{next: next, closeFn: closeFn}
}

// Next returns the next chunk. Empty chunks from the backend are skipped.
func (s *ChunkStream) Next() (string, error) {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	for {
		if s.closed.Load() {
			return "", ErrStreamClosed
		}
		if s.done {
			return "", s.err
		}
		chunk, err := s.next()
		if s.closed.Load() {
			return "", ErrStreamClosed
		}
		if err != nil {
			s.done = true
			s.err = err
			return "", err
		}
		if chunk != "" {
			return chunk, nil
		}
	}
}

// Close releases the stream.
func (s *ChunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

// SliceStream returns a stream over fixed chunks.
func SliceStream(chunks []string) *ChunkStream {
	i := 0
	return NewChunkStream(func() (string, error) {
		if i >= len(chunks) {
			return "", io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	}, nil)
}

// streamItem is one value produced by a backend goroutine.
type streamItem struct {
	text string
	err  error
}

// channelStream adapts a producer goroutine to a ChunkStream.
//
// produce sends chunks through emit until the backend finishes; emit
// returns false once ctx is done and the producer must stop. The producer's
// return value becomes the stream's terminal error (nil means io.EOF).
func channelStream(ctx context.Context, cancel context.CancelFunc, produce func(ctx context.Context, emit func(string) bool) error) *ChunkStream {
	items := make(chan streamItem)

	go func() {
		defer close(items)
		emit := func(text string) bool {
			select {
			case items <- streamItem{text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := produce(ctx, emit); err != nil {
			select {
			case items <- streamItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	next := func() (string, error) {
		select {
		case item, ok := <-items:
			if !ok {
				return "", io.EOF
			}
			return item.text, item.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return NewChunkStream(next, func() error {
		cancel()
		return nil
	})
}
