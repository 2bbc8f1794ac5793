// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

const (
	// ReplyBufferSize is the largest assistant reply accepted.
	ReplyBufferSize = 64 * 1024

	// MinMlockLimitKB is the RLIMIT_MEMLOCK needed for one locked buffer.
	MinMlockLimitKB = 64

	// InsecureMemoryEnv allows plain heap buffers when mlock is limited.
	InsecureMemoryEnv = "JOURNAL_INSECURE_MEMORY"
)

var (
	// ErrReplyTooLarge is returned once the reply exceeds ReplyBufferSize.
	ErrReplyTooLarge = errors.New("reply buffer overflow")

	// ErrBufferDestroyed is returned after Finalize or Destroy.
	ErrBufferDestroyed = errors.New("reply buffer already destroyed")
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// ReplyBuffer accumulates streamed reply chunks.
//
// # Description
//
// The reply of a reflective conversation is sensitive. Chunks are copied
// into an mlocked memguard buffer so they are never swapped to disk, and
// the buffer is wiped once the reply is persisted. A SHA-256 of the reply
// is computed incrementally.
//
// # Thread Safety
//
// Safe for concurrent use.
type ReplyBuffer interface {
	// Write appends one chunk.
	Write(chunk string) error

	// Finalize returns the reply and its hash, then wipes the buffer.
	Finalize() (reply string, sum string, err error)

	// Destroy wipes the buffer. Idempotent.
	Destroy()
}

// NewReplyBuffer returns a locked buffer, or a heap buffer when the mlock
// limit is too small and JOURNAL_INSECURE_MEMORY=true.
func NewReplyBuffer() (ReplyBuffer, error) {
	initMemguard()
	if !mlockSufficient {
		if os.Getenv(InsecureMemoryEnv) == "true" {
			return newInsecureReplyBuffer(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise RLIMIT_MEMLOCK or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, InsecureMemoryEnv)
	}

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()
	return &secureReplyBuffer{buffer: buf, hasher: sha256.New()}, nil
}

// IsMlockAvailable reports whether locked buffers can be allocated and the
// current limit in KB (-1 when unlimited or unknown).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory destroys every memguard buffer. Called on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized", "mlock_limit_kb", currentMlockLimitKB)
			return
		}
		if os.Getenv(InsecureMemoryEnv) == "true" {
			slog.Warn("SECURITY: Running with insecure reply buffers",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB)
			return
		}
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "raise RLIMIT_MEMLOCK or set "+InsecureMemoryEnv+"=true")
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// =============================================================================
// Locked buffer
// =============================================================================

type secureReplyBuffer struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (b *secureReplyBuffer) Write(chunk string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return ErrBufferDestroyed
	}
	if b.overflow || b.offset+len(chunk) > ReplyBufferSize {
		b.overflow = true
		return ErrReplyTooLarge
	}
	copy(b.buffer.Bytes()[b.offset:], chunk)
	b.offset += len(chunk)
	b.hasher.Write([]byte(chunk))
	return nil
}

func (b *secureReplyBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return "", "", ErrBufferDestroyed
	}
	if b.overflow {
		b.wipe()
		return "", "", ErrReplyTooLarge
	}
	reply := string(b.buffer.Bytes()[:b.offset])
	sum := hex.EncodeToString(b.hasher.Sum(nil))
	b.wipe()
	return reply, sum, nil
}

func (b *secureReplyBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.destroyed {
		b.wipe()
	}
}

func (b *secureReplyBuffer) wipe() {
	if b.buffer != nil {
		b.buffer.Destroy()
	}
	b.destroyed = true
}

// =============================================================================
// Heap buffer
// =============================================================================

type insecureReplyBuffer struct {
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newInsecureReplyBuffer() *insecureReplyBuffer {
	return &insecureReplyBuffer{
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

func (b *insecureReplyBuffer) Write(chunk string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return ErrBufferDestroyed
	}
	if b.overflow || len(b.data)+len(chunk) > ReplyBufferSize {
		b.overflow = true
		return ErrReplyTooLarge
	}
	b.data = append(b.data, chunk...)
	b.hasher.Write([]byte(chunk))
	return nil
}

func (b *insecureReplyBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return "", "", ErrBufferDestroyed
	}
	if b.overflow {
		b.wipe()
		return "", "", ErrReplyTooLarge
	}
	reply := string(b.data)
	sum := hex.EncodeToString(b.hasher.Sum(nil))
	b.wipe()
	return reply, sum, nil
}

func (b *insecureReplyBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.destroyed {
		b.wipe()
	}
}

func (b *insecureReplyBuffer) wipe() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	b.destroyed = true
}
