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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedSum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// bufferFactories returns the buffers available in this environment.
func bufferFactories(t *testing.T) map[string]func() (ReplyBuffer, error) {
	t.Helper()
	factories := map[string]func() (ReplyBuffer, error){
		"insecure": func() (ReplyBuffer, error) { return newInsecureReplyBuffer(), nil },
	}
	if ok, _ := IsMlockAvailable(); ok {
		factories["secure"] = NewReplyBuffer
	}
	return factories
}

func TestReplyBuffer_Finalize(t *testing.T) {
	for name, factory := range bufferFactories(t) {
		t.Run(name, func(t *testing.T) {
			buf, err := factory()
			require.NoError(t, err)
			defer buf.Destroy()

			for _, chunk := range []string{"It sounds ", "like a ", "full day."} {
				require.NoError(t, buf.Write(chunk))
			}
			reply, sum, err := buf.Finalize()
			require.NoError(t, err)
			assert.Equal(t, "It sounds like a full day.", reply)
			assert.Equal(t, expectedSum(reply), sum)

			_, _, err = buf.Finalize()
			assert.ErrorIs(t, err, ErrBufferDestroyed)
			assert.ErrorIs(t, buf.Write("more"), ErrBufferDestroyed)
		})
	}
}

func TestReplyBuffer_Overflow(t *testing.T) {
	for name, factory := range bufferFactories(t) {
		t.Run(name, func(t *testing.T) {
			buf, err := factory()
			require.NoError(t, err)
			defer buf.Destroy()

			require.NoError(t, buf.Write(strings.Repeat("a", ReplyBufferSize)))
			assert.ErrorIs(t, buf.Write("b"), ErrReplyTooLarge)
			assert.ErrorIs(t, buf.Write(""), ErrReplyTooLarge, "overflow is sticky")
			_, _, err = buf.Finalize()
			assert.ErrorIs(t, err, ErrReplyTooLarge)
		})
	}
}

func TestReplyBuffer_DestroyIsIdempotent(t *testing.T) {
	for name, factory := range bufferFactories(t) {
		t.Run(name, func(t *testing.T) {
			buf, err := factory()
			require.NoError(t, err)
			require.NoError(t, buf.Write("secret"))
			buf.Destroy()
			buf.Destroy()
			_, _, err = buf.Finalize()
			assert.ErrorIs(t, err, ErrBufferDestroyed)
		})
	}
}

func TestReplyBuffer_InsecureWipesData(t *testing.T) {
	buf := newInsecureReplyBuffer()
	require.NoError(t, buf.Write("private thoughts"))
	backing := buf.data[:len(buf.data)]
	buf.Destroy()
	for _, b := range backing {
		assert.Zero(t, b)
	}
}

func TestNewReplyBuffer_InsecureOverride(t *testing.T) {
	if ok, _ := IsMlockAvailable(); ok {
		t.Skip("mlock available; override not exercised")
	}
	t.Setenv(InsecureMemoryEnv, "")
	_, err := NewReplyBuffer()
	require.Error(t, err)

	t.Setenv(InsecureMemoryEnv, "true")
	buf, err := NewReplyBuffer()
	require.NoError(t, err)
	buf.Destroy()
}
