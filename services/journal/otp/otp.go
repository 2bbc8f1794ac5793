// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package otp issues and verifies single-use one-time codes that gate a
// credential change.
//
// # Description
//
// Each identity has at most one live challenge, stored under
// otp/<identityID>. Issuing a new challenge overwrites the previous one.
// Only a SHA-256 of the code is stored. Verification consumes the challenge
// on success and returns ErrInvalidCode for every kind of failure.
//
// State per identity: NONE -> ISSUED -> {CONSUMED | EXPIRED}.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/mail"
	"github.com/AleutianAI/AleutianJournal/services/journal/observability"
	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
)

const (
	// DefaultTTL is how long a code stays valid.
	DefaultTTL = 10 * time.Minute

	// CodeDigits is the fixed width of a code.
	CodeDigits = 6

	// DefaultMaxAttempts is how many wrong codes burn a challenge.
	DefaultMaxAttempts = 5

	// DefaultMailTimeout bounds one delivery attempt.
	DefaultMailTimeout = 10 * time.Second
)

// ErrInvalidCode is the only error Verify reports for a rejected code. It
// does not say whether the challenge was missing, expired or mismatched.
var ErrInvalidCode = errors.New("invalid or expired code")

// ErrDeliveryFailed is surfaced as the Receipt warning when the mailer
// fails. The challenge stays valid.
var ErrDeliveryFailed = errors.New("the code was issued but delivery could not be confirmed")

var codeLimit = big.NewInt(1_000_000)

// Config configures the Service.
//
// # Fields
//
//   - TTL: Default DefaultTTL.
//   - MaxAttempts: Wrong codes before the challenge is discarded. Default
//     DefaultMaxAttempts; negative disables the limit.
//   - MailTimeout: Default DefaultMailTimeout.
//   - Clock: Default time.Now.
//   - Generate: Code source. Default is uniform over 000000-999999 from crypto/rand.
//   - Metrics: Optional.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	MailTimeout time.Duration
	Clock       func() time.Time
	Generate    func() (string, error)
	Metrics     *observability.Metrics
}

func applyConfigDefaults(cfg *Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = DefaultMailTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Generate == nil {
		cfg.Generate = GenerateCode
	}
}

// Receipt describes an issued challenge. The code is never part of it.
type Receipt struct {
	ExpiresAt time.Time
	Delivered bool
	Warning   string
}

type challenge struct {
	Hash      []byte    `json:"hash"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Attempts  int       `json:"attempts"`
}

// Service is the OTP auth flow.
//
// # Thread Safety
//
// Safe for concurrent use. Issue and verify for the same identity are
// serialized by store transactions.
type Service struct {
	db     *store.DB
	mailer mail.Mailer
	cfg    Config
}

// NewService returns a Service.
func NewService(db *store.DB, mailer mail.Mailer, cfg Config) *Service {
	applyConfigDefaults(&cfg)
	return &Service{db: db, mailer: mailer, cfg: cfg}
}

// GenerateCode returns a uniformly random zero-padded code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeLimit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeDigits, n.Int64()), nil
}

func challengeKey(identityID string) []byte {
	return store.Key("otp", identityID)
}

func hashCode(identityID, code string) []byte {
	sum := sha256.Sum256([]byte(identityID + ":" + code))
	return sum[:]
}

// RequestChallenge issues a new code for identityID, replacing any live
// one, then mails it to address.
//
// # Outputs
//
//   - Receipt: Delivered is false with a Warning when the mailer failed;
//     the code is still valid in that case.
//   - error: Only for generation or storage failures. No challenge exists
//     when an error is returned.
func (s *Service) RequestChallenge(ctx context.Context, identityID, address string) (Receipt, error) {
	code, err := s.cfg.Generate()
	if err != nil {
		return Receipt{}, err
	}
	now := s.cfg.Clock()
	ch := challenge{
		Hash:      hashCode(identityID, code),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		return store.SetJSON(txn, challengeKey(identityID), ch)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("store challenge: %w", err)
	}

	receipt := Receipt{ExpiresAt: ch.ExpiresAt, Delivered: true}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.MailTimeout)
	defer cancel()
	if err := s.mailer.Send(sendCtx, address, code); err != nil {
		slog.Warn("OTP delivery failed", "identity_id", identityID, "error", err)
		receipt.Delivered = false
		receipt.Warning = ErrDeliveryFailed.Error()
	}
	s.cfg.Metrics.RecordOTPIssued(receipt.Delivered)
	slog.Info("Issued OTP challenge", "identity_id", identityID, "delivered", receipt.Delivered)
	return receipt, nil
}

type verifyOutcome int

const (
	outcomeRejected verifyOutcome = iota
	outcomeConsumed
)

// Verify checks code against the live challenge of identityID. On a match
// the challenge is deleted in the same transaction, so a code can succeed
// at most once. A challenge is valid up to and including its expiry
// instant.
func (s *Service) Verify(ctx context.Context, identityID, code string) error {
	now := s.cfg.Clock()
	code = strings.TrimSpace(code)
	var outcome verifyOutcome

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		outcome = outcomeRejected
		var ch challenge
		found, err := store.GetJSON(txn, challengeKey(identityID), &ch)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if now.After(ch.ExpiresAt) {
			return store.Delete(txn, challengeKey(identityID))
		}
		if subtle.ConstantTimeCompare(ch.Hash, hashCode(identityID, code)) == 1 {
			outcome = outcomeConsumed
			return store.Delete(txn, challengeKey(identityID))
		}
		ch.Attempts++
		if s.cfg.MaxAttempts > 0 && ch.Attempts >= s.cfg.MaxAttempts {
			return store.Delete(txn, challengeKey(identityID))
		}
		return store.SetJSON(txn, challengeKey(identityID), ch)
	})
	if err != nil {
		return fmt.Errorf("verify challenge: %w", err)
	}

	ok := outcome == outcomeConsumed
	s.cfg.Metrics.RecordOTPVerification(ok)
	if !ok {
		slog.Info("Rejected OTP", "identity_id", identityID)
		return ErrInvalidCode
	}
	slog.Info("Consumed OTP challenge", "identity_id", identityID)
	return nil
}

// Name identifies the sweeper in logs.
func (s *Service) Name() string { return "otp" }

// Sweep deletes challenges that expired before now.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	prefix := []byte("otp/")
	var n int
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var expired [][]byte
		if err := store.ScanPrefix(txn, prefix, func(key, val []byte) error {
			var ch challenge
			if err := json.Unmarshal(val, &ch); err != nil {
				return err
			}
			if now.After(ch.ExpiresAt) {
				expired = append(expired, key)
			}
			return nil
		}); err != nil {
			return err
		}
		n = len(expired)
		for _, key := range expired {
			if err := store.Delete(txn, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	return n, nil
}
