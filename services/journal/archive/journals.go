// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianJournal/services/journal/datatypes"
	"github.com/AleutianAI/AleutianJournal/services/journal/store"
	"github.com/dgraph-io/badger/v4"
)

// ErrJournalNotFound is returned by Delete for unknown journal ids.
var ErrJournalNotFound = errors.New("journal not found")

// JournalRepository persists the per-identity journal collection.
type JournalRepository interface {
	// Insert adds file unless the session was archived before, in which
	// case it returns ErrAlreadyArchived. The check, the write and the
	// archived marker share one transaction.
	Insert(ctx context.Context, file datatypes.JournalFile) error

	// HasSession reports whether sessionID was ever archived. Deleting the
	// journal does not clear it.
	HasSession(ctx context.Context, identityID, sessionID string) (bool, error)

	// List returns the identity's journals, newest first.
	List(ctx context.Context, identityID string) ([]datatypes.JournalFile, error)

	// Delete removes one journal. The session stays marked as archived.
	Delete(ctx context.Context, identityID, journalID string) error
}

type badgerJournals struct {
	db *store.DB
}

var _ JournalRepository = (*badgerJournals)(nil)

// NewJournalRepository returns a JournalRepository backed by db. Each
// identity's journals are stored as one snapshot at journals/<identityID>;
// archived/<identityID>/<sessionID> marks a session as archived for good.
func NewJournalRepository(db *store.DB) JournalRepository {
	return &badgerJournals{db: db}
}

func journalsKey(identityID string) []byte {
	return store.Key("journals", identityID)
}

func archivedKey(identityID, sessionID string) []byte {
	return store.Key("archived", identityID, sessionID)
}

// archivedMarker outlives the journal it records.
type archivedMarker struct {
	JournalID  string    `json:"journalId"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// wasArchived checks the marker and, for records written before markers
// existed, the snapshot itself.
func wasArchived(txn *badger.Txn, identityID, sessionID string) (bool, error) {
	var marker archivedMarker
	found, err := store.GetJSON(txn, archivedKey(identityID, sessionID), &marker)
	if err != nil || found {
		return found, err
	}
	var files []datatypes.JournalFile
	if _, err := store.GetJSON(txn, journalsKey(identityID), &files); err != nil {
		return false, err
	}
	for _, f := range files {
		if f.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (r *badgerJournals) Insert(ctx context.Context, file datatypes.JournalFile) error {
	return r.db.Update(ctx, func(txn *badger.Txn) error {
		archived, err := wasArchived(txn, file.IdentityID, file.SessionID)
		if err != nil {
			return err
		}
		if archived {
			return ErrAlreadyArchived
		}
		var files []datatypes.JournalFile
		if _, err := store.GetJSON(txn, journalsKey(file.IdentityID), &files); err != nil {
			return err
		}
		files = append(files, file)
		if err := store.SetJSON(txn, journalsKey(file.IdentityID), files); err != nil {
			return err
		}
		return store.SetJSON(txn, archivedKey(file.IdentityID, file.SessionID), archivedMarker{
			JournalID:  file.ID,
			ArchivedAt: file.CreatedAt,
		})
	})
}

func (r *badgerJournals) HasSession(ctx context.Context, identityID, sessionID string) (bool, error) {
	var archived bool
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		archived, err = wasArchived(txn, identityID, sessionID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check archived: %w", err)
	}
	return archived, nil
}

func (r *badgerJournals) List(ctx context.Context, identityID string) ([]datatypes.JournalFile, error) {
	files, err := r.load(ctx, identityID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	if files == nil {
		files = []datatypes.JournalFile{}
	}
	return files, nil
}

func (r *badgerJournals) Delete(ctx context.Context, identityID, journalID string) error {
	return r.db.Update(ctx, func(txn *badger.Txn) error {
		var files []datatypes.JournalFile
		if _, err := store.GetJSON(txn, journalsKey(identityID), &files); err != nil {
			return err
		}
		for i, f := range files {
			if f.ID == journalID {
				files = append(files[:i], files[i+1:]...)
				return store.SetJSON(txn, journalsKey(identityID), files)
			}
		}
		return ErrJournalNotFound
	})
}

func (r *badgerJournals) load(ctx context.Context, identityID string) ([]datatypes.JournalFile, error) {
	var files []datatypes.JournalFile
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		_, err := store.GetJSON(txn, journalsKey(identityID), &files)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load journals: %w", err)
	}
	return files, nil
}
