// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures GCSStore.
//
// # Fields
//
//   - Bucket: Bucket name. Required.
//   - CredentialsFile: Service account key. Empty uses application default credentials.
//   - Endpoint: Overrides the API endpoint (emulators).
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Endpoint        string
}

// GCSStore keeps content in a Cloud Storage bucket.
//
// Layout:
//
//	objects/<address>              payload
//	owners/<ownerTag>/<address>    empty marker used for listing
type GCSStore struct {
	client *storage.Client
	bucket string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a storage client for cfg.Bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Close releases the storage client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func gcsObjectName(address string) string {
	return "objects/" + address
}

func gcsOwnerPrefix(ownerTag string) string {
	return "owners/" + ownerTag + "/"
}

// Put uploads the payload then the owner marker. The payload object is
// written only if absent, since its name is derived from its content.
func (g *GCSStore) Put(ctx context.Context, payload []byte, ownerTag string) (string, error) {
	address := Address(payload)
	bkt := g.client.Bucket(g.bucket)

	obj := bkt.Object(gcsObjectName(address)).If(storage.Conditions{DoesNotExist: true})
	if err := g.write(ctx, obj, payload, "application/json"); err != nil && !isPreconditionFailed(err) {
		return "", fmt.Errorf("gcs: upload %s: %w", address, err)
	}
	if err := g.write(ctx, bkt.Object(gcsOwnerPrefix(ownerTag)+address), nil, "text/plain"); err != nil {
		return "", fmt.Errorf("gcs: tag %s: %w", address, err)
	}
	return address, nil
}

// List walks the owner prefix.
func (g *GCSStore) List(ctx context.Context, ownerTag string) ([]string, error) {
	prefix := gcsOwnerPrefix(ownerTag)
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs: list %s: %w", prefix, err)
		}
		out = append(out, strings.TrimPrefix(attrs.Name, prefix))
	}
	return out, nil
}

// Get downloads a payload.
func (g *GCSStore) Get(ctx context.Context, address string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(gcsObjectName(address)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs: open %s: %w", address, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs: read %s: %w", address, err)
	}
	return data, nil
}

func (g *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, data []byte, contentType string) error {
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// isPreconditionFailed reports a DoesNotExist precondition failure, which
// means the identical object is already stored.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
