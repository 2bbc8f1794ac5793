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
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGCS serves the JSON upload and list calls and the XML download call
// of the Cloud Storage API for a single bucket.
type fakeGCS struct {
	bucket string

	mu         sync.Mutex
	objects    map[string][]byte
	pending    map[string]string
	conflicts  int
	nextUpload int
}

func newFakeGCS(bucket string) *fakeGCS {
	return &fakeGCS{bucket: bucket, objects: map[string][]byte{}, pending: map[string]string{}}
}

func (f *fakeGCS) handler() http.Handler {
	uploadPath := "/upload/storage/v1/b/" + f.bucket + "/o"
	listPath := "/storage/v1/b/" + f.bucket + "/o"
	jsonReadPrefix := listPath + "/"
	xmlReadPrefix := "/" + f.bucket + "/"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == uploadPath:
			f.upload(w, r)
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/resumable/"):
			f.finishResumable(w, r)
		case r.Method == http.MethodGet && r.URL.Path == listPath:
			f.list(w, r)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, jsonReadPrefix):
			f.read(w, strings.TrimPrefix(r.URL.Path, jsonReadPrefix))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, xmlReadPrefix):
			f.read(w, strings.TrimPrefix(r.URL.Path, xmlReadPrefix))
		default:
			http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotImplemented)
		}
	})
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("uploadType") {
	case "multipart":
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
			http.Error(w, "bad content type", http.StatusBadRequest)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		meta, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(meta).Decode(&obj); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		media, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(media)
		f.store(w, obj.Name, q.Get("ifGenerationMatch") == "0", data)
	case "resumable":
		var obj struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&obj)
		f.mu.Lock()
		f.nextUpload++
		id := strconv.Itoa(f.nextUpload)
		guard := ""
		if q.Get("ifGenerationMatch") == "0" {
			guard = "0"
		}
		f.pending[id] = guard + obj.Name
		f.mu.Unlock()
		w.Header().Set("Location", "http://"+r.Host+"/resumable/"+id)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unsupported upload type", http.StatusBadRequest)
	}
}

func (f *fakeGCS) finishResumable(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/resumable/")
	f.mu.Lock()
	entry, ok := f.pending[id]
	delete(f.pending, id)
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, _ := io.ReadAll(r.Body)
	f.store(w, strings.TrimPrefix(entry, "0"), strings.HasPrefix(entry, "0"), data)
}

func (f *fakeGCS) store(w http.ResponseWriter, name string, mustNotExist bool, data []byte) {
	f.mu.Lock()
	_, exists := f.objects[name]
	if mustNotExist && exists {
		f.conflicts++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = io.WriteString(w, `{"error":{"code":412,"message":"At least one of the pre-conditions you specified did not hold."}}`)
		return
	}
	f.objects[name] = data
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":       "storage#object",
		"bucket":     f.bucket,
		"name":       name,
		"size":       strconv.Itoa(len(data)),
		"generation": "1",
	})
}

func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	f.mu.Lock()
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	f.mu.Unlock()
	sort.Strings(names)

	items := make([]map[string]string, 0, len(names))
	for _, name := range names {
		items = append(items, map[string]string{"kind": "storage#object", "bucket": f.bucket, "name": name})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) read(w http.ResponseWriter, name string) {
	f.mu.Lock()
	data, ok := f.objects[name]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (f *fakeGCS) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for name := range f.objects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func newGCS(t *testing.T) (*GCSStore, *fakeGCS) {
	t.Helper()
	fake := newFakeGCS("journals")
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	g, err := NewGCSStore(context.Background(), GCSConfig{Bucket: "journals", Endpoint: srv.URL + "/storage/v1/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, fake
}

func TestGCSStore_PutListGet(t *testing.T) {
	g, fake := newGCS(t)
	ctx := context.Background()
	payload := []byte(`{"title":"day one"}`)

	addr, err := g.Put(ctx, payload, "id-1")
	require.NoError(t, err)
	assert.Equal(t, Address(payload), addr)

	list, err := g.List(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{addr}, list)

	other, err := g.List(ctx, "id-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	got, err := g.Get(ctx, addr)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	assert.Equal(t, []string{"objects/" + addr, "owners/id-1/" + addr}, fake.names())
}

func TestGCSStore_SamePayloadTwoOwners(t *testing.T) {
	g, fake := newGCS(t)
	ctx := context.Background()
	payload := []byte(`{"shared":true}`)

	a, err := g.Put(ctx, payload, "id-a")
	require.NoError(t, err)
	b, err := g.Put(ctx, payload, "id-b")
	require.NoError(t, err, "an existing payload object is not an error")
	assert.Equal(t, a, b)

	for _, owner := range []string{"id-a", "id-b"} {
		list, err := g.List(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, []string{a}, list, owner)
	}
	assert.Equal(t, 1, fake.conflicts)
	assert.Len(t, fake.names(), 3)
}

func TestGCSStore_Errors(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{})
	assert.Error(t, err)

	g, _ := newGCS(t)
	_, err = g.Get(context.Background(), "sha256-"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGCSStore_UploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"denied"}}`)
	}))
	t.Cleanup(srv.Close)

	g, err := NewGCSStore(context.Background(), GCSConfig{Bucket: "journals", Endpoint: srv.URL + "/storage/v1/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	_, err = g.Put(context.Background(), []byte(`{"a":1}`), "id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcs: upload")
}
