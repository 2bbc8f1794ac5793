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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPinataAPI is the Pinata REST endpoint.
	DefaultPinataAPI = "https://api.pinata.cloud"

	// DefaultPinataGateway serves pinned content by CID.
	DefaultPinataGateway = "https://gateway.pinata.cloud"

	// ownerKey is the pin metadata key that carries the owner tag.
	ownerKey = "owner"

	// maxPinataBody bounds a gateway response.
	maxPinataBody = 4 << 20

	// pinListPageLimit is the largest page pinList serves.
	pinListPageLimit = 1000
)

// PinataConfig configures PinataStore.
//
// # Fields
//
//   - JWT: Pinata API JWT. Required.
//   - APIURL: Default DefaultPinataAPI.
//   - GatewayURL: Default DefaultPinataGateway.
//   - HTTPClient: Default has a 30s timeout.
type PinataConfig struct {
	JWT        string
	APIURL     string
	GatewayURL string
	HTTPClient *http.Client
}

// PinataStore pins JSON payloads to IPFS through Pinata.
type PinataStore struct {
	cfg       PinataConfig
	pageLimit int
}

var _ Store = (*PinataStore)(nil)

// NewPinataStore validates cfg and returns a PinataStore.
func NewPinataStore(cfg PinataConfig) (*PinataStore, error) {
	if cfg.JWT == "" {
		return nil, errors.New("pinata: JWT is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultPinataAPI
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultPinataGateway
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	return &PinataStore{cfg: cfg, pageLimit: pinListPageLimit}, nil
}

type pinRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

type pinListResponse struct {
	Rows []struct {
		IpfsPinHash string `json:"ipfs_pin_hash"`
	} `json:"rows"`
}

// Put pins payload, which must be a JSON document.
func (p *PinataStore) Put(ctx context.Context, payload []byte, ownerTag string) (string, error) {
	if !json.Valid(payload) {
		return "", errors.New("pinata: payload is not valid JSON")
	}
	body, err := json.Marshal(pinRequest{
		PinataContent: payload,
		PinataMetadata: pinMetadata{
			Name:      "journal-" + Address(payload)[len(AddressPrefix):len(AddressPrefix)+12],
			KeyValues: map[string]string{ownerKey: ownerTag},
		},
	})
	if err != nil {
		return "", fmt.Errorf("pinata: encode pin request: %w", err)
	}

	var out pinResponse
	if err := p.doJSON(ctx, http.MethodPost, p.cfg.APIURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.IpfsHash == "" {
		return "", errors.New("pinata: response carried no IpfsHash")
	}
	slog.Debug("Pinned journal payload", "cid", out.IpfsHash)
	return out.IpfsHash, nil
}

// List queries pinned content whose owner metadata equals ownerTag, walking
// pinList pages until a short page is returned.
func (p *PinataStore) List(ctx context.Context, ownerTag string) ([]string, error) {
	filter, err := json.Marshal(map[string]any{
		ownerKey: map[string]string{"value": ownerTag, "op": "eq"},
	})
	if err != nil {
		return nil, fmt.Errorf("pinata: encode filter: %w", err)
	}

	var addrs []string
	for offset := 0; ; {
		q := url.Values{}
		q.Set("status", "pinned")
		q.Set("pageLimit", strconv.Itoa(p.pageLimit))
		q.Set("pageOffset", strconv.Itoa(offset))
		q.Set("metadata[keyvalues]", string(filter))

		var out pinListResponse
		if err := p.doJSON(ctx, http.MethodGet, p.cfg.APIURL+"/data/pinList?"+q.Encode(), nil, &out); err != nil {
			return nil, err
		}
		for _, row := range out.Rows {
			if row.IpfsPinHash != "" {
				addrs = append(addrs, row.IpfsPinHash)
			}
		}
		if len(out.Rows) < p.pageLimit {
			break
		}
		offset += len(out.Rows)
	}
	if addrs == nil {
		addrs = []string{}
	}
	return addrs, nil
}

// Get fetches a CID through the gateway.
func (p *PinataStore) Get(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.GatewayURL+"/ipfs/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, fmt.Errorf("pinata: build request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pinata: gateway get %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pinata: gateway get %s: status %d", address, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPinataBody))
	if err != nil {
		return nil, fmt.Errorf("pinata: read %s: %w", address, err)
	}
	return data, nil
}

func (p *PinataStore) doJSON(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("pinata: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.JWT)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinata: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pinata: %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pinata: decode response: %w", err)
	}
	return nil
}
