// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCConfig configures RPCNotarizer.
//
// # Fields
//
//   - URL: JSON-RPC endpoint of a node that holds the signer's key. Required.
//   - Contract: Notary contract address. Empty sends a self-transaction
//     carrying the content address as calldata.
//   - HTTPClient: Default has a 30s timeout.
type RPCConfig struct {
	URL        string
	Contract   string
	HTTPClient *http.Client
}

// RPCNotarizer submits eth_sendTransaction to a JSON-RPC node.
type RPCNotarizer struct {
	cfg    RPCConfig
	nextID atomic.Int64
}

var _ Notarizer = (*RPCNotarizer)(nil)

// NewRPCNotarizer validates cfg.
func NewRPCNotarizer(cfg RPCConfig) (*RPCNotarizer, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger rpc: URL is required")
	}
	if cfg.Contract != "" && !ValidSigningIdentity(cfg.Contract) {
		return nil, fmt.Errorf("ledger rpc: invalid contract address %q", cfg.Contract)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RPCNotarizer{cfg: cfg}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type sendTx struct {
	From string `json:"from"`
	To   string `json:"to"`
	Data string `json:"data"`
}

// Notarize sends a transaction whose calldata is the content address.
func (r *RPCNotarizer) Notarize(ctx context.Context, address, signingIdentity string) (string, error) {
	if err := checkSigner(signingIdentity); err != nil {
		return "", err
	}
	to := r.cfg.Contract
	if to == "" {
		to = signingIdentity
	}
	tx := sendTx{
		From: signingIdentity,
		To:   to,
		Data: "0x" + hex.EncodeToString([]byte(address)),
	}

	var ref string
	if err := r.call(ctx, "eth_sendTransaction", []any{tx}, &ref); err != nil {
		return "", err
	}
	if ref == "" {
		return "", errors.New("ledger rpc: empty transaction hash")
	}
	return ref, nil
}

func (r *RPCNotarizer) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      r.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("ledger rpc: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger rpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger rpc: %s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("ledger rpc: decode %s: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("ledger rpc: %s: %w", method, rr.Error)
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("ledger rpc: decode %s result: %w", method, err)
	}
	return nil
}
