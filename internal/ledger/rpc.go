package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var ErrNotFound = errors.New("ledger: transaction not found")

type RPCClient struct {
	baseURL string
	client  *http.Client
	nextID  atomic.Int64
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCClient) BaseURL() string { return c.baseURL }

func (c *RPCClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var res rpcTransaction
	if err := c.call(ctx, "tx_getTransactionByHash", []any{hash}, &res); err != nil {
		return nil, err
	}
	if res.Hash == "" {
		return nil, ErrNotFound
	}
	return &Transaction{
		Hash:        res.Hash,
		From:        res.From,
		To:          res.To,
		Value:       res.Value,
		Payload:     res.Payload,
		Status:      res.Status,
		BlockHeight: res.BlockHeight,
	}, nil
}

func (c *RPCClient) ReceiptByHash(ctx context.Context, hash string) (*Receipt, error) {
	var res rpcReceipt
	if err := c.call(ctx, "tx_getReceipt", []any{hash}, &res); err != nil {
		return nil, err
	}
	if res.TxHash == "" {
		return nil, ErrNotFound
	}
	receipt := &Receipt{TxHash: res.TxHash, Status: res.Status}
	for _, l := range res.Logs {
		receipt.Logs = append(receipt.Logs, Log{Data: l.Data})
	}
	return receipt, nil
}

func (c *RPCClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	params := []any{map[string]string{
		"from":    req.From,
		"to":      req.To,
		"value":   req.Value,
		"payload": req.Payload,
		"chainId": req.ChainID,
	}}
	var hash string
	if err := c.call(ctx, "tx_submit", params, &hash); err != nil {
		return "", err
	}
	if hash == "" {
		return "", errors.New("ledger: submit returned empty hash")
	}
	return hash, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("ledger rpc status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("ledger rpc status %d", resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Error != nil {
		return fmt.Errorf("ledger rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return ErrNotFound
	}
	return json.Unmarshal(env.Result, out)
}

// RPC response types

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type rpcTransaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	BlockHeight int64  `json:"blockHeight"`
}

type rpcReceipt struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
	Logs   []struct {
		Data string `json:"data"`
	} `json:"logs"`
}
