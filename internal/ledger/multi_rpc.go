package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MultiRPCClient rotates across gateway endpoints after repeated failures so
// one dead endpoint does not stall the relay.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("ledger endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep))
	}
	return &MultiRPCClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiRPCClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var out *Transaction
	err := m.withFailover(func(c *RPCClient) error {
		var err error
		out, err = c.TransactionByHash(ctx, hash)
		return err
	})
	return out, err
}

func (m *MultiRPCClient) ReceiptByHash(ctx context.Context, hash string) (*Receipt, error) {
	var out *Receipt
	err := m.withFailover(func(c *RPCClient) error {
		var err error
		out, err = c.ReceiptByHash(ctx, hash)
		return err
	})
	return out, err
}

func (m *MultiRPCClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var out string
	err := m.withFailover(func(c *RPCClient) error {
		var err error
		out, err = c.Submit(ctx, req)
		return err
	})
	return out, err
}

func (m *MultiRPCClient) withFailover(fn func(c *RPCClient) error) error {
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		err := fn(client)
		if err == nil || errors.Is(err, ErrNotFound) {
			m.resetFailures(idx)
			return err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
	}
	return lastErr
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
