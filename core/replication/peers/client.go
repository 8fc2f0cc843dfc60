package peers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocache/core/locking"
	"github.com/sushant-115/gojocache/pkg/connection"
)

// Client sends transaction commands to peer nodes, reusing TCP connections
// through the shared pool. One request occupies one pooled connection for
// the duration of its round trip.
type Client struct {
	pools      *connection.ConnectionPoolManager
	logger     *zap.Logger
	reqTimeout time.Duration
}

// NewClient wires the forwarding client. reqTimeout bounds a single round
// trip; zero means 10s.
func NewClient(pools *connection.ConnectionPoolManager, logger *zap.Logger, reqTimeout time.Duration) *Client {
	if reqTimeout <= 0 {
		reqTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{pools: pools, logger: logger, reqTimeout: reqTimeout}
}

// Send performs one request/response exchange with the peer at addr. A
// transport failure force-closes the pooled connection so a stale socket is
// never reused.
func (c *Client) Send(ctx context.Context, addr string, req Request) (Response, error) {
	conn, err := c.pools.Get(addr)
	if err != nil {
		return Response{}, fmt.Errorf("peers: connect %s: %w", addr, err)
	}

	deadline := time.Now().Add(c.reqTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.ForceClose()
		return Response{}, fmt.Errorf("peers: set deadline: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close()
		return Response{}, fmt.Errorf("peers: encode request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := conn.Write(payload); err != nil {
		_ = conn.ForceClose()
		return Response{}, fmt.Errorf("peers: write to %s: %w", addr, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		_ = conn.ForceClose()
		return Response{}, fmt.Errorf("peers: read from %s: %w", addr, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		_ = conn.ForceClose()
		return Response{}, fmt.Errorf("peers: decode response from %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	_ = conn.Close()
	return resp, nil
}

// SendAll fans the request out to every address and returns the first
// protocol failure. An outdated-topology response surfaces as
// locking.ErrOutdatedTopology so the originator's retry path kicks in.
func (c *Client) SendAll(ctx context.Context, addrs []string, req Request) error {
	for _, addr := range addrs {
		resp, err := c.Send(ctx, addr, req)
		if err != nil {
			return err
		}
		if !resp.OK {
			if resp.OutdatedTopology {
				return fmt.Errorf("peers: %s rejected %s: %w", addr, req.Type, locking.ErrOutdatedTopology)
			}
			return fmt.Errorf("peers: %s rejected %s: %s", addr, req.Type, resp.Error)
		}
		c.logger.Debug("peer accepted command",
			zap.String("peer", addr),
			zap.String("type", string(req.Type)),
			zap.String("tx", req.TxID.String()),
		)
	}
	return nil
}
