// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wsreduce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gomlx/replicastep/pkg/collective"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client is the collective.Reducer of one replica connected to a Hub.
//
// Reductions of one Client are serialized. If a reduction is abandoned (context cancelled) the Client is
// closed, since it can no longer keep its rounds in step with the other replicas.
type Client struct {
	url                    string
	replicaID, numReplicas int

	mu     sync.Mutex
	conn   *websocket.Conn
	round  uint64
	broken error
}

var _ collective.Reducer = (*Client)(nil)

// DialOption configures Dial.
type DialOption func(*dialConfig)

type dialConfig struct {
	timeout time.Duration
	dialer  *websocket.Dialer
}

// WithDialTimeout sets the maximum time spent retrying to connect to the Hub. Default is 30 seconds.
func WithDialTimeout(timeout time.Duration) DialOption {
	return func(c *dialConfig) { c.timeout = timeout }
}

// WithDialer sets the websocket.Dialer used to connect. Default is websocket.DefaultDialer.
func WithDialer(dialer *websocket.Dialer) DialOption {
	return func(c *dialConfig) { c.dialer = dialer }
}

// Dial connects replica replicaID (of numReplicas) to the Hub at url ("ws://host:port/path").
//
// The Hub may not be up yet when replicas start, so failed connection attempts are retried with exponential
// backoff, until the dial timeout or ctx is done.
func Dial(ctx context.Context, url string, replicaID, numReplicas int, options ...DialOption) (*Client, error) {
	if replicaID < 0 || replicaID >= numReplicas {
		return nil, errors.Errorf("wsreduce.Dial: invalid replica id %d for %d replicas", replicaID, numReplicas)
	}
	cfg := dialConfig{timeout: defaultDialTimeout, dialer: websocket.DefaultDialer}
	for _, option := range options {
		option(&cfg)
	}

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := cfg.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// The Hub is up, but rejects us: retrying won't help.
				return nil, backoff.Permanent(errors.Wrapf(err, "hub rejected connection (%s)", resp.Status))
			}
			klog.V(1).Infof("wsreduce.Dial(%s): attempt %d failed: %v", url, attempt, err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.timeout))
	if err != nil {
		return nil, errors.Wrapf(err, "wsreduce.Dial(%q) failed after %d attempts", url, attempt)
	}
	conn.SetReadLimit(maxMessageSize)
	klog.V(1).Infof("wsreduce: replica %d connected to %s", replicaID, url)
	return &Client{
		url:         url,
		replicaID:   replicaID,
		numReplicas: numReplicas,
		conn:        conn,
	}, nil
}

// ReplicaCount implements collective.Reducer.
func (c *Client) ReplicaCount() int { return c.numReplicas }

// ReplicaID implements collective.Reducer.
func (c *Client) ReplicaID() int { return c.replicaID }

// String implements fmt.Stringer.
func (c *Client) String() string {
	return fmt.Sprintf("wsreduce.Client(replica %d/%d @ %s)", c.replicaID, c.numReplicas, c.url)
}

// CrossReplicaSum implements collective.Reducer: it sends the buffers to the Hub and blocks until the round
// is reduced, then writes the results into bufs.
func (c *Client) CrossReplicaSum(ctx context.Context, bufs []buffers.Buffer, scale float64, groups [][]int) error {
	if err := collective.ValidateGroups(groups, c.numReplicas); err != nil {
		return errors.WithMessagef(err, "%s", c)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return errors.WithMessagef(c.broken, "%s is no longer usable", c)
	}

	round := c.round
	c.round++
	req := &request{
		Replica:  c.replicaID,
		Replicas: c.numReplicas,
		Round:    round,
		Scale:    scale,
		Groups:   groups,
		Values:   collective.Flatten(bufs),
	}

	// Interrupt blocking reads/writes if ctx is done.
	_ = c.conn.SetReadDeadline(time.Time{})
	_ = c.conn.SetWriteDeadline(time.Time{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
			_ = c.conn.SetWriteDeadline(time.Now())
		case <-done:
		}
	}()

	resp := &response{}
	err := c.conn.WriteJSON(req)
	if err == nil {
		err = c.conn.ReadJSON(resp)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "round %d abandoned", round)
		} else {
			err = errors.Wrapf(err, "round %d", round)
		}
		c.broken = err
		_ = c.conn.Close()
		return errors.WithMessagef(err, "%s: CrossReplicaSum", c)
	}
	if resp.Error != "" {
		return errors.Errorf("%s: CrossReplicaSum round %d failed in the hub: %s", c, round, resp.Error)
	}
	if resp.Round != round {
		c.broken = errors.Errorf("hub answered round %d, expected round %d", resp.Round, round)
		return errors.WithMessagef(c.broken, "%s: CrossReplicaSum", c)
	}
	if err := collective.Scatter(bufs, resp.Values); err != nil {
		return errors.WithMessagef(err, "%s: CrossReplicaSum round %d", c, round)
	}
	return nil
}

// Close the connection to the Hub.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = errors.New("client closed")
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}
