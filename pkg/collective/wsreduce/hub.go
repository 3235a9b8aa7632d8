// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wsreduce

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/replicastep/pkg/collective"
	"github.com/gomlx/replicastep/pkg/support/xsync"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hub reduces the contributions of a fixed number of replicas, each connected through its own websocket.
//
// Rounds are identified by a counter kept by each replica: a round completes when every replica sent its
// request for it, and then every replica receives the reduction of its own replica group.
type Hub struct {
	numReplicas int
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	rounds map[uint64]*round
	peers  map[*peer]struct{}

	completed atomic.Uint64
	closed    *xsync.Latch
}

type round struct {
	requests []*request
	peers    []*peer
	arrived  int
}

// peer is one replica connection. Writes may come from any goroutine completing a round.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) reply(resp *response) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(resp); err != nil {
		klog.Warningf("wsreduce.Hub: failed to reply round %d to %s: %v", resp.Round, p.conn.RemoteAddr(), err)
	}
}

var _ http.Handler = (*Hub)(nil)

// NewHub creates a Hub for numReplicas replicas.
func NewHub(numReplicas int) *Hub {
	return &Hub{
		numReplicas: numReplicas,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// Replicas are not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rounds: make(map[uint64]*round),
		peers:  make(map[*peer]struct{}),
		closed: xsync.NewLatch(),
	}
}

// NumReplicas the Hub expects in every round.
func (h *Hub) NumReplicas() int { return h.numReplicas }

// Rounds returns the number of rounds completed.
func (h *Hub) Rounds() uint64 { return h.completed.Load() }

// NumPeers returns the number of connected replicas.
func (h *Hub) NumPeers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// ServeHTTP implements http.Handler: it upgrades the connection to a websocket and serves the replica's
// requests until the connection is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Test() {
		http.Error(w, "wsreduce.Hub is closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("wsreduce.Hub: failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}
	p := &peer{conn: conn}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	klog.V(1).Infof("wsreduce.Hub: replica connected from %s", conn.RemoteAddr())
	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		req := &request{}
		if err := conn.ReadJSON(req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				klog.Warningf("wsreduce.Hub: read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if err := h.contribute(p, req); err != nil {
			p.reply(&response{Round: req.Round, Error: err.Error()})
		}
	}
}

// contribute registers the request of one replica, and completes the round if it was the last one.
func (h *Hub) contribute(p *peer, req *request) error {
	if req.Replicas != h.numReplicas {
		return errors.Errorf("replica %d expects %d replicas, the hub serves %d", req.Replica, req.Replicas, h.numReplicas)
	}
	if req.Replica < 0 || req.Replica >= h.numReplicas {
		return errors.Errorf("invalid replica id %d, valid ids are 0 to %d", req.Replica, h.numReplicas-1)
	}
	if err := collective.ValidateGroups(req.Groups, h.numReplicas); err != nil {
		return err
	}

	h.mu.Lock()
	r, found := h.rounds[req.Round]
	if !found {
		r = &round{
			requests: make([]*request, h.numReplicas),
			peers:    make([]*peer, h.numReplicas),
		}
		h.rounds[req.Round] = r
	}
	if r.requests[req.Replica] != nil {
		h.mu.Unlock()
		return errors.Errorf("replica %d sent round %d twice", req.Replica, req.Round)
	}
	r.requests[req.Replica] = req
	r.peers[req.Replica] = p
	r.arrived++
	if r.arrived < h.numReplicas {
		h.mu.Unlock()
		return nil
	}
	delete(h.rounds, req.Round)
	h.mu.Unlock()

	h.complete(req.Round, r)
	return nil
}

// complete reduces a round with all requests present and replies to every replica.
func (h *Hub) complete(roundID uint64, r *round) {
	results, err := h.reduce(r.requests)
	for replica, p := range r.peers {
		resp := &response{Round: roundID}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Values = results[replica]
		}
		p.reply(resp)
	}
	if err != nil {
		klog.Warningf("wsreduce.Hub: round %d failed: %v", roundID, err)
		return
	}
	h.completed.Add(1)
	klog.V(2).Infof("wsreduce.Hub: round %d reduced %d buffers", roundID, len(r.requests[0].Values))
}

// reduce returns, indexed by replica, the reduced values of its replica group.
func (h *Hub) reduce(requests []*request) ([][][]float64, error) {
	first := requests[0]
	for _, req := range requests {
		if req.Scale != first.Scale {
			return nil, errors.Errorf("replica %d reduces with scale %g, replica 0 with scale %g",
				req.Replica, req.Scale, first.Scale)
		}
		if !collective.SameGroups(req.Groups, first.Groups, h.numReplicas) {
			return nil, errors.Errorf("replica %d reduces with groups %v, replica 0 with groups %v",
				req.Replica, req.Groups, first.Groups)
		}
		if len(req.Values) != len(first.Values) {
			return nil, errors.Errorf("replica %d contributed %d buffers, replica 0 contributed %d",
				req.Replica, len(req.Values), len(first.Values))
		}
	}

	results := make([][][]float64, h.numReplicas)
	for _, group := range collective.NormalizeGroups(first.Groups, h.numReplicas) {
		reduced := make([][]float64, len(first.Values))
		vectors := make([][]float64, len(group))
		for ii := range reduced {
			for m, replica := range group {
				vectors[m] = requests[replica].Values[ii]
			}
			var err error
			reduced[ii], err = collective.SumScaled(vectors, first.Scale)
			if err != nil {
				return nil, errors.WithMessagef(err, "buffer #%d of replica group %v", ii, group)
			}
		}
		for _, replica := range group {
			results[replica] = reduced
		}
	}
	return results, nil
}

// Close disconnects all replicas and rejects new connections. Pending rounds are abandoned.
func (h *Hub) Close() error {
	h.closed.Trigger()
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closing"), time.Now().Add(writeWait))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
	h.rounds = make(map[uint64]*round)
	return nil
}

// String implements fmt.Stringer.
func (h *Hub) String() string {
	return fmt.Sprintf("wsreduce.Hub(%d replicas, %d rounds)", h.numReplicas, h.Rounds())
}
