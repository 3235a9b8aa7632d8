// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wsreduce implements collective.Reducer for replicas running in separate processes: every replica
// connects to a Hub through a websocket, and each reduction round is one request from every replica, answered
// by the Hub once all of them arrived.
//
// The Hub is an http.Handler, so it can be mounted on any HTTP server:
//
//	hub := wsreduce.NewHub(numReplicas)
//	http.Handle("/reduce", hub)
//
// And each replica dials it:
//
//	reducer, err := wsreduce.Dial(ctx, "ws://coordinator:8080/reduce", replicaID, numReplicas)
package wsreduce

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from a peer.
	maxMessageSize = 256 << 20

	// Default maximum time spent retrying to connect to the Hub.
	defaultDialTimeout = 30 * time.Second
)

// request is sent by a replica for each reduction round.
type request struct {
	Replica  int     `json:"replica"`
	Replicas int     `json:"replicas"`
	Round    uint64  `json:"round"`
	Scale    float64 `json:"scale"`
	Groups   [][]int `json:"groups,omitempty"`
	Values   vectors `json:"values"`
}

// response is sent by the Hub to each replica when its round is complete.
type response struct {
	Round  uint64  `json:"round"`
	Values vectors `json:"values,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// vectors is the wire form of a list of float64 vectors: each vector is one base64 string of its
// little-endian IEEE 754 bits, so NaN and infinities survive the JSON encoding.
type vectors [][]float64

// MarshalJSON implements json.Marshaler.
func (vs vectors) MarshalJSON() ([]byte, error) {
	encoded := make([]string, len(vs))
	for ii, v := range vs {
		raw := make([]byte, 8*len(v))
		for jj, x := range v {
			binary.LittleEndian.PutUint64(raw[8*jj:], math.Float64bits(x))
		}
		encoded[ii] = base64.StdEncoding.EncodeToString(raw)
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON implements json.Unmarshaler.
func (vs *vectors) UnmarshalJSON(data []byte) error {
	var encoded []string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return errors.Wrap(err, "values must be a list of base64 strings")
	}
	if encoded == nil {
		*vs = nil
		return nil
	}
	decoded := make(vectors, len(encoded))
	for ii, str := range encoded {
		raw, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return errors.Wrapf(err, "decoding values #%d", ii)
		}
		if len(raw)%8 != 0 {
			return errors.Errorf("values #%d has %d bytes, not a multiple of 8", ii, len(raw))
		}
		v := make([]float64, len(raw)/8)
		for jj := range v {
			v[jj] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*jj:]))
		}
		decoded[ii] = v
	}
	*vs = decoded
	return nil
}
