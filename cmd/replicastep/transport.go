// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gomlx/replicastep/internal/config"
	"github.com/gomlx/replicastep/pkg/collective"
	"github.com/gomlx/replicastep/pkg/collective/local"
	"github.com/gomlx/replicastep/pkg/collective/wsreduce"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// transport connects the replicas of a run.
type transport struct {
	reducers []collective.Reducer
	rounds   func() uint64
	close    func()
}

func newTransport(ctx context.Context, cfg *config.Config, numReplicas int) (*transport, error) {
	switch cfg.Transport {
	case config.TransportLocal:
		group := local.NewGroup(numReplicas).WithParallelism(cfg.Parallelism)
		t := &transport{rounds: group.Rounds, close: func() {}}
		for _, r := range group.Replicas() {
			t.reducers = append(t.reducers, r)
		}
		return t, nil
	case config.TransportWebsocket:
		return newWebsocketTransport(ctx, cfg, numReplicas)
	}
	return nil, errors.Errorf("unknown transport %q", cfg.Transport)
}

// newWebsocketTransport starts a Hub listening on cfg.Listen and connects every replica to it.
func newWebsocketTransport(ctx context.Context, cfg *config.Config, numReplicas int) (*transport, error) {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q", cfg.Listen)
	}
	hub := wsreduce.NewHub(numReplicas)
	mux := http.NewServeMux()
	mux.Handle("/reduce", hub)
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("websocket hub server failed: %+v", err)
		}
	}()
	url := fmt.Sprintf("ws://%s/reduce", listener.Addr())
	klog.V(1).Infof("%s listening on %s", hub, url)

	clients := make([]*wsreduce.Client, numReplicas)
	closeAll := func() {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
		_ = hub.Close()
		_ = server.Close()
	}
	eg, dialCtx := errgroup.WithContext(ctx)
	for replicaID := range clients {
		eg.Go(func() error {
			var err error
			clients[replicaID], err = wsreduce.Dial(dialCtx, url, replicaID, numReplicas,
				wsreduce.WithDialTimeout(cfg.DialTimeout))
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		closeAll()
		return nil, err
	}
	t := &transport{rounds: hub.Rounds, close: closeAll}
	for _, c := range clients {
		t.reducers = append(t.reducers, c)
	}
	return t, nil
}
