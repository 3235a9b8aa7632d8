// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wsreduce_test

import (
	"context"
	"math"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gomlx/replicastep/pkg/collective/wsreduce"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

var _ = Describe("Hub and Client", func() {
	const numReplicas = 4
	var (
		hub     *wsreduce.Hub
		server  *httptest.Server
		clients []*wsreduce.Client
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		hub = wsreduce.NewHub(numReplicas)
		server = httptest.NewServer(hub)
		clients = make([]*wsreduce.Client, numReplicas)
		for ii := range clients {
			var err error
			clients[ii], err = wsreduce.Dial(ctx, wsURL(server), ii, numReplicas)
			Expect(err).NotTo(HaveOccurred())
		}
		Eventually(hub.NumPeers).Should(Equal(numReplicas))
	})

	AfterEach(func() {
		for _, c := range clients {
			_ = c.Close()
		}
		_ = hub.Close()
		server.Close()
		cancel()
	})

	// reduceAll runs one CrossReplicaSum per client concurrently.
	reduceAll := func(grads [][]buffers.Buffer, scale float64, groups [][]int) error {
		var eg errgroup.Group
		for ii, c := range clients {
			eg.Go(func() error { return c.CrossReplicaSum(ctx, grads[ii], scale, groups) })
		}
		return eg.Wait()
	}

	It("averages the gradients of all replicas", func() {
		grads := make([][]buffers.Buffer, numReplicas)
		for ii := range grads {
			grads[ii] = []buffers.Buffer{buffers.FromScalar(float32(ii + 1))}
		}
		Expect(reduceAll(grads, 1.0/numReplicas, nil)).To(Succeed())
		for _, g := range grads {
			Expect(g[0].Float64s()).To(Equal([]float64{2.5}))
		}
		Expect(hub.Rounds()).To(Equal(uint64(1)))
	})

	It("reduces each replica group separately, over several rounds", func() {
		grads := make([][]buffers.Buffer, numReplicas)
		for ii := range grads {
			grads[ii] = []buffers.Buffer{
				buffers.FromFlat([]float64{float64(ii), 1}),
				buffers.FromScalar(float32(10 * ii)),
			}
		}
		groups := [][]int{{0, 1}, {2, 3}}
		Expect(reduceAll(grads, 1, groups)).To(Succeed())
		Expect(grads[1][0].Float64s()).To(Equal([]float64{1, 2}))
		Expect(grads[3][0].Float64s()).To(Equal([]float64{5, 2}))
		Expect(grads[2][1].Float64s()).To(Equal([]float64{50}))

		Expect(reduceAll(grads, 0.5, groups)).To(Succeed())
		Expect(grads[0][0].Float64s()).To(Equal([]float64{1, 2}))
		Expect(hub.Rounds()).To(Equal(uint64(2)))
	})

	It("fails the round for every replica if they disagree on the number of buffers", func() {
		grads := make([][]buffers.Buffer, numReplicas)
		for ii := range grads {
			grads[ii] = []buffers.Buffer{buffers.FromScalar(1.0)}
		}
		grads[2] = append(grads[2], buffers.FromScalar(2.0))
		var eg errgroup.Group
		errs := make([]error, numReplicas)
		for ii, c := range clients {
			eg.Go(func() error {
				errs[ii] = c.CrossReplicaSum(ctx, grads[ii], 1, nil)
				return nil
			})
		}
		Expect(eg.Wait()).To(Succeed())
		for _, err := range errs {
			Expect(err).To(MatchError(ContainSubstring("contributed")))
		}
		Expect(hub.Rounds()).To(BeZero())
	})

	It("carries NaN and infinities through the hub", func() {
		grads := make([][]buffers.Buffer, numReplicas)
		for ii := range grads {
			grads[ii] = []buffers.Buffer{buffers.FromFlat([]float64{1, 1}), buffers.FromScalar(0.0)}
		}
		grads[0][0] = buffers.FromFlat([]float64{math.Inf(1), 1})
		grads[1][0] = buffers.FromFlat([]float64{1, math.NaN()})
		grads[3][1] = buffers.FromScalar(math.Inf(-1))
		Expect(reduceAll(grads, 1.0/numReplicas, nil)).To(Succeed())
		for _, g := range grads {
			values := g[0].Float64s()
			Expect(math.IsInf(values[0], 1)).To(BeTrue())
			Expect(math.IsNaN(values[1])).To(BeTrue())
			Expect(math.IsInf(g[1].Float64s()[0], -1)).To(BeTrue())
		}
		Expect(hub.Rounds()).To(Equal(uint64(1)))
	})

	It("leaves every buffer untouched when a later buffer has mismatched sizes", func() {
		grads := make([][]buffers.Buffer, numReplicas)
		for ii := range grads {
			grads[ii] = []buffers.Buffer{buffers.FromScalar(float64(ii)), buffers.FromFlat([]float64{1, 2})}
		}
		grads[3][1] = buffers.FromFlat([]float64{1, 2, 3})
		var eg errgroup.Group
		errs := make([]error, numReplicas)
		for ii, c := range clients {
			eg.Go(func() error {
				errs[ii] = c.CrossReplicaSum(ctx, grads[ii], 1, nil)
				return nil
			})
		}
		Expect(eg.Wait()).To(Succeed())
		for ii, err := range errs {
			Expect(err).To(MatchError(ContainSubstring("buffer #1")))
			Expect(grads[ii][0].Float64s()).To(Equal([]float64{float64(ii)}))
		}
		Expect(grads[0][1].Float64s()).To(Equal([]float64{1, 2}))
		Expect(hub.Rounds()).To(BeZero())
	})

	It("abandons a reduction when the context is cancelled", func() {
		shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer shortCancel()
		err := clients[0].CrossReplicaSum(shortCtx, []buffers.Buffer{buffers.FromScalar(1.0)}, 1, nil)
		Expect(err).To(MatchError(context.DeadlineExceeded))

		// The client can no longer be used.
		err = clients[0].CrossReplicaSum(ctx, []buffers.Buffer{buffers.FromScalar(1.0)}, 1, nil)
		Expect(err).To(MatchError(ContainSubstring("no longer usable")))
	})

	It("rejects invalid replica groups before contacting the hub", func() {
		err := clients[0].CrossReplicaSum(ctx, nil, 1, [][]int{{0, 1}})
		Expect(err).To(HaveOccurred())
		Expect(hub.Rounds()).To(BeZero())
	})
})

var _ = Describe("Dial", func() {
	It("retries until the hub is reachable", func() {
		hub := wsreduce.NewHub(1)
		server := httptest.NewUnstartedServer(hub)
		url := "ws://" + server.Listener.Addr().String()
		go func() {
			time.Sleep(200 * time.Millisecond)
			server.Start()
		}()
		defer server.Close()

		client, err := wsreduce.Dial(context.Background(), url, 0, 1, wsreduce.WithDialTimeout(10*time.Second))
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = client.Close() }()

		grad := buffers.FromFlat([]float32{2, 4})
		Expect(client.CrossReplicaSum(context.Background(), []buffers.Buffer{grad}, 0.5, nil)).To(Succeed())
		Expect(grad.Float64s()).To(Equal([]float64{1, 2}))
	})

	It("gives up after the dial timeout", func() {
		_, err := wsreduce.Dial(context.Background(), "ws://127.0.0.1:1/reduce", 0, 1,
			wsreduce.WithDialTimeout(300*time.Millisecond))
		Expect(err).To(HaveOccurred())
	})

	It("rejects invalid replica ids", func() {
		_, err := wsreduce.Dial(context.Background(), "ws://127.0.0.1:1/reduce", 2, 2)
		Expect(err).To(HaveOccurred())
	})
})
