// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// replicastep runs a set of simulated replicas that fit a linear model with synchronized optimizer steps:
// at every step the gradients of all replicas are averaged before each replica applies its local update.
//
// The replicas run in one process, connected either in-process (--transport=local) or through a websocket hub
// (--transport=websocket). See --help for the configuration, which can also be given with environment
// variables (REPLICASTEP_STEPS, …) or a YAML file (--config).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/replicastep/internal/config"
	"github.com/gomlx/replicastep/pkg/stepmetrics"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()
	cfg := must.M1(config.Load(pflag.CommandLine))

	metrics := stepmetrics.New("replicastep")
	registry := prometheus.NewRegistry()
	must.M(metrics.Register(registry))
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	result, err := run(ctx, cfg, metrics)
	if err != nil {
		klog.Fatalf("replicastep failed: %+v", err)
	}
	report(cfg, result)
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	klog.Infof("serving metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("metrics server failed: %+v", err)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func report(cfg *config.Config, result *runResult) {
	fmt.Println(titleStyle.Render("Summary"))
	summary := newPlainTable()
	summary.Row("mesh", cfg.Mesh)
	summary.Row("transport", cfg.Transport)
	summary.Row("optimizer", cfg.Optimizer)
	groups := "all replicas"
	if result.Groups != nil {
		groups = fmt.Sprintf("%v", result.Groups)
	}
	summary.Row("replica groups", groups)
	summary.Row("reduction rounds", humanize.Comma(int64(result.Rounds)))
	summary.Row("steps marked", humanize.Comma(result.StepsMarked))
	summary.Row("elapsed", formatDuration(result.Elapsed))
	summary.Row("target", fmt.Sprintf("slope=%g, offset=%g", trueSlope, trueIntercept))
	fmt.Println(summary.Render())

	fmt.Println(titleStyle.Render("Replicas"))
	replicas := newPlainTable().Headers("Replica", "Device", "Slope", "Offset", "First loss", "Last loss")
	for _, r := range result.Replicas {
		replicas.Row(fmt.Sprint(r.ID), r.Device, fmt.Sprintf("%.6f", r.Slope), fmt.Sprintf("%.6f", r.Offset),
			fmt.Sprintf("%.6f", r.FirstLoss), fmt.Sprintf("%.6f", r.LastLoss))
	}
	fmt.Println(replicas.Render())
}
