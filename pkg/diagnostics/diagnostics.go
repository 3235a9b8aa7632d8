// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diagnostics exports buffers for offline inspection. Exporting is best-effort: callers use SafeExport,
// which never fails and never panics, so a broken dump directory can't abort a training step.
//
// The default Exporter, NpzExporter, writes one NumPy .npz file (plus a YAML manifest) per export in the
// directory given by the environment variable SAVE_GRAPH_DIR.
package diagnostics

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DumpDirEnv is the environment variable with the directory where buffers are exported. Exporting is disabled
// if it is not set.
const DumpDirEnv = "SAVE_GRAPH_DIR"

// StepLabel is the label used when exporting the buffers of an optimizer step.
const StepLabel = "optimizer_step"

// Exporter is a side-channel sink for buffers.
type Exporter interface {
	// Export the buffers, in order, under the given label.
	Export(label string, bufs []buffers.Buffer) error
}

// ExporterFunc adapts a function to an Exporter.
type ExporterFunc func(label string, bufs []buffers.Buffer) error

// Export implements Exporter.
func (fn ExporterFunc) Export(label string, bufs []buffers.Buffer) error { return fn(label, bufs) }

// FromEnv returns an NpzExporter writing to the directory in SAVE_GRAPH_DIR, or nil if it is not set.
// If the directory can't be created, it logs a warning and returns nil.
func FromEnv() *NpzExporter {
	dir := os.Getenv(DumpDirEnv)
	if dir == "" {
		return nil
	}
	e, err := NewNpzExporter(dir)
	if err != nil {
		klog.Warningf("diagnostics: %s=%q can't be used, buffers won't be exported: %+v", DumpDirEnv, dir, err)
		return nil
	}
	return e
}

// SafeExport calls e.Export and swallows (logs) any error or panic. It returns whether the export succeeded.
// A nil Exporter is a no-op that returns false.
func SafeExport(e Exporter, label string, bufs []buffers.Buffer) bool {
	if e == nil {
		return false
	}
	var err error
	if exception := exceptions.Try(func() { err = e.Export(label, bufs) }); exception != nil {
		klog.Warningf("diagnostics: export %q panicked: %v", label, exception)
		return false
	}
	if err != nil {
		klog.Warningf("diagnostics: export %q failed: %+v", label, errors.WithStack(err))
		return false
	}
	return true
}

// Multi returns an Exporter that exports to all the given exporters (nil ones are skipped), and returns the
// first error.
func Multi(exporters ...Exporter) Exporter {
	return ExporterFunc(func(label string, bufs []buffers.Buffer) error {
		var firstErr error
		for _, e := range exporters {
			if e == nil {
				continue
			}
			if err := e.Export(label, bufs); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
