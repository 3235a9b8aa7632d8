// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// NpzExporter writes each export to a new .npz file in a directory, along with a YAML manifest describing it.
//
// Files are named "<prefix><label>-<seq>.npz" and "<prefix><label>-<seq>.yaml", where seq counts the exports
// of this exporter. Buffers are stored in order as "buf_0000", "buf_0001", etc.
type NpzExporter struct {
	dir    string
	prefix string

	mu  sync.Mutex
	seq int
}

var _ Exporter = (*NpzExporter)(nil)

// Manifest describes one export, and is saved next to the .npz file.
type Manifest struct {
	ID        string          `yaml:"id"`
	Label     string          `yaml:"label"`
	Sequence  int             `yaml:"sequence"`
	Time      time.Time       `yaml:"time"`
	File      string          `yaml:"file"`
	TotalSize string          `yaml:"total_size"`
	Buffers   []BufferSummary `yaml:"buffers"`
}

// BufferSummary describes one exported buffer.
type BufferSummary struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	DType  string `yaml:"dtype"`
	Dims   []int  `yaml:"dims,flow"`
	Device string `yaml:"device,omitempty"`
	Bytes  uint64 `yaml:"bytes"`
}

// NewNpzExporter creates an NpzExporter writing to dir. The directory is created if needed, and a leading "~"
// is expanded to the user's home directory.
func NewNpzExporter(dir string) (*NpzExporter, error) {
	expanded, err := fsutil.PrepareDir(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewNpzExporter(%q)", dir)
	}
	return &NpzExporter{dir: expanded}, nil
}

// WithPrefix sets a prefix for the file names, e.g. "replica_3-", so replicas sharing a directory don't
// overwrite each other. It returns the exporter, so calls can be cascaded.
func (e *NpzExporter) WithPrefix(prefix string) *NpzExporter {
	e.prefix = prefix
	return e
}

// Dir where files are written.
func (e *NpzExporter) Dir() string { return e.dir }

// Export implements Exporter.
func (e *NpzExporter) Export(label string, bufs []buffers.Buffer) error {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	base := fmt.Sprintf("%s%s-%06d", e.prefix, label, seq)
	npzPath := filepath.Join(e.dir, base+".npz")
	manifest := &Manifest{
		ID:       uuid.NewString(),
		Label:    label,
		Sequence: seq,
		Time:     time.Now().UTC(),
		File:     filepath.Base(npzPath),
	}
	names := make([]string, len(bufs))
	var total uint64
	for ii, b := range bufs {
		if b == nil {
			return errors.Errorf("buffer #%d of export %q is nil", ii, label)
		}
		names[ii] = fmt.Sprintf("buf_%04d", ii)
		numBytes := uint64(b.Size()) * uint64(b.DType().Size())
		total += numBytes
		manifest.Buffers = append(manifest.Buffers, BufferSummary{
			Name:   names[ii],
			Kind:   b.Kind().String(),
			DType:  b.DType().String(),
			Dims:   b.Dims(),
			Device: b.DeviceTag(),
			Bytes:  numBytes,
		})
	}
	manifest.TotalSize = humanize.Bytes(total)

	if err := writeNpzFile(npzPath, names, bufs); err != nil {
		return errors.WithMessagef(err, "exporting %q", label)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return errors.Wrapf(err, "encoding manifest of %q", label)
	}
	manifestPath := filepath.Join(e.dir, base+".yaml")
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return errors.Wrapf(err, "writing manifest %q", manifestPath)
	}
	klog.V(1).Infof("diagnostics: exported %d buffers (%s) to %s", len(bufs), manifest.TotalSize, npzPath)
	return nil
}

// ReadManifest reads a manifest written by NpzExporter.
func ReadManifest(filePath string) (*Manifest, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest")
	}
	manifest := &Manifest{}
	if err := yaml.Unmarshal(contents, manifest); err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %q", filePath)
	}
	return manifest, nil
}
