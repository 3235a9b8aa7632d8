// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// npyDType returns the NumPy dtype string used to store a buffer of the given dtype.
// BFloat16 has no standard NumPy dtype, so it is stored as float32.
func npyDType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32, dtypes.BFloat16:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	default:
		return "", errors.Errorf("unsupported dtype for .npy: %s", dtype)
	}
}

// WriteNpy serializes a buffer to w in .npy (version 1.0) format.
func WriteNpy(b buffers.Buffer, w io.Writer) error {
	descr, err := npyDType(b.DType())
	if err != nil {
		return err
	}
	dims := b.Dims()
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		dimsStr := make([]string, len(dims))
		for i, dim := range dims {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}

	// Magic (6) + version (2) + header length (2) + header must be a multiple of 16, header ending in a newline.
	var header bytes.Buffer
	_, _ = fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	var preamble [10]byte
	copy(preamble[:], "\x93NUMPY")
	preamble[6], preamble[7] = 1, 0
	binary.LittleEndian.PutUint16(preamble[8:], uint16(header.Len()))
	if _, err := w.Write(preamble[:]); err != nil {
		return errors.Wrapf(err, "failed to write .npy preamble")
	}
	if _, err := w.Write(header.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}

	values := b.Float64s()
	var data []byte
	switch descr {
	case "<f2":
		data = make([]byte, 2*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint16(data[2*ii:], float16.Fromfloat32(float32(v)).Bits())
		}
	case "<f4":
		data = make([]byte, 4*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(float32(v)))
		}
	case "<f8":
		data = make([]byte, 8*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint64(data[8*ii:], math.Float64bits(v))
		}
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write .npy data")
	}
	return nil
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadNpy reads a buffer written by WriteNpy: little-endian float16, float32 or float64 in C order.
func ReadNpy(r io.Reader) (*buffers.Local, error) {
	var preamble [10]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy preamble")
	}
	if string(preamble[:6]) != "\x93NUMPY" {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	if preamble[6] != 1 {
		return nil, errors.Errorf("unsupported .npy version: %d.%d", preamble[6], preamble[7])
	}
	headerBytes := make([]byte, binary.LittleEndian.Uint16(preamble[8:]))
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy header")
	}
	header := string(headerBytes)

	mDescr := reDescr.FindStringSubmatch(header)
	mFortran := reFortran.FindStringSubmatch(header)
	mShape := reShape.FindStringSubmatch(header)
	if mDescr == nil || mFortran == nil || mShape == nil {
		return nil, errors.Errorf("invalid .npy header %q", header)
	}
	if mFortran[1] == "True" {
		return nil, errors.Errorf("Fortran order .npy files are not supported")
	}
	var dims []int
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		dim, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid shape value %q in .npy header", p)
		}
		dims = append(dims, dim)
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}

	var elementSize int
	var b *buffers.Local
	switch mDescr[1] {
	case "<f2":
		elementSize, b = 2, buffers.FromFlat(make([]float16.Float16, size), dims...)
	case "<f4":
		elementSize, b = 4, buffers.FromFlat(make([]float32, size), dims...)
	case "<f8":
		elementSize, b = 8, buffers.FromFlat(make([]float64, size), dims...)
	default:
		return nil, errors.Errorf("unsupported .npy dtype %q", mDescr[1])
	}
	if len(dims) == 0 {
		b = scalarOf(b)
	}
	data := make([]byte, elementSize*size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy data (expected %d bytes)", len(data))
	}
	values := make([]float64, size)
	for ii := range values {
		switch elementSize {
		case 2:
			values[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[2*ii:])).Float32())
		case 4:
			values[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*ii:])))
		case 8:
			values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*ii:]))
		}
	}
	if err := b.SetFloat64s(values); err != nil {
		return nil, err
	}
	return b, nil
}

// scalarOf returns a rank 0 buffer of the same dtype as the 1-element buffer b.
func scalarOf(b *buffers.Local) *buffers.Local {
	switch flat := b.Flat().(type) {
	case []float16.Float16:
		return buffers.FromScalar(flat[0])
	case []float32:
		return buffers.FromScalar(flat[0])
	case []float64:
		return buffers.FromScalar(flat[0])
	}
	return b
}

// WriteNpz writes the named buffers as a .npz archive (a zip of .npy files). names and bufs are parallel.
func WriteNpz(w io.Writer, names []string, bufs []buffers.Buffer) error {
	if len(names) != len(bufs) {
		return errors.Errorf("WriteNpz: %d names for %d buffers", len(names), len(bufs))
	}
	zipWriter := zip.NewWriter(w)
	for ii, b := range bufs {
		npyName := names[ii] + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := WriteNpy(b, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write buffer %q to .npz archive", names[ii])
		}
	}
	if err := zipWriter.Close(); err != nil {
		return errors.Wrapf(err, "failed to close .npz archive")
	}
	return nil
}

// ReadNpzFile reads a .npz file written by WriteNpz, returning the buffers by name (without the ".npy" suffix).
func ReadNpzFile(filePath string) (map[string]*buffers.Local, error) {
	zipReader, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = zipReader.Close() }()
	results := make(map[string]*buffers.Local, len(zipReader.File))
	for _, f := range zipReader.File {
		name, isNpy := strings.CutSuffix(f.Name, ".npy")
		if !isNpy {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within %q", f.Name, filePath)
		}
		b, err := ReadNpy(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read %q from %q", f.Name, filePath)
		}
		results[name] = b
	}
	return results, nil
}

// writeNpzFile creates filePath with the .npz archive.
func writeNpzFile(filePath string, names []string, bufs []buffers.Buffer) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file")
	}
	if err := WriteNpz(file, names, bufs); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}
