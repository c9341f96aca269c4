// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package codec wraps the compression codecs used by snapshot artifacts and
// columnar exports behind one name-keyed interface.
package codec

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"
)

// Error is the default codec error class.
var Error = errs.Class("codec")

// Name identifies a codec.
type Name string

// Supported codecs.
const (
	Gzip   Name = "gzip"
	Zstd   Name = "zstd"
	Snappy Name = "snappy"
)

// Default is used when no codec is configured.
const Default = Gzip

// Parse resolves a codec name, tolerating common aliases.
func Parse(name string) (Name, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "snappy", "sz":
		return Snappy, nil
	}
	return "", Error.New("unsupported codec %q", name)
}

// Ext returns the artifact file extension for the codec.
func (n Name) Ext() string {
	switch n {
	case Zstd:
		return "zst"
	case Snappy:
		return "snappy"
	default:
		return "gz"
	}
}

// FromExt resolves a codec from a file extension, with or without the dot.
func FromExt(ext string) (Name, error) {
	return Parse(strings.TrimPrefix(ext, "."))
}

// NewWriter wraps w with the codec's compressor. Close flushes.
func (n Name) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch n {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		return zw, Error.Wrap(err)
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	}
	return nil, Error.New("unsupported codec %q", n)
}

// NewReader wraps r with the codec's decompressor.
func (n Name) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch n {
	case Gzip:
		zr, err := gzip.NewReader(r)
		return zr, Error.Wrap(err)
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return zr.IOReadCloser(), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	}
	return nil, Error.New("unsupported codec %q", n)
}
