// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fileformat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/infra/tools/supersize/models"
)

const (
	sizediffHeader  = "DIFF"
	sizediffVersion = 1
)

type sizediffFields struct {
	BeforeLength int `json:"before_length"`
	Version      int `json:"version"`
}

// SaveDelta writes d to w in the .sizediff format.
//
// Only the symbols that changed are stored, so unchanged symbols are absent
// from the DeltaSizeInfo returned by LoadDelta.
func SaveDelta(ctx context.Context, w io.Writer, d *models.DeltaSizeInfo) error {
	before := []*models.Symbol{}
	after := []*models.Symbol{}
	for _, ds := range d.Symbols.WhereNotUnchanged().Symbols {
		if ds.Before != nil {
			before = append(before, ds.Before)
		}
		if ds.After != nil {
			after = append(after, ds.After)
		}
	}

	var beforeBuf, afterBuf bytes.Buffer
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return Save(&beforeBuf, d.Before, SaveOptions{Symbols: before})
	})
	eg.Go(func() error {
		return Save(&afterBuf, d.After, SaveOptions{Symbols: after})
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	buf, err := json.MarshalIndent(sizediffFields{
		BeforeLength: beforeBuf.Len(),
		Version:      sizediffVersion,
	}, "", "  ")
	if err != nil {
		return err
	}
	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "%s\n%s\n%d\n%s\n", commonHeader, sizediffHeader, len(buf), buf)
	for _, b := range [][]byte{hdr.Bytes(), beforeBuf.Bytes(), afterBuf.Bytes()} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// LoadDelta reads a .sizediff file written by SaveDelta and diffs its two
// payloads.
func LoadDelta(ctx context.Context, r io.Reader) (*models.DeltaSizeInfo, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	prefix := commonHeader + "\n" + sizediffHeader + "\n"
	rest, ok := bytes.CutPrefix(b, []byte(prefix))
	if !ok {
		return nil, fmt.Errorf("%w: not a sizediff file", ErrMalformed)
	}
	lenLine, rest, ok := bytes.Cut(rest, []byte("\n"))
	if !ok {
		return nil, fmt.Errorf("%w: missing header length", ErrMalformed)
	}
	n, err := strconv.Atoi(string(lenLine))
	if err != nil || n < 0 || n+1 > len(rest) || rest[n] != '\n' {
		return nil, fmt.Errorf("%w: bad header length %q", ErrMalformed, lenLine)
	}
	var fields sizediffFields
	if err := json.Unmarshal(rest[:n], &fields); err != nil {
		return nil, fmt.Errorf("%w: sizediff header: %v", ErrMalformed, err)
	}
	if fields.Version != sizediffVersion {
		return nil, fmt.Errorf("%w: sizediff version %d, want %d; use a supersize version that matches the one that created the file", ErrVersionMismatch, fields.Version, sizediffVersion)
	}
	rest = rest[n+1:]
	if fields.BeforeLength < 0 || fields.BeforeLength > len(rest) {
		return nil, fmt.Errorf("%w: before_length %d exceeds file size", ErrMalformed, fields.BeforeLength)
	}

	var before, after *models.SizeInfo
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		before, err = Load(bytes.NewReader(rest[:fields.BeforeLength]))
		if err != nil {
			return fmt.Errorf("before: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		after, err = Load(bytes.NewReader(rest[fields.BeforeLength:]))
		if err != nil {
			return fmt.Errorf("after: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return models.Diff(before, after), nil
}

// SaveDeltaFile writes d to fname.
func SaveDeltaFile(ctx context.Context, fsys afero.Fs, fname string, d *models.DeltaSizeInfo) error {
	var buf bytes.Buffer
	if err := SaveDelta(ctx, &buf, d); err != nil {
		return fmt.Errorf("save %s: %w", fname, err)
	}
	return afero.WriteFile(fsys, fname, buf.Bytes(), 0644)
}

// LoadDeltaFile reads a .sizediff file.
func LoadDeltaFile(ctx context.Context, fsys afero.Fs, fname string) (*models.DeltaSizeInfo, error) {
	f, err := fsys.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := LoadDelta(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", fname, err)
	}
	return d, nil
}
