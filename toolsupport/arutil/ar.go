// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package arutil reads GNU ar archives, including thin archives.
package arutil

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/metadata"
)

// ErrMalformedArchive is returned for files that are not valid archives.
var ErrMalformedArchive = errors.New("malformed archive")

const (
	thinMagic   = "!<thin>\n"
	archMagic   = "!<arch>\n"
	magicLen    = 8
	headerLen   = 60
	headerMagic = "`\n"
	maxPayload  = 1 << 32
)

// Member is an archive member.
type Member struct {
	// Name is the member name; for thin archives, the path of the object
	// file relative to the archive's directory.
	Name string
	// Size is the size of the member contents.
	Size int64
	// Data is the member contents. It is nil for thin archives.
	Data []byte
}

// Reader iterates over archive members.
type Reader struct {
	r      *bufio.Reader
	thin   bool
	names  []byte
	offset int64
}

// NewReader returns a Reader for an archive. It reads and checks the
// archive magic.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var magic [magicLen]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: short magic: %v", ErrMalformedArchive, err)
	}
	var thin bool
	switch string(magic[:]) {
	case thinMagic:
		thin = true
	case archMagic:
	default:
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedArchive, magic[:])
	}
	return &Reader{r: br, thin: thin, offset: magicLen}, nil
}

// IsThin reports whether the archive is a thin archive.
func (ar *Reader) IsThin() bool { return ar.thin }

// readPayload reads size bytes plus the 2-byte alignment padding.
func (ar *Reader) readPayload(size int64, keep bool) ([]byte, error) {
	var buf []byte
	var err error
	if keep {
		if size > maxPayload {
			return nil, fmt.Errorf("%w: member too large at offset %d: %d", ErrMalformedArchive, ar.offset, size)
		}
		buf = make([]byte, size)
		_, err = io.ReadFull(ar.r, buf)
	} else {
		_, err = ar.r.Discard(int(size))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: truncated member at offset %d: %v", ErrMalformedArchive, ar.offset, err)
	}
	ar.offset += size
	if size&1 != 0 {
		if _, err := ar.r.Discard(1); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}
		ar.offset++
	}
	return buf, nil
}

// Next returns the next member, or io.EOF at the end of the archive.
// Symbol tables and the name table are consumed and not returned.
func (ar *Reader) Next() (*Member, error) {
	for {
		var hdr [headerLen]byte
		n, err := io.ReadFull(ar.r, hdr[:])
		if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrMalformedArchive, ar.offset)
		}
		ar.offset += headerLen
		if string(hdr[58:60]) != headerMagic {
			return nil, fmt.Errorf("%w: bad header at offset %d", ErrMalformedArchive, ar.offset-headerLen)
		}
		name := strings.TrimRight(string(hdr[:16]), " ")
		size, err := strconv.ParseInt(strings.TrimRight(string(hdr[48:58]), " "), 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: bad size %q at offset %d", ErrMalformedArchive, hdr[48:58], ar.offset-headerLen)
		}

		switch name {
		case "", "/", "/SYM64/":
			if _, err := ar.readPayload(size, false); err != nil {
				return nil, err
			}
			continue
		case "//":
			ar.names, err = ar.readPayload(size, true)
			if err != nil {
				return nil, err
			}
			continue
		}

		if strings.HasPrefix(name, "/") {
			name, err = ar.lookupName(name[1:])
			if err != nil {
				return nil, err
			}
		}
		name = strings.TrimRight(name, "/")
		m := &Member{Name: name, Size: size}
		if !ar.thin {
			m.Data, err = ar.readPayload(size, true)
			if err != nil {
				return nil, err
			}
		}
		return m, nil
	}
}

// lookupName returns the "\n" terminated name at offset s in the name
// table.
func (ar *Reader) lookupName(s string) (string, error) {
	off, err := strconv.Atoi(s)
	if err != nil || off < 0 || off >= len(ar.names) {
		return "", fmt.Errorf("%w: bad name offset %q", ErrMalformedArchive, s)
	}
	end := bytes.IndexByte(ar.names[off:], '\n')
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated name at offset %d", ErrMalformedArchive, off)
	}
	return string(ar.names[off : off+end]), nil
}

// ReadMemberNames returns the member names of the archive at fname.
func ReadMemberNames(fsys afero.Fs, fname string) (names []string, thin bool, err error) {
	return readMemberNames(fsys, fname, false)
}

func readMemberNames(fsys afero.Fs, fname string, thinOnly bool) (names []string, thin bool, err error) {
	f, err := fsys.Open(fname)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	ar, err := NewReader(f)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", fname, err)
	}
	if thinOnly && !ar.IsThin() {
		return nil, false, nil
	}
	for {
		m, err := ar.Next()
		if errors.Is(err, io.EOF) {
			return names, ar.IsThin(), nil
		}
		if err != nil {
			return nil, ar.IsThin(), fmt.Errorf("%s: %w", fname, err)
		}
		names = append(names, m.Name)
	}
}

// IsThinArchive reports whether fname starts with the thin archive magic.
func IsThinArchive(fsys afero.Fs, fname string) (bool, error) {
	f, err := fsys.Open(fname)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var magic [magicLen]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false, nil
	}
	return string(magic[:]) == thinMagic, nil
}

// CreateThinObjectPath returns the path of member of the thin archive at
// archivePath. Members already prefixed with "obj/" are complete;
// others are relative to the archive's directory.
func CreateThinObjectPath(archivePath, member string) string {
	if strings.HasPrefix(member, "obj/") {
		return member
	}
	return path.Clean(path.Join(path.Dir(archivePath), member))
}

// ExpandThinArchives replaces thin archives in paths with the paths of
// their members. Paths are relative to outDir within fsys. Regular
// archives and other files are kept as is.
//
// Missing files are skipped with a warning. Malformed archives are
// skipped, logged and counted in issues, if not nil.
// It returns the expanded paths and the set of thin archives seen.
func ExpandThinArchives(fsys afero.Fs, paths []string, outDir string, issues *metadata.Issues) ([]string, map[string]bool, error) {
	var expanded []string
	thin := make(map[string]bool)
	for _, p := range paths {
		if !strings.HasSuffix(p, ".a") {
			expanded = append(expanded, p)
			continue
		}
		fname := path.Join(outDir, p)
		names, isThin, err := readMemberNames(fsys, fname, true)
		switch {
		case errors.Is(err, ErrMalformedArchive):
			log.Warnf("skipping %v", err)
			if issues != nil {
				issues.Add("malformed_archive", 1)
			}
			continue
		case err != nil:
			exists, serr := afero.Exists(fsys, fname)
			if serr == nil && !exists {
				log.Warnf("linker input not found: %s", fname)
				continue
			}
			return nil, nil, err
		}
		if !isThin {
			expanded = append(expanded, p)
			continue
		}
		thin[p] = true
		for _, name := range names {
			expanded = append(expanded, CreateThinObjectPath(p, name))
		}
	}
	return expanded, thin, nil
}
