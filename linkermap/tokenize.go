// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package linkermap

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	lineReV0 = regexp.MustCompile(`^([0-9a-f]+)\s+([0-9a-f]+)\s+(\d+) ( *)(.*)`)
	lineReV1 = regexp.MustCompile(`^\s*[0-9a-f]+\s+([0-9a-f]+)\s+([0-9a-f]+)\s+(\d+) ( *)(.*)`)
)

// sentinel flushes the last real line out of the tokenizer.
// It matches both line formats as a level 1 line.
const sentinel = "0 0 0 0 THE_END"

// ArmMode is the instruction set mode selected by an ARM mapping symbol.
type ArmMode int8

const (
	// ArmModeUnchanged keeps the current mode.
	ArmModeUnchanged ArmMode = iota
	// ArmModeARM selects 32-bit ARM code.
	ArmModeARM
	// ArmModeThumb selects Thumb-2 code.
	ArmModeThumb
)

func (m ArmMode) String() string {
	switch m {
	case ArmModeARM:
		return "arm"
	case ArmModeThumb:
		return "thumb"
	}
	return "unchanged"
}

// ParseArmAnnotation reports whether a level 3 token is an ARM mapping
// symbol such as "$t", "$d.1" or "$a.", and the mode it selects.
// "$_21::invoke" is a real symbol, not an annotation.
func ParseArmAnnotation(tok string) (bool, ArmMode) {
	if !strings.HasPrefix(tok, "$") {
		return false, ArmModeUnchanged
	}
	if len(tok) != 2 && (len(tok) < 3 || tok[2] != '.') {
		return false, ArmModeUnchanged
	}
	switch tok[1] {
	case 't':
		return true, ArmModeThumb
	case 'a':
		return true, ArmModeARM
	}
	return true, ArmModeUnchanged
}

// Token is a tokenized linker map line.
type Token struct {
	// Level is 1 for output sections, 2 for input sections and 3 for
	// symbols.
	Level   int
	Address uint64
	Size    uint64
	// Span is set for level 3 tokens only: the distance to the next
	// level 3 address, or to the end of the enclosing level 2 entry.
	Span    int64
	HasSpan bool
	Text    string
	Line    string
}

// tokenizer turns lines into tokens with one line of lookahead, which is
// needed to compute spans.
type tokenizer struct {
	re *regexp.Regexp

	prev      Token
	havePrev  bool
	level2End uint64
	thumb     bool

	// badLines counts non-blank lines that could not be tokenized.
	badLines int
}

func newTokenizer(version int) *tokenizer {
	re := lineReV0
	if version == 1 {
		re = lineReV1
	}
	return &tokenizer{re: re}
}

// match parses line. ok is false for lines that are not map entries.
func (t *tokenizer) match(line string) (tok Token, ok bool) {
	m := t.re.FindStringSubmatch(line)
	if m == nil {
		return tok, false
	}
	addr, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return tok, false
	}
	size, err := strconv.ParseUint(m[2], 16, 64)
	if err != nil {
		return tok, false
	}
	return Token{
		Level:   len(m[4])/8 + 1,
		Address: addr,
		Size:    size,
		Text:    m[5],
		Line:    line,
	}, true
}

// feed consumes line and calls fn with the previous token once it is
// complete. Feeding the sentinel flushes the last token.
func (t *tokenizer) feed(line string, fn func(Token) error) error {
	next, ok := t.match(line)
	if !ok {
		if strings.TrimSpace(line) != "" {
			t.badLines++
		}
		return nil
	}
	if next.Level == 3 {
		if !t.havePrev || t.prev.Level < 2 {
			// Cannot jump from level 1 to level 3.
			t.badLines++
			return nil
		}
		if isAnnotation, mode := ParseArmAnnotation(next.Text); isAnnotation {
			switch mode {
			case ArmModeThumb:
				t.thumb = true
			case ArmModeARM:
				t.thumb = false
			}
			return nil
		}
		if t.thumb {
			// Thumb-2 symbol addresses have the low bit set.
			next.Address &^= 1
		}
	} else {
		t.thumb = false
	}

	if t.havePrev {
		prev := t.prev
		switch prev.Level {
		case 3:
			end := t.level2End
			if next.Level == 3 {
				end = next.Address
			}
			prev.Span = int64(end) - int64(prev.Address)
			prev.HasSpan = true
		case 2:
			t.level2End = prev.Address + prev.Size
		}
		if err := fn(prev); err != nil {
			return err
		}
	}
	t.prev = next
	t.havePrev = true
	return nil
}

func (t *tokenizer) flush(fn func(Token) error) error {
	return t.feed(sentinel, fn)
}
