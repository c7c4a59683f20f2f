// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ui reports progress of long running supersize stages.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Spinner shows progress of a single stage.
type Spinner interface {
	// Start starts the spinner with the specified formatted string.
	Start(format string, args ...any)
	// Stop stops the spinner, reporting err if not nil.
	Stop(err error)
	// Done finishes the spinner with a message.
	Done(format string, args ...any)
}

// UI creates spinners.
type UI interface {
	NewSpinner() Spinner
}

// Default holds the UI used by Run.
// It is set once in init and must not be changed afterwards.
var Default UI

func init() {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		Default = &TermUI{w: os.Stderr, width: termWidth}
		return
	}
	Default = LogUI{}
}

// IsTerminal reports whether progress goes to an interactive terminal.
func IsTerminal() bool {
	_, ok := Default.(*TermUI)
	return ok
}

// Run runs fn while a spinner labeled msg is shown.
func Run(msg string, fn func() error) error {
	s := Default.NewSpinner()
	s.Start("%s", msg)
	err := fn()
	s.Stop(err)
	return err
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		return 0
	}
	return w
}

// LogUI reports progress through the logger.
type LogUI struct{}

// NewSpinner returns a spinner that logs start and finish of a stage.
func (LogUI) NewSpinner() Spinner {
	return &logSpinner{}
}

type logSpinner struct {
	msg     string
	started time.Time
}

func (s *logSpinner) Start(format string, args ...any) {
	s.msg = StripANSIEscapeCodes(fmt.Sprintf(format, args...))
	s.started = time.Now()
	log.Info(s.msg)
}

func (s *logSpinner) Stop(err error) {
	if err != nil {
		log.Error(s.msg, "err", err, "elapsed", FormatDuration(time.Since(s.started)))
		return
	}
	log.Info(s.msg, "elapsed", FormatDuration(time.Since(s.started)))
}

func (s *logSpinner) Done(format string, args ...any) {
	log.Info(StripANSIEscapeCodes(fmt.Sprintf(format, args...)), "elapsed", FormatDuration(time.Since(s.started)))
}

// TermUI draws an animated spinner on a terminal.
type TermUI struct {
	w     io.Writer
	width func() int
}

// NewSpinner returns a spinner redrawing its line once per tick.
func (u *TermUI) NewSpinner() Spinner {
	return &termSpinner{ui: u, tick: time.Second}
}

// SGRCode is a Select Graphic Rendition parameter.
type SGRCode int

const (
	Bold SGRCode = iota
	Red
	Green
	Reset
)

var sgrParams = map[SGRCode]string{
	Bold:  "1",
	Red:   "31;1",
	Green: "32",
	Reset: "0",
}

// SGR wraps msg in the escape sequence for c when writing to a terminal.
func SGR(c SGRCode, msg string) string {
	if !IsTerminal() {
		return msg
	}
	return "\033[" + sgrParams[c] + "m" + msg + "\033[0m"
}

// StripANSIEscapeCodes removes SGR escape sequences from s.
func StripANSIEscapeCodes(s string) string {
	var sb strings.Builder
	for {
		i := strings.Index(s, "\033[")
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:i])
		j := strings.IndexByte(s[i:], 'm')
		if j < 0 {
			// unterminated sequence: keep as is.
			sb.WriteString(s[i:])
			return sb.String()
		}
		s = s[i+j+1:]
	}
}

// elideMiddle shortens msg to fit in width columns by replacing its middle
// with "...". Escape sequences are dropped from elided messages.
func elideMiddle(msg string, width int) string {
	const marker = "..."
	plain := []rune(StripANSIEscapeCodes(msg))
	if width <= len(marker)+1 || len(plain) < width {
		return msg
	}
	n := (width - len(marker) - 1) / 2
	return string(plain[:n]) + marker + string(plain[len(plain)-n:])
}

// FormatDuration formats d as "m:ss.ss" or "h:mm:ss".
func FormatDuration(d time.Duration) string {
	if d >= time.Hour {
		h := d / time.Hour
		d -= h * time.Hour
		m := d / time.Minute
		d -= m * time.Minute
		return fmt.Sprintf("%d:%02d:%02d", h, m, d/time.Second)
	}
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%d:%05.2f", m, d.Seconds())
}
