// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ui

import (
	"fmt"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type termSpinner struct {
	ui   *TermUI
	tick time.Duration

	mu      sync.Mutex
	msg     string
	started time.Time
	frame   int

	quit chan struct{}
	done chan struct{}
}

func (s *termSpinner) Start(format string, args ...any) {
	s.mu.Lock()
	s.msg = fmt.Sprintf(format, args...)
	s.started = time.Now()
	s.draw()
	s.mu.Unlock()

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.tick)
		defer t.Stop()
		for {
			select {
			case <-s.quit:
				return
			case <-t.C:
				s.mu.Lock()
				s.frame++
				s.draw()
				s.mu.Unlock()
			}
		}
	}()
}

// draw rewrites the current line. s.mu must be held.
func (s *termSpinner) draw() {
	line := fmt.Sprintf("%s %s %s", spinnerFrames[s.frame%len(spinnerFrames)], FormatDuration(time.Since(s.started)), s.msg)
	s.writeLine(line, false)
}

func (s *termSpinner) writeLine(line string, final bool) {
	if w := s.ui.width(); w > 0 {
		line = elideMiddle(line, w)
	}
	end := ""
	if final {
		end = "\n"
	}
	fmt.Fprintf(s.ui.w, "\r\033[K%s%s", line, end)
}

func (s *termSpinner) finish() time.Duration {
	if s.quit != nil {
		close(s.quit)
		<-s.done
		s.quit = nil
	}
	return time.Since(s.started)
}

func (s *termSpinner) Stop(err error) {
	d := s.finish()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.writeLine(fmt.Sprintf("%s %s %s", SGR(Red, "✗"), FormatDuration(d), s.msg), true)
		return
	}
	s.writeLine(fmt.Sprintf("%s %s %s", SGR(Green, "✓"), FormatDuration(d), s.msg), true)
}

func (s *termSpinner) Done(format string, args ...any) {
	d := s.finish()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLine(fmt.Sprintf("%s %s %s", SGR(Green, "✓"), FormatDuration(d), fmt.Sprintf(format, args...)), true)
}
