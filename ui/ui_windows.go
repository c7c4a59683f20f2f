// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ui

import (
	"os"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/windows"
)

var consoleMode uint32

// Init enables virtual terminal processing on stderr so escape sequences
// render.
func Init() {
	h := windows.Handle(os.Stderr.Fd())
	var mode uint32
	if err := windows.GetConsoleMode(h, &mode); err != nil {
		log.Debugf("GetConsoleMode: %v", err)
		return
	}
	consoleMode = mode
	if mode&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING != 0 {
		return
	}
	mode |= windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
	if err := windows.SetConsoleMode(h, mode); err != nil {
		log.Warnf("SetConsoleMode 0x%x: %v", mode, err)
	}
}

// Restore restores the console mode saved by Init.
func Restore() {
	if consoleMode == 0 {
		return
	}
	if err := windows.SetConsoleMode(windows.Handle(os.Stderr.Fd()), consoleMode); err != nil {
		log.Warnf("SetConsoleMode 0x%x: %v", consoleMode, err)
	}
}
