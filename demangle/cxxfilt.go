// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package demangle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// CxxFiltEnv overrides the c++filt binary used by NewCxxFilt.
const CxxFiltEnv = "SUPERSIZE_CXXFILT"

// CxxFilt demangles with a long-lived c++filt compatible subprocess.
// Names are written one per line and read back one per line. Only one
// batch is in flight at a time.
type CxxFilt struct {
	path string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	startErr error
}

// NewCxxFilt returns a CxxFilt running path. If path is empty, $SUPERSIZE_CXXFILT
// is used, falling back to llvm-cxxfilt and c++filt in $PATH.
// The subprocess is started on first use.
func NewCxxFilt(path string) *CxxFilt {
	if path == "" {
		path = os.Getenv(CxxFiltEnv)
	}
	return &CxxFilt{path: path}
}

func (c *CxxFilt) start() error {
	if c.cmd != nil || c.startErr != nil {
		return c.startErr
	}
	path := c.path
	if path == "" {
		for _, name := range []string{"llvm-cxxfilt", "c++filt"} {
			p, err := exec.LookPath(name)
			if err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		c.startErr = fmt.Errorf("%w: no c++filt found in $PATH; set $%s", ErrUnavailable, CxxFiltEnv)
		return c.startErr
	}
	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.startErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return c.startErr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.startErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return c.startErr
	}
	if err := cmd.Start(); err != nil {
		c.startErr = fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
		return c.startErr
	}
	log.Debugf("started demangler %s pid=%d", path, cmd.Process.Pid)
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	return nil
}

// Demangle sends names to the subprocess and returns its replies.
func (c *CxxFilt) Demangle(ctx context.Context, names []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.start(); err != nil {
		return nil, err
	}
	for _, name := range names {
		if strings.ContainsAny(name, "\r\n") {
			return nil, fmt.Errorf("cannot demangle name with newline: %q", name)
		}
	}

	// Write in the background so that a tool that does not buffer all
	// of its input cannot deadlock on a full pipe.
	werr := make(chan error, 1)
	go func() {
		w := bufio.NewWriter(c.stdin)
		for _, name := range names {
			if _, err := w.WriteString(name + "\n"); err != nil {
				werr <- err
				return
			}
		}
		werr <- w.Flush()
	}()

	ret := make([]string, 0, len(names))
	for range names {
		if err := ctx.Err(); err != nil {
			c.kill()
			return nil, err
		}
		line, err := c.stdout.ReadString('\n')
		if err != nil {
			c.kill()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read from demangler: %w", err)
		}
		ret = append(ret, strings.TrimRight(line, "\r\n"))
	}
	if err := <-werr; err != nil {
		c.kill()
		return nil, fmt.Errorf("write to demangler: %w", err)
	}
	return ret, nil
}

func (c *CxxFilt) kill() {
	if c.cmd == nil {
		return
	}
	c.cmd.Process.Kill()
	c.cmd.Wait()
	c.cmd = nil
	c.startErr = fmt.Errorf("%w: demangler terminated", ErrUnavailable)
}

// Close stops the subprocess.
func (c *CxxFilt) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return nil
	}
	c.stdin.Close()
	err := c.cmd.Wait()
	c.cmd = nil
	return err
}
