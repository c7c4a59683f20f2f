// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/models"
)

// GNArgsFile is the name of the file holding GN build arguments in an
// output directory.
const GNArgsFile = "args.gn"

// ParseGNArgs returns the sorted "key=value" assignments of an args.gn
// file. Comments are removed even within string literals.
func ParseGNArgs(buf []byte) []string {
	args := make(map[string]string)
	s := bufio.NewScanner(bytes.NewReader(buf))
	for s.Scan() {
		line, _, _ := strings.Cut(s.Text(), "#")
		parts := strings.Split(line, "=")
		if len(parts) != 2 {
			continue
		}
		args[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	ret := make([]string, 0, len(args))
	for k, v := range args {
		ret = append(ret, k+"="+v)
	}
	sort.Strings(ret)
	return ret
}

// DetectGitRevision returns the HEAD commit of the git checkout at dir.
func DetectGitRevision(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// createBuildConfig describes the build from opts. A missing args.gn and
// a failure to detect the git revision are not errors.
func createBuildConfig(ctx context.Context, fsys afero.Fs, opts Options) models.BuildConfig {
	log.Debug("constructing build config")
	bc := models.BuildConfig{
		GitRevision: opts.GitRevision,
		Title:       opts.Title,
		URL:         opts.URL,
	}
	if opts.OutputDirectory != "" {
		buf, err := afero.ReadFile(fsys, filepath.Join(opts.OutputDirectory, GNArgsFile))
		if err != nil {
			log.Warnf("no gn args: %v", err)
		} else {
			bc.GNArgs = ParseGNArgs(buf)
		}
		bc.OutDirectory = opts.OutputDirectory
		if opts.SourceDirectory != "" {
			if rel, err := filepath.Rel(opts.SourceDirectory, opts.OutputDirectory); err == nil {
				bc.OutDirectory = filepath.ToSlash(rel)
			}
		}
	}
	if bc.GitRevision == "" && opts.SourceDirectory != "" {
		rev, err := DetectGitRevision(ctx, opts.SourceDirectory)
		if err != nil {
			log.Warnf("failed to detect git revision for file metadata: %v", err)
		}
		bc.GitRevision = rev
	}
	return bc
}
