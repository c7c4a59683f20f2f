// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package archive creates size infos from a linker map and the build
// outputs around it.
package archive

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/infra/tools/supersize/demangle"
	"go.chromium.org/infra/tools/supersize/dirmetadata"
	"go.chromium.org/infra/tools/supersize/linkermap"
	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/models"
	"go.chromium.org/infra/tools/supersize/pathutil"
	"go.chromium.org/infra/tools/supersize/toolsupport/arutil"
	"go.chromium.org/infra/tools/supersize/toolsupport/ninjautil"
)

// ErrNoInput is returned when neither a map file nor an ELF file is
// given, or no map file can be found for the ELF file.
var ErrNoInput = errors.New("no linker map")

// ErrUnmatchedSourcePaths is returned in strict mode when object paths
// are not found in the ninja files, which happens when the ninja files
// were generated at a different time than the map file.
var ErrUnmatchedSourcePaths = errors.New("source paths not found")

// Algorithm is the value of metadata.ElfAlgorithm for size infos created
// by this package.
const Algorithm = "linker_map"

// Options configures CreateSizeInfo.
type Options struct {
	// Fs is the filesystem all paths are resolved on. Nil means the OS
	// filesystem.
	Fs afero.Fs

	// MapFile is the linker map (.map or .map.gz). If empty, it is
	// deduced from ElfFile.
	MapFile string
	// ElfFile is the linked binary. Only its name, size, mtime and
	// architecture are recorded. Its link command selects the linker
	// inputs in the ninja files.
	ElfFile string
	// OutputDirectory is the build output directory. If empty, no
	// source paths or gn args are recorded.
	OutputDirectory string
	// SourceDirectory is the checkout root. If empty, components are
	// not looked up.
	SourceDirectory string
	// NoSourcePaths skips parsing ninja files.
	NoSourcePaths bool

	// Strict makes identity collisions and unmatched source paths
	// errors.
	Strict bool
	// Demangler demangles symbol names. Nil means demangle.Identity.
	Demangler demangle.Demangler
	// GenDirRegex matches generated source paths, in addition to "gen/".
	GenDirRegex *regexp.Regexp
	// Components configures component lookup.
	Components dirmetadata.Options
	// Linker configures the map parser.
	Linker linkermap.Parser
	// MaxSameNameAliasCount overrides DefaultMaxSameNameAliasCount when
	// positive.
	MaxSameNameAliasCount int

	// GitRevision is recorded in the build config. If empty, it is
	// detected from SourceDirectory.
	GitRevision string
	URL         string
	Title       string
	// ToolVersion is recorded in metadata when not empty.
	ToolVersion string
}

func (o Options) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

// deduceMapFile returns elfFile + ".map.gz" or elfFile + ".map",
// whichever exists.
func deduceMapFile(fsys afero.Fs, elfFile string) (string, error) {
	for _, ext := range []string{".map.gz", ".map"} {
		fname := elfFile + ext
		if ok, _ := afero.Exists(fsys, fname); ok {
			return fname, nil
		}
	}
	return "", fmt.Errorf("%w: %s.map.gz does not exist", ErrNoInput, elfFile)
}

// linkerElfPath returns the path of the link output for elfFile relative
// to outDir. For partitioned libraries the linker writes
// libfoo__combined.so.
func linkerElfPath(fsys afero.Fs, outDir, elfFile string) string {
	p := elfFile
	combined := strings.Replace(elfFile, ".so", "__combined.so", 1)
	if ok, _ := afero.Exists(fsys, combined); ok {
		p = combined
	}
	if rel, err := filepath.Rel(outDir, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}

// shortenPath returns p relative to outDir, or its basename when there
// is no output directory.
func shortenPath(outDir, p string) string {
	if outDir == "" {
		return filepath.Base(p)
	}
	if rel, err := filepath.Rel(outDir, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(p)
}

var elfArchs = map[elf.Machine]string{
	elf.EM_ARM:     "arm",
	elf.EM_AARCH64: "arm64",
	elf.EM_386:     "x86",
	elf.EM_X86_64:  "x64",
}

func elfMetadata(fsys afero.Fs, outDir, fname string, md metadata.Metadata) error {
	fi, err := fsys.Stat(fname)
	if err != nil {
		return err
	}
	if err := md.Set(metadata.ElfFileName, shortenPath(outDir, fname)); err != nil {
		return err
	}
	if err := md.SetInt(metadata.ElfSize, fi.Size()); err != nil {
		return err
	}
	if err := md.SetInt(metadata.ElfMtime, fi.ModTime().UTC().Unix()); err != nil {
		return err
	}
	f, err := fsys.Open(fname)
	if err != nil {
		return err
	}
	defer f.Close()
	ef, err := elf.NewFile(f)
	if err != nil {
		log.Warnf("not an ELF file %s: %v", fname, err)
		return nil
	}
	if arch, ok := elfArchs[ef.Machine]; ok {
		return md.Set(metadata.ElfArch, arch)
	}
	return md.Set(metadata.ElfArch, strings.ToLower(strings.TrimPrefix(ef.Machine.String(), "EM_")))
}

type ninjaResult struct {
	mapper       *ninjautil.SourceMapper
	linkerInputs []string
}

// CreateSizeInfo parses the linker map described by opts and returns
// the resulting size info, with symbols demangled, attributed to source
// paths and components, sorted, and padded.
func CreateSizeInfo(ctx context.Context, opts Options) (*models.SizeInfo, error) {
	fsys := opts.fs()
	var issues metadata.Issues
	started := time.Now()

	mapFile := opts.MapFile
	if mapFile == "" {
		if opts.ElfFile == "" {
			return nil, ErrNoInput
		}
		var err error
		mapFile, err = deduceMapFile(fsys, opts.ElfFile)
		if err != nil {
			return nil, err
		}
	}

	// Ninja files are parsed while the map is being parsed.
	var nr ninjaResult
	var res *linkermap.Result
	eg, gctx := errgroup.WithContext(ctx)
	if opts.OutputDirectory != "" && !opts.NoSourcePaths {
		eg.Go(func() error {
			var elfPath string
			if opts.ElfFile != "" {
				elfPath = linkerElfPath(fsys, opts.OutputDirectory, opts.ElfFile)
			}
			log.Infof("parsing ninja files, looking for %q", elfPath)
			sm, inputs, err := ninjautil.Parse(gctx, fsys, opts.OutputDirectory, elfPath)
			if err != nil {
				return fmt.Errorf("parse ninja files: %w", err)
			}
			if elfPath != "" && inputs == nil {
				return fmt.Errorf("failed to find link command in ninja files for %s", elfPath)
			}
			nr = ninjaResult{mapper: sm, linkerInputs: inputs}
			return nil
		})
	}
	eg.Go(func() error {
		log.Infof("parsing %s", mapFile)
		var err error
		res, err = opts.Linker.ParseFile(gctx, fsys, mapFile)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	log.Infof("parsed %d symbols from %s (%s) in %s", len(res.Symbols), mapFile, res.Linker, time.Since(started))
	syms := res.Symbols
	sections := res.SectionSizes

	// Thin archive members are listed as foo.a(bar.o) in the map, but
	// they are separate files.
	var thinArchives map[string]bool
	switch {
	case nr.linkerInputs != nil:
		expanded, thin, err := arutil.ExpandThinArchives(fsys, nr.linkerInputs, opts.OutputDirectory, &issues)
		if err != nil {
			return nil, err
		}
		thinArchives = thin
		known := make(map[string]bool, len(expanded)+len(nr.linkerInputs))
		for _, p := range expanded {
			known[p] = true
		}
		for _, p := range nr.linkerInputs {
			known[p] = true
		}
		if missed := discoverMissedObjectPaths(syms, known); len(missed) > 0 {
			log.Debugf("found %d object paths not among linker inputs, e.g. %s", len(missed), missed[0])
		}
	case nr.mapper != nil:
		// The linked file is unknown; any archive may be thin.
		thinArchives = make(map[string]bool)
		for _, p := range nr.mapper.AllPaths() {
			if !strings.HasSuffix(p, ".a") {
				continue
			}
			thin, err := arutil.IsThinArchive(fsys, path.Join(opts.OutputDirectory, p))
			if err != nil {
				log.Debugf("skipping %s: %v", p, err)
				continue
			}
			if thin {
				thinArchives[p] = true
			}
		}
	}
	if n := resolveThinArchivePaths(syms, thinArchives); n > 0 {
		log.Debugf("resolved %d thin archive member paths", n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	linkermap.DeduceObjectPathsFromThinMap(syms, res.ThinMap)

	d := opts.Demangler
	if d == nil {
		d = demangle.Identity{}
	}
	batcher := demangle.NewBatcher(d)
	if err := batcher.DemangleSymbols(ctx, syms); err != nil {
		return nil, fmt.Errorf("demangle: %w", err)
	}
	deduceObjectPathForSwitchTables(syms, objectPathsByName(syms))

	syms = addUnattributedSectionSymbols(syms, sections)

	if nr.mapper != nil {
		addSourcePaths(nr.mapper, syms)
		if n := nr.mapper.UnmatchedPathsCount(); n > 0 {
			issues.Add("unmatched_source_path", n)
			if opts.Strict {
				return nil, fmt.Errorf("%w: %d object paths", ErrUnmatchedSourcePaths, n)
			}
			log.Warnf("%d object paths have no source path; ninja files may be stale", n)
		}
	}

	// Paths are normalized before aliases are compacted so that ancestor
	// paths do not mix generated and non-generated paths.
	pathutil.NewNormalizer(opts.GenDirRegex).Normalize(syms)

	NormalizeNames(syms)

	if opts.SourceDirectory != "" {
		srcFs := fsys
		if dir := filepath.Clean(opts.SourceDirectory); dir != "." {
			srcFs = afero.NewBasePathFs(fsys, dir)
		}
		lc := dirmetadata.NewLookupContext(srcFs, opts.Components)
		lc.Populate(syms, &issues)
	} else if opts.Components.DefaultComponent != "" {
		for _, s := range syms {
			s.Component = opts.Components.DefaultComponent
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	SortSymbols(syms)
	if n := connectAliases(syms); n > 0 {
		log.Debugf("connected %d aliases", n)
	}
	maxAliases := opts.MaxSameNameAliasCount
	if maxAliases <= 0 {
		maxAliases = DefaultMaxSameNameAliasCount
	}
	syms = compactLargeAliases(syms, maxAliases)
	CountUnsortedSymbols(syms)
	if err := models.CalculatePadding(syms); err != nil {
		return nil, err
	}

	md := metadata.New()
	if err := md.Set(metadata.MapFileName, shortenPath(opts.OutputDirectory, mapFile)); err != nil {
		return nil, err
	}
	if err := md.Set(metadata.LinkerName, res.Linker); err != nil {
		return nil, err
	}
	if err := md.Set(metadata.ElfAlgorithm, Algorithm); err != nil {
		return nil, err
	}
	if opts.ToolVersion != "" {
		if err := md.Set(metadata.ToolVersion, opts.ToolVersion); err != nil {
			return nil, err
		}
	}
	if opts.ElfFile != "" {
		if err := elfMetadata(fsys, opts.OutputDirectory, opts.ElfFile, md); err != nil {
			return nil, fmt.Errorf("elf metadata: %w", err)
		}
	}
	bc := createBuildConfig(ctx, fsys, opts)

	si, err := models.NewSizeInfo(md, bc, sections, syms, models.SizeInfoOptions{
		Strict: opts.Strict,
		Issues: &issues,
	})
	if err != nil {
		return nil, err
	}
	issues.Record(si.Metadata)
	log.Infof("created size info with %d symbols in %s", si.Symbols.Len(), time.Since(started))
	return si, nil
}
