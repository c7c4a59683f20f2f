// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package canned

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"

	"go.chromium.org/infra/tools/supersize/models"
)

// PrettySize formats a byte count for humans. Small values are shown
// exactly.
func PrettySize(size int64) string {
	if size > -2000 && size < 2000 {
		return fmt.Sprintf("%d bytes", size)
	}
	if size < 0 {
		return "-" + humanize.IBytes(uint64(-size))
	}
	return humanize.IBytes(uint64(size))
}

// FormatPSS formats a proportional size. Small non-integral values keep a
// decimal so that shared symbols do not appear to be empty.
func FormatPSS(pss float64, forceSign bool) string {
	abs := math.Abs(pss)
	sign := ""
	if forceSign {
		sign = "+"
	}
	if abs > 10 {
		return fmt.Sprintf("%"+sign+"d", int64(pss))
	}
	nearInt := math.Mod(abs, 1) < 0.05
	if nearInt && abs < 1 && pss != 0 {
		return "~0"
	}
	if nearInt {
		return fmt.Sprintf("%"+sign+".0f", pss)
	}
	return fmt.Sprintf("%"+sign+".1f", pss)
}

func divide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Options controls the describe functions.
type Options struct {
	// TopN limits symbol and group listings. Negative means no limit.
	TopN int
	// AllSections lists every section, not only significant ones.
	AllSections bool
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func symbolPath(s *models.Symbol) string {
	if s.SourcePath != "" {
		return s.SourcePath
	}
	return s.ObjectPath
}

// classifySections splits sections into those counted in totals and those
// that are not (non-allocated sections without symbols).
func classifySections(si *models.SizeInfo) (unsummed, summed map[string]bool) {
	withSymbols := make(map[string]bool)
	for _, s := range si.Symbols.Symbols {
		withSymbols[s.SectionName] = true
	}
	unsummed = make(map[string]bool)
	summed = make(map[string]bool)
	for name, r := range si.SectionSizes {
		switch {
		case withSymbols[name] || name == models.SectionOther:
			summed[name] = true
		case r.Address == 0:
			unsummed[name] = true
		}
	}
	return unsummed, summed
}

// significantSections returns sorted names of sections worth listing:
// ones with symbols, relocations, and any larger than 4% of the largest
// summed section.
func significantSections(sizes map[string]int64, unsummed, summed map[string]bool, all bool) (int64, []string) {
	var total, largest int64
	for name, size := range sizes {
		if !summed[name] {
			continue
		}
		total += size
		if abs := max(size, -size); abs > largest {
			largest = abs
		}
	}
	var names []string
	for name, size := range sizes {
		if all || unsummed[name] || summed[name] || name == ".rela.dyn" || name == ".rel.dyn" ||
			math.Abs(divide(float64(size), float64(largest))) > 0.04 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return total, names
}

func sectionSizesTable(w io.Writer, sizes map[string]int64, unsummed, summed map[string]bool, all bool) {
	total, names := significantSections(sizes, unsummed, summed, all)
	fmt.Fprintf(w, "Section Sizes (Total=%s (%d bytes)):\n", PrettySize(total), total)
	t := newTable(w, "Section", "Size", "Bytes", "Percent", "Notes")
	for _, name := range names {
		size := sizes[name]
		var percent, notes string
		switch {
		case unsummed[name]:
			notes = "not included in totals"
		case !summed[name]:
			notes = "counted in .other"
			percent = fmt.Sprintf("%.1f%%", 100*divide(float64(size), float64(total)))
		default:
			percent = fmt.Sprintf("%.1f%%", 100*divide(float64(size), float64(total)))
		}
		t.Append([]string{name, PrettySize(size), humanize.Comma(size), percent, notes})
	}
	t.Render()
}

func describeMetadata(w io.Writer, si *models.SizeInfo) {
	fmt.Fprintln(w, "Metadata:")
	for _, k := range si.Metadata.SortedKeys() {
		fmt.Fprintf(w, "    %s=%s\n", k, si.Metadata.Get(k))
	}
	bc := si.BuildConfig
	var lines []string
	for _, kv := range [][2]string{
		{"git_revision", bc.GitRevision},
		{"out_directory", bc.OutDirectory},
		{"title", bc.Title},
		{"url", bc.URL},
	} {
		if kv[1] != "" {
			lines = append(lines, kv[0]+"="+kv[1])
		}
	}
	if len(bc.GNArgs) > 0 {
		lines = append(lines, "gn_args="+strings.Join(bc.GNArgs, " "))
	}
	if len(lines) > 0 {
		fmt.Fprintln(w, "Build config:")
		for _, l := range lines {
			fmt.Fprintf(w, "    %s\n", l)
		}
	}
}

// DescribeSizeInfo writes metadata, section sizes and the largest
// symbols of si.
func DescribeSizeInfo(w io.Writer, si *models.SizeInfo, opts Options) error {
	bw := bufio.NewWriter(w)
	describeMetadata(bw, si)
	fmt.Fprintln(bw)

	sizes := make(map[string]int64, len(si.SectionSizes))
	for name, r := range si.SectionSizes {
		sizes[name] = r.Size
	}
	unsummed, summed := classifySections(si)
	sectionSizesTable(bw, sizes, unsummed, summed, opts.AllSections)
	fmt.Fprintln(bw)
	describeSymbols(bw, si.Symbols, opts.TopN)
	return bw.Flush()
}

// DescribeSymbols writes the n largest symbols of g.
func DescribeSymbols(w io.Writer, g *models.SymbolGroup, n int) error {
	bw := bufio.NewWriter(w)
	describeSymbols(bw, g, n)
	return bw.Flush()
}

func describeSymbols(w io.Writer, g *models.SymbolGroup, n int) {
	top := g.TopN(n, nil)
	fmt.Fprintf(w, "Showing %s of %s symbols (%s unique) with total pss: %s bytes\n",
		humanize.Comma(int64(len(top))), humanize.Comma(int64(g.Len())),
		humanize.Comma(int64(g.CountUniqueSymbols())), humanize.Comma(int64(math.Round(g.SumSize()))))
	t := newTable(w, "#", "Section", "PSS", "Name", "Path")
	t.SetColumnAlignment([]int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT})
	for i, s := range top {
		name := s.FullName
		if s.NumAliases() > 1 {
			name += fmt.Sprintf(" (%d aliases)", s.NumAliases())
		}
		t.Append([]string{strconv.Itoa(i), s.SectionName, FormatPSS(s.PSS(), false), name, symbolPath(s)})
	}
	t.Render()
}

// DescribeGroups writes one row per child group of g, largest first.
func DescribeGroups(w io.Writer, g *models.SymbolGroup, n int) error {
	bw := bufio.NewWriter(w)
	groups := g.TopNGroups(n)
	fmt.Fprintf(bw, "Showing %d of %d groups with total pss: %s bytes\n",
		len(groups), len(g.Groups), humanize.Comma(int64(math.Round(g.SumSize()))))
	t := newTable(bw, "#", "Name", "Symbols", "PSS", "Size")
	t.SetColumnAlignment([]int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	for i, sub := range groups {
		t.Append([]string{
			strconv.Itoa(i),
			sub.Name,
			strconv.Itoa(sub.Len()),
			FormatPSS(sub.SumSize(), false),
			PrettySize(int64(math.Round(sub.SumSize()))),
		})
	}
	t.Render()
	return bw.Flush()
}

func describeDict(w io.Writer, title string, keys []string, get func(string) string) {
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "    %s=%s\n", k, get(k))
	}
}

// DescribeDelta writes metadata changes, section size changes, a diff
// summary and the largest changed symbols of d.
func DescribeDelta(w io.Writer, d *models.DeltaSizeInfo, opts Options) error {
	bw := bufio.NewWriter(w)

	deltas := d.MetadataDeltas()
	var common, changed []string
	for _, k := range d.After.Metadata.SortedKeys() {
		if _, ok := deltas[k]; !ok {
			common = append(common, k)
		}
	}
	for k := range deltas {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	describeDict(bw, "Common Metadata", common, d.After.Metadata.Get)
	describeDict(bw, "Old Metadata", changed, func(k string) string { return deltas[k][0] })
	describeDict(bw, "New Metadata", changed, func(k string) string { return deltas[k][1] })
	fmt.Fprintln(bw)

	sizes := d.SectionSizeDeltas()
	bu, bs := classifySections(d.Before)
	au, as := classifySections(d.After)
	unsummed, summed := make(map[string]bool), make(map[string]bool)
	for _, m := range []map[string]bool{bs, as} {
		for k := range m {
			summed[k] = true
		}
	}
	for _, m := range []map[string]bool{bu, au} {
		for k := range m {
			if !summed[k] {
				unsummed[k] = true
			}
		}
	}
	total, names := significantSections(sizes, unsummed, summed, opts.AllSections)
	fmt.Fprintf(bw, "Section Sizes (Total=%s (%+d bytes)):\n", PrettySize(total), total)
	t := newTable(bw, "Section", "Before", "After", "Delta")
	for _, name := range names {
		before, after := d.Before.SectionSizes[name].Size, d.After.SectionSizes[name].Size
		t.Append([]string{name, humanize.Comma(before), humanize.Comma(after), fmt.Sprintf("%+d", after-before)})
	}
	t.Render()
	fmt.Fprintln(bw)

	for _, l := range DeltaSummary(d) {
		fmt.Fprintln(bw, l)
	}
	fmt.Fprintln(bw)
	describeDeltaSymbols(bw, d.Symbols.WhereNotUnchanged().Sorted(), opts.TopN)
	return bw.Flush()
}

// DeltaSummary returns the lines summarizing how symbols changed.
func DeltaSummary(d *models.DeltaSizeInfo) []string {
	counts := d.Symbols.CountsByDiffStatus()
	bySection := make(map[string]int)
	var grew, shrank int
	for _, ds := range d.Symbols.Symbols {
		switch pss := ds.PSSDelta(); {
		case pss > 0:
			grew++
		case pss < 0:
			shrank++
		}
		switch ds.DiffStatus() {
		case models.DiffAdded:
			bySection[ds.SectionName()]++
		case models.DiffRemoved:
			bySection[ds.SectionName()]--
		}
	}
	var sections []string
	for name, n := range bySection {
		if n != 0 {
			sections = append(sections, fmt.Sprintf("%s: %+d", name, n))
		}
	}
	slices.Sort(sections)
	before, after := d.Before.Symbols.CountUniqueSymbols(), d.After.Symbols.CountUniqueSymbols()
	return []string{
		fmt.Sprintf("%d symbols added (+), %d changed (~), %d removed (-), %d unchanged (not shown)",
			counts[models.DiffAdded], counts[models.DiffChanged], counts[models.DiffRemoved], counts[models.DiffUnchanged]),
		"Added/Removed by section: " + strings.Join(sections, " "),
		fmt.Sprintf("Of changed symbols, %d grew, %d shrank", grew, shrank),
		fmt.Sprintf("Number of unique symbols %d -> %d (%+d)", before, after, after-before),
	}
}

func describeDeltaSymbols(w io.Writer, g *models.DeltaSymbolGroup, n int) {
	syms := g.Symbols
	if n >= 0 && n < len(syms) {
		syms = syms[:n]
	}
	fmt.Fprintf(w, "Showing %d of %d changed symbols with total pss delta: %s bytes\n",
		len(syms), g.Len(), FormatPSS(g.PSSDelta(), true))
	t := newTable(w, "#", "", "Section", "PSS", "Name", "Path")
	for i, ds := range syms {
		path := ds.SourcePath()
		if path == "" {
			path = ds.ObjectPath()
		}
		t.Append([]string{
			strconv.Itoa(i),
			strings.TrimSpace(ds.DiffStatus().Prefix()),
			ds.SectionName(),
			FormatPSS(ds.PSSDelta(), true),
			ds.FullName(),
			path,
		})
	}
	t.Render()
}

type componentNode struct {
	name     string
	size     float64
	count    int
	children map[string]*componentNode
}

func (n *componentNode) child(name string) *componentNode {
	if n.children == nil {
		n.children = make(map[string]*componentNode)
	}
	c, ok := n.children[name]
	if !ok {
		c = &componentNode{name: name}
		n.children[name] = c
	}
	return c
}

func (n *componentNode) sortedChildren() []*componentNode {
	var ret []*componentNode
	for _, c := range n.children {
		ret = append(ret, c)
	}
	slices.SortFunc(ret, func(a, b *componentNode) int {
		switch {
		case a.size > b.size:
			return -1
		case a.size < b.size:
			return 1
		}
		return strings.Compare(a.name, b.name)
	})
	return ret
}

// componentTotals rolls symbol sizes up the ">"-separated component
// hierarchy.
func componentTotals(g *models.SymbolGroup) *componentNode {
	root := &componentNode{name: "All components"}
	for _, s := range g.Symbols {
		pss := s.PSS()
		root.size += pss
		root.count++
		comp := s.Component
		if comp == "" {
			comp = "(No component)"
		}
		n := root
		for _, part := range strings.Split(comp, ">") {
			n = n.child(part)
			n.size += pss
			n.count++
		}
	}
	return root
}

// ComponentTree renders per-component size totals as a tree, nesting
// components by their ">"-separated hierarchy.
func ComponentTree(g *models.SymbolGroup) string {
	root := componentTotals(g)
	tree := treeprint.NewWithRoot(fmt.Sprintf("%s (%s, %d symbols)", root.name, PrettySize(int64(math.Round(root.size))), root.count))
	var add func(t treeprint.Tree, n *componentNode)
	add = func(t treeprint.Tree, n *componentNode) {
		for _, c := range n.sortedChildren() {
			meta := PrettySize(int64(math.Round(c.size)))
			if len(c.children) == 0 {
				t.AddMetaNode(meta, c.name)
				continue
			}
			add(t.AddMetaBranch(meta, c.name), c)
		}
	}
	add(tree, root)
	return tree.String()
}

// DescribeResult writes the result of a query: its groups when it is a
// grouped view, otherwise its largest symbols.
func DescribeResult(w io.Writer, g *models.SymbolGroup, n int) error {
	if g.IsGrouped() {
		return DescribeGroups(w, g, n)
	}
	return DescribeSymbols(w, g, n)
}
