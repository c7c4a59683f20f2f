// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package funcsig splits demangled C++ signatures into name parts.
package funcsig

import "strings"

// findParameterListParen returns the index of the "(" that starts the
// parameter list, or -1.
func findParameterListParen(name string) int {
	start := 0
	tmplBalance := 0
	parenBalance := 0
	for {
		i := strings.IndexByte(name[start:], '(')
		if i < 0 {
			return -1
		}
		idx := start + i
		seg := name[start:idx]
		tmplBalance += strings.Count(seg, "<") - strings.Count(seg, ">")
		if op := strings.Index(seg, "operator<"); op >= 0 {
			if name[start+op+9] == '<' {
				tmplBalance -= 2
			} else {
				tmplBalance--
			}
		} else if op := strings.Index(seg, "operator>"); op >= 0 {
			if name[start+op+9] == '>' {
				tmplBalance += 2
			} else {
				tmplBalance++
			}
		}
		parenBalance += strings.Count(seg, "(") - strings.Count(seg, ")")
		if tmplBalance == 0 && parenBalance == 0 {
			if strings.HasPrefix(name[idx:], "(anonymous namespace)") {
				start = idx + len("(anonymous namespace)")
				continue
			}
			lambda := idx >= 7 && name[idx-7:idx] == "{lambda"
			if (idx == 0 || name[idx-1] != ' ') && !lambda {
				return idx
			}
		}
		start = idx + 1
		parenBalance++
	}
}

// findLastCharOutsideOfBrackets returns the last index before end of c
// that is not within () or <>, or -1.
func findLastCharOutsideOfBrackets(name string, c byte, end int) int {
	parenBalance := 0
	tmplBalance := 0
	for {
		idx := strings.LastIndexByte(name[:end], c)
		if idx < 0 {
			return -1
		}
		seg := name[idx:end]
		tmplBalance += strings.Count(seg, "<") - strings.Count(seg, ">")
		parenBalance += strings.Count(seg, "(") - strings.Count(seg, ")")
		if tmplBalance == 0 && parenBalance == 0 {
			return idx
		}
		end = idx
	}
}

// findReturnValueSpace returns the index of the space after the return
// type, or -1 if there is no return type.
func findReturnValueSpace(name string, parenIdx int) int {
	space := parenIdx
	if parenIdx >= 6 && name[parenIdx-6:parenIdx] == " const" {
		space = parenIdx - 6
	}
	for {
		space = findLastCharOutsideOfBrackets(name, ' ', space)
		if space < 0 {
			return -1
		}
		switch {
		case hasSuffixAt(name, space, "operator"):
			space -= len("operator")
		case hasSuffixAt(name, space, "operator<"):
			space -= len("operator<")
		case hasSuffixAt(name, space, "operator<<"):
			space -= len("operator<<")
		default:
			return space
		}
	}
}

func hasSuffixAt(name string, end int, suffix string) bool {
	return end >= len(suffix) && name[end-len(suffix):end] == suffix
}

// stripAbiTag removes "[abi:...]" attributes.
func stripAbiTag(name string) string {
	start := 0
	for start < len(name)-1 {
		i := strings.Index(name[start:len(name)-1], "[abi:")
		if i < 0 {
			break
		}
		start += i
		end := strings.IndexByte(name[start+5:], ']')
		if end < 0 {
			break
		}
		name = name[:start] + name[start+5+end+1:]
	}
	return name
}

// stripTemplateArgs replaces the contents of every outermost <> with
// nothing, e.g. "Foo<int>::bar<a<b> >" becomes "Foo<>::bar<>".
func stripTemplateArgs(name string) string {
	end := len(name)
	for {
		right := strings.LastIndexByte(name[:end], '>')
		if right < 0 {
			return name
		}
		left := findLastCharOutsideOfBrackets(name, '<', right+1)
		if left < 0 {
			end = right
			continue
		}
		name = name[:left+1] + name[right:]
		end = left
	}
}

// normalizeGccLambda rewrites "ns::{lambda(args)#N}::_FUN(...)" as
// "ns::$lambda#N(...)".
func normalizeGccLambda(name string, parenIdx int) (string, bool) {
	lbrace := strings.IndexByte(name, '{')
	if lbrace < 0 {
		return "", false
	}
	hash := strings.IndexByte(name[lbrace+1:], '#')
	if hash < 0 {
		return "", false
	}
	hash += lbrace + 1
	rbrace := strings.IndexByte(name[hash+1:], '}')
	if rbrace < 0 {
		return "", false
	}
	rbrace += hash + 1
	return name[:lbrace] + "$lambda#" + name[hash+1:rbrace] + name[parenIdx:], true
}

// normalizeClangLambda rewrites "ns::$_N::__invoke(...)" as
// "ns::$lambda#N(...)".
func normalizeClangLambda(name string, parenIdx int) (string, bool) {
	dollar := strings.Index(name, "$_")
	if dollar < 0 {
		return "", false
	}
	colon := strings.IndexByte(name[dollar+1:], ':')
	if colon < 0 {
		return "", false
	}
	colon += dollar + 1
	return name[:dollar] + "$lambda#" + name[dollar+2:colon] + name[parenIdx:], true
}

// Parse strips the return type from a demangled signature and splits it.
//
// It returns the name without return type (full name), the full name
// without parameters (template name), and the template name without
// template arguments (name). For example,
//
//	"bool foo::Bar<int>::Do<int>(unsigned int) const"
//
// yields
//
//	"foo::Bar<int>::Do<int>(unsigned int) const"
//	"foo::Bar<int>::Do<int> const"
//	"foo::Bar<>::Do<> const"
//
// Names that are not function signatures are returned unchanged in all
// three parts, apart from template stripping.
func Parse(name string) (fullName, templateName, shortName string) {
	parenIdx := findParameterListParen(name)
	fullName = name
	if parenIdx > 0 {
		rparen := strings.LastIndexByte(name, ')')
		space := findReturnValueSpace(name, parenIdx)
		noParams := name[space+1 : parenIdx]

		if strings.HasSuffix(noParams, "}::_FUN") {
			if n, ok := normalizeGccLambda(name, parenIdx); ok {
				return Parse(n)
			}
		}
		if strings.HasSuffix(noParams, "::__invoke") && strings.Contains(noParams, "$_") {
			if n, ok := normalizeClangLambda(name, parenIdx); ok {
				return Parse(n)
			}
		}
		var after string
		if rparen > parenIdx {
			after = name[rparen+1:]
		}
		fullName = name[space+1:]
		name = noParams + after
	}
	name = stripAbiTag(name)
	templateName = name
	shortName = stripTemplateArgs(name)
	return fullName, templateName, shortName
}
