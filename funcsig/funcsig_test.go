// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package funcsig_test

import (
	"regexp"
	"testing"

	"go.chromium.org/infra/tools/supersize/funcsig"
)

var templateArgsRe = regexp.MustCompile(`<.*?>`)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		ret    string
		name   string
		params string
		after  string
		// want is the expected short name. If empty, derived from name
		// by replacing each <...> with <>.
		want string
	}{
		{
			ret:    "bool ",
			name:   "foo::Bar<unsigned int, int>::Do<unsigned int>",
			params: "(unsigned int)",
		},
		{
			ret:    "base::internal::CheckedNumeric<int>& ",
			name:   "base::internal::CheckedNumeric<int>::operator+=<int>",
			params: "(int)",
		},
		{
			ret:    "base::internal::CheckedNumeric<int>& ",
			name:   "b::i::CheckedNumeric<int>::MathOp<b::i::CheckedAddOp, int>",
			params: "(int)",
		},
		{
			name:   "(anonymous namespace)::GetBridge",
			params: "(long long)",
		},
		{
			name:   "operator delete",
			params: "(void*)",
		},
		{
			name:   "b::i::DstRangeRelationToSrcRangeImpl<long long, long long, std::__ndk1::numeric_limits, (b::i::Integer)1>::Check",
			params: "(long long)",
		},
		{
			name:   "cc::LayerIterator::operator cc::LayerIteratorPosition const",
			params: "()",
			after:  " const",
		},
		{
			ret:    "decltype ({parm#1}((SkRecords::NoOp)())) ",
			name:   "SkRecord::Record::visit<SkRecords::Draw&>",
			params: "(SkRecords::Draw&)",
			after:  " const",
		},
		{
			name:   "base::internal::BindStateBase::BindStateBase",
			params: "(void (*)(), void (*)(base::internal::BindStateBase const*))",
		},
		{
			ret:    "int ",
			name:   "std::__ndk1::__c11_atomic_load<int>",
			params: "(std::__ndk1::<int> volatile*, std::__ndk1::memory_order)",
		},
		{
			ret:    "std::basic_ostream<char, std::char_traits<char> >& ",
			name:   "std::operator<< <std::char_traits<char> >",
			params: "(std::basic_ostream<char, std::char_traits<char> >&, char)",
			want:   "std::operator<< <>",
		},
		{
			name:   "std::basic_istream<char, std::char_traits<char> >::operator>>",
			params: "(unsigned int&)",
			want:   "std::basic_istream<>::operator>>",
		},
		{
			name:   "std::operator><std::allocator<char> >",
			params: "()",
			want:   "std::operator><>",
		},
		{
			name:   "std::operator>><std::allocator<char> >",
			params: "(std::basic_istream<char, std::char_traits<char> >&)",
			want:   "std::operator>><>",
		},
		{
			name:   "std::basic_istream<char>::operator>",
			params: "(unsigned int&)",
			want:   "std::basic_istream<>::operator>",
		},
		{
			name:   "WTF::StringAppend<WTF::String, WTF::String>::operator WTF::String",
			params: "()",
			after:  " const",
		},
		{
			name:   "Foo",
			params: "()",
			after:  " [virtual thunk]",
		},
		{
			name:   "blink::FrameView::ForAllNonThrottledFrameViews<blink::FrameView::PrePaint()::{lambda(FrameView&)#2}>",
			params: "(blink::FrameView::PrePaint()::{lambda(FrameView&)#2} const&)",
		},
		{
			ret:    "int ",
			name:   "Foo<int()>::bar<a<b> >",
			params: "()",
			want:   "Foo<>::bar<>",
		},
		{
			name:   "blink::CSSValueKeywordsHash::findValueImpl",
			params: "(char const*)",
			after:  "::value_word_list",
		},
		{
			name:   "foo::Bar<Z<Y> >::foo<bar>",
			params: "(abc)",
			after:  "::var<baz>",
			want:   "foo::Bar<>::foo<>::var<>",
		},
		{
			name:   "foo::operator[]",
			params: "(abc)",
		},
	} {
		want := tc.want
		if want == "" {
			want = templateArgsRe.ReplaceAllString(tc.name, "<>") + tc.after
		}
		sigs := []string{tc.name + tc.params + tc.after}
		if tc.ret != "" {
			sigs = append(sigs, tc.ret+tc.name+tc.params+tc.after)
		}
		for _, sig := range sigs {
			full, tmpl, name := funcsig.Parse(sig)
			if got, want := full, tc.name+tc.params+tc.after; got != want {
				t.Errorf("Parse(%q) full=%q; want %q", sig, got, want)
			}
			if got, want := tmpl, tc.name+tc.after; got != want {
				t.Errorf("Parse(%q) template=%q; want %q", sig, got, want)
			}
			if name != want {
				t.Errorf("Parse(%q) name=%q; want %q", sig, name, want)
			}
		}
	}
}

func TestParseSpecialCases(t *testing.T) {
	for _, tc := range []struct {
		sig      string
		wantFull string
		wantTmpl string
		wantName string
	}{
		{
			// Class defined within a function body.
			sig:      "(anonymous namespace)::Foo::Baz() const::GLSLFP::onData(Foo, Bar)",
			wantFull: "(anonymous namespace)::Foo::Baz() const::GLSLFP::onData(Foo, Bar)",
			wantTmpl: "(anonymous namespace)::Foo::Baz",
			wantName: "(anonymous namespace)::Foo::Baz",
		},
		{
			sig:      "cc::{lambda(cc::PaintOp*)#63}::_FUN(cc::PaintOp*)",
			wantFull: "cc::$lambda#63(cc::PaintOp*)",
			wantTmpl: "cc::$lambda#63",
			wantName: "cc::$lambda#63",
		},
		{
			sig:      "cc::$_63::__invoke(cc::PaintOp*)",
			wantFull: "cc::$lambda#63(cc::PaintOp*)",
			wantTmpl: "cc::$lambda#63",
			wantName: "cc::$lambda#63",
		},
		{
			sig:      "std::make_unique[abi:v15000]<Foo>(Bar const*&)",
			wantFull: "std::make_unique[abi:v15000]<Foo>(Bar const*&)",
			wantTmpl: "std::make_unique<Foo>",
			wantName: "std::make_unique<>",
		},
		{
			sig:      "foo::kBar[abi:baz]",
			wantFull: "foo::kBar[abi:baz]",
			wantTmpl: "foo::kBar",
			wantName: "foo::kBar",
		},
		{
			sig:      "foo<char []>::operator[][abi:v1500]<Bar[99]>()",
			wantFull: "foo<char []>::operator[][abi:v1500]<Bar[99]>()",
			wantTmpl: "foo<char []>::operator[]<Bar[99]>",
			wantName: "foo<>::operator[]<>",
		},
		{
			sig:      "kSomeTable",
			wantFull: "kSomeTable",
			wantTmpl: "kSomeTable",
			wantName: "kSomeTable",
		},
		{
			sig:      "",
			wantFull: "",
			wantTmpl: "",
			wantName: "",
		},
	} {
		full, tmpl, name := funcsig.Parse(tc.sig)
		if full != tc.wantFull || tmpl != tc.wantTmpl || name != tc.wantName {
			t.Errorf("Parse(%q)=(%q, %q, %q); want (%q, %q, %q)", tc.sig, full, tmpl, name, tc.wantFull, tc.wantTmpl, tc.wantName)
		}
	}
}
