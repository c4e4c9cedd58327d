package sdbus

import (
	"strings"
	"testing"
)

func TestParseSignature(t *testing.T) {
	valid := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h", "v",
		"as",
		"ay",
		"aas",
		"a{sx}",
		"a{yv}",
		"(nb)",
		"a(nb)",
		"(y(nb))",
		"a(y(nb))",
		"(asa(nb)aa(y(nb)))",
		"sssub",
		"a{sv}a{sv}",
		"(ssssssouso)",
		"a(ssssssouso)",
		"aaaaas",
		"((((s))))",
		strings.Repeat("s", 255),
	}
	for _, in := range valid {
		got, err := ParseSignature(in)
		if err != nil {
			t.Errorf("ParseSignature(%q) got err %v", in, err)
			continue
		}
		if got.String() != in {
			t.Errorf("ParseSignature(%q).String() = %q, want %q", in, got, in)
		} else if testing.Verbose() {
			t.Logf("ParseSignature(%q) ok", in)
		}
	}

	invalid := []string{
		"e",
		"r",
		"z",
		"a",
		"(",
		"()",
		"(s",
		"s)",
		"a{}",
		"{sv}",
		"a{vs}",
		"a{svv}",
		"a{(s)s}",
		"a{s",
		"a{sv",
		"(a{sv)}",
		strings.Repeat("s", 256),
		strings.Repeat("a", 33) + "s",
		strings.Repeat("(", 33) + "s" + strings.Repeat(")", 33),
	}
	for _, in := range invalid {
		if got, err := ParseSignature(in); err == nil {
			t.Errorf("ParseSignature(%q) = %q, want error", in, got)
		} else if testing.Verbose() {
			t.Logf("ParseSignature(%q) correctly errored: %v", in, err)
		}
	}
}

func TestNextType(t *testing.T) {
	tests := []struct {
		in        string
		typ, rest string
	}{
		{"s", "s", ""},
		{"su", "s", "u"},
		{"a{sv}u", "a{sv}", "u"},
		{"aass", "aas", "s"},
		{"(ss)u", "(ss)", "u"},
		{"(s(ub))x", "(s(ub))", "x"},
		{"vv", "v", "v"},
		{"a(yv)g", "a(yv)", "g"},
	}

	for _, tc := range tests {
		typ, rest, err := nextType(tc.in, false)
		if err != nil {
			t.Errorf("nextType(%q) got err %v", tc.in, err)
			continue
		}
		if typ != tc.typ || rest != tc.rest {
			t.Errorf("nextType(%q) = %q, %q; want %q, %q", tc.in, typ, rest, tc.typ, tc.rest)
		}
	}
}

func TestAlignOf(t *testing.T) {
	tests := []struct {
		codes string
		want  int
	}{
		{"ygv", 1},
		{"nq", 2},
		{"biusoah", 4},
		{"xtd({", 8},
	}
	for _, tc := range tests {
		for i := 0; i < len(tc.codes); i++ {
			if got := alignOf(tc.codes[i]); got != tc.want {
				t.Errorf("alignOf(%q) = %d, want %d", tc.codes[i], got, tc.want)
			}
		}
	}
}

func TestContainerSig(t *testing.T) {
	tests := []struct {
		kind     ContainerType
		contents string
		want     string // empty means error
	}{
		{Struct, "ss", "(ss)"},
		{Struct, "s", "(s)"},
		{Struct, "a{sv}x", "(a{sv}x)"},
		{Struct, "", ""},
		{Struct, "(s", ""},
		{Array, "s", "as"},
		{Array, "(su)", "a(su)"},
		{Array, "{sv}", "a{sv}"},
		{Array, "ss", ""},
		{Array, "", ""},
		{Variant, "s", "v"},
		{Variant, "a{sv}", "v"},
		{Variant, "su", ""},
		{Variant, "", ""},
		{DictEntry, "sv", "{sv}"},
		{DictEntry, "yu", "{yu}"},
		{DictEntry, "vs", ""},
		{DictEntry, "(s)u", ""},
		{DictEntry, "suu", ""},
		{DictEntry, "s", ""},
	}

	for _, tc := range tests {
		got, err := containerSig(tc.kind, tc.contents)
		if tc.want == "" {
			if err == nil {
				t.Errorf("containerSig(%v, %q) = %q, want error", tc.kind, tc.contents, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("containerSig(%v, %q) got err %v", tc.kind, tc.contents, err)
		} else if got != tc.want {
			t.Errorf("containerSig(%v, %q) = %q, want %q", tc.kind, tc.contents, got, tc.want)
		}
	}
}
