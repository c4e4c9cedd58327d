package sdbus

import (
	"errors"
	"fmt"
)

// A Signature describes the types of a sequence of DBus values, as a
// string of type codes in the notation of the DBus specification.
//
// The type codes are:
//
//	y  byte              b  boolean
//	n  int16             q  uint16
//	i  int32             u  uint32
//	x  int64             t  uint64
//	d  float64           h  unix file descriptor
//	s  string            o  object path
//	g  signature         v  variant
//
// along with three container notations: aT is an array of T,
// (T1T2...) is a struct, and {KV} is a dict entry, which is only
// legal as an array element.
type Signature string

const (
	// maxSignatureLen is the longest signature the wire format can
	// carry, whose length field is a single byte.
	maxSignatureLen = 255
	// maxContainerDepth is the nesting limit the wire format imposes,
	// counted separately for arrays and for struct-like containers.
	maxContainerDepth = 32
)

// ParseSignature checks that sig is a well-formed sequence of
// complete DBus types, and returns it as a [Signature].
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return "", fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		if _, rest, err = nextType(rest, false); err != nil {
			return "", fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return Signature(sig), nil
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string { return string(s) }

// IsZero reports whether the signature is empty. An empty Signature
// describes a void value sequence, such as the body of a message with
// no arguments.
func (s Signature) IsZero() bool { return s == "" }

// nextType splits the first complete type off the front of sig,
// returning it and the remainder. inArray reports whether the type
// appears as an array's element, the only position where a dict entry
// is legal.
func nextType(sig string, inArray bool) (typ, rest string, err error) {
	return nextTypeDepth(sig, inArray, 0, 0)
}

func nextTypeDepth(sig string, inArray bool, arrayDepth, structDepth int) (typ, rest string, err error) {
	if sig == "" {
		return "", "", errors.New("truncated type")
	}
	if isBasicType(sig[0]) || sig[0] == 'v' {
		return sig[:1], sig[1:], nil
	}
	switch sig[0] {
	case 'a':
		if arrayDepth++; arrayDepth > maxContainerDepth {
			return "", "", fmt.Errorf("arrays nested more than %d deep", maxContainerDepth)
		}
		elem, rest, err := nextTypeDepth(sig[1:], true, arrayDepth, structDepth)
		if err != nil {
			return "", "", err
		}
		return sig[:1+len(elem)], rest, nil
	case '(':
		if structDepth++; structDepth > maxContainerDepth {
			return "", "", fmt.Errorf("structs nested more than %d deep", maxContainerDepth)
		}
		rest = sig[1:]
		for rest != "" && rest[0] != ')' {
			if _, rest, err = nextTypeDepth(rest, false, arrayDepth, structDepth); err != nil {
				return "", "", err
			}
		}
		if rest == "" {
			return "", "", errors.New("missing closing ) in struct definition")
		}
		typ = sig[:len(sig)-len(rest)+1]
		if typ == "()" {
			return "", "", errors.New("empty struct definition")
		}
		return typ, rest[1:], nil
	case '{':
		if !inArray {
			return "", "", errors.New("dict entry type found outside array")
		}
		if structDepth++; structDepth > maxContainerDepth {
			return "", "", fmt.Errorf("structs nested more than %d deep", maxContainerDepth)
		}
		key, rest, err := nextTypeDepth(sig[1:], false, arrayDepth, structDepth)
		if err != nil {
			return "", "", err
		}
		if len(key) != 1 || !isBasicType(key[0]) {
			return "", "", fmt.Errorf("invalid dict entry key type %q, must be a dbus basic type", key)
		}
		if _, rest, err = nextTypeDepth(rest, false, arrayDepth, structDepth); err != nil {
			return "", "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", "", errors.New("missing closing } in dict entry definition")
		}
		return sig[:len(sig)-len(rest)+1], rest[1:], nil
	default:
		return "", "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// isBasicType reports whether code is one of the fixed-size or
// string-like types, the set of types legal as dict entry keys.
func isBasicType(code byte) bool {
	switch code {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// isSingleType reports whether sig is exactly one complete type.
func isSingleType(sig string) bool {
	_, rest, err := nextType(sig, false)
	return err == nil && rest == ""
}

// alignOf returns the wire alignment of the type whose signature
// starts with code.
func alignOf(code byte) int {
	switch code {
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1 // y, g, v
}

// A ContainerType identifies one of the four DBus container shapes,
// for use with [Message.OpenContainer] and [Message.EnterContainer].
type ContainerType byte

const (
	// Struct is a fixed sequence of values of heterogeneous types.
	Struct ContainerType = 'r'
	// Array is a variable-length sequence of values of one type.
	Array ContainerType = 'a'
	// Variant is a single value carrying its own type signature.
	Variant ContainerType = 'v'
	// DictEntry is a key-value pair, legal only as an array element.
	DictEntry ContainerType = 'e'
)

func (c ContainerType) String() string {
	switch c {
	case Struct:
		return "struct"
	case Array:
		return "array"
	case Variant:
		return "variant"
	case DictEntry:
		return "dict entry"
	}
	return fmt.Sprintf("ContainerType(%q)", byte(c))
}

// containerSig validates that contents is legal for a container of
// the given kind, and returns the container's own complete type
// signature. For variants that signature is just "v"; the contents
// describe the value the variant will carry.
func containerSig(kind ContainerType, contents string) (string, error) {
	switch kind {
	case Struct:
		if contents == "" {
			return "", errors.New("empty struct definition")
		}
		for rest := contents; rest != ""; {
			var err error
			if _, rest, err = nextType(rest, false); err != nil {
				return "", fmt.Errorf("invalid struct contents %q: %w", contents, err)
			}
		}
		return "(" + contents + ")", nil
	case Array:
		if t, rest, err := nextType(contents, true); err != nil {
			return "", fmt.Errorf("invalid array element %q: %w", contents, err)
		} else if rest != "" || t != contents {
			return "", fmt.Errorf("array element %q is not a single complete type", contents)
		}
		return "a" + contents, nil
	case Variant:
		if !isSingleType(contents) {
			return "", fmt.Errorf("variant contents %q is not a single complete type", contents)
		}
		return "v", nil
	case DictEntry:
		key, rest, err := nextType(contents, false)
		if err != nil {
			return "", fmt.Errorf("invalid dict entry contents %q: %w", contents, err)
		}
		if len(key) != 1 || !isBasicType(key[0]) {
			return "", fmt.Errorf("invalid dict entry key type %q, must be a dbus basic type", key)
		}
		if !isSingleType(rest) {
			return "", fmt.Errorf("dict entry value %q is not a single complete type", rest)
		}
		return "{" + contents + "}", nil
	}
	return "", fmt.Errorf("unknown container type %v", kind)
}
