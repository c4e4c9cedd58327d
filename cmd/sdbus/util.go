package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sdbus-go/sdbus"
)

// parseArgs builds the value list for Append(sig, ...) out of command
// line strings, one argument per primitive type code. A trailing "as"
// swallows every remaining argument. Other container types have no
// command line spelling.
func parseArgs(sig string, args []string) ([]any, error) {
	var vs []any
	for rest := sig; rest != ""; {
		if rest == "as" {
			vs = append(vs, args)
			args = nil
			break
		}
		code := rest[0]
		rest = rest[1:]
		if len(args) == 0 {
			return nil, fmt.Errorf("signature %q needs more arguments", sig)
		}
		v, err := parseArg(code, args[0])
		if err != nil {
			return nil, fmt.Errorf("argument %q for type %q: %w", args[0], string(code), err)
		}
		vs = append(vs, v)
		args = args[1:]
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("%d arguments left over after signature %q", len(args), sig)
	}
	return vs, nil
}

func parseArg(code byte, s string) (any, error) {
	switch code {
	case 'y':
		v, err := strconv.ParseUint(s, 10, 8)
		return byte(v), err
	case 'b':
		return strconv.ParseBool(s)
	case 'n':
		v, err := strconv.ParseInt(s, 10, 16)
		return int16(v), err
	case 'q':
		v, err := strconv.ParseUint(s, 10, 16)
		return uint16(v), err
	case 'i':
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case 'u':
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case 'x':
		return strconv.ParseInt(s, 10, 64)
	case 't':
		return strconv.ParseUint(s, 10, 64)
	case 'd':
		return strconv.ParseFloat(s, 64)
	case 's', 'o', 'g':
		return s, nil
	}
	return nil, fmt.Errorf("type %q cannot be written on the command line", string(code))
}

// readBody decodes every value in the message body, whatever its
// signature turns out to be.
func readBody(m *sdbus.Message) ([]any, error) {
	var body []any
	for {
		code, _, err := m.PeekType()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			return body, nil
		}
		v, err := readAny(m)
		if err != nil {
			return nil, err
		}
		body = append(body, v)
	}
}

// readAny decodes the value at the read cursor into the closest plain
// Go rendition: arrays become slices, dicts maps, structs slices of
// fields, and variants flatten to their contents.
func readAny(m *sdbus.Message) (any, error) {
	code, contents, err := m.PeekType()
	if err != nil {
		return nil, err
	}
	switch code {
	case 0:
		return nil, errors.New("no value to read")
	case 'y':
		return readPrim[byte](m, code)
	case 'b':
		return readPrim[bool](m, code)
	case 'n':
		return readPrim[int16](m, code)
	case 'q':
		return readPrim[uint16](m, code)
	case 'i':
		return readPrim[int32](m, code)
	case 'u':
		return readPrim[uint32](m, code)
	case 'x':
		return readPrim[int64](m, code)
	case 't':
		return readPrim[uint64](m, code)
	case 'd':
		return readPrim[float64](m, code)
	case 's':
		return readPrim[string](m, code)
	case 'o':
		return readPrim[sdbus.ObjectPath](m, code)
	case 'g':
		return readPrim[sdbus.Signature](m, code)
	case 'h':
		var f *os.File
		if _, err := m.Read("h", &f); err != nil {
			return nil, err
		}
		return fmt.Sprintf("<fd %d>", f.Fd()), nil
	case 'a':
		if contents[0] == '{' {
			return readDict(m, string(contents))
		}
		return readArray(m, string(contents))
	case byte(sdbus.Struct):
		return readStruct(m, string(contents))
	case 'v':
		if err := m.EnterContainer(sdbus.Variant, string(contents)); err != nil {
			return nil, err
		}
		v, err := readAny(m)
		if err != nil {
			return nil, err
		}
		return v, m.ExitContainer()
	}
	return nil, fmt.Errorf("unhandled type code %q", string(code))
}

func readPrim[T any](m *sdbus.Message, code byte) (any, error) {
	var v T
	if _, err := m.Read(string(code), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func readArray(m *sdbus.Message, elem string) ([]any, error) {
	if err := m.EnterContainer(sdbus.Array, elem); err != nil {
		return nil, err
	}
	vs := []any{}
	for {
		code, _, err := m.PeekType()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			break
		}
		v, err := readAny(m)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, m.ExitContainer()
}

func readDict(m *sdbus.Message, entry string) (map[any]any, error) {
	if err := m.EnterContainer(sdbus.Array, entry); err != nil {
		return nil, err
	}
	kv := entry[1 : len(entry)-1]
	d := map[any]any{}
	for {
		code, _, err := m.PeekType()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			break
		}
		if err := m.EnterContainer(sdbus.DictEntry, kv); err != nil {
			return nil, err
		}
		k, err := readAny(m)
		if err != nil {
			return nil, err
		}
		v, err := readAny(m)
		if err != nil {
			return nil, err
		}
		if err := m.ExitContainer(); err != nil {
			return nil, err
		}
		d[k] = v
	}
	return d, m.ExitContainer()
}

func readStruct(m *sdbus.Message, fields string) ([]any, error) {
	if err := m.EnterContainer(sdbus.Struct, fields); err != nil {
		return nil, err
	}
	var vs []any
	for {
		code, _, err := m.PeekType()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			break
		}
		v, err := readAny(m)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, m.ExitContainer()
}
