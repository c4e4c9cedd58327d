package sdbus

import "strings"

// Syntax checks for the names that appear in message headers. The bus
// enforces these rules server-side; checking before a message is sent
// turns a malformed name into a local error instead of a rejected or
// dropped message.
//
// The rules are those of the DBus specification's "Message protocol"
// section, including the 255 byte cap that applies to every name kind
// except object paths.

const maxNameLen = 255

// validBusName reports whether s is a syntactically valid bus name,
// either a unique name such as ":1.42" or a well-known name such as
// "org.freedesktop.DBus".
func validBusName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, elem := range elems {
		if elem == "" {
			return false
		}
		for i := 0; i < len(elem); i++ {
			c := elem[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c == '_' || c == '-':
			case c >= '0' && c <= '9':
				// Only unique names may have elements that start
				// with a digit.
				if i == 0 && !unique {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// validObjectPath reports whether s is a syntactically valid object
// path: "/", or a sequence of slash-separated nonempty elements of
// [A-Za-z0-9_], with no trailing slash.
func validObjectPath(s string) bool {
	if s == "" || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for i := 0; i < len(elem); i++ {
			c := elem[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// validInterfaceName reports whether s is a syntactically valid
// interface name: two or more dot-separated elements of [A-Za-z0-9_],
// none starting with a digit.
func validInterfaceName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, elem := range elems {
		if !validMemberName(elem) {
			return false
		}
	}
	return true
}

// validMemberName reports whether s is a syntactically valid member
// (method or signal) name: a nonempty sequence of [A-Za-z0-9_] not
// starting with a digit.
func validMemberName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// validErrorName reports whether s is a syntactically valid error
// name. Error names share the interface name syntax.
func validErrorName(s string) bool {
	return validInterfaceName(s)
}
