// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// enforce any DBus semantics beyond alignment and the framing of
// strings, signatures and arrays. It is the caller's responsibility
// to produce valid DBus messages using these tools.
//
// You should not need to use this package at all, unless you are
// generating or inspecting raw wire fragments. The sdbus package's
// message cursor is the intended way to build and read message
// bodies.
package fragments
