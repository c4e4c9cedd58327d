package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// A ByteOrder is one of the two byte orders the DBus wire format
// permits, along with the flag byte that announces it at the start of
// a message.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
	flag byte
}

func (w wrapStd) dbusFlag() byte { return w.flag }

var (
	BigEndian    ByteOrder = wrapStd{binary.BigEndian, 'B'}
	LittleEndian ByteOrder = wrapStd{binary.LittleEndian, 'l'}
)

// NativeEndian is the byte order of the machine this process is
// running on, which is the order outgoing messages are encoded in.
var NativeEndian = func() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}()
