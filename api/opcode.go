package api

import "fmt"

// Opcode is a command number laid out like a Linux ioctl request:
//
//	| dir:2 | size:14 | type:8 | nr:8 |
type Opcode uint32

// Data transfer directions, seen from the caller.
const (
	DirNone  = 0
	DirWrite = 1
	DirRead  = 2
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14
	dirBits  = 2

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	// MaxArgSize is the largest payload size an opcode can declare.
	MaxArgSize = 1<<sizeBits - 1
)

// IOC builds an opcode.
func IOC(dir uint32, typ byte, nr byte, size uint32) Opcode {
	return Opcode(dir<<dirShift | uint32(typ)<<typeShift | uint32(nr)<<nrShift | (size&MaxArgSize)<<sizeShift)
}

// IO builds an opcode without data transfer.
func IO(typ, nr byte) Opcode { return IOC(DirNone, typ, nr, 0) }

// IOR builds an opcode that reads size bytes from the device.
func IOR(typ, nr byte, size uint32) Opcode { return IOC(DirRead, typ, nr, size) }

// IOW builds an opcode that writes size bytes to the device.
func IOW(typ, nr byte, size uint32) Opcode { return IOC(DirWrite, typ, nr, size) }

// IOWR builds an opcode that transfers size bytes both ways.
func IOWR(typ, nr byte, size uint32) Opcode { return IOC(DirRead|DirWrite, typ, nr, size) }

func (o Opcode) Dir() uint32  { return uint32(o) >> dirShift & (1<<dirBits - 1) }
func (o Opcode) Type() byte   { return byte(uint32(o) >> typeShift) }
func (o Opcode) Nr() byte     { return byte(uint32(o) >> nrShift) }
func (o Opcode) Size() uint32 { return uint32(o) >> sizeShift & MaxArgSize }

func (o Opcode) String() string {
	return fmt.Sprintf("ioc(dir=%d type=%q nr=%d size=%d)", o.Dir(), o.Type(), o.Nr(), o.Size())
}
