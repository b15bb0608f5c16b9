package transport

import (
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/srediag/shmdev/api"
)

// Op identifies a request.
type Op uint8

const (
	OpAttach Op = iota + 1
	OpRead
	OpWrite
	OpCommand
	OpNotify
	OpSnapshot
)

func (o Op) String() string {
	switch o {
	case OpAttach:
		return "attach"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCommand:
		return "command"
	case OpNotify:
		return "notify"
	case OpSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Request is sent by a client. Fields not used by Op are left empty.
type Request struct {
	ID     uint32 `cbor:"1,keyasint"`
	Op     Op     `cbor:"2,keyasint"`
	Device string `cbor:"3,keyasint,omitempty"`
	Caller int32  `cbor:"4,keyasint,omitempty"`
	Length int    `cbor:"5,keyasint,omitempty"`
	// Data is the write payload or the command argument. nil and empty
	// are distinct for commands.
	Data   []byte `cbor:"6,keyasint"`
	Opcode uint32 `cbor:"7,keyasint,omitempty"`
	Enable bool   `cbor:"8,keyasint,omitempty"`
	// Timeout bounds the wait for the device lock, in milliseconds.
	Timeout int64 `cbor:"9,keyasint,omitempty"`
}

// Response answers the request with the same ID. ID 0 carries a Signal.
type Response struct {
	ID     uint32       `cbor:"1,keyasint"`
	Status api.Status   `cbor:"2,keyasint"`
	Data   []byte       `cbor:"3,keyasint,omitempty"`
	Count  int          `cbor:"4,keyasint,omitempty"`
	Handle uint64       `cbor:"5,keyasint,omitempty"`
	Error  string       `cbor:"6,keyasint,omitempty"`
	Text   string       `cbor:"7,keyasint,omitempty"`
	Signal *SignalFrame `cbor:"8,keyasint,omitempty"`
}

// SignalFrame is a readable signal as sent on the wire.
type SignalFrame struct {
	Signo int32  `cbor:"1,keyasint"`
	Band  int16  `cbor:"2,keyasint"`
	Seq   uint64 `cbor:"3,keyasint"`
}

// Err rebuilds the error of a response. The status sentinel is always in
// the chain.
func (r *Response) Err() error {
	err := r.Status.Err()
	if err == nil {
		return nil
	}
	if r.Error != "" && r.Error != err.Error() {
		return fmt.Errorf("%w: %s", err, r.Error)
	}
	return err
}

func errorResponse(id uint32, err error) *Response {
	return &Response{ID: id, Status: api.StatusOf(err), Error: err.Error()}
}

func signalResponse(sig api.Signal) *Response {
	return &Response{Signal: &SignalFrame{
		Signo: int32(sig.Signo),
		Band:  sig.Band,
		Seq:   sig.Seq,
	}}
}

func (f *SignalFrame) signal(owner api.PID, device string, h api.Handle) api.Signal {
	return api.Signal{
		Owner:  owner,
		Device: device,
		Handle: h,
		Signo:  syscall.Signal(f.Signo),
		Band:   f.Band,
		Seq:    f.Seq,
	}
}

func timeoutOf(deadline time.Time, ok bool) int64 {
	if !ok {
		return 0
	}
	ms := time.Until(deadline).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		MaxArrayElements:  1024,
		MaxMapPairs:       64,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor decoder mode: %v", err))
	}
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
