package cell

import (
	"encoding/binary"
	"fmt"
)

// Command constants
const (
	CmdPadding          uint8 = 0
	CmdCreate           uint8 = 1
	CmdCreated          uint8 = 2
	CmdRelay            uint8 = 3
	CmdDestroy          uint8 = 4
	CmdCreateFast       uint8 = 5
	CmdCreatedFast      uint8 = 6
	CmdVersions         uint8 = 7
	CmdNetInfo          uint8 = 8
	CmdRelayEarly       uint8 = 9
	CmdCreate2          uint8 = 10
	CmdCreated2         uint8 = 11
	CmdPaddingNegotiate uint8 = 12
	CmdVPadding         uint8 = 128
	CmdCerts            uint8 = 129
	CmdAuthChallenge    uint8 = 130
	CmdAuthenticate     uint8 = 131
)

const (
	MaxPayloadLen    = 509
	FixedCellLen     = 514   // 4 (circID) + 1 (cmd) + 509 (payload)
	MaxVarPayloadLen = 10000 // Safety cap for variable-length cell payloads
)

// IsVariableLength returns true for VERSIONS (7) and commands >= 128.
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions || cmd >= 128
}

// Cell is a Tor cell backed by a byte slice.
type Cell []byte

// NewFixedCell creates a 514-byte fixed-length cell.
func NewFixedCell(circID uint32, cmd uint8) Cell {
	c := make(Cell, FixedCellLen)
	binary.BigEndian.PutUint32(c[0:4], circID)
	c[4] = cmd
	return c
}

// NewVarCell creates a variable-length cell with the given payload.
func NewVarCell(circID uint32, cmd uint8, payload []byte) Cell {
	c := make(Cell, 7+len(payload))
	binary.BigEndian.PutUint32(c[0:4], circID)
	c[4] = cmd
	binary.BigEndian.PutUint16(c[5:7], uint16(len(payload)))
	copy(c[7:], payload)
	return c
}

// NewVersionsCell creates a VERSIONS cell with 2-byte CircID (always 0).
func NewVersionsCell(versions []uint16) Cell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	// VERSIONS uses 2-byte CircID
	c := make(Cell, 5+len(payload))
	c[0] = 0 // CircID high byte
	c[1] = 0 // CircID low byte
	c[2] = CmdVersions
	binary.BigEndian.PutUint16(c[3:5], uint16(len(payload)))
	copy(c[5:], payload)
	return c
}

func (c Cell) CircID() uint32 {
	return binary.BigEndian.Uint32(c[0:4])
}

func (c Cell) Command() uint8 {
	return c[4]
}

func (c Cell) Payload() []byte {
	if IsVariableLength(c.Command()) {
		return c[7:]
	}
	return c[5:]
}

func (c Cell) PayloadLen() int {
	if IsVariableLength(c.Command()) {
		return int(binary.BigEndian.Uint16(c[5:7]))
	}
	return MaxPayloadLen
}

// ErrUnknownCell reports a frame whose header is readable (circuit id,
// command, and — for variable-length commands — a length field) but whose
// declared shape can't be trusted: a variable-length cell claiming more
// than MaxVarPayloadLen bytes of payload. The codec can't safely wait for
// more bytes (it may never see that many) nor silently pass the cell
// through, so it reports the frame as unknown rather than hanging.
type ErrUnknownCell struct {
	CircID  uint32
	Command uint8
	Len     int
}

func (e *ErrUnknownCell) Error() string {
	return fmt.Sprintf("cell: command %d on circuit 0x%08x declares out-of-bounds length %d", e.Command, e.CircID, e.Len)
}

// DecodeStatus is the outcome of a single Decode call.
type DecodeStatus int

const (
	// DecodeNeedMore means buf holds fewer bytes than one cell; the caller
	// should append more bytes and call Decode again. buf is unchanged.
	DecodeNeedMore DecodeStatus = iota
	// DecodeOk means buf held at least one whole cell; Cell is that cell
	// and Remaining is buf with it sliced off the front.
	DecodeOk
	// DecodeErr means Decode returned a non-nil error (always
	// *ErrUnknownCell); Remaining is buf with the offending header sliced
	// off, so the caller may resume decoding after it.
	DecodeErr
)

// DecodeResult is the result of one Decode call: exactly one of
// Ok(cell, remaining), NeedMore, or Err(UnknownCell).
type DecodeResult struct {
	Status    DecodeStatus
	Cell      Cell
	Remaining []byte
}

// Decode is a pure function over a byte buffer: it does no I/O and blocks
// on nothing. It pulls the first complete cell off the front of buf, if
// one is present, classifying the 4-byte-CircID link-protocol-v4+ framing
// from §4.1: fixed cells are exactly FixedCellLen bytes; cells whose
// command IsVariableLength carry a 2-byte length after the 5-byte header.
// VERSIONS' initial 2-byte-CircID framing is the one exception to this
// shape and is handled separately by Reader.ReadVersionsCell, never here.
func Decode(buf []byte) (DecodeResult, error) {
	if len(buf) < 5 {
		return DecodeResult{Status: DecodeNeedMore}, nil
	}
	circID := binary.BigEndian.Uint32(buf[0:4])
	cmd := buf[4]

	if !IsVariableLength(cmd) {
		if len(buf) < FixedCellLen {
			return DecodeResult{Status: DecodeNeedMore}, nil
		}
		c := make(Cell, FixedCellLen)
		copy(c, buf[:FixedCellLen])
		return DecodeResult{Status: DecodeOk, Cell: c, Remaining: buf[FixedCellLen:]}, nil
	}

	if len(buf) < 7 {
		return DecodeResult{Status: DecodeNeedMore}, nil
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[5:7]))
	if payloadLen > MaxVarPayloadLen {
		return DecodeResult{Status: DecodeErr, Remaining: buf[7:]},
			&ErrUnknownCell{CircID: circID, Command: cmd, Len: payloadLen}
	}
	total := 7 + payloadLen
	if len(buf) < total {
		return DecodeResult{Status: DecodeNeedMore}, nil
	}
	c := make(Cell, total)
	copy(c, buf[:total])
	return DecodeResult{Status: DecodeOk, Cell: c, Remaining: buf[total:]}, nil
}
