package cell

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestIsVariableLength(t *testing.T) {
	if IsVariableLength(CmdRelay) {
		t.Fatal("RELAY should be fixed")
	}
	if !IsVariableLength(CmdVersions) {
		t.Fatal("VERSIONS should be variable")
	}
	if !IsVariableLength(CmdCerts) {
		t.Fatal("CERTS should be variable")
	}
	if IsVariableLength(CmdNetInfo) {
		t.Fatal("NETINFO should be fixed")
	}
}

func TestFixedCellRoundTrip(t *testing.T) {
	c := NewFixedCell(0x80000001, CmdNetInfo)
	c.Payload()[0] = 0xAB
	if len(c) != FixedCellLen {
		t.Fatalf("expected %d bytes, got %d", FixedCellLen, len(c))
	}
	if c.CircID() != 0x80000001 {
		t.Fatalf("circID mismatch")
	}
	if c.Command() != CmdNetInfo {
		t.Fatal("command mismatch")
	}

	// Write then read
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteCell(c); err != nil {
		t.Fatal(err)
	}
	r := NewReader(bufio.NewReader(&buf))
	got, err := r.ReadCell()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c, got) {
		t.Fatal("round-trip mismatch")
	}
}

func TestVarCellRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	c := NewVarCell(0, CmdCerts, payload)
	if c.Command() != CmdCerts {
		t.Fatal("command mismatch")
	}
	if c.PayloadLen() != 3 {
		t.Fatalf("payload len: got %d", c.PayloadLen())
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteCell(c); err != nil {
		t.Fatal(err)
	}
	r := NewReader(bufio.NewReader(&buf))
	got, err := r.ReadCell()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c, got) {
		t.Fatal("round-trip mismatch")
	}
}

func TestDecodeNeedMoreOnPartialHeader(t *testing.T) {
	res, err := Decode([]byte{0x00, 0x00, 0x00, 0x01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != DecodeNeedMore {
		t.Fatalf("status: got %v, want DecodeNeedMore", res.Status)
	}
}

func TestDecodeNeedMoreOnPartialFixedPayload(t *testing.T) {
	c := NewFixedCell(1, CmdNetInfo)
	res, err := Decode(c[:FixedCellLen-1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != DecodeNeedMore {
		t.Fatalf("status: got %v, want DecodeNeedMore", res.Status)
	}
}

func TestDecodeOkFixedCellLeavesNoRemainingWhenExact(t *testing.T) {
	c := NewFixedCell(0x80000001, CmdNetInfo)
	res, err := Decode(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != DecodeOk {
		t.Fatalf("status: got %v, want DecodeOk", res.Status)
	}
	if !bytes.Equal(res.Cell, c) {
		t.Fatal("decoded cell mismatch")
	}
	if len(res.Remaining) != 0 {
		t.Fatalf("remaining: got %d bytes, want 0", len(res.Remaining))
	}
}

func TestDecodeOkVarCellRemaining(t *testing.T) {
	c := NewVarCell(0, CmdCerts, []byte{0xAA, 0xBB})
	trailer := []byte{0xCC, 0xDD, 0xEE}
	res, err := Decode(append(append([]byte{}, c...), trailer...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != DecodeOk {
		t.Fatalf("status: got %v, want DecodeOk", res.Status)
	}
	if !bytes.Equal(res.Cell, c) {
		t.Fatal("decoded cell mismatch")
	}
	if !bytes.Equal(res.Remaining, trailer) {
		t.Fatalf("remaining: got %X, want %X", res.Remaining, trailer)
	}
}

func TestDecodeErrUnknownCellOnOversizedLength(t *testing.T) {
	buf := make([]byte, 7)
	buf[4] = CmdCerts
	buf[5] = 0xFF
	buf[6] = 0xFF // declared length 65535 > MaxVarPayloadLen
	res, err := Decode(buf)
	if err == nil {
		t.Fatal("expected error for out-of-bounds length")
	}
	if res.Status != DecodeErr {
		t.Fatalf("status: got %v, want DecodeErr", res.Status)
	}
	var unknown *ErrUnknownCell
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *ErrUnknownCell, got %T", err)
	}
	if unknown.Command != CmdCerts || unknown.Len != 0xFFFF {
		t.Fatalf("unexpected fields: %+v", unknown)
	}
}

func TestDecodeRoundTripPreservesPayloadAndEmptyRemainingIffExactlyOneCell(t *testing.T) {
	c := NewFixedCell(7, CmdRelay)
	copy(c.Payload(), []byte("hello"))

	res, err := Decode(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(res.Cell.Payload()[:5], []byte("hello")) {
		t.Fatal("payload not preserved across decode")
	}
	if len(res.Remaining) != 0 {
		t.Fatal("remaining should be empty when buffer held exactly one cell")
	}

	withExtra := append(append([]byte{}, c...), 0x01)
	res2, err := Decode(withExtra)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res2.Remaining) != 1 {
		t.Fatal("remaining should carry the leftover byte when more than one cell's worth is present")
	}
}

func TestReaderSurfacesUnknownCellAndResyncs(t *testing.T) {
	var buf bytes.Buffer
	// Oversized-length CERTS header, then a valid fixed cell right after.
	bad := make([]byte, 7)
	bad[4] = CmdCerts
	bad[5], bad[6] = 0xFF, 0xFF
	buf.Write(bad)
	good := NewFixedCell(42, CmdNetInfo)
	buf.Write(good)

	r := NewReader(bufio.NewReader(&buf))
	_, err := r.ReadCell()
	var unknown *ErrUnknownCell
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *ErrUnknownCell, got %v", err)
	}

	got, err := r.ReadCell()
	if err != nil {
		t.Fatalf("unexpected error resuming after unknown cell: %v", err)
	}
	if !bytes.Equal(got, good) {
		t.Fatal("reader did not resync to the following well-formed cell")
	}
}

func TestVersionsCellSpecialFormat(t *testing.T) {
	c := NewVersionsCell([]uint16{4, 5})
	// Should be 5 bytes header + 4 bytes payload = 9
	if len(c) != 9 {
		t.Fatalf("expected 9 bytes, got %d", len(c))
	}
	// 2-byte CircID=0, cmd=7, length=4, versions
	if c[0] != 0 || c[1] != 0 {
		t.Fatal("CircID should be 0")
	}
	if c[2] != CmdVersions {
		t.Fatal("command should be VERSIONS")
	}

	// Write and read back
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteCell(c); err != nil {
		t.Fatal(err)
	}
	r := NewReader(bufio.NewReader(&buf))
	got, err := r.ReadVersionsCell()
	if err != nil {
		t.Fatal(err)
	}
	versions := ParseVersions(got)
	if len(versions) != 2 || versions[0] != 4 || versions[1] != 5 {
		t.Fatalf("versions mismatch: %v", versions)
	}
}
