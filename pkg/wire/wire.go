package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/dlmd/pkg/types"
)

// Kind identifies the purpose of a wire message (spec §6).
type Kind uint8

const (
	KindLookup Kind = iota
	KindLookupReply
	KindRequest
	KindRequestReply
	KindConvert
	KindConvertReply
	KindUnlock
	KindUnlockReply
	KindGrant
	KindRemove
	KindNames
	KindLocks
	KindRecoverStart
	KindRecoverDone
)

func (k Kind) String() string {
	switch k {
	case KindLookup:
		return "LOOKUP"
	case KindLookupReply:
		return "LOOKUP_REPLY"
	case KindRequest:
		return "REQUEST"
	case KindRequestReply:
		return "REQUEST_REPLY"
	case KindConvert:
		return "CONVERT"
	case KindConvertReply:
		return "CONVERT_REPLY"
	case KindUnlock:
		return "UNLOCK"
	case KindUnlockReply:
		return "UNLOCK_REPLY"
	case KindGrant:
		return "GRANT"
	case KindRemove:
		return "REMOVE"
	case KindNames:
		return "NAMES"
	case KindLocks:
		return "LOCKS"
	case KindRecoverStart:
		return "RECOVER_START"
	case KindRecoverDone:
		return "RECOVER_DONE"
	default:
		return "?"
	}
}

// noMode is the wire encoding of types.IV, which does not fit the
// mode byte's natural 0..5 range.
const noMode = 0xFF

// Message is one decoded wire frame (spec §6 field layout).
type Message struct {
	Kind         Kind
	Flags        types.Flags
	LockspaceID  uint32
	SenderNodeID uint32
	TargetNodeID uint32
	SenderLKID   uint32
	RemoteLKID   uint32
	Mode         types.Mode
	RqMode       types.Mode
	Status       types.Status
	Result       types.ErrorCode
	Range        types.Range
	Name         []byte
	LVB          []byte
}

func encodeMode(m types.Mode) byte {
	if m == types.IV {
		return noMode
	}
	return byte(m)
}

func decodeMode(b byte) types.Mode {
	if b == noMode {
		return types.IV
	}
	return types.Mode(b)
}

// Encode serializes m into the spec §6 wire layout: fixed header,
// network byte order, then the name and LVB bytes each prefixed by a
// u16 length.
func Encode(m *Message) ([]byte, error) {
	if len(m.Name) > 0xFFFF {
		return nil, fmt.Errorf("wire: resource name too long: %d bytes", len(m.Name))
	}
	if len(m.LVB) > 0xFFFF {
		return nil, fmt.Errorf("wire: lvb too long: %d bytes", len(m.LVB))
	}

	buf := &bytes.Buffer{}
	buf.Grow(headerLen + len(m.Name) + len(m.LVB))

	buf.WriteByte(byte(m.Kind))
	buf.WriteByte(byte(m.Flags))
	_ = binary.Write(buf, binary.BigEndian, uint16(0)) // reserved
	_ = binary.Write(buf, binary.BigEndian, m.LockspaceID)
	_ = binary.Write(buf, binary.BigEndian, m.SenderNodeID)
	_ = binary.Write(buf, binary.BigEndian, m.TargetNodeID)
	_ = binary.Write(buf, binary.BigEndian, m.SenderLKID)
	_ = binary.Write(buf, binary.BigEndian, m.RemoteLKID)
	buf.WriteByte(encodeMode(m.Mode))
	buf.WriteByte(encodeMode(m.RqMode))
	buf.WriteByte(byte(m.Status))
	buf.WriteByte(byte(m.Result))
	_ = binary.Write(buf, binary.BigEndian, m.Range.Start)
	_ = binary.Write(buf, binary.BigEndian, m.Range.End)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(m.Name)))
	buf.Write(m.Name)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(m.LVB)))
	buf.Write(m.LVB)

	return buf.Bytes(), nil
}

// headerLen is the size of the fixed portion of a wire message, before
// the variable-length name and LVB.
const headerLen = 1 + 1 + 2 + 4 + 4 + 4 + 4 + 4 + 1 + 1 + 1 + 1 + 8 + 8 + 2 + 2

// Decode parses a wire message body previously produced by Encode.
func Decode(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	m := &Message{}

	var kindByte, flagsByte, modeByte, rqModeByte, statusByte, resultByte byte
	var reserved uint16
	var nameLen, lvbLen uint16

	readByte := func(dst *byte) error {
		b, err := r.ReadByte()
		*dst = b
		return err
	}

	if err := readByte(&kindByte); err != nil {
		return nil, fmt.Errorf("wire: reading kind: %w", err)
	}
	if err := readByte(&flagsByte); err != nil {
		return nil, fmt.Errorf("wire: reading flags: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &reserved); err != nil {
		return nil, fmt.Errorf("wire: reading reserved: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.LockspaceID); err != nil {
		return nil, fmt.Errorf("wire: reading lockspace id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.SenderNodeID); err != nil {
		return nil, fmt.Errorf("wire: reading sender node id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.TargetNodeID); err != nil {
		return nil, fmt.Errorf("wire: reading target node id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.SenderLKID); err != nil {
		return nil, fmt.Errorf("wire: reading sender lkid: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.RemoteLKID); err != nil {
		return nil, fmt.Errorf("wire: reading remote lkid: %w", err)
	}
	if err := readByte(&modeByte); err != nil {
		return nil, fmt.Errorf("wire: reading mode: %w", err)
	}
	if err := readByte(&rqModeByte); err != nil {
		return nil, fmt.Errorf("wire: reading rqmode: %w", err)
	}
	if err := readByte(&statusByte); err != nil {
		return nil, fmt.Errorf("wire: reading status: %w", err)
	}
	if err := readByte(&resultByte); err != nil {
		return nil, fmt.Errorf("wire: reading result: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.Range.Start); err != nil {
		return nil, fmt.Errorf("wire: reading range start: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.Range.End); err != nil {
		return nil, fmt.Errorf("wire: reading range end: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return nil, fmt.Errorf("wire: reading name length: %w", err)
	}
	m.Name = make([]byte, nameLen)
	if _, err := io.ReadFull(r, m.Name); err != nil {
		return nil, fmt.Errorf("wire: reading name: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &lvbLen); err != nil {
		return nil, fmt.Errorf("wire: reading lvb length: %w", err)
	}
	m.LVB = make([]byte, lvbLen)
	if _, err := io.ReadFull(r, m.LVB); err != nil {
		return nil, fmt.Errorf("wire: reading lvb: %w", err)
	}

	m.Kind = Kind(kindByte)
	m.Flags = types.Flags(flagsByte)
	m.Mode = decodeMode(modeByte)
	m.RqMode = decodeMode(rqModeByte)
	m.Status = types.Status(statusByte)
	m.Result = types.ErrorCode(resultByte)

	return m, nil
}

// maxFrameSize bounds a single frame's body so a corrupt or hostile
// length prefix cannot force an unbounded allocation.
const maxFrameSize = 16 << 20

// WriteFrame encodes m and writes it as a length-prefixed frame:
// a u32 body length in network byte order, followed by the body.
func WriteFrame(w io.Writer, m *Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it.
func ReadFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: reading frame body: %w", err)
	}
	return Decode(body)
}
