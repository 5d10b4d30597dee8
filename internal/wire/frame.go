package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Header field sizes.
const (
	HeaderLengthSize = 2
	TotalLengthSize  = 4
	KindSize         = 1
	HeaderSize       = HeaderLengthSize + TotalLengthSize + KindSize
)

// MaxFrameSize bounds every frame, header included.
const MaxFrameSize = 4096

// Encode validates msg and serializes it into a single frame.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", msg.Kind, err)
	}
	total := HeaderSize + len(body)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", msg.Kind, total, ErrFrameTooLarge)
	}

	buf := make([]byte, total)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], uint16(HeaderSize))
	offset += HeaderLengthSize

	binary.BigEndian.PutUint32(buf[offset:], uint32(total))
	offset += TotalLengthSize

	buf[offset] = byte(msg.Kind)
	offset += KindSize

	copy(buf[offset:], body)
	return buf, nil
}

// Decode parses exactly one complete frame. Every failure is a *ProtocolError.
func Decode(data []byte) (*Message, error) {
	total, kind, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) != total {
		return nil, protocolErr(fmt.Sprintf("frame length %d does not match header total %d", len(data), total), nil)
	}
	return decodeBody(kind, data[HeaderSize:])
}

// ReadFrame reads one frame from r. A clean end of stream before any header
// byte returns io.EOF unchanged; a frame cut short returns a *ProtocolError.
func ReadFrame(r io.Reader) (*Message, error) {
	header := make([]byte, HeaderSize)
	n, err := ReadFull(r, header)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErr("truncated header", err)
		}
		return nil, err
	}

	total, kind, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	body := make([]byte, total-HeaderSize)
	if _, err := ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErr("truncated body", err)
		}
		return nil, err
	}
	return decodeBody(kind, body)
}

// WriteFrame encodes msg and writes the whole frame to w.
func WriteFrame(w io.Writer, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteAll(w, data)
}

func parseHeader(data []byte) (int, Kind, error) {
	if len(data) < HeaderSize {
		return 0, 0, protocolErr(fmt.Sprintf("frame too short: got %d bytes, need at least %d", len(data), HeaderSize), nil)
	}

	headerLength := int(binary.BigEndian.Uint16(data[0:]))
	if headerLength != HeaderSize {
		return 0, 0, protocolErr(fmt.Sprintf("invalid header length %d", headerLength), nil)
	}

	total := int(binary.BigEndian.Uint32(data[HeaderLengthSize:]))
	if total < HeaderSize {
		return 0, 0, protocolErr(fmt.Sprintf("invalid total length %d", total), nil)
	}
	if total > MaxFrameSize {
		return 0, 0, protocolErr(fmt.Sprintf("total length %d", total), ErrFrameTooLarge)
	}

	kind := Kind(data[HeaderLengthSize+TotalLengthSize])
	if !kind.Known() {
		return 0, 0, protocolErr(fmt.Sprintf("unknown message kind %d", uint8(kind)), nil)
	}
	return total, kind, nil
}

func decodeBody(kind Kind, body []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, protocolErr(fmt.Sprintf("malformed %s body", kind), err)
	}
	if dec.More() {
		return nil, protocolErr(fmt.Sprintf("trailing data after %s body", kind), nil)
	}
	msg.Kind = kind
	if err := msg.Validate(); err != nil {
		return nil, protocolErr("schema violation", err)
	}
	return &msg, nil
}
