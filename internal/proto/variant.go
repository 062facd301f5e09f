package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// Stream is the slice of the transport the codec needs: a peekable buffer of
// already-arrived bytes plus a writer. Reads never block; Read fails if fewer
// than the requested bytes are buffered.
type Stream interface {
	Available() int
	Peek(n int) ([]byte, error)
	Read(n int) ([]byte, error)
	Write(p []byte) error
}

const (
	variantHeaderSize = 4
	// maxVariantPayload caps the declared payload length. Anything larger is
	// treated as malformed rather than waited for.
	maxVariantPayload = 1 << 20

	tagInt    byte = 1
	tagString byte = 2
)

var (
	ErrMalformedMessage = errors.New("malformed variant message")
	ErrMessageTooLarge  = errors.New("variant message exceeds maximum size")
	ErrValueType        = errors.New("variant value has unexpected type")
	ErrNoMoreValues     = errors.New("no more values in variant message")
)

// utf16BE mirrors the QDataStream QString encoding used on the wire: a byte
// count followed by UTF-16 big-endian code units.
var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

type variantValue struct {
	tag byte
	i   int32
	s   string
}

// VariantMessage frames an ordered sequence of typed scalar values as one
// self-delimiting unit: a uint32 big-endian payload length followed by the
// payload, where each value is a one-byte tag and its body. Integers are
// int32 big-endian; strings are a uint32 byte count plus UTF-16BE text.
//
// A VariantMessage is single-use: either assembled with the Write methods and
// flushed with Send, or decoded once with Receive and drained with the Read
// methods.
type VariantMessage struct {
	stream Stream

	values []variantValue
	next   int

	wbuf bytes.Buffer
	werr error
}

func NewVariantMessage(s Stream) *VariantMessage {
	return &VariantMessage{stream: s}
}

// Len returns the number of values decoded by Receive.
func (m *VariantMessage) Len() int { return len(m.values) }

// IsReadyForReceive reports whether a complete message is buffered on the
// stream. It only peeks, so a partially-arrived message is left untouched for
// a later attempt. An oversized declared length still reports ready so that
// Receive can fail it as malformed instead of stalling forever.
func (m *VariantMessage) IsReadyForReceive() bool {
	if m.stream.Available() < variantHeaderSize {
		return false
	}

	header, err := m.stream.Peek(variantHeaderSize)
	if err != nil {
		return false
	}

	payloadLen := binary.BigEndian.Uint32(header)
	if payloadLen > maxVariantPayload {
		return true
	}

	return m.stream.Available() >= variantHeaderSize+int(payloadLen)
}

// Receive consumes one complete message from the stream and decodes its
// values. If the message has not fully arrived, Receive returns an error
// without consuming anything; callers should gate on IsReadyForReceive.
func (m *VariantMessage) Receive() error {
	header, err := m.stream.Peek(variantHeaderSize)
	if err != nil {
		return fmt.Errorf("reading variant header: %w", err)
	}

	payloadLen := binary.BigEndian.Uint32(header)
	if payloadLen > maxVariantPayload {
		return ErrMessageTooLarge
	}
	if m.stream.Available() < variantHeaderSize+int(payloadLen) {
		return fmt.Errorf("variant message not fully buffered")
	}

	frame, err := m.stream.Read(variantHeaderSize + int(payloadLen))
	if err != nil {
		return fmt.Errorf("reading variant message: %w", err)
	}

	values, err := decodeValues(frame[variantHeaderSize:])
	if err != nil {
		return err
	}

	m.values = values
	m.next = 0
	return nil
}

func decodeValues(payload []byte) ([]variantValue, error) {
	var values []variantValue
	r := bytes.NewReader(payload)

	for r.Len() > 0 {
		tag, _ := r.ReadByte()

		switch tag {
		case tagInt:
			var v int32
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, ErrMalformedMessage
			}
			values = append(values, variantValue{tag: tagInt, i: v})

		case tagString:
			var byteLen uint32
			if err := binary.Read(r, binary.BigEndian, &byteLen); err != nil {
				return nil, ErrMalformedMessage
			}
			if int(byteLen) > r.Len() || byteLen%2 != 0 {
				return nil, ErrMalformedMessage
			}
			raw := make([]byte, byteLen)
			if _, err := r.Read(raw); err != nil {
				return nil, ErrMalformedMessage
			}
			decoded, err := utf16BE.NewDecoder().Bytes(raw)
			if err != nil {
				return nil, ErrMalformedMessage
			}
			values = append(values, variantValue{tag: tagString, s: string(decoded)})

		default:
			return nil, ErrMalformedMessage
		}
	}

	return values, nil
}

// ReadInt returns the next value, which must be an integer.
func (m *VariantMessage) ReadInt() (int32, error) {
	v, err := m.read(tagInt)
	if err != nil {
		return 0, err
	}
	return v.i, nil
}

// ReadString returns the next value, which must be a string.
func (m *VariantMessage) ReadString() (string, error) {
	v, err := m.read(tagString)
	if err != nil {
		return "", err
	}
	return v.s, nil
}

func (m *VariantMessage) read(tag byte) (variantValue, error) {
	if m.next >= len(m.values) {
		return variantValue{}, ErrNoMoreValues
	}
	v := m.values[m.next]
	if v.tag != tag {
		return variantValue{}, ErrValueType
	}
	m.next++
	return v, nil
}

// WriteInt appends an integer value to the outgoing message.
func (m *VariantMessage) WriteInt(v int32) *VariantMessage {
	if m.werr != nil {
		return m
	}
	m.wbuf.WriteByte(tagInt)
	m.werr = binary.Write(&m.wbuf, binary.BigEndian, v)
	return m
}

// WriteString appends a string value to the outgoing message.
func (m *VariantMessage) WriteString(s string) *VariantMessage {
	if m.werr != nil {
		return m
	}

	encoded, err := utf16BE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		m.werr = err
		return m
	}

	m.wbuf.WriteByte(tagString)
	if m.werr = binary.Write(&m.wbuf, binary.BigEndian, uint32(len(encoded))); m.werr != nil {
		return m
	}
	m.wbuf.Write(encoded)
	return m
}

// Send flushes the assembled values to the stream as one framed message. A
// message with no values is valid and is used as an acknowledgement.
func (m *VariantMessage) Send() error {
	if m.werr != nil {
		return m.werr
	}

	frame := make([]byte, variantHeaderSize, variantHeaderSize+m.wbuf.Len())
	binary.BigEndian.PutUint32(frame, uint32(m.wbuf.Len()))
	frame = append(frame, m.wbuf.Bytes()...)

	if err := m.stream.Write(frame); err != nil {
		return fmt.Errorf("sending variant message: %w", err)
	}

	m.wbuf.Reset()
	return nil
}
