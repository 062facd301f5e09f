package proto

import (
	"bytes"
	"encoding/binary"
)

// PixelFormat describes the framebuffer pixel layout advertised in the
// ServerInit message (RFC 6143 section 7.4).
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    uint8
	TrueColor    uint8
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
	Padding      [3]byte
}

// DefaultPixelFormat is a 32bpp true-color format accepted by every client
// we have tested against.
var DefaultPixelFormat = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColor:    1,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
}

// BuildServerInit serializes a ServerInit message: framebuffer geometry,
// pixel format and the desktop name. The handshake state machine treats the
// result as an opaque blob.
func BuildServerInit(width, height uint16, format PixelFormat, name string) []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.BigEndian, width)
	_ = binary.Write(buf, binary.BigEndian, height)
	_ = binary.Write(buf, binary.BigEndian, format)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(name)))
	buf.WriteString(name)

	return buf.Bytes()
}
