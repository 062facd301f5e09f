// Package proto defines the wire-level constants and framing used during the
// RFB handshake. Everything in this package has to stay bit-compatible with
// standard RFB/VNC clients (RFC 6143) plus vigil's extended auth negotiation.
package proto

import (
	"fmt"
)

const (
	// VersionBannerFormat is the fixed-length protocol version exchanged by
	// both sides at the start of the handshake, e.g. "RFB 003.008\n".
	VersionBannerFormat = "RFB %03d.%03d\n"
	VersionBannerSize   = 12

	ProtocolMajor = 3
	ProtocolMinor = 8

	// SecTypeVigil is the only security type the server offers. It lives in
	// the range reserved for vendor extensions rather than the legacy VNC
	// password scheme.
	SecTypeVigil byte = 40

	// AuthSucceeded is the SecurityResult code written (big-endian) once
	// authentication has finished successfully.
	AuthSucceeded uint32 = 0

	// ClientInitSize is the size of the ClientInit message (a single
	// shared-session flag byte). Its content is ignored.
	ClientInitSize = 1
)

// AuthMethod identifies one of the authentication schemes negotiated inside
// the extended auth security type.
type AuthMethod int32

const (
	AuthNone  AuthMethod = 0
	AuthLogon AuthMethod = 1
	AuthToken AuthMethod = 2
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthLogon:
		return "logon"
	case AuthToken:
		return "token"
	}
	return fmt.Sprintf("unknown(%d)", int32(m))
}

// VersionBanner returns the server's protocol version banner.
func VersionBanner() []byte {
	return []byte(fmt.Sprintf(VersionBannerFormat, ProtocolMajor, ProtocolMinor))
}

// ParseVersionBanner extracts the major and minor protocol version from a
// client banner. The banner must be exactly VersionBannerSize bytes in the
// standard "RFB xxx.yyy\n" form.
func ParseVersionBanner(b []byte) (major, minor int, err error) {
	if len(b) != VersionBannerSize {
		return 0, 0, fmt.Errorf("version banner must be %d bytes, got %d", VersionBannerSize, len(b))
	}

	n, err := fmt.Sscanf(string(b), "RFB %3d.%3d", &major, &minor)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("malformed version banner %q", b)
	}
	if b[VersionBannerSize-1] != '\n' {
		return 0, 0, fmt.Errorf("malformed version banner %q", b)
	}

	return major, minor, nil
}

// SecurityTypeList returns the server's security type advertisement: a count
// byte followed by the single offered type.
func SecurityTypeList() []byte {
	return []byte{0x01, SecTypeVigil}
}
