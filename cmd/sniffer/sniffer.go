package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/gopacket"
)

const maxDumpedBytes = 64

type sniffer struct {
	Writer     *bufio.Writer
	ServerPort uint16
}

func (s *sniffer) startReading(packetChan chan gopacket.Packet) {
	for packet := range packetChan {
		transport := packet.TransportLayer()
		app := packet.ApplicationLayer()
		if transport == nil || app == nil || len(app.Payload()) == 0 {
			continue
		}

		flow := transport.TransportFlow()
		srcPort := binary.BigEndian.Uint16(flow.Src().Raw())
		dstPort := binary.BigEndian.Uint16(flow.Dst().Raw())

		direction := "server -> client"
		if dstPort == s.ServerPort {
			direction = "client -> server"
		}

		s.printPayload(direction, srcPort, dstPort, app.Payload())
	}
}

func (s *sniffer) printPayload(direction string, srcPort, dstPort uint16, data []byte) {
	fmt.Fprintf(s.Writer, "[%s] %d -> %d (%d bytes): %s\n",
		direction, srcPort, dstPort, len(data), describe(data))

	dumped := data
	if len(dumped) > maxDumpedBytes {
		dumped = dumped[:maxDumpedBytes]
	}
	fmt.Fprint(s.Writer, hex.Dump(dumped))
	s.Writer.Flush()
}

// describe takes a best-effort guess at which part of the handshake a
// payload belongs to. TCP segmentation can split or merge messages, so
// these labels are hints rather than ground truth.
func describe(data []byte) string {
	switch {
	case len(data) == 12 && bytes.HasPrefix(data, []byte("RFB ")):
		return fmt.Sprintf("version banner %q", data)
	case len(data) == 2 && data[0] == 0x01:
		return fmt.Sprintf("security type list (type %d)", data[1])
	case len(data) == 1:
		return fmt.Sprintf("security type selection or ClientInit (0x%02x)", data[0])
	case len(data) == 4 && binary.BigEndian.Uint32(data) == 0:
		return "authentication result (success)"
	case len(data) >= 4 && int(binary.BigEndian.Uint32(data[:4])) == len(data)-4:
		return fmt.Sprintf("variant message (%d byte payload)", len(data)-4)
	}
	return "data"
}
