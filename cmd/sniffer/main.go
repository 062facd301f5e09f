// The sniffer command captures RFB handshake traffic on a local interface
// and prints an annotated view of the exchange. Useful for debugging client
// compatibility problems without instrumenting the server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

var (
	device = flag.String("d", "en0", "Device on which to listen for packets")
	port   = flag.Int("p", 5900, "TCP port the RFB server is listening on")
)

func main() {
	flag.Parse()

	deviceIP := getDeviceIP()
	if deviceIP == "" {
		exit("invalid device: %s", *device)
	}

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v", err)
	}
	if err := handle.SetBPFFilter(fmt.Sprintf("tcp port %d", *port)); err != nil {
		exit("error setting filter: %v", err)
	}

	s := &sniffer{
		Writer:     bufio.NewWriter(os.Stdout),
		ServerPort: uint16(*port),
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	s.startReading(packetSource.Packets())
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func getDeviceIP() string {
	devs, _ := pcap.FindAllDevs()
	for _, dev := range devs {
		if dev.Name == *device {
			for _, address := range dev.Addresses {
				return address.IP.String()
			}
		}
	}
	return ""
}
