//go:build pcap

package network

import (
	"fmt"

	"github.com/google/gopacket/pcap"
)

// openPCAP opens the file through libpcap and applies the BPF filter in the
// capture engine.
func openPCAP(path, filter string) (PCAPReader, error) {
	h, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, err
	}
	if err := h.SetBPFFilter(filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set BPF filter %q: %w", filter, err)
	}
	return &sourceReader{src: h, close: func() error { h.Close(); return nil }}, nil
}
