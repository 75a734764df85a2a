//go:build !pcap

package network

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/gopacket/pcapgo"
)

// openPCAP reads classic pcap or pcapng files without libpcap. The BPF
// filter is not applied here; Replay routes by port itself.
func openPCAP(path, _ string) (PCAPReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var src captureSource
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return &sourceReader{src: src, close: f.Close}, nil
}
