package timesync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the minimal interface needed from a serial connection.
type SerialPort interface {
	io.ReadWriter
	io.Closer
}

// OpenSerialPort opens a timing board at 8N1 with the given baud rate.
func OpenSerialPort(path string, baud int) (SerialPort, error) {
	if baud <= 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// SerialAuthority talks to a serial-attached timing board that owns the
// PPS second counter. The protocol is line based:
//
//	-> R          reset the counter
//	<- T=<ns>     reference time of the reset
//	<- E=<reason> reset refused
//
// Any other line is ignored.
type SerialAuthority struct {
	port  SerialPort
	mu    sync.Mutex // one request in flight
	lines chan string
	done  chan struct{}
}

// NewSerialAuthority starts reading responses from port.
func NewSerialAuthority(port SerialPort) *SerialAuthority {
	a := &SerialAuthority{
		port:  port,
		lines: make(chan string, 16),
		done:  make(chan struct{}),
	}
	go a.readLoop()
	return a
}

func (a *SerialAuthority) readLoop() {
	defer close(a.done)
	scanner := bufio.NewScanner(a.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case a.lines <- line:
		default:
			// nobody is waiting; drop the oldest
			select {
			case <-a.lines:
			default:
			}
			a.lines <- line
		}
	}
}

// Available reports whether the reader is still attached to the port.
func (a *SerialAuthority) Available(ctx context.Context) bool {
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// RequestTimeReference implements TimeAuthority.
func (a *SerialAuthority) RequestTimeReference(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// discard anything unsolicited
	for drained := false; !drained; {
		select {
		case <-a.lines:
		default:
			drained = true
		}
	}

	if _, err := io.WriteString(a.port, "R\n"); err != nil {
		return 0, fmt.Errorf("write reset request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-a.done:
			return 0, fmt.Errorf("serial timing board closed")
		case line := <-a.lines:
			key, val, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch key {
			case "T":
				ns, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return 0, fmt.Errorf("bad reference %q: %w", val, err)
				}
				return ns, nil
			case "E":
				return 0, fmt.Errorf("timing board refused reset: %s", val)
			}
		}
	}
}

// Close closes the port and waits briefly for the reader to stop.
func (a *SerialAuthority) Close() error {
	err := a.port.Close()
	select {
	case <-a.done:
	case <-time.After(time.Second):
	}
	return err
}
