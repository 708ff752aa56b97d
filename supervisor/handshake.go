package supervisor

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// HandshakePrefix starts the engine's port announcement line.
const HandshakePrefix = "PORT="

const maxLineSize = 1 << 20

// HandshakeReader reads the engine's stdout line by line looking for the port announcement.
type HandshakeReader struct {
	r       io.Reader
	scanner *bufio.Scanner

	// Skipped, if set, is called with every line ReadPort passes over.
	Skipped func(line string)
}

func NewHandshakeReader(r io.Reader) *HandshakeReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	return &HandshakeReader{r: r, scanner: scanner}
}

// ReadPort scans until the first valid announcement and returns its port.
// Lines with a malformed port are skipped. It returns false if the stream ends first.
func (h *HandshakeReader) ReadPort() (uint16, bool) {
	for h.scanner.Scan() {
		line := h.scanner.Text()
		if port, ok := ParseHandshake(line); ok {
			return port, true
		}
		if h.Skipped != nil {
			h.Skipped(line)
		}
	}
	return 0, false
}

// Drain consumes the rest of the stream, passing each line to fn, until EOF.
// A line too long to scan stops line splitting and the remainder is discarded.
func (h *HandshakeReader) Drain(fn func(line string)) error {
	for h.scanner.Scan() {
		if fn != nil {
			fn(h.scanner.Text())
		}
	}
	if err := h.scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, h.r)
		return err
	}
	return nil
}

// ParseHandshake parses a single "PORT=<uint16>" line.
func ParseHandshake(line string) (uint16, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, HandshakePrefix) {
		return 0, false
	}
	port, err := strconv.ParseUint(line[len(HandshakePrefix):], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(port), true
}

// ReadPort reads r until the first port announcement.
func ReadPort(r io.Reader) (uint16, bool) {
	return NewHandshakeReader(r).ReadPort()
}
