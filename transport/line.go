package transport

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	// frameTerminator ends every outbound command and inbound reply.
	frameTerminator = '\r'

	// OffCommand is the X-ray off directive. Commands containing it are
	// written twice, see Conn.
	OffCommand = "XOF"
)

// Frame returns the wire bytes for cmd: the command text followed by a single CR.
func Frame(cmd string) []byte {
	b := make([]byte, 0, len(cmd)+1)
	b = append(b, cmd...)
	return append(b, frameTerminator)
}

func writeFrame(p Port, cmd string) error {
	frame := Frame(cmd)
	n, err := p.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(frame))
	}

	return nil
}

// readFrame fills buf from p until a CR arrives, the buffer is full, or a read
// times out without data. Trailing CRs are stripped from the result.
func readFrame(p Port, buf []byte) (string, error) {
	n := 0
	for n < len(buf) {
		m, err := p.Read(buf[n:])
		n += m
		if err != nil {
			return "", err
		}
		if m == 0 || bytes.IndexByte(buf[n-m:n], frameTerminator) >= 0 {
			break
		}
	}

	return strings.TrimRight(string(buf[:n]), "\r"), nil
}

func isOffCommand(cmd string) bool {
	return strings.Contains(cmd, OffCommand)
}
