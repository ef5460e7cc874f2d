// Package claloop is a minimal loopback/TCP convergence-layer adapter: a
// CLA input and output adapter pair enough to drive the
// internal/acquisition/internal/dequeue boundary end to end, grounded on the
// teacher's internal/adapter/smb framing idiom (a length-prefixed session
// header ahead of every message, one write mutex serializing the wire).
// This is a demo CLA, not a production TCPCLv4/LTP implementation.
package claloop

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dtn-stack/bpcore/internal/bufpool"
)

// MaxFrameLen caps one frame's length, mirroring the teacher's SMB framing
// DoS guard against a peer claiming an unbounded message size.
const MaxFrameLen = 16 << 20

// writeFrame writes payload prefixed with its 4-byte big-endian length, the
// single point for every wire write on this adapter (teacher's
// WriteNetBIOSFrame). mu serializes concurrent writers on the same conn.
func writeFrame(conn net.Conn, mu *sync.Mutex, writeTimeout time.Duration, payload []byte) error {
	mu.Lock()
	defer mu.Unlock()

	if writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("claloop: set write deadline: %w", err)
		}
	}

	frame := bufpool.Get(4 + len(payload))
	defer bufpool.Put(frame)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	_, err := conn.Write(frame[:4+len(payload)])
	if err != nil {
		return fmt.Errorf("claloop: write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame off conn.
func readFrame(conn net.Conn, readTimeout time.Duration) ([]byte, error) {
	if readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return nil, fmt.Errorf("claloop: set read deadline: %w", err)
		}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("claloop: frame too large: %d bytes (max %d)", n, MaxFrameLen)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("claloop: read frame: %w", err)
	}
	return buf, nil
}
