package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// Handshake blob: reply tx {addr, rkey}, reply rx {addr, rkey}, hostname.
const (
	handshakeHostnameLen = 64
	handshakeBlobLen     = 8 + 4 + 8 + 4 + handshakeHostnameLen
)

// handshake exchanges the registered reply-buffer descriptors with every
// peer through the out-of-band rendezvous and installs the per-peer window
// configuration. Runs once, at bind time.
func (e *Engine) handshake() error {
	blob := make([]byte, handshakeBlobLen)
	binary.LittleEndian.PutUint64(blob[0:8], e.mrTxReply.Addr)
	binary.LittleEndian.PutUint32(blob[8:12], e.mrTxReply.RKey)
	binary.LittleEndian.PutUint64(blob[12:20], e.mrRxReply.Addr)
	binary.LittleEndian.PutUint32(blob[20:24], e.mrRxReply.RKey)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = fmt.Sprintf("rank-%d", e.rank)
	}
	copy(blob[24:24+handshakeHostnameLen], hostname)

	blobs, err := e.coll.Allgather(blob)
	if err != nil {
		return fmt.Errorf("engine: window handshake: %w", err)
	}
	if len(blobs) != e.numPEs {
		return fmt.Errorf("engine: handshake returned %d blobs for %d peers", len(blobs), e.numPEs)
	}

	e.peerCfg = make([]remoteWindowConfig, e.numPEs)
	for peer, b := range blobs {
		if len(b) != handshakeBlobLen {
			return fmt.Errorf("engine: malformed handshake blob from rank %d (%d bytes)", peer, len(b))
		}
		e.peerCfg[peer] = remoteWindowConfig{
			replyTxAddr: binary.LittleEndian.Uint64(b[0:8]),
			replyTxKey:  binary.LittleEndian.Uint32(b[8:12]),
			replyRxAddr: binary.LittleEndian.Uint64(b[12:20]),
			replyRxKey:  binary.LittleEndian.Uint32(b[20:24]),
			hostname:    strings.TrimRight(string(b[24:24+handshakeHostnameLen]), "\x00"),
		}
	}

	// Keep every rank from posting before its peers have installed the
	// windows.
	if err := e.coll.Barrier(); err != nil {
		return fmt.Errorf("engine: handshake barrier: %w", err)
	}
	return nil
}
