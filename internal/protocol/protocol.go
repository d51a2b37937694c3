// Package protocol defines the bit layouts and sequence-number discipline
// shared by the device-side teams and the host-side progress pumps: the
// 64-bit block-command word, the 32-bit element-request slot, the ready-flag
// trip encoding, and the wire headers for block requests and replies.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Block-command word layout:
//
//	[63:62] ready flag (trip parity)
//	[61:40] peer
//	[39:20] window
//	[19: 0] size
const (
	cmdFlagShift   = 62
	cmdPeerShift   = 40
	cmdWindowShift = 20

	cmdPeerBits   = 22
	cmdWindowBits = 20
	cmdSizeBits   = 20

	cmdPeerMask   = 1<<cmdPeerBits - 1
	cmdWindowMask = 1<<cmdWindowBits - 1
	cmdSizeMask   = 1<<cmdSizeBits - 1
)

// Element-request slot layout: low 28 bits element offset, high 4 bits
// ready flag.
const (
	slotOffsetBits = 28
	slotOffsetMask = 1<<slotOffsetBits - 1

	// MaxOffset is the largest element offset a request slot can carry.
	MaxOffset = slotOffsetMask

	// MaxBlockSize is the largest element count a block command can carry.
	MaxBlockSize = cmdSizeMask

	// MaxPeer is the largest peer index a block command can carry.
	MaxPeer = cmdPeerMask
)

// ReadyFlag returns the slot/command flag for a given wrap trip. The two live
// values alternate with trip parity; zero is reserved for never-written
// slots. Back-pressure guarantees no producer runs more than one trip ahead
// of its consumer, so parity is sufficient for runs of any length.
func ReadyFlag(trip uint64) uint32 {
	return uint32(1 + trip&1)
}

// MakeElementSlot encodes an element offset and the producer's trip into one
// request-queue slot word.
func MakeElementSlot(offset uint32, trip uint64) uint32 {
	if offset > slotOffsetMask {
		panic(fmt.Sprintf("protocol: element offset %#x exceeds %d bits", offset, slotOffsetBits))
	}
	return offset | ReadyFlag(trip)<<slotOffsetBits
}

// SlotOffset extracts the element offset from a request-queue slot word.
func SlotOffset(slot uint32) uint32 { return slot & slotOffsetMask }

// SlotFlag extracts the ready flag from a request-queue slot word.
func SlotFlag(slot uint32) uint32 { return slot >> slotOffsetBits }

// MakeBlockCommand encodes a block command word carrying the element count,
// the peer the block belongs to, the receive window, and the producer trip.
func MakeBlockCommand(size uint32, peer int, window uint32, trip uint64) uint64 {
	if size > cmdSizeMask {
		panic(fmt.Sprintf("protocol: block size %d exceeds %d bits", size, cmdSizeBits))
	}
	if peer < 0 || peer > cmdPeerMask {
		panic(fmt.Sprintf("protocol: peer %d out of range", peer))
	}
	if window > cmdWindowMask {
		panic(fmt.Sprintf("protocol: window %d exceeds %d bits", window, cmdWindowBits))
	}
	return uint64(size) |
		uint64(window)<<cmdWindowShift |
		uint64(peer)<<cmdPeerShift |
		uint64(ReadyFlag(trip))<<cmdFlagShift
}

// CommandFlag extracts the ready flag from a block command word.
func CommandFlag(cmd uint64) uint32 { return uint32(cmd >> cmdFlagShift) }

// CommandPeer extracts the peer index from a block command word.
func CommandPeer(cmd uint64) int { return int(cmd >> cmdPeerShift & cmdPeerMask) }

// CommandWindow extracts the window index from a block command word.
func CommandWindow(cmd uint64) uint32 { return uint32(cmd >> cmdWindowShift & cmdWindowMask) }

// CommandSize extracts the element count from a block command word.
func CommandSize(cmd uint64) uint32 { return uint32(cmd & cmdSizeMask) }

// WithWindow returns the command word with its window field replaced. The
// requester always emits window 0; the responding host assigns the receive
// window before forwarding the command to its device team.
func WithWindow(cmd uint64, window uint32) uint64 {
	if window > cmdWindowMask {
		panic(fmt.Sprintf("protocol: window %d exceeds %d bits", window, cmdWindowBits))
	}
	return cmd&^uint64(cmdWindowMask<<cmdWindowShift) | uint64(window)<<cmdWindowShift
}

// BlockRequestHeader precedes the offset payload of a block request on the
// wire.
type BlockRequestHeader struct {
	Size     uint32 // number of offsets in the payload
	Origin   uint32 // requester rank
	Token    uint32 // completion token, echoed by the reply
	TripFlag uint32 // producer trip flag for the payload slots
}

// BlockReplyHeader precedes the value payload of a block reply on the wire.
type BlockReplyHeader struct {
	Token uint32 // token of the request being answered
	Size  uint32 // number of values in the payload
}

// Encoded sizes of the wire headers.
const (
	BlockRequestHeaderLen = 16
	BlockReplyHeaderLen   = 8
)

// Put encodes the header into b, which must hold BlockRequestHeaderLen bytes.
func (h BlockRequestHeader) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	binary.LittleEndian.PutUint32(b[4:8], h.Origin)
	binary.LittleEndian.PutUint32(b[8:12], h.Token)
	binary.LittleEndian.PutUint32(b[12:16], h.TripFlag)
}

// ParseBlockRequestHeader decodes a header from b.
func ParseBlockRequestHeader(b []byte) (BlockRequestHeader, error) {
	if len(b) < BlockRequestHeaderLen {
		return BlockRequestHeader{}, fmt.Errorf("protocol: block request header truncated at %d bytes", len(b))
	}
	return BlockRequestHeader{
		Size:     binary.LittleEndian.Uint32(b[0:4]),
		Origin:   binary.LittleEndian.Uint32(b[4:8]),
		Token:    binary.LittleEndian.Uint32(b[8:12]),
		TripFlag: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// Put encodes the header into b, which must hold BlockReplyHeaderLen bytes.
func (h BlockReplyHeader) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Token)
	binary.LittleEndian.PutUint32(b[4:8], h.Size)
}

// ParseBlockReplyHeader decodes a header from b.
func ParseBlockReplyHeader(b []byte) (BlockReplyHeader, error) {
	if len(b) < BlockReplyHeaderLen {
		return BlockReplyHeader{}, fmt.Errorf("protocol: block reply header truncated at %d bytes", len(b))
	}
	return BlockReplyHeader{
		Token: binary.LittleEndian.Uint32(b[0:4]),
		Size:  binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// PutWords encodes words little-endian into dst, which must hold 4*len(words)
// bytes.
func PutWords(dst []byte, words []uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(dst[4*i:], w)
	}
}

// Words decodes 4-byte little-endian words from src into dst.
func Words(dst []uint32, src []byte) {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(src[4*i:])
	}
}
