// Package command implements the synchronous command protocol used to push
// control decisions to the router and the traffic generator.
package command

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Peer is the kind of remote end of a channel. Router frames carry a queue
// index; traffic-generator frames do not.
type Peer int

const (
	PeerRouter Peer = iota
	PeerGenerator
)

func (p Peer) String() string {
	if p == PeerGenerator {
		return "generator"
	}
	return "router"
}

// FrameLen is the encoded size of a frame for this peer.
func (p Peer) FrameLen() int {
	if p == PeerGenerator {
		return 5
	}
	return 6
}

// Opcode values are interpreted per peer.
type Opcode uint8

// Router opcodes.
const (
	OpSetRate       Opcode = 1
	OpSetBufferSize Opcode = 3
)

// Traffic-generator opcodes.
const (
	OpSetNumFlows  Opcode = 0
	OpSetTargetBps Opcode = 1
)

// OpName returns a readable name for op as understood by p.
func OpName(p Peer, op Opcode) string {
	switch p {
	case PeerRouter:
		switch op {
		case OpSetRate:
			return "SET_RATE"
		case OpSetBufferSize:
			return "SET_BUFFER_SIZE"
		}
	case PeerGenerator:
		switch op {
		case OpSetNumFlows:
			return "SET_NUM_FLOWS"
		case OpSetTargetBps:
			return "SET_TARGET_BPS"
		}
	}
	return fmt.Sprintf("OP_%d", op)
}

// Frame is one command. Queue is ignored for generator peers.
type Frame struct {
	Op    Opcode
	Queue uint8
	Value int32
}

// AppendFrame appends the wire form of f for peer p: opcode, queue index for
// routers, then the big-endian signed value.
func AppendFrame(b []byte, p Peer, f Frame) []byte {
	b = append(b, byte(f.Op))
	if p == PeerRouter {
		b = append(b, f.Queue)
	}
	return binary.BigEndian.AppendUint32(b, uint32(f.Value))
}

// Encode returns the wire form of f for peer p.
func Encode(p Peer, f Frame) []byte {
	return AppendFrame(make([]byte, 0, p.FrameLen()), p, f)
}

// ReadFrame reads one frame sent to a peer of kind p.
func ReadFrame(r io.Reader, p Peer) (Frame, error) {
	buf := make([]byte, p.FrameLen())
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}

	f := Frame{Op: Opcode(buf[0])}
	rest := buf[1:]
	if p == PeerRouter {
		f.Queue = buf[1]
		rest = buf[2:]
	}
	f.Value = int32(binary.BigEndian.Uint32(rest))
	return f, nil
}
