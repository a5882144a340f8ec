// Package rip implements the core of a RIPv2-derived distance-vector
// daemon: the wire packet codec, the routing table state machine, the
// UDP interface, and the single-threaded event loop that ties them
// together.
package rip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the only RIP version this daemon speaks.
	Version = 2

	// AddressFamily is the only address family this daemon advertises;
	// entries with any other value are rejected on decode.
	AddressFamily = 2

	// Infinity is the metric value denoting an unreachable destination.
	Infinity = 16

	headerLength = 4
	entryLength  = 20
)

// Command is the RIP packet command field.
type Command uint8

const (
	CommandRequest  Command = 1
	CommandResponse Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandRequest:
		return "REQUEST"
	case CommandResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Sentinel errors for packet decode failures. The daemon matches on
// these with errors.Is rather than inspecting error strings.
var (
	ErrInvalidLength        = errors.New("rip: invalid packet length")
	ErrInvalidVersion       = errors.New("rip: invalid version")
	ErrInvalidCommand       = errors.New("rip: invalid command")
	ErrInvalidAddressFamily = errors.New("rip: invalid address family")
	ErrInvalidMetric        = errors.New("rip: invalid metric")
)

// Entry is one (destination, metric) pair as carried on the wire.
type Entry struct {
	ID     uint32
	Metric uint32
}

// Encode lays out a RIP packet: a 4-byte header followed by one
// 20-byte record per entry, in order. The metric is written as a
// 32-bit big-endian integer even though its semantic range is [0,16].
func Encode(command Command, routerID uint16, entries []Entry) []byte {
	buf := make([]byte, headerLength+entryLength*len(entries))

	buf[0] = byte(command)
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], routerID)

	for i, e := range entries {
		off := headerLength + i*entryLength
		binary.BigEndian.PutUint16(buf[off:off+2], AddressFamily)
		// bytes [off+2:off+4] are reserved, left zero.
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.ID)
		// bytes [off+8:off+16] are reserved, left zero.
		binary.BigEndian.PutUint32(buf[off+16:off+20], e.Metric)
	}

	return buf
}

// Decode parses a RIP packet per the rules in order: length, then
// version/command, then (for RESPONSE) each entry's address family
// and metric bound. A REQUEST carries no entries this daemon acts on;
// any bytes following its header are ignored.
func Decode(data []byte) (command Command, senderID uint16, entries []Entry, err error) {
	if len(data) < headerLength || (len(data)-headerLength)%entryLength != 0 {
		return 0, 0, nil, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(data))
	}

	rawCommand := data[0]
	version := data[1]
	senderID = binary.BigEndian.Uint16(data[2:4])

	if version != Version {
		return 0, 0, nil, fmt.Errorf("%w: got %d", ErrInvalidVersion, version)
	}

	command = Command(rawCommand)
	if command != CommandRequest && command != CommandResponse {
		return 0, 0, nil, fmt.Errorf("%w: got %d", ErrInvalidCommand, rawCommand)
	}

	if command == CommandRequest {
		return CommandRequest, senderID, nil, nil
	}

	n := (len(data) - headerLength) / entryLength
	entries = make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		off := headerLength + i*entryLength
		af := binary.BigEndian.Uint16(data[off : off+2])
		if af != AddressFamily {
			return 0, 0, nil, fmt.Errorf("%w: got %d", ErrInvalidAddressFamily, af)
		}
		id := binary.BigEndian.Uint32(data[off+4 : off+8])
		metric := binary.BigEndian.Uint32(data[off+16 : off+20])
		if metric > Infinity {
			return 0, 0, nil, fmt.Errorf("%w: got %d", ErrInvalidMetric, metric)
		}
		entries = append(entries, Entry{ID: id, Metric: metric})
	}

	return command, senderID, entries, nil
}
