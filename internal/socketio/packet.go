// Package socketio implements the client side of the Socket.IO v5 protocol
// (carried over Engine.IO v4) on top of a WebSocket connection.
//
// Only the subset a chat bot needs is supported: a single namespace per
// connection, text events, namespace connect/disconnect and the heartbeat.
// Binary attachments and acknowledgement callbacks are not implemented.
package socketio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO packet types (first byte of every WebSocket frame).
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineNoop    = '6'
)

// PacketType is a Socket.IO packet type.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
)

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     *int
	Data      json.RawMessage
}

// openData is the payload of the Engine.IO open packet.
type openData struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// connectError is the payload of a CONNECT_ERROR packet.
type connectError struct {
	Message string `json:"message"`
}

// Encode renders p as an Engine.IO message frame.
func Encode(p Packet) []byte {
	var buf bytes.Buffer
	buf.WriteByte(engineMessage)
	buf.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.AckID != nil {
		buf.WriteString(strconv.Itoa(*p.AckID))
	}
	buf.Write(p.Data)
	return buf.Bytes()
}

// Decode parses the body of an Engine.IO message frame (without the
// leading '4').
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, fmt.Errorf("socketio: empty packet")
	}

	p := Packet{Type: PacketType(data[0]), Namespace: "/"}
	switch p.Type {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketConnectError:
	default:
		return Packet{}, fmt.Errorf("socketio: unsupported packet type %q", data[0])
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: bad ack id: %w", err)
		}
		p.AckID = &id
		rest = rest[i:]
	}

	if len(rest) > 0 {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventPacket builds an EVENT packet carrying name and an optional payload.
func EventPacket(namespace, name string, payload any) (Packet, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, fmt.Errorf("socketio: marshal event %s: %w", name, err)
	}
	return Packet{Type: PacketEvent, Namespace: namespace, Data: data}, nil
}

// EventArgs splits the data of an EVENT packet into its name and first
// argument. A missing argument is returned as JSON null.
func EventArgs(p Packet) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, fmt.Errorf("socketio: decode event: %w", err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("socketio: event without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("socketio: decode event name: %w", err)
	}
	if len(args) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, args[1], nil
}
