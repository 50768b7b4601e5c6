package push

import (
	"crypto/rand"
	"encoding/binary"
)

// Minimal RFC 6455 frame codec. The telemetry socket speaks plain WebSocket
// framing over a TLS stream; no extensions, no fragmentation beyond what the
// server sends. Clients mask every outbound frame, servers never mask.

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Frame is one decoded WebSocket frame with the payload already unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// CloseCode extracts the status code from a close frame payload. Zero when
// the peer sent no code.
func (f *Frame) CloseCode() int {
	if f.Opcode != OpClose || len(f.Payload) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(f.Payload[:2]))
}

const defaultMaxPayload = 1 << 20

// Decoder accumulates stream bytes and yields complete frames. Partial
// frames stay buffered until the remaining bytes arrive; each Next consumes
// exactly one frame's bytes.
type Decoder struct {
	buf []byte

	// MaxPayload bounds accepted frame payloads; zero means 1 MiB.
	MaxPayload int
}

func (d *Decoder) maxPayload() int {
	if d.MaxPayload > 0 {
		return d.MaxPayload
	}
	return defaultMaxPayload
}

// Write appends raw stream bytes to the accumulation buffer.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, or nil when more bytes are needed.
// A parse error poisons the stream; the caller must drop the connection.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < 2 {
		return nil, nil
	}
	b0, b1 := d.buf[0], d.buf[1]
	if b0&0x70 != 0 {
		return nil, ErrFrameParse // RSV bits set without negotiated extension
	}
	masked := b1&0x80 != 0
	length := uint64(b1 & 0x7f)

	offset := 2
	switch length {
	case 126:
		if len(d.buf) < offset+2 {
			return nil, nil
		}
		length = uint64(binary.BigEndian.Uint16(d.buf[offset : offset+2]))
		offset += 2
	case 127:
		if len(d.buf) < offset+8 {
			return nil, nil
		}
		length = binary.BigEndian.Uint64(d.buf[offset : offset+8])
		offset += 8
	}
	if length > uint64(d.maxPayload()) {
		return nil, ErrFrameTooLarge
	}

	var maskKey []byte
	if masked {
		if len(d.buf) < offset+4 {
			return nil, nil
		}
		maskKey = d.buf[offset : offset+4]
		offset += 4
	}
	total := offset + int(length)
	if len(d.buf) < total {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, d.buf[offset:total])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	d.buf = d.buf[total:]

	return &Frame{
		Fin:     b0&0x80 != 0,
		Opcode:  Opcode(b0 & 0x0f),
		Payload: payload,
	}, nil
}

// Encode serializes a single-fragment frame. mask selects client framing;
// the mask key is freshly random per frame.
func Encode(op Opcode, payload []byte, mask bool) []byte {
	header := make([]byte, 2, 14)
	header[0] = 0x80 | byte(op)

	switch {
	case len(payload) < 126:
		header[1] = byte(len(payload))
	case len(payload) <= 0xffff:
		header[1] = 126
		header = binary.BigEndian.AppendUint16(header, uint16(len(payload)))
	default:
		header[1] = 127
		header = binary.BigEndian.AppendUint64(header, uint64(len(payload)))
	}

	if !mask {
		return append(header, payload...)
	}

	header[1] |= 0x80
	var key [4]byte
	rand.Read(key[:])
	header = append(header, key[:]...)
	out := append(header, payload...)
	body := out[len(out)-len(payload):]
	for i := range body {
		body[i] ^= key[i%4]
	}
	return out
}

// EncodeClose builds a close frame carrying a status code.
func EncodeClose(code int, mask bool) []byte {
	payload := binary.BigEndian.AppendUint16(nil, uint16(code))
	return Encode(OpClose, payload, mask)
}
