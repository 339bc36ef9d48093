/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package server

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
)

// websocketGUID is the RFC 6455 handshake magic string.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxWebSocketPayload is the total payload ceiling: 16 MiB.
const MaxWebSocketPayload = 16 * 1024 * 1024

// MaxControlPayload is the control-frame payload ceiling: 125
// bytes, per RFC 6455 itself.
const MaxControlPayload = 125

// WebSocket opcodes (RFC 6455).
const (
	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2
	OpcodeClose        byte = 0x8
	OpcodePing         byte = 0x9
	OpcodePong         byte = 0xA
)

var (
	ErrFragmentedFrame  = errors.New("websocket: fragmented frames are rejected")
	ErrControlTooLarge  = errors.New("websocket: control frame payload exceeds 125 bytes")
	ErrPayloadTooLarge  = errors.New("websocket: payload exceeds 16 MiB")
	ErrUnmaskedFromPeer = errors.New("websocket: client frame must be masked")
)

// ComputeAcceptKey implements RFC 6455's handshake: base64(sha1(key +
// GUID)).
func ComputeAcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Frame is one parsed WebSocket frame. Fragmentation is rejected
// outright, so every Frame the codec hands back is self-contained: Fin
// is always true by the time ParseFrame returns without error.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// ParseFrame reads and fully decodes one frame from r, unmasking
// client->server payloads in place. It rejects fragmented frames,
// oversize control frames, and payloads over MaxWebSocketPayload.
func ParseFrame(r io.Reader) (*Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	fin := hdr[0]&0x80 != 0
	opcode := hdr[0] & 0x0F
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7F)

	if !fin || opcode == OpcodeContinuation {
		return nil, ErrFragmentedFrame
	}

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	isControl := opcode == OpcodeClose || opcode == OpcodePing || opcode == OpcodePong
	if isControl && length > MaxControlPayload {
		return nil, ErrControlTooLarge
	}
	if length > MaxWebSocketPayload {
		return nil, ErrPayloadTooLarge
	}

	if !masked {
		return nil, ErrUnmaskedFromPeer
	}

	var maskKey [4]byte
	if _, err := io.ReadFull(r, maskKey[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	Unmask(payload, maskKey)

	return &Frame{Opcode: opcode, Payload: payload}, nil
}

// Unmask XORs payload in place against the 4-byte mask key, widening to
// 64-bit words for the bulk of the buffer: an 8-byte word built by
// repeating the 4-byte key, functionally identical to the byte-wise
// p[i] ^ key[i%4].
func Unmask(payload []byte, key [4]byte) {
	if len(payload) == 0 {
		return
	}

	var key64 uint64
	for i := 0; i < 8; i++ {
		key64 |= uint64(key[i%4]) << (8 * uint(i))
	}

	i := 0
	for ; i+8 <= len(payload); i += 8 {
		v := binary.LittleEndian.Uint64(payload[i : i+8])
		v ^= key64
		binary.LittleEndian.PutUint64(payload[i:i+8], v)
	}

	for ; i < len(payload); i++ {
		payload[i] ^= key[i%4]
	}
}

// EncodeFrame builds a complete, unmasked server->client frame (servers
// never mask per RFC 6455).
func EncodeFrame(opcode byte, payload []byte) []byte {
	var out []byte
	first := 0x80 | opcode // FIN=1, no fragmentation ever produced

	switch {
	case len(payload) <= 125:
		out = make([]byte, 2, 2+len(payload))
		out[0] = first
		out[1] = byte(len(payload))
	case len(payload) <= 0xFFFF:
		out = make([]byte, 4, 4+len(payload))
		out[0] = first
		out[1] = 126
		binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	default:
		out = make([]byte, 10, 10+len(payload))
		out[0] = first
		out[1] = 127
		binary.BigEndian.PutUint64(out[2:10], uint64(len(payload)))
	}

	return append(out, payload...)
}

// EncodeText is the common case used by broadcast/send paths.
func EncodeText(payload []byte) []byte {
	return EncodeFrame(OpcodeText, payload)
}

// EncodeClose builds a close frame carrying the given status code, used
// to answer a peer's close with close(1000).
func EncodeClose(code uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	return EncodeFrame(OpcodeClose, payload)
}

// EncodePong mirrors a received ping's payload back as RFC 6455
// requires.
func EncodePong(payload []byte) []byte {
	return EncodeFrame(OpcodePong, payload)
}

const CloseNormal uint16 = 1000
