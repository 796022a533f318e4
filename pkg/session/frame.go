package session

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType tags the session-level wire header (spec §6).
type MessageType uint8

const (
	TypeData MessageType = iota
	TypePing
	TypePong
	TypeRekey
	TypeRekeyAck
	TypeTearDown
)

func (t MessageType) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeRekey:
		return "Rekey"
	case TypeRekeyAck:
		return "RekeyAck"
	case TypeTearDown:
		return "TearDown"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// MaxFrame bounds a single frame's plaintext length (fits the u16 length
// prefix and keeps a single frame well under typical MTU-driven stream
// buffering).
const MaxFrame = 1<<16 - 1

// headerLen is [u8 message_type][u64 session_nonce][u16 length].
const headerLen = 1 + 8 + 2

// rawFrame is the parsed wire representation of one session frame, before
// AEAD opening. It folds spec §4.1's "[u64 nonce_counter][u16
// length][ciphertext]" framing together with spec §6's session-level
// message type tag.
type rawFrame struct {
	Type       MessageType
	Nonce      uint64
	Ciphertext []byte
}

func encodeHeader(typ MessageType, nonce uint64, length uint16) []byte {
	h := make([]byte, headerLen)
	h[0] = byte(typ)
	binary.BigEndian.PutUint64(h[1:9], nonce)
	binary.BigEndian.PutUint16(h[9:11], length)
	return h
}

// writeFrame writes one length-prefixed frame to w.
func writeFrame(w io.Writer, typ MessageType, nonce uint64, ciphertext []byte) error {
	if len(ciphertext) > MaxFrame {
		return ErrFrameTooLarge
	}
	header := encodeHeader(typ, nonce, uint16(len(ciphertext)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("session: write frame header: %w", err)
	}
	if _, err := w.Write(ciphertext); err != nil {
		return fmt.Errorf("session: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) (rawFrame, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return rawFrame{}, fmt.Errorf("session: read frame header: %w", err)
	}
	typ := MessageType(header[0])
	nonce := binary.BigEndian.Uint64(header[1:9])
	length := binary.BigEndian.Uint16(header[9:11])

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return rawFrame{}, fmt.Errorf("session: read frame body: %w", err)
	}
	return rawFrame{Type: typ, Nonce: nonce, Ciphertext: ciphertext}, nil
}
