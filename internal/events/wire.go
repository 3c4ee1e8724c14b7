package events

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const frameHeaderLen = 5

// ErrNotFramed is returned by DecodeFrame for values without the schema registry magic byte.
var ErrNotFramed = errors.New("payload is not schema registry framed")

// EncodeFrame prefixes payload with the Confluent magic byte and the big-endian schema ID.
func EncodeFrame(schemaID int, payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:frameHeaderLen], uint32(schemaID))
	copy(frame[frameHeaderLen:], payload)
	return frame
}

// DecodeFrame strips Confluent framing, returning the schema ID and the body.
func DecodeFrame(value []byte) (int, []byte, error) {
	if len(value) == 0 || value[0] != 0 {
		return 0, nil, ErrNotFramed
	}
	if len(value) < frameHeaderLen {
		return 0, nil, fmt.Errorf("invalid payload length: %d", len(value))
	}
	return int(binary.BigEndian.Uint32(value[1:frameHeaderLen])), value[frameHeaderLen:], nil
}
