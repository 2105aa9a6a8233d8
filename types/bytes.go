package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexBytes is a []byte which encodes as hexadecimal in JSON, with or without
// the "0x" prefix accepted on input.
type HexBytes []byte

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// Equals returns true if b and other contain the same bytes.
func (b HexBytes) Equals(other HexBytes) bool {
	return bytes.Equal(b, other)
}

// SetString decodes a hexadecimal string, with or without the "0x" prefix.
func (b *HexBytes) SetString(s string) error {
	s = strings.TrimPrefix(s, "0x")
	dec, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = dec
	return nil
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	enc := make([]byte, hex.EncodedLen(len(b))+4)
	enc[0] = '"'
	enc[1] = '0'
	enc[2] = 'x'
	hex.Encode(enc[3:], b)
	enc[len(enc)-1] = '"'
	return enc, nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string: %q", data)
	}
	data = data[1 : len(data)-1]
	if len(data) >= 2 && data[0] == '0' && (data[1] == 'x' || data[1] == 'X') {
		data = data[2:]
	}
	dec := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(dec, data); err != nil {
		return err
	}
	*b = dec
	return nil
}
