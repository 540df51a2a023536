package acvp

import (
	"encoding/hex"
	"fmt"
)

// BinToHex encodes src as lowercase hex into dst and returns the number
// of hex characters written.  dst must hold 2*len(src) bytes; on failure
// nothing is written.
func BinToHex(src, dst []byte) (int, error) {
	n := hex.EncodedLen(len(src))
	if n > len(dst) {
		return 0, fmt.Errorf("%w: need %d hex chars, have room for %d", ErrDataTooLarge, n, len(dst))
	}
	return hex.Encode(dst, src), nil
}

// HexToBin decodes the hex string h into dst and returns the number of
// bytes written.  Odd-length input is rejected and nothing is written on
// failure.
func HexToBin(h string, dst []byte) (int, error) {
	if len(h)%2 != 0 {
		return 0, fmt.Errorf("%w: odd-length hex string", ErrInvalidArg)
	}
	n := hex.DecodedLen(len(h))
	if n > len(dst) {
		return 0, fmt.Errorf("%w: need %d bytes, have room for %d", ErrDataTooLarge, n, len(dst))
	}
	tmp := make([]byte, n)
	if _, err := hex.Decode(tmp, []byte(h)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	copy(dst, tmp)
	return n, nil
}

// binToHexStr is the convenience form used when emitting response
// fields, enforcing the same maximum the fixed response buffers had.
func binToHexStr(src []byte, maxHexChars int) (string, error) {
	if hex.EncodedLen(len(src)) > maxHexChars {
		return "", fmt.Errorf("%w: need %d hex chars, max is %d", ErrDataTooLarge, hex.EncodedLen(len(src)), maxHexChars)
	}
	return hex.EncodeToString(src), nil
}
