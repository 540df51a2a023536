package acvp

import (
	"fmt"
)

// Buffer capacities for a symmetric cipher test case.  The buffers are
// fixed-size scratch, reused across the thousands of handler invocations
// a Monte Carlo test performs.
const (
	maxSymKeyBytes  = 64
	maxSymDataBytes = 512
	maxSymIVBytes   = 16

	maxSymDataHex = 2 * maxSymDataBytes
	maxSymIVHex   = 2 * maxSymIVBytes

	desBlockSize  = 8
	tdesKeyBytes  = 3 * desBlockSize
	tdesKeyBits   = 192
	tdesSubkeyHex = 16
	tdesIVHex     = 16
	cfb1BitMask   = 0x80
)

// SymCipherTestCase carries one symmetric cipher test case between the
// vector set handler, the Monte Carlo engine, and the crypto module.
// Exactly one record is live at a time; it is populated from the parsed
// JSON, mutated in place by up to 10000 handler invocations, and
// released before the next test case begins.
type SymCipherTestCase struct {
	TCID      uint32
	Cipher    Cipher
	Direction Direction
	TestType  TestType

	// Key holds the three 8-byte TDES sub-keys back to back.
	Key    []byte
	KeyLen int // bits

	// PT and CT are fixed-capacity scratch.  Lengths are bytes, except
	// for TDES-CFB1, whose lengths are bits: that mode reports output
	// lengths in bits on the wire, and the distinction must survive all
	// the way to response encoding.
	PT    []byte
	CT    []byte
	PTLen int
	CTLen int

	IV    []byte
	IVLen int

	// IVRet is the chaining IV entering the handler's cipher operation;
	// IVRetAfter is the chaining IV after it.  Both are written by the
	// handler and consumed by the Monte Carlo feedback rules.
	IVRet      []byte
	IVRetAfter []byte

	// MCTIndex is the 0-based position within the current Monte Carlo
	// inner loop.  Zero tells the handler to seed its streaming state
	// from Key and IV instead of continuing the chain.
	MCTIndex int
}

func newSymCipherTestCase() *SymCipherTestCase {
	return &SymCipherTestCase{
		Key:        make([]byte, maxSymKeyBytes),
		PT:         make([]byte, maxSymDataBytes),
		CT:         make([]byte, maxSymDataBytes),
		IV:         make([]byte, maxSymIVBytes),
		IVRet:      make([]byte, maxSymIVBytes),
		IVRetAfter: make([]byte, maxSymIVBytes),
	}
}

// release scrubs the scratch buffers.  Called on every exit path,
// success or error, before the next test case is processed.
func (tc *SymCipherTestCase) release() {
	for _, buf := range [][]byte{tc.Key, tc.PT, tc.CT, tc.IV, tc.IVRet, tc.IVRetAfter} {
		for i := range buf {
			buf[i] = 0
		}
	}
	*tc = SymCipherTestCase{
		Key:        tc.Key,
		PT:         tc.PT,
		CT:         tc.CT,
		IV:         tc.IV,
		IVRet:      tc.IVRet,
		IVRetAfter: tc.IVRetAfter,
	}
}

// ptBytes returns the effective plaintext length in bytes, resolving
// the CFB1 bit-length exception.
func (tc *SymCipherTestCase) ptBytes() int {
	if tc.Cipher == TDESCFB1 {
		return (tc.PTLen + 7) / 8
	}
	return tc.PTLen
}

func (tc *SymCipherTestCase) ctBytes() int {
	if tc.Cipher == TDESCFB1 {
		return (tc.CTLen + 7) / 8
	}
	return tc.CTLen
}

// init populates the record from the parsed JSON fields.  Lengths come
// in as bits from the server and are stored as bytes, except for CFB1.
func (tc *SymCipherTestCase) init(tcID uint32, testType TestType, cipher Cipher, dir Direction,
	key, pt, ct, iv string, keyLen, ivLen, ptLen, ctLen int) error {

	if _, err := HexToBin(key, tc.Key); err != nil {
		return fmt.Errorf("hex conversion failure (key): %w", err)
	}
	if pt != "" {
		if _, err := HexToBin(pt, tc.PT); err != nil {
			return fmt.Errorf("hex conversion failure (pt): %w", err)
		}
	}
	if ct != "" {
		if _, err := HexToBin(ct, tc.CT); err != nil {
			return fmt.Errorf("hex conversion failure (ct): %w", err)
		}
	}
	if iv != "" {
		if _, err := HexToBin(iv, tc.IV); err != nil {
			return fmt.Errorf("hex conversion failure (iv): %w", err)
		}
	}

	tc.TCID = tcID
	tc.TestType = testType
	tc.Cipher = cipher
	tc.Direction = dir
	tc.KeyLen = keyLen
	tc.IVLen = (ivLen + 7) / 8
	if cipher == TDESCFB1 {
		tc.PTLen = ptLen
		tc.CTLen = ctLen
	} else {
		tc.PTLen = (ptLen + 7) / 8
		tc.CTLen = (ctLen + 7) / 8
	}
	tc.MCTIndex = 0
	return nil
}
