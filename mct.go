package acvp

import (
	"fmt"
)

// Monte Carlo iteration counts for TDES.  The inner count is fixed by
// the ACVP specification; the outer count is 100 for 3-key TDES.
const (
	MaxMCTInner  = 10000
	tdesMCTOuter = 100
)

// mctKeyWindow is the span of cipher output the rekeying rule folds
// into the next key: three key-lengths worth of bytes.
const mctKeyWindow = 3 * desBlockSize

// keyShiftRegister is the sliding shift register the Monte Carlo rekey
// rule accumulates cipher output in.  New data is appended at the low
// end and the register slides left by the mode's feedback width.  The
// backing array carries one byte past the window so the 1-bit feedback
// width has a byte to borrow shifted-in bits from.
type keyShiftRegister struct {
	buf [mctKeyWindow + 1]byte
}

func (r *keyShiftRegister) reset() {
	r.buf = [mctKeyWindow + 1]byte{}
}

// shiftIn appends nbits of src at the low end of the window, sliding
// the register left and discarding the oldest bits.
func (r *keyShiftRegister) shiftIn(src []byte, nbits int) {
	nbytes := nbits / 8
	copy(r.buf[:], r.buf[nbytes:mctKeyWindow])
	copy(r.buf[mctKeyWindow-nbytes:], src[:(nbits+7)/8])
	if rem := nbits % 8; rem != 0 {
		for n := 0; n < mctKeyWindow; n++ {
			r.buf[n] = r.buf[n]<<rem | r.buf[n+1]>>(8-rem)
		}
	}
}

// window returns the current three-key-length window, oldest byte first.
func (r *keyShiftRegister) window() []byte {
	return r.buf[:mctKeyWindow]
}

// oddParity maps every byte value to the nearest value with odd parity,
// adjusting only the low (parity) bit.  DES keys carry one parity bit
// per byte.
var oddParity = [256]byte{
	1, 1, 2, 2, 4, 4, 7, 7, 8, 8, 11, 11, 13, 13, 14, 14,
	16, 16, 19, 19, 21, 21, 22, 22, 25, 25, 26, 26, 28, 28, 31, 31,
	32, 32, 35, 35, 37, 37, 38, 38, 41, 41, 42, 42, 44, 44, 47, 47,
	49, 49, 50, 50, 52, 52, 55, 55, 56, 56, 59, 59, 61, 61, 62, 62,
	64, 64, 67, 67, 69, 69, 70, 70, 73, 73, 74, 74, 76, 76, 79, 79,
	81, 81, 82, 82, 84, 84, 87, 87, 88, 88, 91, 91, 93, 93, 94, 94,
	97, 97, 98, 98, 100, 100, 103, 103, 104, 104, 107, 107, 109, 109, 110, 110,
	112, 112, 115, 115, 117, 117, 118, 118, 121, 121, 122, 122, 124, 124, 127, 127,
	128, 128, 131, 131, 133, 133, 134, 134, 137, 137, 138, 138, 140, 140, 143, 143,
	145, 145, 146, 146, 148, 148, 151, 151, 152, 152, 155, 155, 157, 157, 158, 158,
	161, 161, 162, 162, 164, 164, 167, 167, 168, 168, 171, 171, 173, 173, 174, 174,
	176, 176, 179, 179, 181, 181, 182, 182, 185, 185, 186, 186, 188, 188, 191, 191,
	193, 193, 194, 194, 196, 196, 199, 199, 200, 200, 203, 203, 205, 205, 206, 206,
	208, 208, 211, 211, 213, 213, 214, 214, 217, 217, 218, 218, 220, 220, 223, 223,
	224, 224, 227, 227, 229, 229, 230, 230, 233, 233, 234, 234, 236, 236, 239, 239,
	241, 241, 242, 242, 244, 244, 247, 247, 248, 248, 251, 251, 253, 253, 254, 254,
}

// fixKeyParity forces odd parity on every key byte in place.
func fixKeyParity(key []byte) {
	for i := range key {
		key[i] = oddParity[key[i]]
	}
}

// mctIterate adjusts pt/ct/iv on the test case after one inner-loop
// cipher invocation, setting up the next invocation according to the
// mode's feedback rule.  j is the inner-loop index of the invocation
// that just completed.
type mctIterate func(st *mctState, tc *SymCipherTestCase, j int)

// mctModeRule bundles a mode's feedback width with its encrypt and
// decrypt iteration rules, keeping the per-mode feedback algebra out of
// the iteration driver.
type mctModeRule struct {
	feedbackBits int
	encrypt      mctIterate
	decrypt      mctIterate
}

var mctModes = map[Cipher]mctModeRule{
	TDESECB:   {64, mctECBEncrypt, mctECBDecrypt},
	TDESCBC:   {64, mctChainEncrypt, mctCBCDecrypt},
	TDESOFB:   {64, mctStreamEncrypt, mctStreamDecrypt},
	TDESCFB64: {64, mctChainEncrypt, mctCFBXorDecrypt},
	TDESCFB8:  {8, mctStreamEncrypt, mctCFBXorDecrypt},
	TDESCFB1:  {1, mctStreamEncrypt, mctCFBXorDecrypt},
}

// CBC and CFB64 encrypt share one rule: the next plaintext is the
// previous ciphertext (the chain-starting IV at j == 0) and the IV
// follows the ciphertext just produced.
func mctChainEncrypt(st *mctState, tc *SymCipherTestCase, j int) {
	if j == 0 {
		copy(tc.PT[:desBlockSize], st.oldIV[:])
	} else {
		copy(tc.PT[:desBlockSize], st.ctext[j-1][:])
	}
	copy(tc.IV[:desBlockSize], st.ctext[j][:])
}

func mctCBCDecrypt(st *mctState, tc *SymCipherTestCase, j int) {
	copy(tc.CT[:desBlockSize], st.ptext[j][:])
	if j != 0 {
		copy(tc.IV[:desBlockSize], st.ptext[j-1][:])
	}
}

// OFB, CFB8 and CFB1 feed the IV that entered the previous invocation
// back in as the next input.
func mctStreamEncrypt(st *mctState, tc *SymCipherTestCase, j int) {
	if j == 0 {
		copy(tc.PT[:desBlockSize], st.oldIV[:])
	} else {
		copy(tc.PT[:desBlockSize], tc.IVRet[:desBlockSize])
	}
}

func mctStreamDecrypt(st *mctState, tc *SymCipherTestCase, j int) {
	if j == 0 {
		copy(tc.CT[:desBlockSize], st.oldIV[:])
	} else {
		copy(tc.CT[:desBlockSize], tc.IVRet[:desBlockSize])
	}
}

// CFB decrypt folds the recovered plaintext back into the ciphertext
// and rebuilds the IV from the pair.
func mctCFBXorDecrypt(st *mctState, tc *SymCipherTestCase, j int) {
	for n := 0; n < desBlockSize; n++ {
		tc.CT[n] ^= tc.PT[n]
	}
	for n := 0; n < desBlockSize; n++ {
		tc.IV[n] = tc.PT[n] ^ tc.CT[n]
	}
}

// ECB has no chaining; the output simply becomes the next input.
func mctECBEncrypt(st *mctState, tc *SymCipherTestCase, j int) {
	copy(tc.PT[:tc.ctBytes()], tc.CT[:tc.ctBytes()])
}

func mctECBDecrypt(st *mctState, tc *SymCipherTestCase, j int) {
	copy(tc.CT[:tc.ptBytes()], tc.PT[:tc.ptBytes()])
}

// mctResult is one entry of a Monte Carlo response array: the key, IV
// and seed value that began an outer iteration, plus the terminal
// ciphertext (encrypt) or plaintext (decrypt) after its inner loop.
type mctResult struct {
	Key1 string `json:"key1"`
	Key2 string `json:"key2"`
	Key3 string `json:"key3"`
	IV   string `json:"iv,omitempty"`
	PT   string `json:"pt,omitempty"`
	CT   string `json:"ct,omitempty"`
}

// mctState owns all mutable scratch of the Monte Carlo engine: the
// per-inner-index history of plaintext and ciphertext blocks, the IV
// that seeded the current outer iteration, and the rekeying shift
// register.  One instance lives on the Context; the Context lock keeps
// it single-flight.
type mctState struct {
	outer int
	inner int

	ptext [MaxMCTInner + 1][desBlockSize]byte
	ctext [MaxMCTInner + 1][desBlockSize]byte
	oldIV [desBlockSize]byte
	reg   keyShiftRegister
}

func newMCTState(outer, inner int) mctState {
	return mctState{outer: outer, inner: inner}
}

// seedRecord captures the state that begins an outer iteration: the
// three sub-keys, the IV for IV-bearing modes, and the pt (encrypt) or
// ct (decrypt) seed value.
func (st *mctState) seedRecord(tc *SymCipherTestCase) (mctResult, error) {
	var rec mctResult
	var err error

	if rec.Key1, err = binToHexStr(tc.Key[:desBlockSize], tdesSubkeyHex); err != nil {
		return rec, fmt.Errorf("hex conversion failure (key): %w", err)
	}
	if rec.Key2, err = binToHexStr(tc.Key[desBlockSize:2*desBlockSize], tdesSubkeyHex); err != nil {
		return rec, fmt.Errorf("hex conversion failure (key): %w", err)
	}
	if rec.Key3, err = binToHexStr(tc.Key[2*desBlockSize:tdesKeyBytes], tdesSubkeyHex); err != nil {
		return rec, fmt.Errorf("hex conversion failure (key): %w", err)
	}

	if tc.Cipher != TDESECB {
		if rec.IV, err = binToHexStr(tc.IV[:tc.IVLen], maxSymIVHex); err != nil {
			return rec, fmt.Errorf("hex conversion failure (iv): %w", err)
		}
	}

	if tc.Direction == DirEncrypt {
		if tc.Cipher == TDESCFB1 {
			tc.PT[0] &= cfb1BitMask
			rec.PT, err = binToHexStr(tc.PT[:1], maxSymDataHex)
		} else {
			rec.PT, err = binToHexStr(tc.PT[:tc.PTLen], maxSymDataHex)
		}
		if err != nil {
			return rec, fmt.Errorf("hex conversion failure (pt): %w", err)
		}
	} else {
		if tc.Cipher == TDESCFB1 {
			rec.CT, err = binToHexStr(tc.CT[:1], maxSymDataHex)
		} else {
			rec.CT, err = binToHexStr(tc.CT[:tc.CTLen], maxSymDataHex)
		}
		if err != nil {
			return rec, fmt.Errorf("hex conversion failure (ct): %w", err)
		}
	}

	return rec, nil
}

// finishRecord encodes the outer iteration's terminal value: ciphertext
// on the encrypt path, plaintext on the decrypt path.
func (st *mctState) finishRecord(tc *SymCipherTestCase, rec *mctResult) error {
	var err error
	if tc.Direction == DirEncrypt {
		if tc.Cipher == TDESCFB1 {
			tc.CT[0] &= cfb1BitMask
			rec.CT, err = binToHexStr(tc.CT[:1], maxSymDataHex)
		} else {
			rec.CT, err = binToHexStr(tc.CT[:tc.CTLen], maxSymDataHex)
		}
		if err != nil {
			return fmt.Errorf("hex conversion failure (ct): %w", err)
		}
	} else {
		if tc.Cipher == TDESCFB1 {
			rec.PT, err = binToHexStr(tc.PT[:1], maxSymDataHex)
		} else {
			rec.PT, err = binToHexStr(tc.PT[:tc.PTLen], maxSymDataHex)
		}
		if err != nil {
			return fmt.Errorf("hex conversion failure (pt): %w", err)
		}
	}
	return nil
}

// run drives the full Monte Carlo test for one test case: outer
// iterations each emit a response record, run the inner loop of chained
// cipher invocations, then rekey from the shift register.  A handler
// failure aborts immediately.
func (st *mctState) run(tc *SymCipherTestCase, handler SymCipherHandler) ([]mctResult, error) {
	rule, ok := mctModes[tc.Cipher]
	if !ok {
		return nil, fmt.Errorf("%w: no Monte Carlo rules for %s", ErrUnsupportedOp, tc.Cipher)
	}

	iterate := rule.encrypt
	if tc.Direction == DirDecrypt {
		iterate = rule.decrypt
	}

	st.reg.reset()
	results := make([]mctResult, 0, st.outer)

	for i := 0; i < st.outer; i++ {
		rec, err := st.seedRecord(tc)
		if err != nil {
			return nil, err
		}

		for j := 0; j < st.inner; j++ {
			if j == 0 {
				copy(st.oldIV[:], tc.IV[:tc.IVLen])
			}
			tc.MCTIndex = j

			if err := handler(tc); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCryptoModuleFail, err)
			}

			if tc.Direction == DirEncrypt {
				st.reg.shiftIn(tc.CT, rule.feedbackBits)
			} else {
				st.reg.shiftIn(tc.PT, rule.feedbackBits)
			}

			copy(st.ctext[j][:], tc.CT[:tc.ctBytes()])
			copy(st.ptext[j][:], tc.PT[:tc.ptBytes()])
			iterate(st, tc, j)
		}

		// Fold three window segments into the sub-keys, oldest segment
		// into the last sub-key, then restore odd parity.
		w := st.reg.window()
		for n := 0; n < desBlockSize; n++ {
			tc.Key[n] ^= w[2*desBlockSize+n]
			tc.Key[desBlockSize+n] ^= w[desBlockSize+n]
			tc.Key[2*desBlockSize+n] ^= w[n]
		}
		fixKeyParity(tc.Key[:tdesKeyBytes])

		copy(tc.IV[:desBlockSize], tc.IVRetAfter[:desBlockSize])

		// OFB re-derives the next seed value from the first block of
		// this outer iteration and the last returned IV; this is what
		// the published OFB Monte Carlo vectors require.
		if tc.Cipher == TDESOFB {
			if tc.Direction == DirEncrypt {
				for n := 0; n < desBlockSize; n++ {
					tc.PT[n] = st.ptext[0][n] ^ tc.IVRet[n]
				}
			} else {
				for n := 0; n < desBlockSize; n++ {
					tc.CT[n] = st.ctext[0][n] ^ tc.IVRet[n]
				}
			}
		}

		if err := st.finishRecord(tc, &rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, nil
}
