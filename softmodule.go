package acvp

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

// SoftwareModule is a pure-Go crypto module backing the capabilities
// this client can validate without an external module.  Its TDES
// handlers keep streaming cipher state between invocations so Monte
// Carlo inner loops chain exactly like a long-lived cipher context
// would; the state reseeds from the test case whenever a test begins.
type SoftwareModule struct {
	tdes tdesStream
}

// tdesStream is the persistent cipher state: the scheduled key and the
// chaining register.  One stream is enough because vector sets are
// processed single-flight and one test case is live at a time.
type tdesStream struct {
	block cipher.Block
	iv    [desBlockSize]byte
}

func NewSoftwareModule() *SoftwareModule {
	return &SoftwareModule{}
}

// RegisterAll registers every capability the module implements on the
// given context.
func (m *SoftwareModule) RegisterAll(c *Context) error {
	for _, alg := range []Cipher{TDESECB, TDESCBC, TDESOFB, TDESCFB64, TDESCFB8, TDESCFB1} {
		if err := c.RegisterSymCipher(alg, m.TDESHandler); err != nil {
			return err
		}
	}
	if err := c.RegisterKDFX963(m.KDFX963Handler); err != nil {
		return err
	}
	return c.RegisterPBKDF(m.PBKDFHandler)
}

// TDESHandler performs one TDES transform on the test case.  On entry
// to a test (and at every Monte Carlo restart, MCTIndex zero) the
// stream reseeds from tc.Key and tc.IV; afterwards the chaining
// register carries over from the previous invocation.  IVRet records
// the register entering the transform, IVRetAfter the register leaving
// it.
func (m *SoftwareModule) TDESHandler(tc *SymCipherTestCase) error {
	st := &m.tdes
	if tc.TestType != TestTypeMCT || tc.MCTIndex == 0 {
		block, err := des.NewTripleDESCipher(tc.Key[:tdesKeyBytes])
		if err != nil {
			return fmt.Errorf("tdes key schedule: %w", err)
		}
		st.block = block
		copy(st.iv[:], tc.IV[:desBlockSize])
	}
	if st.block == nil {
		return fmt.Errorf("tdes stream used before seeding")
	}

	copy(tc.IVRet[:desBlockSize], st.iv[:])

	var err error
	switch tc.Cipher {
	case TDESECB:
		err = st.ecb(tc)
	case TDESCBC:
		err = st.cbc(tc)
	case TDESOFB:
		err = st.ofb(tc)
	case TDESCFB64:
		err = st.cfb64(tc)
	case TDESCFB8:
		err = st.cfb8(tc)
	case TDESCFB1:
		err = st.cfb1(tc)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedOp, tc.Cipher)
	}
	if err != nil {
		return err
	}

	copy(tc.IVRetAfter[:desBlockSize], st.iv[:])
	return nil
}

// in-/output selection for one transform: src is the input buffer and
// its length, dst receives the output, and the output length field is
// set to match.
func symIO(tc *SymCipherTestCase) (src, dst []byte, n int) {
	if tc.Direction == DirEncrypt {
		tc.CTLen = tc.PTLen
		return tc.PT, tc.CT, tc.ptBytes()
	}
	tc.PTLen = tc.CTLen
	return tc.CT, tc.PT, tc.ctBytes()
}

func wholeBlocks(n int) error {
	if n == 0 || n%desBlockSize != 0 {
		return fmt.Errorf("%w: data length %d not a whole number of blocks", ErrInvalidArg, n)
	}
	return nil
}

func (st *tdesStream) ecb(tc *SymCipherTestCase) error {
	src, dst, n := symIO(tc)
	if err := wholeBlocks(n); err != nil {
		return err
	}
	for off := 0; off < n; off += desBlockSize {
		if tc.Direction == DirEncrypt {
			st.block.Encrypt(dst[off:], src[off:])
		} else {
			st.block.Decrypt(dst[off:], src[off:])
		}
	}
	return nil
}

func (st *tdesStream) cbc(tc *SymCipherTestCase) error {
	src, dst, n := symIO(tc)
	if err := wholeBlocks(n); err != nil {
		return err
	}
	var x [desBlockSize]byte
	for off := 0; off < n; off += desBlockSize {
		if tc.Direction == DirEncrypt {
			for i := 0; i < desBlockSize; i++ {
				x[i] = src[off+i] ^ st.iv[i]
			}
			st.block.Encrypt(dst[off:], x[:])
			copy(st.iv[:], dst[off:off+desBlockSize])
		} else {
			st.block.Decrypt(x[:], src[off:])
			for i := 0; i < desBlockSize; i++ {
				dst[off+i] = x[i] ^ st.iv[i]
			}
			copy(st.iv[:], src[off:off+desBlockSize])
		}
	}
	return nil
}

func (st *tdesStream) ofb(tc *SymCipherTestCase) error {
	src, dst, n := symIO(tc)
	if err := wholeBlocks(n); err != nil {
		return err
	}
	for off := 0; off < n; off += desBlockSize {
		st.block.Encrypt(st.iv[:], st.iv[:])
		for i := 0; i < desBlockSize; i++ {
			dst[off+i] = src[off+i] ^ st.iv[i]
		}
	}
	return nil
}

func (st *tdesStream) cfb64(tc *SymCipherTestCase) error {
	src, dst, n := symIO(tc)
	if err := wholeBlocks(n); err != nil {
		return err
	}
	var o [desBlockSize]byte
	for off := 0; off < n; off += desBlockSize {
		st.block.Encrypt(o[:], st.iv[:])
		for i := 0; i < desBlockSize; i++ {
			dst[off+i] = src[off+i] ^ o[i]
		}
		if tc.Direction == DirEncrypt {
			copy(st.iv[:], dst[off:off+desBlockSize])
		} else {
			copy(st.iv[:], src[off:off+desBlockSize])
		}
	}
	return nil
}

func (st *tdesStream) cfb8(tc *SymCipherTestCase) error {
	src, dst, n := symIO(tc)
	if n == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidArg)
	}
	var o [desBlockSize]byte
	for off := 0; off < n; off++ {
		st.block.Encrypt(o[:], st.iv[:])
		fb := src[off]
		dst[off] = src[off] ^ o[0]
		if tc.Direction == DirEncrypt {
			fb = dst[off]
		}
		copy(st.iv[:], st.iv[1:])
		st.iv[desBlockSize-1] = fb
	}
	return nil
}

// cfb1 processes tc.PTLen (or CTLen) bits, packed most significant bit
// first.  Output lengths stay in bits for this mode.
func (st *tdesStream) cfb1(tc *SymCipherTestCase) error {
	var src, dst []byte
	var nbits int
	if tc.Direction == DirEncrypt {
		tc.CTLen = tc.PTLen
		src, dst, nbits = tc.PT, tc.CT, tc.PTLen
	} else {
		tc.PTLen = tc.CTLen
		src, dst, nbits = tc.CT, tc.PT, tc.CTLen
	}
	if nbits == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidArg)
	}

	var o [desBlockSize]byte
	for i := 0; i < nbits; i++ {
		st.block.Encrypt(o[:], st.iv[:])
		mask := byte(cfb1BitMask) >> (i % 8)
		inBit := src[i/8]&mask != 0
		outBit := inBit != (o[0]&cfb1BitMask != 0)

		if outBit {
			dst[i/8] |= mask
		} else {
			dst[i/8] &^= mask
		}

		fb := inBit
		if tc.Direction == DirEncrypt {
			fb = outBit
		}
		for n := 0; n < desBlockSize-1; n++ {
			st.iv[n] = st.iv[n]<<1 | st.iv[n+1]>>7
		}
		st.iv[desBlockSize-1] <<= 1
		if fb {
			st.iv[desBlockSize-1] |= 1
		}
	}
	return nil
}

func hashNew(alg HashAlg) (func() hash.Hash, error) {
	switch alg {
	case SHA224:
		return sha256.New224, nil
	case SHA256:
		return sha256.New, nil
	case SHA384:
		return sha512.New384, nil
	case SHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOp, alg)
}

// KDFX963Handler derives key material per ANSI X9.63: the hash of
// Z || counter || SharedInfo, counter big-endian from 1, concatenated
// until KeyDataLen bits are produced.
func (m *SoftwareModule) KDFX963Handler(tc *KDFX963TestCase) error {
	newHash, err := hashNew(tc.HashAlg)
	if err != nil {
		return err
	}

	need := tc.KeyDataLen / 8
	if need > len(tc.KeyData) {
		return fmt.Errorf("%w: keyData", ErrDataTooLarge)
	}

	h := newHash()
	var counter [4]byte
	var out []byte
	for i := uint32(1); len(out) < need; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h.Reset()
		h.Write(tc.Z)
		h.Write(counter[:])
		h.Write(tc.SharedInfo)
		out = h.Sum(out)
	}
	copy(tc.KeyData, out[:need])
	return nil
}

// PBKDFHandler derives a key with PBKDF2 over the requested HMAC hash.
func (m *SoftwareModule) PBKDFHandler(tc *PBKDFTestCase) error {
	newHash, err := hashNew(tc.HmacAlg)
	if err != nil {
		return err
	}
	need := tc.KeyLen / 8
	if need > len(tc.DerivedKey) {
		return fmt.Errorf("%w: derivedKey", ErrDataTooLarge)
	}
	copy(tc.DerivedKey, pbkdf2.Key([]byte(tc.Password), tc.Salt, tc.Iterations, need, newHash))
	return nil
}
