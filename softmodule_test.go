package acvp

import (
	"crypto/cipher"
	"crypto/des"
	"testing"

	"github.com/stretchr/testify/require"
)

// runAFT pushes one single-shot operation through the software module's
// handler and returns the output bytes.
func runAFT(t *testing.T, alg Cipher, dir Direction, keyHex, inHex, ivHex string) []byte {
	m := NewSoftwareModule()
	tc := newSymCipherTestCase()

	var ptHex, ctHex string
	ptBits, ctBits := 0, 0
	if dir == DirEncrypt {
		ptHex = inHex
		ptBits = len(inHex) * 4
	} else {
		ctHex = inHex
		ctBits = len(inHex) * 4
	}
	ivBits := len(ivHex) * 4

	err := tc.init(1, TestTypeAFT, alg, dir, keyHex, ptHex, ctHex, ivHex,
		tdesKeyBits, ivBits, ptBits, ctBits)
	require.Nil(t, err, "test case init failed: %v", err)
	err = m.TDESHandler(tc)
	require.Nil(t, err, "handler failed: %v", err)

	if dir == DirEncrypt {
		return append([]byte{}, tc.CT[:tc.ctBytes()]...)
	}
	return append([]byte{}, tc.PT[:tc.ptBytes()]...)
}

// The chaining modes are checked against the standard library's own
// CBC/OFB/CFB implementations, a third implementation independent of
// both the handlers and the Monte Carlo test models.
func TestTDESModesMatchStdlibCipher(t *testing.T) {
	keyHex := "0123456789abcdef23456789abcdef01456789abcdef0123"
	ivHex := "1234567890abcdef"
	ptHex := "4e6f77206973207468652074696d6520666f7220616c6c20"

	key := mustUnhex(t, keyHex)
	iv := mustUnhex(t, ivHex)
	pt := mustUnhex(t, ptHex)

	block, err := des.NewTripleDESCipher(key)
	require.Nil(t, err, "key schedule failed: %v", err)

	cbc := make([]byte, len(pt))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(cbc, pt)
	require.Equal(t, cbc, runAFT(t, TDESCBC, DirEncrypt, keyHex, ptHex, ivHex),
		"CBC encrypt disagrees with crypto/cipher")
	require.Equal(t, pt, runAFT(t, TDESCBC, DirDecrypt, keyHex, mustHex(cbc), ivHex),
		"CBC decrypt disagrees with crypto/cipher")

	ofb := make([]byte, len(pt))
	cipher.NewOFB(block, iv).XORKeyStream(ofb, pt)
	require.Equal(t, ofb, runAFT(t, TDESOFB, DirEncrypt, keyHex, ptHex, ivHex),
		"OFB encrypt disagrees with crypto/cipher")
	require.Equal(t, pt, runAFT(t, TDESOFB, DirDecrypt, keyHex, mustHex(ofb), ivHex),
		"OFB decrypt disagrees with crypto/cipher")

	// The standard library's CFB uses full-block segments, which for
	// DES is exactly the 64-bit feedback width.
	cfb := make([]byte, len(pt))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(cfb, pt)
	require.Equal(t, cfb, runAFT(t, TDESCFB64, DirEncrypt, keyHex, ptHex, ivHex),
		"CFB64 encrypt disagrees with crypto/cipher")
	require.Equal(t, pt, runAFT(t, TDESCFB64, DirDecrypt, keyHex, mustHex(cfb), ivHex),
		"CFB64 decrypt disagrees with crypto/cipher")
}

// CFB8 and CFB1 have no stdlib counterpart; they are anchored by their
// self-inverse property and by the bitwise relation to the keystream.
func TestTDESNarrowCFBRoundTrip(t *testing.T) {
	keyHex := "0123456789abcdef23456789abcdef01456789abcdef0123"
	ivHex := "1234567890abcdef"
	ptHex := "4e6f772069732074"

	ct := runAFT(t, TDESCFB8, DirEncrypt, keyHex, ptHex, ivHex)
	pt := runAFT(t, TDESCFB8, DirDecrypt, keyHex, mustHex(ct), ivHex)
	require.Equal(t, mustUnhex(t, ptHex), pt, "CFB8 decrypt did not invert encrypt")

	// First CFB8 byte comes straight off E(IV).
	o := tdesEncryptBlock(t, mustUnhex(t, keyHex), mustUnhex(t, ivHex))
	require.Equal(t, mustUnhex(t, ptHex)[0]^o[0], ct[0], "first CFB8 keystream byte mismatch")
}
