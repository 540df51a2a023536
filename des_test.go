package acvp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// Single DES degenerates out of TDES when all three sub-keys match, so
// the FIPS 81 examples anchor the handlers to published ciphertext.
const (
	fipsKeyHex = "0123456789abcdef"
	fipsIVHex  = "1234567890abcdef"
	fipsPTHex  = "4e6f772069732074" // "Now is t"
	fipsECBHex = "3fa40e8a984d4815"
	fipsCBCHex = "e5c7cdde872bf27c"
)

func newTestContext(t *testing.T) *Context {
	c := NewContext()
	err := NewSoftwareModule().RegisterAll(c)
	require.Nil(t, err, "capability registration failed: %v", err)
	return c
}

func desVectorSet(algorithm, direction, testType string, test symTest) []byte {
	vs := symVectorSet{
		VsID:      42,
		Algorithm: algorithm,
		Revision:  "1.0",
		TestGroups: []symTestGroup{{
			TgID:      1,
			Direction: direction,
			TestType:  testType,
			Tests:     []symTest{test},
		}},
	}
	data, _ := json.Marshal(vs)
	return data
}

func processSymVectorSet(t *testing.T, c *Context, data []byte) symVectorSetResponse {
	out, err := c.ProcessVectorSet(data)
	require.Nil(t, err, "vector set processing failed: %v", err)

	var rsp symVectorSetResponse
	err = json.Unmarshal(out, &rsp)
	require.Nil(t, err, "response unmarshal failed: %v", err)
	require.Len(t, rsp.TestGroups, 1)
	require.Len(t, rsp.TestGroups[0].Tests, 1)
	return rsp
}

func TestTDESECBEncryptKnownAnswer(t *testing.T) {
	c := newTestContext(t)
	rsp := processSymVectorSet(t, c, desVectorSet("ACVP-TDES-ECB", "encrypt", "AFT", symTest{
		TcID: 7,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		PT: fipsPTHex,
	}))

	tr := rsp.TestGroups[0].Tests[0]
	require.Equal(t, uint32(7), tr.TcID)
	require.Equal(t, fipsECBHex, tr.CT, "published ECB ciphertext mismatch")
	require.Empty(t, tr.PT)
}

func TestTDESECBDecryptKnownAnswer(t *testing.T) {
	c := newTestContext(t)
	rsp := processSymVectorSet(t, c, desVectorSet("ACVP-TDES-ECB", "decrypt", "AFT", symTest{
		TcID: 8,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		CT: fipsECBHex,
	}))
	require.Equal(t, fipsPTHex, rsp.TestGroups[0].Tests[0].PT, "published ECB plaintext mismatch")
}

func TestTDESCBCRoundTrip(t *testing.T) {
	c := newTestContext(t)
	rsp := processSymVectorSet(t, c, desVectorSet("ACVP-TDES-CBC", "encrypt", "AFT", symTest{
		TcID: 1,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		PT: fipsPTHex, IV: fipsIVHex,
	}))
	require.Equal(t, fipsCBCHex, rsp.TestGroups[0].Tests[0].CT, "published CBC ciphertext mismatch")

	rsp = processSymVectorSet(t, c, desVectorSet("ACVP-TDES-CBC", "decrypt", "AFT", symTest{
		TcID: 2,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		CT: fipsCBCHex, IV: fipsIVHex,
	}))
	require.Equal(t, fipsPTHex, rsp.TestGroups[0].Tests[0].PT, "CBC decrypt did not invert encrypt")
}

func TestTDESCFB1PayloadLen(t *testing.T) {
	c := newTestContext(t)
	rsp := processSymVectorSet(t, c, desVectorSet("ACVP-TDES-CFB1", "encrypt", "AFT", symTest{
		TcID: 3,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		PT: "80", IV: fipsIVHex, PayloadLen: 1,
	}))

	// One bit of keystream: the top bit of E(IV) XORed with the top bit
	// of the plaintext byte.
	o := tdesEncryptBlock(t, mustUnhex(t, fipsKeyHex+fipsKeyHex+fipsKeyHex), mustUnhex(t, fipsIVHex))
	want := mustHex([]byte{(0x80 ^ o[0]) & 0x80})
	require.Equal(t, want, rsp.TestGroups[0].Tests[0].CT, "single-bit CFB ciphertext mismatch")
}

func TestTDESMissingIV(t *testing.T) {
	c := newTestContext(t)
	_, err := c.ProcessVectorSet(desVectorSet("ACVP-TDES-CBC", "encrypt", "AFT", symTest{
		TcID: 1,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		PT: fipsPTHex,
	}))
	require.ErrorIs(t, err, ErrMissingArg, "CBC without an IV should be rejected")
}

func TestTDESMissingKey(t *testing.T) {
	c := newTestContext(t)
	_, err := c.ProcessVectorSet(desVectorSet("ACVP-TDES-ECB", "encrypt", "AFT", symTest{
		TcID: 1,
		Key1: fipsKeyHex, Key2: fipsKeyHex,
		PT: fipsPTHex,
	}))
	require.ErrorIs(t, err, ErrMissingArg, "a missing sub-key should be rejected")
}

func TestTDESBadKeyLength(t *testing.T) {
	c := newTestContext(t)
	_, err := c.ProcessVectorSet(desVectorSet("ACVP-TDES-ECB", "encrypt", "AFT", symTest{
		TcID: 1,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: "0123",
		PT: fipsPTHex,
	}))
	require.ErrorIs(t, err, ErrInvalidArg, "a short sub-key should be rejected")
}

func TestTDESMissingTgID(t *testing.T) {
	c := newTestContext(t)
	data := []byte(`{"vsId":1,"algorithm":"ACVP-TDES-ECB","testGroups":[{"direction":"encrypt","testType":"AFT","tests":[]}]}`)
	_, err := c.ProcessVectorSet(data)
	require.ErrorIs(t, err, ErrMalformedJSON, "a group without tgId should be rejected")
}

func TestTDESUnsupportedAlgorithm(t *testing.T) {
	c := newTestContext(t)
	_, err := c.ProcessVectorSet([]byte(`{"algorithm":"ACVP-AES-GCM"}`))
	require.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestTDESUnregisteredCapability(t *testing.T) {
	c := NewContext() // nothing registered
	_, err := c.ProcessVectorSet(desVectorSet("ACVP-TDES-ECB", "encrypt", "AFT", symTest{
		TcID: 1,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		PT: fipsPTHex,
	}))
	require.ErrorIs(t, err, ErrUnsupportedOp, "unregistered cipher should be reported to the server")
}

func TestTDESKWUnwrapFailureIsTestPassed(t *testing.T) {
	c := NewContext()
	err := c.RegisterSymCipher(TDESKW, func(tc *SymCipherTestCase) error {
		return ErrCryptoWrapFail
	})
	require.Nil(t, err, "registration failed: %v", err)

	rsp := processSymVectorSet(t, c, desVectorSet("ACVP-TDES-KW", "decrypt", "AFT", symTest{
		TcID: 9,
		Key1: fipsKeyHex, Key2: fipsKeyHex, Key3: fipsKeyHex,
		CT: fipsECBHex, IV: fipsIVHex,
	}))

	tr := rsp.TestGroups[0].Tests[0]
	require.NotNil(t, tr.TestPassed, "rejected unwrap should emit testPassed")
	require.True(t, *tr.TestPassed)
	require.Empty(t, tr.PT)
}

func TestTDESMCTFullRun(t *testing.T) {
	c := newTestContext(t)
	rsp := processSymVectorSet(t, c, desVectorSet("ACVP-TDES-ECB", "encrypt", "MCT", symTest{
		TcID: 5,
		Key1: fipsKeyHex, Key2: "23456789abcdef01", Key3: "456789abcdef0123",
		PT: fipsPTHex,
	}))

	tr := rsp.TestGroups[0].Tests[0]
	require.Len(t, tr.ResultsArray, tdesMCTOuter)

	first, second := tr.ResultsArray[0], tr.ResultsArray[1]
	require.Equal(t, fipsKeyHex, first.Key1)
	require.Equal(t, fipsPTHex, first.PT)
	require.NotEmpty(t, first.CT)
	require.NotEqual(t, first.Key1, second.Key1, "rekeying did not change key1")
	require.Equal(t, first.CT, second.PT, "next seed plaintext should be the previous terminal ciphertext")

	for i, rec := range tr.ResultsArray {
		for _, b := range mustUnhex(t, rec.Key1+rec.Key2+rec.Key3) {
			require.Equal(t, oddParity[b], b, "[%d] key byte without odd parity", i)
		}
	}
}
