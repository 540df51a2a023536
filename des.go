package acvp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire structures for a TDES vector set.  All binary fields are hex
// strings; lengths on the wire are bits.
type symVectorSet struct {
	VsID       int            `json:"vsId"`
	Algorithm  string         `json:"algorithm"`
	Revision   string         `json:"revision"`
	TestGroups []symTestGroup `json:"testGroups"`
}

type symTestGroup struct {
	TgID      int       `json:"tgId"`
	Direction string    `json:"direction"`
	TestType  string    `json:"testType"`
	Tests     []symTest `json:"tests"`
}

type symTest struct {
	TcID       uint32 `json:"tcId"`
	Key1       string `json:"key1"`
	Key2       string `json:"key2"`
	Key3       string `json:"key3"`
	PT         string `json:"pt"`
	CT         string `json:"ct"`
	IV         string `json:"iv"`
	PayloadLen int    `json:"payloadLen"`
}

type symVectorSetResponse struct {
	VsID       int                    `json:"vsId,omitempty"`
	Algorithm  string                 `json:"algorithm"`
	TestGroups []symTestGroupResponse `json:"testGroups"`
}

type symTestGroupResponse struct {
	TgID  int               `json:"tgId"`
	Tests []symTestResponse `json:"tests"`
}

type symTestResponse struct {
	TcID         uint32      `json:"tcId"`
	PT           string      `json:"pt,omitempty"`
	CT           string      `json:"ct,omitempty"`
	TestPassed   *bool       `json:"testPassed,omitempty"`
	ResultsArray []mctResult `json:"resultsArray,omitempty"`
}

// desKatHandler processes a TDES vector set.  Each test case is parsed,
// validated, run through the registered crypto handler (via the Monte
// Carlo engine for MCT groups), and its response appended in input
// order.  The first error aborts the whole vector set.
func (c *Context) desKatHandler(data []byte) (*symVectorSetResponse, error) {
	var vs symVectorSet
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	algID := LookupCipher(vs.Algorithm)
	switch algID {
	case TDESECB, TDESCBC, TDESOFB, TDESCFB1, TDESCFB8, TDESCFB64, TDESKW:
	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedOp, vs.Algorithm)
	}

	handler, err := c.locateSymHandler(algID)
	if err != nil {
		return nil, err
	}

	rsp := &symVectorSetResponse{
		VsID:      vs.VsID,
		Algorithm: vs.Algorithm,
	}

	stc := newSymCipherTestCase()
	for i := range vs.TestGroups {
		group := &vs.TestGroups[i]
		if group.TgID == 0 {
			return nil, fmt.Errorf("%w: missing 'tgId' in test group", ErrMalformedJSON)
		}

		dir, err := parseDirection(group.Direction)
		if err != nil {
			return nil, err
		}
		testType, err := parseTestType(group.TestType)
		if err != nil {
			return nil, err
		}

		logString(fmt.Sprintf("test group %d: dir=%s type=%s", group.TgID, group.Direction, group.TestType))

		gRsp := symTestGroupResponse{TgID: group.TgID, Tests: make([]symTestResponse, 0, len(group.Tests))}
		for j := range group.Tests {
			tRsp, err := c.processSymTest(handler, stc, algID, dir, testType, &group.Tests[j])
			if err != nil {
				return nil, err
			}
			gRsp.Tests = append(gRsp.Tests, tRsp)
		}
		rsp.TestGroups = append(rsp.TestGroups, gRsp)
	}

	return rsp, nil
}

// processSymTest validates and runs one test case.  The test case
// scratch is released on every exit path.
func (c *Context) processSymTest(handler SymCipherHandler, stc *SymCipherTestCase,
	algID Cipher, dir Direction, testType TestType, test *symTest) (symTestResponse, error) {

	defer stc.release()
	none := symTestResponse{}

	key, err := tdesJoinKeys(test)
	if err != nil {
		return none, err
	}

	var ptLen, ctLen int
	if dir == DirEncrypt {
		if test.PT == "" {
			return none, fmt.Errorf("%w: 'pt'", ErrMissingArg)
		}
		if len(test.PT) > maxSymDataHex {
			return none, fmt.Errorf("%w: 'pt' too long, max allowed %d", ErrInvalidArg, maxSymDataHex)
		}
		ptLen = len(test.PT) * 4
		if algID == TDESCFB1 && test.PayloadLen != 0 {
			ptLen = test.PayloadLen
		}
	} else {
		if test.CT == "" {
			return none, fmt.Errorf("%w: 'ct'", ErrMissingArg)
		}
		if len(test.CT) > maxSymDataHex {
			return none, fmt.Errorf("%w: 'ct' too long, max allowed %d", ErrInvalidArg, maxSymDataHex)
		}
		ctLen = len(test.CT) * 4
		if algID == TDESCFB1 && test.PayloadLen != 0 {
			ctLen = test.PayloadLen
		}
	}

	var ivLen int
	if algID != TDESECB {
		if test.IV == "" {
			return none, fmt.Errorf("%w: 'iv'", ErrMissingArg)
		}
		if len(test.IV) != tdesIVHex {
			return none, fmt.Errorf("%w: 'iv' length %d, expected %d", ErrInvalidArg, len(test.IV), tdesIVHex)
		}
		ivLen = len(test.IV) * 4
	}

	if err := stc.init(test.TcID, testType, algID, dir, key, test.PT, test.CT, test.IV,
		tdesKeyBits, ivLen, ptLen, ctLen); err != nil {
		return none, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}

	logVal("key", stc.Key[:tdesKeyBytes])

	if testType == TestTypeMCT {
		results, err := c.mct.run(stc, handler)
		if err != nil {
			return none, err
		}
		return symTestResponse{TcID: test.TcID, ResultsArray: results}, nil
	}

	optErr := handler(stc)
	if optErr != nil && !errorIsWrapFail(algID, optErr) {
		return none, fmt.Errorf("%w: %v", ErrCryptoModuleFail, optErr)
	}
	return symTestOutput(stc, optErr)
}

// tdesJoinKeys validates the three sub-key fields and joins them into
// one 48-character hex key.
func tdesJoinKeys(test *symTest) (string, error) {
	for _, k := range []struct {
		name  string
		value string
	}{
		{"key1", test.Key1},
		{"key2", test.Key2},
		{"key3", test.Key3},
	} {
		if k.value == "" {
			return "", fmt.Errorf("%w: '%s'", ErrMissingArg, k.name)
		}
		if len(k.value) != tdesSubkeyHex {
			return "", fmt.Errorf("%w: '%s' length %d, expected %d", ErrInvalidArg, k.name, len(k.value), tdesSubkeyHex)
		}
	}
	return test.Key1 + test.Key2 + test.Key3, nil
}

// errorIsWrapFail reports whether a handler failure is the expected
// negative-test outcome of a key-wrap cipher rather than a module
// failure.
func errorIsWrapFail(algID Cipher, err error) bool {
	return algID == TDESKW && errors.Is(err, ErrCryptoWrapFail)
}

// symTestOutput encodes the result of a single-shot (non-MCT) test case.
func symTestOutput(tc *SymCipherTestCase, optErr error) (symTestResponse, error) {
	rsp := symTestResponse{TcID: tc.TCID}

	if tc.Direction == DirEncrypt {
		ct, err := binToHexStr(tc.CT[:tc.ctBytes()], maxSymDataHex)
		if err != nil {
			return rsp, fmt.Errorf("hex conversion failure (ct): %w", err)
		}
		rsp.CT = ct
		return rsp, nil
	}

	if tc.Cipher == TDESKW && optErr != nil {
		passed := true
		rsp.TestPassed = &passed
		return rsp, nil
	}

	pt, err := binToHexStr(tc.PT[:tc.ptBytes()], maxSymDataHex)
	if err != nil {
		return rsp, fmt.Errorf("hex conversion failure (pt): %w", err)
	}
	rsp.PT = pt
	return rsp, nil
}
