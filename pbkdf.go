package acvp

import (
	"encoding/json"
	"fmt"
)

const (
	maxPBKDFSaltBytes   = 256
	maxPBKDFPasswordLen = 128
	maxPBKDFKeyBytes    = 512
	minPBKDFKeyBits     = 112
	maxPBKDFIterations  = 10000000
)

// PBKDFTestCase is one password-based key derivation.  Password is the
// raw ASCII password, Salt the decoded salt; the handler writes
// KeyLen/8 bytes into DerivedKey.
type PBKDFTestCase struct {
	TCID       uint32
	HmacAlg    HashAlg
	KeyLen     int // bits
	Iterations int
	Password   string
	Salt       []byte
	DerivedKey []byte
}

type pbkdfVectorSet struct {
	VsID       int              `json:"vsId"`
	Algorithm  string           `json:"algorithm"`
	Revision   string           `json:"revision"`
	TestGroups []pbkdfTestGroup `json:"testGroups"`
}

type pbkdfTestGroup struct {
	TgID     int         `json:"tgId"`
	TestType string      `json:"testType"`
	HmacAlg  string      `json:"hmacAlg"`
	Tests    []pbkdfTest `json:"tests"`
}

type pbkdfTest struct {
	TcID           uint32 `json:"tcId"`
	KeyLen         int    `json:"keyLen"`
	Salt           string `json:"salt"`
	Password       string `json:"password"`
	IterationCount int    `json:"iterationCount"`
}

type pbkdfVectorSetResponse struct {
	VsID       int                      `json:"vsId,omitempty"`
	Algorithm  string                   `json:"algorithm"`
	TestGroups []pbkdfTestGroupResponse `json:"testGroups"`
}

type pbkdfTestGroupResponse struct {
	TgID  int                 `json:"tgId"`
	Tests []pbkdfTestResponse `json:"tests"`
}

type pbkdfTestResponse struct {
	TcID       uint32 `json:"tcId"`
	DerivedKey string `json:"derivedKey"`
}

// pbkdfKatHandler processes a PBKDF vector set.
func (c *Context) pbkdfKatHandler(data []byte) (*pbkdfVectorSetResponse, error) {
	var vs pbkdfVectorSet
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if c.pbkdfHandler == nil {
		return nil, fmt.Errorf("%w: no PBKDF capability registered", ErrUnsupportedOp)
	}

	rsp := &pbkdfVectorSetResponse{
		VsID:      vs.VsID,
		Algorithm: vs.Algorithm,
	}

	for i := range vs.TestGroups {
		group := &vs.TestGroups[i]
		if group.TgID == 0 {
			return nil, fmt.Errorf("%w: missing 'tgId' in test group", ErrMalformedJSON)
		}
		if _, err := parseTestType(group.TestType); err != nil {
			return nil, err
		}
		hmacAlg, err := lookupHashAlg(group.HmacAlg)
		if err != nil {
			return nil, err
		}

		logString(fmt.Sprintf("test group %d: hmac=%s", group.TgID, group.HmacAlg))

		gRsp := pbkdfTestGroupResponse{TgID: group.TgID, Tests: make([]pbkdfTestResponse, 0, len(group.Tests))}
		for j := range group.Tests {
			tRsp, err := c.processPBKDFTest(hmacAlg, &group.Tests[j])
			if err != nil {
				return nil, err
			}
			gRsp.Tests = append(gRsp.Tests, tRsp)
		}
		rsp.TestGroups = append(rsp.TestGroups, gRsp)
	}

	return rsp, nil
}

func (c *Context) processPBKDFTest(hmacAlg HashAlg, test *pbkdfTest) (pbkdfTestResponse, error) {
	none := pbkdfTestResponse{}

	if test.KeyLen < minPBKDFKeyBits || test.KeyLen > maxPBKDFKeyBytes*8 {
		return none, fmt.Errorf("%w: 'keyLen' %d", ErrInvalidArg, test.KeyLen)
	}
	if test.IterationCount < 1 || test.IterationCount > maxPBKDFIterations {
		return none, fmt.Errorf("%w: 'iterationCount' %d", ErrInvalidArg, test.IterationCount)
	}
	if test.Password == "" {
		return none, fmt.Errorf("%w: 'password'", ErrMissingArg)
	}
	if len(test.Password) > maxPBKDFPasswordLen {
		return none, fmt.Errorf("%w: 'password' too long, max allowed %d", ErrInvalidArg, maxPBKDFPasswordLen)
	}
	if test.Salt == "" {
		return none, fmt.Errorf("%w: 'salt'", ErrMissingArg)
	}
	if len(test.Salt) > maxPBKDFSaltBytes*2 {
		return none, fmt.Errorf("%w: 'salt' too long, max allowed %d", ErrInvalidArg, maxPBKDFSaltBytes*2)
	}

	tc := PBKDFTestCase{
		TCID:       test.TcID,
		HmacAlg:    hmacAlg,
		KeyLen:     test.KeyLen,
		Iterations: test.IterationCount,
		Password:   test.Password,
		Salt:       make([]byte, maxPBKDFSaltBytes),
		DerivedKey: make([]byte, maxPBKDFKeyBytes),
	}

	n, err := HexToBin(test.Salt, tc.Salt)
	if err != nil {
		return none, fmt.Errorf("%w: 'salt': %v", ErrInvalidArg, err)
	}
	tc.Salt = tc.Salt[:n]

	if err := c.pbkdfHandler(&tc); err != nil {
		return none, fmt.Errorf("%w: %v", ErrCryptoModuleFail, err)
	}

	derivedKey, err := binToHexStr(tc.DerivedKey[:tc.KeyLen/8], maxPBKDFKeyBytes*2)
	if err != nil {
		return none, fmt.Errorf("hex conversion failure (derivedKey): %w", err)
	}
	return pbkdfTestResponse{TcID: test.TcID, DerivedKey: derivedKey}, nil
}
