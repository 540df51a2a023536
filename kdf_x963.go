package acvp

import (
	"encoding/json"
	"fmt"
)

// HashAlg identifies the hash function underlying a KDF operation.
type HashAlg int

const (
	SHA224 HashAlg = iota + 1
	SHA256
	SHA384
	SHA512
)

var hashAlgNames = map[HashAlg]string{
	SHA224: "SHA2-224",
	SHA256: "SHA2-256",
	SHA384: "SHA2-384",
	SHA512: "SHA2-512",
}

var hashAlgIDs = map[string]HashAlg{}

func init() {
	for id, name := range hashAlgNames {
		hashAlgIDs[name] = id
	}
}

func (h HashAlg) String() string {
	if name, ok := hashAlgNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HashAlg(%d)", int(h))
}

func lookupHashAlg(name string) (HashAlg, error) {
	if id, ok := hashAlgIDs[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: hash algorithm %q", ErrUnsupportedOp, name)
}

const (
	maxX963ZBytes          = 512
	maxX963SharedInfoBytes = 512
	maxX963KeyDataBytes    = 512
	minX963KeyDataBits     = 128
)

// x963FieldSizes lists the elliptic-curve field sizes the protocol
// allows a server to request.
var x963FieldSizes = [...]int{224, 233, 256, 283, 384, 409, 521, 571}

// KDFX963TestCase is one ANSI X9.63 KDF derivation.  Z and SharedInfo
// are inputs; the handler writes KeyDataLen/8 bytes into KeyData.
type KDFX963TestCase struct {
	TCID       uint32
	HashAlg    HashAlg
	FieldSize  int
	KeyDataLen int // bits
	Z          []byte
	SharedInfo []byte
	KeyData    []byte
}

type x963VectorSet struct {
	VsID       int             `json:"vsId"`
	Algorithm  string          `json:"algorithm"`
	Mode       string          `json:"mode"`
	Revision   string          `json:"revision"`
	TestGroups []x963TestGroup `json:"testGroups"`
}

type x963TestGroup struct {
	TgID             int        `json:"tgId"`
	HashAlg          string     `json:"hashAlg"`
	FieldSize        int        `json:"fieldSize"`
	KeyDataLength    int        `json:"keyDataLength"`
	SharedInfoLength int        `json:"sharedInfoLength"`
	Tests            []x963Test `json:"tests"`
}

type x963Test struct {
	TcID       uint32 `json:"tcId"`
	Z          string `json:"z"`
	SharedInfo string `json:"sharedInfo"`
}

type x963VectorSetResponse struct {
	VsID       int                     `json:"vsId,omitempty"`
	Algorithm  string                  `json:"algorithm"`
	Mode       string                  `json:"mode"`
	TestGroups []x963TestGroupResponse `json:"testGroups"`
}

type x963TestGroupResponse struct {
	TgID  int                `json:"tgId"`
	Tests []x963TestResponse `json:"tests"`
}

type x963TestResponse struct {
	TcID    uint32 `json:"tcId"`
	KeyData string `json:"keyData"`
}

// kdfX963KatHandler processes an ANSI X9.63 KDF vector set.
func (c *Context) kdfX963KatHandler(data []byte) (*x963VectorSetResponse, error) {
	var vs x963VectorSet
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if vs.Mode != "ansix9.63" {
		return nil, fmt.Errorf("%w: kdf-components mode %q", ErrUnsupportedOp, vs.Mode)
	}
	if c.x963Handler == nil {
		return nil, fmt.Errorf("%w: no X9.63 KDF capability registered", ErrUnsupportedOp)
	}

	rsp := &x963VectorSetResponse{
		VsID:      vs.VsID,
		Algorithm: vs.Algorithm,
		Mode:      vs.Mode,
	}

	for i := range vs.TestGroups {
		group := &vs.TestGroups[i]
		if group.TgID == 0 {
			return nil, fmt.Errorf("%w: missing 'tgId' in test group", ErrMalformedJSON)
		}

		hashAlg, err := lookupHashAlg(group.HashAlg)
		if err != nil {
			return nil, err
		}
		if !validX963FieldSize(group.FieldSize) {
			return nil, fmt.Errorf("%w: 'fieldSize' %d", ErrInvalidArg, group.FieldSize)
		}
		if group.KeyDataLength < minX963KeyDataBits || group.KeyDataLength > maxX963KeyDataBytes*8 {
			return nil, fmt.Errorf("%w: 'keyDataLength' %d", ErrInvalidArg, group.KeyDataLength)
		}

		logString(fmt.Sprintf("test group %d: hash=%s fieldSize=%d keyDataLength=%d",
			group.TgID, group.HashAlg, group.FieldSize, group.KeyDataLength))

		gRsp := x963TestGroupResponse{TgID: group.TgID, Tests: make([]x963TestResponse, 0, len(group.Tests))}
		for j := range group.Tests {
			tRsp, err := c.processX963Test(hashAlg, group, &group.Tests[j])
			if err != nil {
				return nil, err
			}
			gRsp.Tests = append(gRsp.Tests, tRsp)
		}
		rsp.TestGroups = append(rsp.TestGroups, gRsp)
	}

	return rsp, nil
}

func validX963FieldSize(fieldSize int) bool {
	for _, n := range x963FieldSizes {
		if fieldSize == n {
			return true
		}
	}
	return false
}

func (c *Context) processX963Test(hashAlg HashAlg, group *x963TestGroup, test *x963Test) (x963TestResponse, error) {
	none := x963TestResponse{}

	if test.Z == "" {
		return none, fmt.Errorf("%w: 'z'", ErrMissingArg)
	}
	if len(test.Z) > maxX963ZBytes*2 {
		return none, fmt.Errorf("%w: 'z' too long, max allowed %d", ErrInvalidArg, maxX963ZBytes*2)
	}
	if group.SharedInfoLength > 0 && test.SharedInfo == "" {
		return none, fmt.Errorf("%w: 'sharedInfo'", ErrMissingArg)
	}
	if len(test.SharedInfo) > maxX963SharedInfoBytes*2 {
		return none, fmt.Errorf("%w: 'sharedInfo' too long, max allowed %d", ErrInvalidArg, maxX963SharedInfoBytes*2)
	}

	tc := KDFX963TestCase{
		TCID:       test.TcID,
		HashAlg:    hashAlg,
		FieldSize:  group.FieldSize,
		KeyDataLen: group.KeyDataLength,
		Z:          make([]byte, maxX963ZBytes),
		SharedInfo: make([]byte, maxX963SharedInfoBytes),
		KeyData:    make([]byte, maxX963KeyDataBytes),
	}

	n, err := HexToBin(test.Z, tc.Z)
	if err != nil {
		return none, fmt.Errorf("%w: 'z': %v", ErrInvalidArg, err)
	}
	tc.Z = tc.Z[:n]

	n, err = HexToBin(test.SharedInfo, tc.SharedInfo)
	if err != nil {
		return none, fmt.Errorf("%w: 'sharedInfo': %v", ErrInvalidArg, err)
	}
	tc.SharedInfo = tc.SharedInfo[:n]

	if err := c.x963Handler(&tc); err != nil {
		return none, fmt.Errorf("%w: %v", ErrCryptoModuleFail, err)
	}

	keyData, err := binToHexStr(tc.KeyData[:tc.KeyDataLen/8], maxX963KeyDataBytes*2)
	if err != nil {
		return none, fmt.Errorf("hex conversion failure (keyData): %w", err)
	}
	return x963TestResponse{TcID: test.TcID, KeyData: keyData}, nil
}
