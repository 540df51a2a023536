// Package acvp implements a client-side library for the NIST Automated
// Cryptographic Validation Protocol.  The library parses JSON vector sets
// retrieved from an ACVP server, drives a caller-supplied cryptographic
// module against each test case (including the chained Monte Carlo tests),
// and assembles the JSON response to be uploaded back to the server.
package acvp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

const (
	debug = false
)

func logString(val string) {
	if debug {
		log.Printf("%s", val)
	}
}

func logVal(name string, value []byte) {
	if debug {
		log.Printf("  %6s %x", name, value)
	}
}

// Error kinds.  Every failure inside vector set processing wraps one of
// these; any error aborts the entire vector set.
var (
	ErrMissingArg       = errors.New("acvp: missing argument")
	ErrInvalidArg       = errors.New("acvp: invalid argument")
	ErrMalformedJSON    = errors.New("acvp: malformed JSON")
	ErrUnsupportedOp    = errors.New("acvp: unsupported operation")
	ErrDataTooLarge     = errors.New("acvp: data exceeds maximum size")
	ErrCryptoModuleFail = errors.New("acvp: crypto module failed the operation")

	// ErrCryptoWrapFail is returned by a crypto handler when a key-wrap
	// cipher rejects the wrapped input.  For key-wrap negative tests this
	// is an expected outcome, not a processing failure.
	ErrCryptoWrapFail = errors.New("acvp: wrap operation failed")

	ErrTransportFail = errors.New("acvp: transport failure")
	ErrJWTExpired    = errors.New("acvp: JWT expired")
	ErrJWTInvalid    = errors.New("acvp: JWT invalid")
)

// Cipher identifies an algorithm a vector set may target.
type Cipher uint16

const (
	CipherNone Cipher = iota
	TDESECB
	TDESCBC
	TDESOFB
	TDESCFB1
	TDESCFB8
	TDESCFB64
	TDESKW
	KDFX963
	PBKDF
)

var cipherNames = map[Cipher]string{
	TDESECB:   "ACVP-TDES-ECB",
	TDESCBC:   "ACVP-TDES-CBC",
	TDESOFB:   "ACVP-TDES-OFB",
	TDESCFB1:  "ACVP-TDES-CFB1",
	TDESCFB8:  "ACVP-TDES-CFB8",
	TDESCFB64: "ACVP-TDES-CFB64",
	TDESKW:    "ACVP-TDES-KW",
	KDFX963:   "kdf-components",
	PBKDF:     "PBKDF",
}

var cipherIDs = map[string]Cipher{}

func init() {
	for id, name := range cipherNames {
		cipherIDs[name] = id
	}
}

func (c Cipher) String() string {
	name, ok := cipherNames[c]
	if !ok {
		return fmt.Sprintf("Cipher(%d)", uint16(c))
	}
	return name
}

// LookupCipher maps an ACVP algorithm string to its cipher identifier.
// CipherNone is returned for unknown algorithms.
func LookupCipher(algorithm string) Cipher {
	return cipherIDs[algorithm]
}

// Direction of a symmetric cipher operation.
type Direction uint8

const (
	DirEncrypt Direction = iota + 1
	DirDecrypt
)

func parseDirection(s string) (Direction, error) {
	switch s {
	case "encrypt":
		return DirEncrypt, nil
	case "decrypt":
		return DirDecrypt, nil
	case "":
		return 0, fmt.Errorf("%w: 'direction'", ErrMissingArg)
	}
	return 0, fmt.Errorf("%w: 'direction' %q", ErrInvalidArg, s)
}

// TestType distinguishes single-shot tests from the chained Monte Carlo
// tests.
type TestType uint8

const (
	TestTypeAFT TestType = iota + 1
	TestTypeMCT
	TestTypeCTR
)

func parseTestType(s string) (TestType, error) {
	switch s {
	case "AFT":
		return TestTypeAFT, nil
	case "MCT":
		return TestTypeMCT, nil
	case "CTR":
		return TestTypeCTR, nil
	case "":
		return 0, fmt.Errorf("%w: 'testType'", ErrMissingArg)
	}
	return 0, fmt.Errorf("%w: 'testType' %q", ErrInvalidArg, s)
}

// SymCipherHandler performs exactly one cryptographic transform on the
// test case, writing the result into tc.CT (encrypt) or tc.PT (decrypt)
// and recording the chaining IV material in tc.IVRet / tc.IVRetAfter.
// For Monte Carlo tests the handler is expected to keep its streaming
// cipher state across invocations, reinitializing from tc.Key and tc.IV
// whenever tc.MCTIndex is zero.
type SymCipherHandler func(tc *SymCipherTestCase) error

// KDFX963Handler derives tc.KeyData from tc.Z and tc.SharedInfo.
type KDFX963Handler func(tc *KDFX963TestCase) error

// PBKDFHandler derives tc.DerivedKey from the password and salt.
type PBKDFHandler func(tc *PBKDFTestCase) error

// Context holds the registered crypto capabilities and the Monte Carlo
// engine state.  A Context processes one vector set at a time; the
// internal lock makes the single-flight requirement explicit rather than
// leaving it to the caller.
type Context struct {
	mu sync.Mutex

	symHandlers  map[Cipher]SymCipherHandler
	x963Handler  KDFX963Handler
	pbkdfHandler PBKDFHandler

	mct mctState
}

// NewContext returns a Context with no capabilities registered.
func NewContext() *Context {
	return &Context{
		symHandlers: map[Cipher]SymCipherHandler{},
		mct:         newMCTState(tdesMCTOuter, MaxMCTInner),
	}
}

// RegisterSymCipher registers the crypto handler invoked for vector sets
// targeting the given symmetric cipher.
func (c *Context) RegisterSymCipher(cipher Cipher, handler SymCipherHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArg)
	}
	switch cipher {
	case TDESECB, TDESCBC, TDESOFB, TDESCFB1, TDESCFB8, TDESCFB64, TDESKW:
	default:
		return fmt.Errorf("%w: %s is not a symmetric cipher", ErrInvalidArg, cipher)
	}
	c.symHandlers[cipher] = handler
	return nil
}

// RegisterKDFX963 registers the handler for ANSI X9.63 KDF vector sets.
func (c *Context) RegisterKDFX963(handler KDFX963Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArg)
	}
	c.x963Handler = handler
	return nil
}

// RegisterPBKDF registers the handler for PBKDF vector sets.
func (c *Context) RegisterPBKDF(handler PBKDFHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArg)
	}
	c.pbkdfHandler = handler
	return nil
}

func (c *Context) locateSymHandler(cipher Cipher) (SymCipherHandler, error) {
	handler, ok := c.symHandlers[cipher]
	if !ok {
		return nil, fmt.Errorf("%w: server requested unsupported capability %s", ErrUnsupportedOp, cipher)
	}
	return handler, nil
}

// ProcessVectorSet parses one JSON vector set, runs every test case
// through the registered crypto handler, and returns the JSON response
// to be uploaded to the server.  Processing is strict: the first error
// of any kind aborts the whole vector set.
func (c *Context) ProcessVectorSet(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr struct {
		Algorithm string `json:"algorithm"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if hdr.Algorithm == "" {
		return nil, fmt.Errorf("%w: 'algorithm'", ErrMissingArg)
	}

	logString(fmt.Sprintf("processing vector set for %s", hdr.Algorithm))

	var rsp interface{}
	var err error
	switch {
	case strings.HasPrefix(hdr.Algorithm, "ACVP-TDES-"):
		rsp, err = c.desKatHandler(data)
	case hdr.Algorithm == "kdf-components":
		rsp, err = c.kdfX963KatHandler(data)
	case hdr.Algorithm == "PBKDF":
		rsp, err = c.pbkdfKatHandler(data)
	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedOp, hdr.Algorithm)
	}
	if err != nil {
		return nil, err
	}

	out, err := json.MarshalIndent(rsp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return out, nil
}
