package container

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/crypto"
)

const (
	// FormatV1 is the legacy format: fixed KDF cost, MAC keyed by the content
	// key, unsalted password verifier, signature optional.
	FormatV1 = 1
	// FormatV2 records its KDF parameters, keys the MAC with an HKDF subkey and
	// uses a salted PBKDF2 password verifier. Signature mandatory.
	FormatV2 = 2

	// CurrentFormat is written by Seal unless configured otherwise.
	CurrentFormat = FormatV2

	legacyIterations = 100000
	minIterations    = 10000
	maxIterations    = 10000000
	kdfName          = "PBKDF2-SHA256"
	macInfoV2        = "bar-mac-v2"
	verifierPrefix   = "pbkdf2-sha256"
)

// format captures everything that differs between envelope versions.
type format interface {
	version() int
	// signatureRequired is false only for legacy data written before tags existed.
	signatureRequired() bool
	kdf(sealIterations int) *kdfParams
	iterations(env *wireEnvelope) (int, error)
	macKey(contentKey []byte) ([]byte, error)
	newVerifier(password string, iterations int) (string, error)
	checkVerifier(stored, password string) (bool, error)
}

var formats = map[int]format{
	FormatV1: formatV1{},
	FormatV2: formatV2{},
}

func lookupFormat(version int) (format, error) {
	f, ok := formats[version]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported format version %d", barerr.ErrFormat, version)
	}
	return f, nil
}

type formatV1 struct{}

func (formatV1) version() int { return FormatV1 }
func (formatV1) signatureRequired() bool { return false }
func (formatV1) kdf(int) *kdfParams { return nil }
func (formatV1) iterations(*wireEnvelope) (int, error) { return legacyIterations, nil }

func (formatV1) macKey(contentKey []byte) ([]byte, error) { return contentKey, nil }

func (formatV1) newVerifier(password string, _ int) (string, error) {
	return crypto.HashHex([]byte(password)), nil
}

func (formatV1) checkVerifier(stored, password string) (bool, error) {
	return crypto.ConstantTimeEqual([]byte(strings.ToLower(stored)), []byte(crypto.HashHex([]byte(password)))), nil
}

type formatV2 struct{}

func (formatV2) version() int { return FormatV2 }
func (formatV2) signatureRequired() bool { return true }

func (formatV2) kdf(iterations int) *kdfParams {
	return &kdfParams{Name: kdfName, Iterations: iterations}
}

func (formatV2) iterations(env *wireEnvelope) (int, error) {
	if env.KDF == nil {
		return 0, fmt.Errorf("%w: kdf parameters missing", barerr.ErrFormat)
	}
	if env.KDF.Name != kdfName {
		return 0, fmt.Errorf("%w: unsupported kdf %q", barerr.ErrFormat, env.KDF.Name)
	}
	if err := checkIterations(env.KDF.Iterations); err != nil {
		return 0, err
	}
	return env.KDF.Iterations, nil
}

func (formatV2) macKey(contentKey []byte) ([]byte, error) {
	return crypto.DeriveSubkey(contentKey, macInfoV2)
}

// newVerifier produces "pbkdf2-sha256$<iterations>$<salt>$<hash>" with a salt
// independent of the content-key salt.
func (formatV2) newVerifier(password string, iterations int) (string, error) {
	salt, err := crypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	sum := crypto.DeriveKeyPBKDF2(password, salt, iterations)
	return strings.Join([]string{
		verifierPrefix,
		strconv.Itoa(iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		hex.EncodeToString(sum),
	}, "$"), nil
}

func (formatV2) checkVerifier(stored, password string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != verifierPrefix {
		return false, fmt.Errorf("%w: malformed password verifier", barerr.ErrFormat)
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: malformed password verifier", barerr.ErrFormat)
	}
	if err := checkIterations(iterations); err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("%w: malformed password verifier", barerr.ErrFormat)
	}
	sum := crypto.DeriveKeyPBKDF2(password, salt, iterations)
	return crypto.ConstantTimeEqual([]byte(hex.EncodeToString(sum)), []byte(strings.ToLower(parts[3]))), nil
}

// checkIterations bounds attacker-controlled KDF cost before any derivation runs.
func checkIterations(n int) error {
	if n < minIterations || n > maxIterations {
		return fmt.Errorf("%w: kdf iterations %d out of range", barerr.ErrFormat, n)
	}
	return nil
}
