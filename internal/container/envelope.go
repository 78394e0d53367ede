package container

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/org/barvault/internal/barerr"
)

const (
	magicPrefix    = "BAR_FILE_V"
	maxHeaderLen   = len(magicPrefix) + 4
	signatureField = "hmac_signature"
)

// kdfParams records how a password-derived key was stretched.
type kdfParams struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
}

// wireEnvelope is the JSON structure inside the outer encoding.
type wireEnvelope struct {
	FormatVersion    int        `json:"format_version,omitempty"`
	Metadata         Metadata   `json:"metadata"`
	EncryptedData    string     `json:"encrypted_data"`
	EncryptionMethod Mode       `json:"encryption_method,omitempty"`
	Salt             string     `json:"salt,omitempty"`
	EncryptionKey    string     `json:"encryption_key,omitempty"`
	KDF              *kdfParams `json:"kdf,omitempty"`
	HMACSignature    string     `json:"hmac_signature,omitempty"`
}

// canonicalize returns the bytes the integrity tag is computed over: the
// envelope with the signature removed, object keys sorted at every depth and
// no insignificant whitespace. It depends only on the values, never on how
// the stored form was indented or ordered.
func canonicalize(envJSON []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(envJSON))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: envelope is not a JSON object: %v", barerr.ErrFormat, err)
	}
	delete(fields, signatureField)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing envelope: %v", barerr.ErrFormat, err)
	}
	return out, nil
}

// strictBase64 rejects non-zero padding bits, so each decoded value has exactly
// one accepted encoding.
var strictBase64 = base64.StdEncoding.Strict()

// pack wraps the stored envelope JSON in the versioned header and outer encoding.
func pack(version int, envJSON []byte) []byte {
	header := magicPrefix + strconv.Itoa(version) + "\n"
	out := make([]byte, len(header)+base64.StdEncoding.EncodedLen(len(envJSON)))
	copy(out, header)
	base64.StdEncoding.Encode(out[len(header):], envJSON)
	return out
}

// unpack validates the header and strips the outer encoding.
func unpack(data []byte) (int, []byte, error) {
	if !bytes.HasPrefix(data, []byte(magicPrefix)) {
		return 0, nil, fmt.Errorf("%w: missing BAR header", barerr.ErrFormat)
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 || nl > maxHeaderLen {
		return 0, nil, fmt.Errorf("%w: malformed BAR header", barerr.ErrFormat)
	}
	version, err := strconv.Atoi(string(data[len(magicPrefix):nl]))
	if err != nil || version <= 0 {
		return 0, nil, fmt.Errorf("%w: malformed format version", barerr.ErrFormat)
	}
	body := bytes.TrimSpace(data[nl+1:])
	envJSON := make([]byte, strictBase64.DecodedLen(len(body)))
	n, err := strictBase64.Decode(envJSON, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: outer encoding: %v", barerr.ErrFormat, err)
	}
	return version, envJSON[:n], nil
}

func decodeEnvelope(envJSON []byte) (*wireEnvelope, error) {
	var env wireEnvelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", barerr.ErrFormat, err)
	}
	if env.EncryptedData == "" {
		return nil, fmt.Errorf("%w: encrypted_data missing", barerr.ErrFormat)
	}
	if env.EncryptionMethod == "" {
		env.EncryptionMethod = ModeRandomKey
	}
	return &env, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(field, s string) ([]byte, error) {
	b, err := strictBase64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s", barerr.ErrFormat, field)
	}
	return b, nil
}
