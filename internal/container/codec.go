package container

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/crypto"
)

// DefaultIterations is the PBKDF2 cost used when Config.Iterations is unset.
const DefaultIterations = 600000

// Config holds the codec knobs.
type Config struct {
	// Version is the format written by Seal. Zero means CurrentFormat.
	Version int
	// Iterations is the PBKDF2 cost for new password-derived containers.
	// Ignored by FormatV1, which has a fixed cost.
	Iterations int
}

// Codec seals and opens containers. The zero value is not usable; call New.
type Codec struct {
	version    int
	iterations int
}

// New returns a Codec for cfg.
func New(cfg Config) (*Codec, error) {
	if cfg.Version == 0 {
		cfg.Version = CurrentFormat
	}
	if _, err := lookupFormat(cfg.Version); err != nil {
		return nil, err
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = DefaultIterations
	}
	if err := checkIterations(cfg.Iterations); err != nil {
		return nil, fmt.Errorf("%w: %v", barerr.ErrInvalidInput, err)
	}
	return &Codec{version: cfg.Version, iterations: cfg.Iterations}, nil
}

// Sealed is the result of Seal.
type Sealed struct {
	Data     []byte
	Metadata Metadata
}

// Opened is the result of a successful Open.
type Opened struct {
	Plaintext     []byte
	Metadata      Metadata
	FormatVersion int
	Mode          Mode
	// Unsigned is set for legacy containers that carry no integrity tag.
	// Tampering cannot be detected for them; callers should re-seal.
	Unsigned bool
}

// Seal encrypts plaintext into a new container. A non-empty password selects
// ModePasswordDerived, otherwise the random content key is embedded.
func (c *Codec) Seal(plaintext []byte, p Params, password string) (*Sealed, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f, err := lookupFormat(c.version)
	if err != nil {
		return nil, err
	}

	meta := p.metadata()
	meta.FileHash = crypto.HashHex(plaintext)

	env := &wireEnvelope{Metadata: meta}
	if f.version() > FormatV1 {
		env.FormatVersion = f.version()
	}

	var key []byte
	if password != "" {
		iterations := c.iterations
		if f.version() == FormatV1 {
			iterations = legacyIterations
		}
		salt, err := crypto.RandomBytes(crypto.SaltSize)
		if err != nil {
			return nil, err
		}
		key = crypto.DeriveKeyPBKDF2(password, salt, iterations)
		verifier, err := f.newVerifier(password, iterations)
		if err != nil {
			return nil, err
		}
		env.EncryptionMethod = ModePasswordDerived
		env.Salt = b64(salt)
		env.KDF = f.kdf(iterations)
		env.Metadata.PasswordProtected = true
		env.Metadata.PasswordHash = verifier
	} else {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		env.EncryptionMethod = ModeRandomKey
		env.EncryptionKey = b64(key)
	}
	defer crypto.Zero(key)

	box, err := crypto.SealBox(plaintext, key)
	if err != nil {
		return nil, err
	}
	env.EncryptedData = b64(box)

	data, err := sign(f, env, key)
	if err != nil {
		return nil, err
	}
	return &Sealed{Data: data, Metadata: env.Metadata}, nil
}

// Open verifies and decrypts a container. Checks run in a fixed order so
// each failure maps to exactly one error class: format, credential,
// integrity tag, decryption, content hash.
func (c *Codec) Open(data []byte, password string) (*Opened, error) {
	_, key, opened, err := open(data, password)
	if err != nil {
		return nil, err
	}
	crypto.Zero(key)
	return opened, nil
}

func open(data []byte, password string) (*decoded, []byte, *Opened, error) {
	d, err := decode(data)
	if err != nil {
		return nil, nil, nil, err
	}
	key, err := d.contentKey(password)
	if err != nil {
		return nil, nil, nil, err
	}
	fail := func(err error) (*decoded, []byte, *Opened, error) {
		crypto.Zero(key)
		return nil, nil, nil, err
	}

	unsigned, err := d.verifyTag(key)
	if err != nil {
		return fail(err)
	}
	box, err := unb64("encrypted_data", d.env.EncryptedData)
	if err != nil {
		return fail(err)
	}
	plaintext, err := crypto.OpenBox(box, key)
	if err != nil {
		err = fmt.Errorf("%w: %v", barerr.ErrDecryptionFailed, err)
		if !d.guessable(unsigned) {
			log.Warn().
				Str("container_id", d.env.Metadata.ContainerID).
				Msg("decryption failed after key was verified")
			err = barerr.MarkSecurityEvent(err)
		}
		return fail(err)
	}
	if crypto.HashHex(plaintext) != d.env.Metadata.FileHash {
		log.Error().
			Str("container_id", d.env.Metadata.ContainerID).
			Msg("content hash mismatch after verified decryption")
		return fail(barerr.ErrIntegrityMismatch)
	}

	return d, key, &Opened{
		Plaintext:     plaintext,
		Metadata:      d.env.Metadata,
		FormatVersion: d.format.version(),
		Mode:          d.env.EncryptionMethod,
		Unsigned:      unsigned,
	}, nil
}

// GuardKey identifies what a password guess against data is checked
// against: the salt and the stored verifier. Editing any other field leaves
// the key unchanged, and editing these makes guesses meaningless for the
// original password.
func (c *Codec) GuardKey(data []byte) (string, error) {
	d, err := decode(data)
	if err != nil {
		return "", err
	}
	return crypto.HashHex([]byte(d.env.Salt + "\x00" + d.env.Metadata.PasswordHash))[:32], nil
}

// Inspect returns the cleartext metadata and format version without any key.
// The metadata is unauthenticated until Open succeeds.
func (c *Codec) Inspect(data []byte) (*Metadata, int, error) {
	d, err := decode(data)
	if err != nil {
		return nil, 0, err
	}
	meta := d.env.Metadata
	return &meta, d.format.version(), nil
}

// BumpViews re-signs a client-custody container with its embedded view
// counter incremented. Salt, ciphertext and verifier are reused, and the
// container must open with password first.
func (c *Codec) BumpViews(data []byte, password string) ([]byte, error) {
	d, key, opened, err := open(data, password)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	crypto.Zero(opened.Plaintext)
	if opened.Metadata.StorageMode == CustodyServer {
		return nil, fmt.Errorf("%w: server-custody containers are counted by the ledger", barerr.ErrInvalidInput)
	}

	d.env.Metadata.CurrentViews++
	d.env.HMACSignature = ""
	return sign(d.format, d.env, key)
}

// decoded is a parsed envelope bound to its format.
type decoded struct {
	format format
	env    *wireEnvelope
	raw    []byte
}

func decode(data []byte) (*decoded, error) {
	version, envJSON, err := unpack(data)
	if err != nil {
		return nil, err
	}
	f, err := lookupFormat(version)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(envJSON)
	if err != nil {
		return nil, err
	}
	if env.FormatVersion != 0 && env.FormatVersion != version {
		return nil, fmt.Errorf("%w: header version %d does not match envelope version %d",
			barerr.ErrFormat, version, env.FormatVersion)
	}
	switch env.EncryptionMethod {
	case ModePasswordDerived:
	case ModeRandomKey:
		if env.Metadata.PasswordProtected {
			return nil, fmt.Errorf("%w: password-protected container with embedded key", barerr.ErrFormat)
		}
	default:
		return nil, fmt.Errorf("%w: unknown encryption method %q", barerr.ErrFormat, env.EncryptionMethod)
	}
	return &decoded{format: f, env: env, raw: envJSON}, nil
}

// contentKey recovers the content key. For password-derived containers the
// stored verifier is checked before any key derivation.
func (d *decoded) contentKey(password string) ([]byte, error) {
	if d.env.EncryptionMethod == ModeRandomKey {
		key, err := unb64("encryption_key", d.env.EncryptionKey)
		if err != nil {
			return nil, err
		}
		if len(key) != crypto.KeySize {
			return nil, fmt.Errorf("%w: embedded key has wrong length", barerr.ErrFormat)
		}
		return key, nil
	}

	if password == "" {
		return nil, barerr.ErrPasswordRequired
	}
	iterations, err := d.format.iterations(d.env)
	if err != nil {
		return nil, err
	}
	salt, err := unb64("salt", d.env.Salt)
	if err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: salt missing", barerr.ErrFormat)
	}
	if stored := d.env.Metadata.PasswordHash; stored != "" {
		ok, err := d.format.checkVerifier(stored, password)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, barerr.ErrInvalidCredential
		}
	}
	return crypto.DeriveKeyPBKDF2(password, salt, iterations), nil
}

// guessable reports whether a decryption failure may just be a wrong
// password: an unsigned password container with no stored verifier.
// Otherwise the key was already confirmed by the verifier, the tag or by
// being embedded.
func (d *decoded) guessable(unsigned bool) bool {
	return unsigned &&
		d.env.EncryptionMethod == ModePasswordDerived &&
		d.env.Metadata.PasswordHash == ""
}

// verifyTag checks the integrity tag. It reports unsigned=true for legacy
// containers that have none.
func (d *decoded) verifyTag(key []byte) (bool, error) {
	if d.env.HMACSignature == "" {
		if d.format.signatureRequired() {
			return false, fmt.Errorf("%w: integrity tag missing", barerr.ErrTamperDetected)
		}
		log.Warn().
			Int("format_version", d.format.version()).
			Str("container_id", d.env.Metadata.ContainerID).
			Msg("opening unsigned legacy container, re-seal recommended")
		return true, nil
	}
	canonical, err := canonicalize(d.raw)
	if err != nil {
		return false, err
	}
	macKey, err := d.format.macKey(key)
	if err != nil {
		return false, err
	}
	if crypto.Verify(canonical, macKey, d.env.HMACSignature) {
		return false, nil
	}
	// Without a stored verifier a wrong password and a modified envelope
	// produce the same mismatch.
	if d.env.EncryptionMethod == ModePasswordDerived && d.env.Metadata.PasswordHash == "" {
		return false, barerr.ErrInvalidCredential
	}
	log.Warn().
		Str("container_id", d.env.Metadata.ContainerID).
		Msg("container integrity tag mismatch")
	return false, barerr.ErrTamperDetected
}

// sign computes the integrity tag over env and packs the stored form.
func sign(f format, env *wireEnvelope, key []byte) ([]byte, error) {
	unsigned, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	canonical, err := canonicalize(unsigned)
	if err != nil {
		return nil, err
	}
	macKey, err := f.macKey(key)
	if err != nil {
		return nil, err
	}
	env.HMACSignature = crypto.Sign(canonical, macKey)

	stored, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return pack(f.version(), stored), nil
}
