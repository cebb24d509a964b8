package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// AgeCodec encrypts credential files to an age X25519 recipient and decrypts
// them with the matching identity.
type AgeCodec struct {
	recipient age.Recipient
	identity  age.Identity
}

// NewAgeCodec builds a codec from a parsed identity. The recipient defaults
// to the identity's own public key.
func NewAgeCodec(identity *age.X25519Identity) *AgeCodec {
	return &AgeCodec{
		recipient: identity.Recipient(),
		identity:  identity,
	}
}

// LoadAgeCodec reads an age identity file (AGE-SECRET-KEY-1... lines, as
// written by age-keygen). When recipient is non-empty, payloads are sealed to
// it instead of the identity's own key.
func LoadAgeCodec(identityPath, recipient string) (*AgeCodec, error) {
	// #nosec G304 -- path comes from the user's own configuration
	f, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening age identity: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity %s: %w", identityPath, err)
	}
	var x25519 *age.X25519Identity
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			x25519 = x
			break
		}
	}
	if x25519 == nil {
		return nil, errors.New("age identity file contains no X25519 identity")
	}

	codec := NewAgeCodec(x25519)
	if recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", recipient, err)
		}
		codec.recipient = r
	}
	return codec, nil
}

// Seal implements Codec.
func (c *AgeCodec) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open implements Codec.
func (c *AgeCodec) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
