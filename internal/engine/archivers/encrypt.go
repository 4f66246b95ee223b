package archivers

import (
	"fmt"
	"io"

	"filippo.io/age"
)

// EncryptedExtension is appended to the archive extension when a password
// is set.
const EncryptedExtension = ".age"

// encrypt wraps w so everything written is encrypted with a key derived
// from password. A workFactor of zero keeps the age default.
func encrypt(w io.Writer, password string, workFactor int) (io.WriteCloser, error) {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrypt recipient: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}

	enc, err := age.Encrypt(w, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}
	return enc, nil
}

// Decrypt returns a reader over the plaintext of an archive written with
// password.
func Decrypt(r io.Reader, password string) (io.Reader, error) {
	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrypt identity: %w", err)
	}

	plain, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt archive: %w", err)
	}
	return plain, nil
}
