package ucs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// Sealed snapshots wrap the plain snapshot format in an encrypted
// envelope, for deployments where the router store file (which holds
// password digests and quota balances) sits on shared disk. The envelope
// is: magic, version, 16-byte salt, 12-byte nonce, AES-256-GCM
// ciphertext of the plain snapshot bytes. The key is derived from the
// operator passphrase with PBKDF2-SHA256.
const (
	sealMagic      = "JSLD"
	sealVersion    = byte(1)
	sealSaltLen    = 16
	sealIterations = 600_000
	sealKeyLen     = 32
)

// PersistSealed writes an encrypted snapshot to path, keyed by passphrase.
func (s *Store) PersistSealed(path, passphrase string) error {
	plain, err := s.encodeSnapshot()
	if err != nil {
		return err
	}

	salt := make([]byte, sealSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := sealCipher(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealMagic)+1+len(salt)+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, sealMagic...)
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plain, nil)

	return os.WriteFile(path, out, 0o600)
}

// LoadSealed reads an encrypted snapshot written by PersistSealed and
// restores it into the store. A wrong passphrase fails authentication of
// the ciphertext rather than producing garbage state.
func (s *Store) LoadSealed(path, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if len(data) < len(sealMagic)+1+sealSaltLen {
		return fmt.Errorf("sealed snapshot too short")
	}
	if string(data[:len(sealMagic)]) != sealMagic {
		return fmt.Errorf("not a sealed jasmin snapshot (bad magic %q)", data[:len(sealMagic)])
	}
	data = data[len(sealMagic):]
	if data[0] != sealVersion {
		return fmt.Errorf("sealed snapshot version %d is not supported", data[0])
	}
	data = data[1:]

	salt := data[:sealSaltLen]
	data = data[sealSaltLen:]

	gcm, err := sealCipher(passphrase, salt)
	if err != nil {
		return err
	}
	if len(data) < gcm.NonceSize() {
		return fmt.Errorf("sealed snapshot too short")
	}
	nonce := data[:gcm.NonceSize()]
	ciphertext := data[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt snapshot (wrong passphrase?): %w", err)
	}
	return s.decodeSnapshot(plain)
}

func sealCipher(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, sealIterations, sealKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
