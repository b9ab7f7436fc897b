// Package keyenvelope implements the wrapping scheme for project and user
// key material: symmetric encryption under password-derived keys and
// anonymous public-key envelopes for re-sharing. All functions are pure;
// callers own persistence and must discard plaintext keys after use.
package keyenvelope

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/scrypt"
)

const (
	// scrypt cost parameters; changing them invalidates every stored key.
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	KeySize  = chacha20poly1305.KeySize
	SaltSize = 16
)

var (
	ErrDecrypt    = errors.New("key material could not be decrypted")
	ErrKeyLength  = errors.New("public or private key has wrong length")
	ErrEmptyInput = errors.New("empty key input")
)

// NewSalt returns a fresh random KDF salt.
func NewSalt() []byte {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	return salt
}

// DeriveKey stretches a passphrase into a key-encryption key.
func DeriveKey(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyInput
	}
	return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, KeySize)
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under key, returning the
// ciphertext and the random nonce used.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong key or corrupted
// ciphertext yields ErrDecrypt; that condition is permanent, never retry it.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// GenerateKeypair returns a fresh X25519 keypair as raw byte slices.
func GenerateKeypair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

// Wrap seals a plaintext key for the holder of recipientPub. The sender is
// ephemeral, so possession of the recipient private key is the only way to
// open the envelope.
func Wrap(plaintextKey, recipientPub []byte) ([]byte, error) {
	pub, err := toKey(recipientPub)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, plaintextKey, pub, rand.Reader)
}

// Unwrap opens an envelope produced by Wrap.
func Unwrap(ciphertext, recipientPub, recipientPriv []byte) ([]byte, error) {
	pub, err := toKey(recipientPub)
	if err != nil {
		return nil, err
	}
	priv, err := toKey(recipientPriv)
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Zero overwrites b in place. Call it on plaintext key material as soon as
// the material has served its purpose.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptedKeypair is a keypair whose private half is sealed under a
// passphrase-derived key.
type EncryptedKeypair struct {
	PublicKey  []byte
	PrivateKey []byte // ciphertext
	Nonce      []byte
	Salt       []byte
}

// GenerateEncryptedKeypair creates a keypair and seals the private key under
// the given passphrase. The plaintext private key is zeroed before return.
func GenerateEncryptedKeypair(passphrase []byte) (*EncryptedKeypair, error) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer Zero(priv)

	salt := NewSalt()
	kek, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)

	ciphertext, nonce, err := Encrypt(priv, kek)
	if err != nil {
		return nil, err
	}
	return &EncryptedKeypair{
		PublicKey:  pub,
		PrivateKey: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
	}, nil
}

// OpenPrivateKey recovers the plaintext private key of an encrypted keypair.
// The caller must Zero the result after use.
func (kp *EncryptedKeypair) OpenPrivateKey(passphrase []byte) ([]byte, error) {
	kek, err := DeriveKey(passphrase, kp.Salt)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)
	return Decrypt(kp.PrivateKey, kp.Nonce, kek)
}

func toKey(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, ErrKeyLength
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}
