package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Key sizes. Wrapped keys and encrypted fields are AES-256-GCM.
const (
	SaltSize  = 16
	KeySize   = 32
	NonceSize = 12

	phraseEntropyBits = 128 // 12 words
)

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrInvalidRecoveryPhrase = errors.New("invalid recovery phrase")
	ErrDecrypt               = errors.New("decryption failed")
)

var (
	infoWrap   = []byte("ledgerdb/v1 wrap")
	infoVerify = []byte("ledgerdb/v1 verify")
	aadMaster  = []byte("ledgerdb/v1 master key")
)

// Params are the argon2id cost parameters used to stretch passwords and
// recovery phrases.
type Params struct {
	Time      uint32 `msgpack:"t" yaml:"time"`
	MemoryKiB uint32 `msgpack:"m" yaml:"memory_kib"`
	Threads   uint8  `msgpack:"p" yaml:"threads"`
}

var DefaultParams = Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

func (p Params) Validate() error {
	if p.Time == 0 || p.MemoryKiB < 8*uint32(p.Threads) || p.Threads == 0 {
		return fmt.Errorf("invalid KDF parameters t=%d m=%d p=%d", p.Time, p.MemoryKiB, p.Threads)
	}
	return nil
}

// KeyMaterial is everything that gets persisted about the master key.
// None of it allows decryption without a password or the recovery phrase.
type KeyMaterial struct {
	Salt                       []byte `msgpack:"salt"`
	Verifier                   []byte `msgpack:"verifier"`
	WrappedMasterKey           []byte `msgpack:"wrappedMasterKey"`
	WrappedMasterKeyByRecovery []byte `msgpack:"wrappedMasterKeyByRecovery"`
	RecoveryPhraseHash         []byte `msgpack:"recoveryPhraseHash"`
	Params                     Params `msgpack:"params"`
}

// derivedKeys are the two independent keys derived from one credential.
// Knowing the verifier reveals nothing about the wrapping key.
type derivedKeys struct {
	wrap   []byte
	verify []byte
}

func (dk *derivedKeys) wipe() {
	wipe(dk.wrap)
	wipe(dk.verify)
}

func deriveKeys(secret, salt []byte, p Params) (*derivedKeys, error) {
	stretched := argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Threads, KeySize)
	defer wipe(stretched)

	dk := &derivedKeys{wrap: make([]byte, KeySize), verify: make([]byte, KeySize)}
	if _, err := io.ReadFull(hkdf.New(sha256.New, stretched, salt, infoWrap), dk.wrap); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, stretched, salt, infoVerify), dk.verify); err != nil {
		return nil, err
	}
	return dk, nil
}

// SetupResult is the outcome of Setup. Phrase must be shown to the user once
// and never stored.
type SetupResult struct {
	Material  KeyMaterial
	Phrase    string
	MasterKey []byte
}

// Setup generates a salt, a master key and a recovery phrase, and wraps the
// master key under both the password and the phrase.
func Setup(password string, p Params) (*SetupResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	master, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	phrase, err := NewRecoveryPhrase()
	if err != nil {
		return nil, err
	}

	pk, err := deriveKeys([]byte(password), salt, p)
	if err != nil {
		return nil, err
	}
	defer pk.wipe()
	rk, err := deriveKeys([]byte(phrase), salt, p)
	if err != nil {
		return nil, err
	}
	defer rk.wipe()

	wrapped, err := seal(pk.wrap, master, aadMaster)
	if err != nil {
		return nil, err
	}
	wrappedByRecovery, err := seal(rk.wrap, master, aadMaster)
	if err != nil {
		return nil, err
	}
	return &SetupResult{
		Material: KeyMaterial{
			Salt:                       salt,
			Verifier:                   clone(pk.verify),
			WrappedMasterKey:           wrapped,
			WrappedMasterKeyByRecovery: wrappedByRecovery,
			RecoveryPhraseHash:         PhraseHash(phrase),
			Params:                     p,
		},
		Phrase:    phrase,
		MasterKey: master,
	}, nil
}

// Verify checks password against the verifier and, on success, unwraps the
// master key. A wrong password fails before any unwrapping is attempted.
func Verify(password string, m *KeyMaterial) ([]byte, error) {
	pk, err := deriveKeys([]byte(password), m.Salt, m.Params)
	if err != nil {
		return nil, err
	}
	defer pk.wipe()
	if subtle.ConstantTimeCompare(pk.verify, m.Verifier) != 1 {
		return nil, ErrInvalidCredentials
	}
	master, err := open(pk.wrap, m.WrappedMasterKey, aadMaster)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return master, nil
}

// RecoverResult carries the password-side material that replaces the stored
// one after a recovery or a password change.
type RecoverResult struct {
	WrappedMasterKey []byte
	Verifier         []byte
	MasterKey        []byte
}

// Recover unwraps the master key with the recovery phrase and rewraps it
// under newPassword. The recovery-side material stays valid.
func Recover(phrase, newPassword string, m *KeyMaterial) (*RecoverResult, error) {
	phrase = NormalizePhrase(phrase)
	if subtle.ConstantTimeCompare(PhraseHash(phrase), m.RecoveryPhraseHash) != 1 {
		return nil, ErrInvalidRecoveryPhrase
	}
	rk, err := deriveKeys([]byte(phrase), m.Salt, m.Params)
	if err != nil {
		return nil, err
	}
	defer rk.wipe()
	master, err := open(rk.wrap, m.WrappedMasterKeyByRecovery, aadMaster)
	if err != nil {
		return nil, ErrInvalidRecoveryPhrase
	}
	return rewrap(master, newPassword, m)
}

// ChangePassword verifies oldPassword and rewraps the master key under
// newPassword.
func ChangePassword(oldPassword, newPassword string, m *KeyMaterial) (*RecoverResult, error) {
	master, err := Verify(oldPassword, m)
	if err != nil {
		return nil, err
	}
	return rewrap(master, newPassword, m)
}

func rewrap(master []byte, newPassword string, m *KeyMaterial) (*RecoverResult, error) {
	pk, err := deriveKeys([]byte(newPassword), m.Salt, m.Params)
	if err != nil {
		return nil, err
	}
	defer pk.wipe()
	wrapped, err := seal(pk.wrap, master, aadMaster)
	if err != nil {
		return nil, err
	}
	return &RecoverResult{WrappedMasterKey: wrapped, Verifier: clone(pk.verify), MasterKey: master}, nil
}

// EncryptField seals plaintext under key with a fresh random nonce.
func EncryptField(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	return sealWith(aead, plaintext, nil)
}

func DecryptField(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return openWith(aead, iv, ciphertext, nil)
}

// NewRecoveryPhrase returns 12 random words from the BIP-39 English list.
func NewRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(phraseEntropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// NormalizePhrase lowercases the phrase and collapses whitespace, so that
// the user may retype it loosely.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// IsValidPhrase reports whether phrase is a well-formed 12-word phrase.
func IsValidPhrase(phrase string) bool {
	phrase = NormalizePhrase(phrase)
	return len(strings.Fields(phrase)) == 12 && bip39.IsMnemonicValid(phrase)
}

func PhraseHash(phrase string) []byte {
	h := sha256.Sum256([]byte(NormalizePhrase(phrase)))
	return h[:]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal returns nonce‖ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	iv, ct, err := sealWith(aead, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, ErrDecrypt
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return openWith(aead, sealed[:NonceSize], sealed[NonceSize:], aad)
}

func sealWith(aead cipher.AEAD, plaintext, aad []byte) ([]byte, []byte, error) {
	iv, err := randomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return iv, aead.Seal(nil, iv, plaintext, aad), nil
}

func openWith(aead cipher.AEAD, iv, ciphertext, aad []byte) ([]byte, error) {
	if len(iv) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
