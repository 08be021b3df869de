package keyvault

import (
	"context"
	"crypto/cipher"
	"sync"
	"sync/atomic"

	"github.com/andreyvit/ledgerdb/fieldcrypt"
)

// Keyring holds the session key while the vault is unlocked. It implements
// fieldcrypt.Cipher; field encryption runs inline or on the worker.
type Keyring struct {
	key     atomic.Pointer[sessionKey]
	client  *Client
	offload bool
}

var _ fieldcrypt.Cipher = (*Keyring)(nil)

type sessionKey struct {
	aead cipher.AEAD

	mu    sync.RWMutex
	raw   []byte
	wiped bool
}

// NewKeyring returns a locked keyring. If offload is set, field encryption
// is sent to client.
func NewKeyring(client *Client, offload bool) *Keyring {
	return &Keyring{client: client, offload: offload && client != nil}
}

// Set installs raw as the session key, replacing and wiping any previous one.
// The keyring takes ownership of raw.
func (k *Keyring) Set(raw []byte) error {
	aead, err := newAEAD(raw)
	if err != nil {
		return err
	}
	k.swap(&sessionKey{aead: aead, raw: raw})
	return nil
}

// Reset discards the session key.
func (k *Keyring) Reset() {
	k.swap(nil)
}

func (k *Keyring) Unlocked() bool {
	return k.key.Load() != nil
}

func (k *Keyring) swap(sk *sessionKey) {
	if old := k.key.Swap(sk); old != nil {
		old.wipe()
	}
}

func (sk *sessionKey) wipe() {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	wipe(sk.raw)
	sk.wiped = true
}

func (sk *sessionKey) bytes() ([]byte, bool) {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	if sk.wiped {
		return nil, false
	}
	return clone(sk.raw), true
}

func (k *Keyring) Seal(ctx context.Context, plaintext []byte) ([]byte, []byte, error) {
	sk := k.key.Load()
	if sk == nil {
		return nil, nil, fieldcrypt.ErrLocked
	}
	if !k.offload {
		return sealWith(sk.aead, plaintext, nil)
	}
	raw, ok := sk.bytes()
	if !ok {
		return nil, nil, fieldcrypt.ErrLocked
	}
	defer wipe(raw)
	return k.client.Encrypt(ctx, raw, plaintext)
}

func (k *Keyring) Open(ctx context.Context, iv, ciphertext []byte) ([]byte, error) {
	sk := k.key.Load()
	if sk == nil {
		return nil, fieldcrypt.ErrLocked
	}
	if !k.offload {
		return openWith(sk.aead, iv, ciphertext, nil)
	}
	raw, ok := sk.bytes()
	if !ok {
		return nil, fieldcrypt.ErrLocked
	}
	defer wipe(raw)
	return k.client.Decrypt(ctx, raw, iv, ciphertext)
}
