package keyvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andreyvit/ledgerdb"
	"github.com/andreyvit/ledgerdb/auditlog"
)

type State int

const (
	StateNoKeySet State = iota
	StateLocked
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateNoKeySet:
		return "no_key_set"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrAlreadySetUp = errors.New("encryption is already set up")
	ErrNotSetUp     = errors.New("encryption is not set up")
)

// Persisted key material.
var (
	SaltSetting                       = ledgerdb.NewSetting[[]byte]("encryptionSalt")
	VerifierSetting                   = ledgerdb.NewSetting[[]byte]("encryptionVerifier")
	WrappedMasterKeySetting           = ledgerdb.NewSetting[[]byte]("wrappedMasterKey")
	WrappedMasterKeyByRecoverySetting = ledgerdb.NewSetting[[]byte]("wrappedMasterKeyByRecovery")
	RecoveryPhraseHashSetting         = ledgerdb.NewSetting[[]byte]("recoveryPhraseHash")
	ParamsSetting                     = ledgerdb.NewSetting[Params]("encryptionParams")
)

// Auditor records key-management events. *auditlog.Log implements it.
type Auditor interface {
	Append(ctx context.Context, ev auditlog.Event) error
}

type ManagerOptions struct {
	Params Params
	Audit  Auditor
	Logger *slog.Logger
}

// Manager drives the key lifecycle: setup, unlock, lock, recovery and
// password change. Key derivation runs on the worker behind client; the
// resulting session key lands in keyring.
type Manager struct {
	db      *ledgerdb.DB
	client  *Client
	keyring *Keyring
	params  Params
	audit   Auditor
	logger  *slog.Logger

	mu sync.Mutex
}

func NewManager(db *ledgerdb.DB, client *Client, keyring *Keyring, o ManagerOptions) *Manager {
	if o.Params == (Params{}) {
		o.Params = DefaultParams
	}
	if o.Logger == nil {
		o.Logger = db.Logger()
	}
	return &Manager{
		db:      db,
		client:  client,
		keyring: keyring,
		params:  o.Params,
		audit:   o.Audit,
		logger:  o.Logger,
	}
}

func (m *Manager) Keyring() *Keyring {
	return m.keyring
}

func (m *Manager) State(ctx context.Context) (State, error) {
	km, err := m.Material(ctx)
	if err != nil {
		return 0, err
	}
	if km == nil {
		return StateNoKeySet, nil
	}
	if m.keyring.Unlocked() {
		return StateUnlocked, nil
	}
	return StateLocked, nil
}

// Material loads the persisted key material, or returns nil if encryption
// has not been set up.
func (m *Manager) Material(ctx context.Context) (*KeyMaterial, error) {
	var km *KeyMaterial
	err := m.db.View(ctx, func(tx *ledgerdb.Tx) error {
		var err error
		km, err = loadMaterial(tx)
		return err
	})
	return km, err
}

func loadMaterial(tx *ledgerdb.Tx) (*KeyMaterial, error) {
	var km KeyMaterial
	var err error
	var found bool
	km.Salt, found, err = SaltSetting.Get(tx)
	if err != nil || !found {
		return nil, err
	}
	fields := []struct {
		setting ledgerdb.Setting[[]byte]
		dest    *[]byte
	}{
		{VerifierSetting, &km.Verifier},
		{WrappedMasterKeySetting, &km.WrappedMasterKey},
		{WrappedMasterKeyByRecoverySetting, &km.WrappedMasterKeyByRecovery},
		{RecoveryPhraseHashSetting, &km.RecoveryPhraseHash},
	}
	for _, f := range fields {
		*f.dest, found, err = f.setting.Get(tx)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("key material incomplete: missing %s", f.setting.Name())
		}
	}
	km.Params, found, err = ParamsSetting.Get(tx)
	if err != nil {
		return nil, err
	}
	if !found {
		km.Params = DefaultParams
	}
	return &km, nil
}

func saveMaterial(tx *ledgerdb.Tx, km *KeyMaterial) error {
	for _, f := range []struct {
		setting ledgerdb.Setting[[]byte]
		value   []byte
	}{
		{SaltSetting, km.Salt},
		{VerifierSetting, km.Verifier},
		{WrappedMasterKeySetting, km.WrappedMasterKey},
		{WrappedMasterKeyByRecoverySetting, km.WrappedMasterKeyByRecovery},
		{RecoveryPhraseHashSetting, km.RecoveryPhraseHash},
	} {
		if err := f.setting.Put(tx, f.value); err != nil {
			return err
		}
	}
	return ParamsSetting.Put(tx, km.Params)
}

// Setup creates the master key and returns the recovery phrase, which is
// not stored anywhere and must be shown to the user.
func (m *Manager) Setup(ctx context.Context, password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km, err := m.Material(ctx)
	if err != nil {
		return "", err
	}
	if km != nil {
		return "", ErrAlreadySetUp
	}
	res, err := m.client.Setup(ctx, password, m.params)
	if err != nil {
		m.record(ctx, auditlog.OpSetup, err)
		return "", err
	}
	err = m.db.Update(ctx, func(tx *ledgerdb.Tx) error {
		return saveMaterial(tx, &res.Material)
	})
	if err != nil {
		wipe(res.MasterKey)
		m.record(ctx, auditlog.OpSetup, err)
		return "", err
	}
	if err := m.keyring.Set(res.MasterKey); err != nil {
		return "", err
	}
	m.record(ctx, auditlog.OpSetup, nil)
	return res.Phrase, nil
}

// Unlock verifies password and installs the session key.
func (m *Manager) Unlock(ctx context.Context, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	km, err := m.requireMaterial(ctx)
	if err != nil {
		return err
	}
	master, err := m.client.Verify(ctx, password, km)
	m.record(ctx, auditlog.OpUnlock, err)
	if err != nil {
		return err
	}
	return m.keyring.Set(master)
}

// Lock discards the session key.
func (m *Manager) Lock(ctx context.Context) {
	m.keyring.Reset()
	m.record(ctx, auditlog.OpLock, nil)
}

// Recover unlocks with the recovery phrase and sets newPassword. The
// recovery phrase keeps working afterwards.
func (m *Manager) Recover(ctx context.Context, phrase, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	km, err := m.requireMaterial(ctx)
	if err != nil {
		return err
	}
	res, err := m.client.Recover(ctx, phrase, newPassword, km)
	if err != nil {
		m.record(ctx, auditlog.OpRecover, err)
		return err
	}
	err = m.replacePassword(ctx, res)
	m.record(ctx, auditlog.OpRecover, err)
	return err
}

func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	km, err := m.requireMaterial(ctx)
	if err != nil {
		return err
	}
	res, err := m.client.ChangePassword(ctx, oldPassword, newPassword, km)
	if err != nil {
		m.record(ctx, auditlog.OpChangePassword, err)
		return err
	}
	err = m.replacePassword(ctx, res)
	m.record(ctx, auditlog.OpChangePassword, err)
	return err
}

func (m *Manager) replacePassword(ctx context.Context, res *RecoverResult) error {
	err := m.db.Update(ctx, func(tx *ledgerdb.Tx) error {
		if err := WrappedMasterKeySetting.Put(tx, res.WrappedMasterKey); err != nil {
			return err
		}
		return VerifierSetting.Put(tx, res.Verifier)
	})
	if err != nil {
		wipe(res.MasterKey)
		return err
	}
	return m.keyring.Set(res.MasterKey)
}

func (m *Manager) requireMaterial(ctx context.Context) (*KeyMaterial, error) {
	km, err := m.Material(ctx)
	if err != nil {
		return nil, err
	}
	if km == nil {
		return nil, ErrNotSetUp
	}
	return km, nil
}

func (m *Manager) record(ctx context.Context, op auditlog.Op, err error) {
	if err != nil {
		m.logger.Warn("keyvault: operation failed", "op", op, "err", err)
	} else {
		m.logger.Info("keyvault: operation succeeded", "op", op)
	}
	if m.audit == nil {
		return
	}
	ev := auditlog.Event{Op: op, OK: err == nil}
	if err != nil {
		ev.Detail = errorCode(err)
		if ev.Detail == "" {
			ev.Detail = "error"
		}
	}
	if aerr := m.audit.Append(ctx, ev); aerr != nil {
		m.logger.Error("keyvault: cannot write audit event", "op", op, "err", aerr)
	}
}

// UserMessage returns a message suitable for showing to the user. Wrong
// passwords and wrong recovery phrases are reported identically.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidRecoveryPhrase):
		return "Incorrect password or recovery phrase. Please try again."
	case errors.Is(err, ErrWorkerUnavailable), errors.Is(err, ErrRequestTimeout):
		return "The encryption service is not responding. Please try again."
	case errors.Is(err, ErrNotSetUp):
		return "Encryption has not been set up yet."
	case errors.Is(err, ErrAlreadySetUp):
		return "Encryption is already set up."
	default:
		return "Something went wrong. Please try again."
	}
}
