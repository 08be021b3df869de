// Package fieldcrypt encrypts the sensitive fields of ledgerdb tables.
//
// A sensitive field holding a primitive value (string, number, bool, or a
// type with text marshaling such as a decimal amount or a timestamp) is
// stored as an EncryptedField: the text form of the value sealed with the
// session key under a fresh nonce. Reads restore the text and parse it back
// into the field's Go type.
package fieldcrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andreyvit/ledgerdb"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ErrLocked is returned when no session key is available.
var ErrLocked = errors.New("fieldcrypt: locked, no session key")

// EncryptedField is the stored form of a sensitive value.
type EncryptedField struct {
	IV         []byte `msgpack:"iv"`
	Ciphertext []byte `msgpack:"ct"`
}

// Cipher seals and opens field values with the session key. Implementations
// return ErrLocked while no key is available.
type Cipher interface {
	Seal(ctx context.Context, plaintext []byte) (iv, ciphertext []byte, err error)
	Open(ctx context.Context, iv, ciphertext []byte) ([]byte, error)
}

// Middleware implements ledgerdb.Middleware for tables with sensitive fields.
type Middleware struct {
	cipher Cipher
	logger *slog.Logger
}

var _ ledgerdb.Middleware = (*Middleware)(nil)

func New(cipher Cipher, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cipher: cipher, logger: logger}
}

// ForSchema returns a registration of m for every table of scm that declares
// sensitive fields, suitable for ledgerdb.Options.Middleware.
func (m *Middleware) ForSchema(scm *ledgerdb.Schema) map[*ledgerdb.Table]ledgerdb.Middleware {
	result := make(map[*ledgerdb.Table]ledgerdb.Middleware)
	for _, tbl := range scm.Tables() {
		if len(tbl.SensitiveFields()) > 0 {
			result[tbl] = m
		}
	}
	return result
}

func (m *Middleware) BeforeWrite(ctx context.Context, rec *ledgerdb.Record) error {
	tbl := rec.Table()
	for _, name := range tbl.SensitiveFields() {
		s, ok, err := rec.Text(name)
		if err != nil {
			return err
		}
		if !ok {
			if raw := rec.Raw(name); !isNil(raw) && !IsEncrypted(raw) {
				return fmt.Errorf("%s.%s: cannot encrypt a non-primitive value", tbl.Name(), name)
			}
			continue
		}
		iv, ct, err := m.cipher.Seal(ctx, []byte(s))
		if err != nil {
			return fmt.Errorf("%s.%s: %w", tbl.Name(), name, err)
		}
		raw, err := msgpack.Marshal(&EncryptedField{IV: iv, Ciphertext: ct})
		if err != nil {
			return fmt.Errorf("%s.%s: %w", tbl.Name(), name, err)
		}
		rec.SetRaw(name, raw)
	}
	return nil
}

// AfterRead decrypts every encrypted sensitive field. Fields that cannot be
// decrypted are left encrypted, which makes ledgerdb leave them empty and
// report the record as not fully readable.
func (m *Middleware) AfterRead(ctx context.Context, rec *ledgerdb.Record) error {
	tbl := rec.Table()
	var errs []error
	for _, name := range tbl.SensitiveFields() {
		if !rec.Has(name) {
			continue
		}
		ef, ok := decodeEncrypted(rec.Raw(name))
		if !ok {
			continue
		}
		pt, err := m.cipher.Open(ctx, ef.IV, ef.Ciphertext)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := rec.SetText(name, string(pt)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "fieldcrypt: fields not restored", slog.String("table", tbl.Name()), slog.Any("key", rec.Key()), slog.Int("fields", len(errs)))
	}
	return errors.Join(errs...)
}

// IsEncrypted reports whether raw msgpack holds an EncryptedField.
func IsEncrypted(raw msgpack.RawMessage) bool {
	_, ok := decodeEncrypted(raw)
	return ok
}

func isNil(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && raw[0] == msgpcode.Nil)
}

func decodeEncrypted(raw msgpack.RawMessage) (*EncryptedField, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var ef EncryptedField
	if err := msgpack.Unmarshal(raw, &ef); err != nil {
		return nil, false
	}
	if len(ef.IV) == 0 || ef.Ciphertext == nil {
		return nil, false
	}
	return &ef, true
}
