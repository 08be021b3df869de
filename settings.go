package ledgerdb

import (
	"fmt"
	"sort"
)

// Setting is a typed key in the store-wide settings map. Settings are not
// bound to any table and are visible to every transaction.
type Setting[T any] struct {
	name string
}

func NewSetting[T any](name string) Setting[T] {
	if name == "" {
		panic("empty setting name")
	}
	return Setting[T]{name}
}

func (s Setting[T]) Name() string {
	return s.name
}

func (s Setting[T]) String() string {
	return "setting " + s.name
}

// Get returns the stored value and whether it was present.
func (s Setting[T]) Get(txh Txish) (T, bool, error) {
	var v T
	raw := txh.DBTx().getSettingRaw(s.name)
	if raw == nil {
		return v, false, nil
	}
	if err := unmarshal(raw, &v); err != nil {
		return v, false, &StorageError{Op: "get setting", Key: s.name, Err: err}
	}
	return v, true, nil
}

func (s Setting[T]) Put(txh Txish, v T) error {
	raw, err := marshal(v)
	if err != nil {
		return &StorageError{Op: "put setting", Key: s.name, Err: err}
	}
	return txh.DBTx().putSettingRaw(s.name, raw)
}

func (s Setting[T]) Delete(txh Txish) error {
	return txh.DBTx().deleteSettingRaw(s.name)
}

func (tx *Tx) getSettingRaw(name string) []byte {
	buck := tx.btx.Bucket(settingsBucket)
	if buck == nil {
		return nil
	}
	return cloneBytes(buck.Get([]byte(name)))
}

func (tx *Tx) putSettingRaw(name string, raw []byte) error {
	if tx.mode != ReadWrite {
		return &StorageError{Op: "put setting", Key: name, Err: ErrReadOnly}
	}
	if tx.failed != nil {
		return tx.failed
	}
	buck := tx.btx.Bucket(settingsBucket)
	if buck == nil {
		return &StorageError{Op: "put setting", Key: name, Err: ErrNotCreated}
	}
	if err := buck.Put([]byte(name), raw); err != nil {
		return &StorageError{Op: "put setting", Key: name, Err: err}
	}
	tx.addChange(Change{setting: name, op: OpPut})
	return nil
}

func (tx *Tx) deleteSettingRaw(name string) error {
	if tx.mode != ReadWrite {
		return &StorageError{Op: "delete setting", Key: name, Err: ErrReadOnly}
	}
	if tx.failed != nil {
		return tx.failed
	}
	buck := tx.btx.Bucket(settingsBucket)
	if buck == nil || buck.Get([]byte(name)) == nil {
		return nil
	}
	if err := buck.Delete([]byte(name)); err != nil {
		return &StorageError{Op: "delete setting", Key: name, Err: err}
	}
	tx.addChange(Change{setting: name, op: OpDelete})
	return nil
}

// SettingNames returns the names of all stored settings.
func (tx *Tx) SettingNames() []string {
	buck := tx.btx.Bucket(settingsBucket)
	if buck == nil {
		return nil
	}
	var names []string
	err := buck.ForEach(func(k, v []byte) error {
		names = append(names, string(k))
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("settings: %w", err))
	}
	sort.Strings(names)
	return names
}
