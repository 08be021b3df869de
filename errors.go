package ledgerdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrReadOnly     = errors.New("write in a read-only transaction")
	ErrNotInScope   = errors.New("table is not part of the transaction scope")
	ErrZeroKey      = errors.New("zero primary key")
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("database is closed")
	ErrNotCreated   = errors.New("table or index does not exist at this schema version")
	ErrKeyChanged   = errors.New("primary key changed by update")
)

// StorageError reports a failed storage operation on a table or on the store itself.
type StorageError struct {
	Op    string
	Table string
	Index string
	Key   any
	Err   error
}

func storageErr(op string, tbl *Table, key any, err error) error {
	e := &StorageError{Op: op, Key: key, Err: err}
	if tbl != nil {
		e.Table = tbl.name
	}
	return e
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	var buf strings.Builder
	buf.WriteString("ledgerdb: ")
	buf.WriteString(e.Op)
	if e.Table != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Table)
		if e.Index != "" {
			buf.WriteByte('.')
			buf.WriteString(e.Index)
		}
		if e.Key != nil {
			fmt.Fprintf(&buf, "/%v", e.Key)
		}
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DataError reports stored bytes that cannot be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	var data string
	if n <= prefixLen+suffixLen {
		data = fmt.Sprintf("(%d) %x", n, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("%s at %d: %v: %s", e.Msg, e.Off, e.Err, data)
	}
	return fmt.Sprintf("%s at %d: %s", e.Msg, e.Off, data)
}

// MigrationError reports a failed upgrade step. The store is left at the
// version it had before Open was called.
type MigrationError struct {
	Version uint64
	Err     error
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("ledgerdb: upgrade to version %d: %v", e.Version, e.Err)
}

// RecordFailure describes a record that a read middleware could not restore.
type RecordFailure struct {
	Key any
	Err error
}

// PartialReadError is returned alongside the successfully read rows when some
// records could not be fully restored. The affected rows are still returned,
// with the unreadable fields left at their zero values.
type PartialReadError struct {
	Table    string
	Total    int
	Failures []RecordFailure
}

func (e *PartialReadError) Error() string {
	var first string
	if len(e.Failures) > 0 {
		first = fmt.Sprintf(": %v: %v", e.Failures[0].Key, e.Failures[0].Err)
	}
	return fmt.Sprintf("ledgerdb: %s: %d of %d records not fully readable%s", e.Table, len(e.Failures), e.Total, first)
}

func (e *PartialReadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

type panicked struct {
	reason any
	stack  string
}

func (e panicked) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.reason, e.stack)
}

func (e panicked) Unwrap() error {
	if err, ok := e.reason.(error); ok {
		return err
	}
	return nil
}
