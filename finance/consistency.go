package finance

import (
	"errors"
	"fmt"

	"github.com/andreyvit/ledgerdb"
)

// ConsistencyError describes a row that references a missing row of another
// table.
type ConsistencyError struct {
	Table string
	Key   string
	Field string
	Ref   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s/%s: %s refers to missing %q", e.Table, e.Key, e.Field, e.Ref)
}

// CheckConsistency verifies cross-table references. Problems are returned
// joined; use errors.As or Inconsistencies to inspect them.
func CheckConsistency(txh ledgerdb.Txish) error {
	problems, err := Inconsistencies(txh)
	if err != nil {
		return err
	}
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = p
	}
	return errors.Join(errs...)
}

// Inconsistencies lists dangling references. Only unencrypted fields are
// involved, so it works while the store is locked.
func Inconsistencies(txh ledgerdb.Txish) ([]*ConsistencyError, error) {
	accountIDs, err := keySet[Account](txh)
	if err != nil {
		return nil, err
	}
	categoryIDs, err := keySet[Category](txh)
	if err != nil {
		return nil, err
	}

	var problems []*ConsistencyError
	txns, err := tolerant(ledgerdb.All[Transaction](txh).ToArray())
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		if !accountIDs[t.AccountID] {
			problems = append(problems, &ConsistencyError{Table: Transactions.Name(), Key: t.ID, Field: "accountId", Ref: t.AccountID})
		}
		if t.CategoryID != "" && !categoryIDs[t.CategoryID] {
			problems = append(problems, &ConsistencyError{Table: Transactions.Name(), Key: t.ID, Field: "categoryId", Ref: t.CategoryID})
		}
	}

	budgets, err := tolerant(ledgerdb.All[Budget](txh).ToArray())
	if err != nil {
		return nil, err
	}
	for _, b := range budgets {
		if !categoryIDs[b.CategoryID] {
			problems = append(problems, &ConsistencyError{Table: Budgets.Name(), Key: b.ID, Field: "categoryId", Ref: b.CategoryID})
		}
	}
	return problems, nil
}

func keySet[Row any](txh ledgerdb.Txish) (map[string]bool, error) {
	keys, err := ledgerdb.All[Row](txh).PrimaryKeys()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k.(string)] = true
	}
	return set, nil
}

// tolerant drops a *PartialReadError; the rows it accompanies are complete
// except for their encrypted fields.
func tolerant[T any](rows []T, err error) ([]T, error) {
	var pre *ledgerdb.PartialReadError
	if errors.As(err, &pre) {
		return rows, nil
	}
	return rows, err
}
