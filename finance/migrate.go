package finance

import (
	"strings"

	"github.com/google/uuid"

	"github.com/andreyvit/ledgerdb"
)

// normalizeCategories turns the free-form category names of version 1 into
// Category rows and points every transaction at its category by ID. Names
// are matched case-insensitively; the first spelling seen wins.
//
// Transactions are rewritten as stored, so this works while the encryption
// key is not available.
func normalizeCategories(m *ledgerdb.Migration) error {
	ids := make(map[string]string)
	var created int
	ensure := func(name string) (string, error) {
		name = strings.TrimSpace(name)
		if name == "" {
			return "", nil
		}
		norm := strings.ToLower(name)
		if id := ids[norm]; id != "" {
			return id, nil
		}
		id := uuid.NewString()
		if err := ledgerdb.Add(m, &Category{ID: id, Name: name}); err != nil {
			return "", err
		}
		ids[norm] = id
		created++
		return id, nil
	}

	names, _, err := CategoriesSetting.Get(m)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := ensure(name); err != nil {
			return err
		}
	}

	var rewritten int
	err = m.EachRecord(Transactions, func(rec *ledgerdb.Record) error {
		if !rec.Has("category") {
			return nil
		}
		var legacy string
		if err := rec.Get("category", &legacy); err != nil {
			return err
		}
		id, err := ensure(legacy)
		if err != nil {
			return err
		}
		rec.Delete("category")
		if id != "" {
			if err := rec.Set("categoryId", id); err != nil {
				return err
			}
		}
		rewritten++
		return m.PutRecord(rec)
	})
	if err != nil {
		return err
	}

	if err := CategoriesSetting.Delete(m); err != nil {
		return err
	}
	m.Logger().Info("finance: normalized categories", "categories", created, "transactions", rewritten)
	return nil
}
