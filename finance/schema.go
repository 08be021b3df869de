// Package finance is the personal finance tracker's data model on top of
// ledgerdb: accounts, categories, transactions and budgets, their schema
// history, and the application root that wires storage and encryption.
package finance

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/andreyvit/ledgerdb"
)

type (
	Account struct {
		ID             string          `msgpack:"id"`
		Name           string          `msgpack:"name"`
		Currency       string          `msgpack:"currency"`
		OpeningBalance decimal.Decimal `msgpack:"openingBalance"`
		Notes          string          `msgpack:"notes,omitempty"`
	}

	Category struct {
		ID   string `msgpack:"id"`
		Name string `msgpack:"name"`
	}

	Transaction struct {
		ID          string          `msgpack:"id"`
		AccountID   string          `msgpack:"accountId"`
		Date        time.Time       `msgpack:"date"`
		Amount      decimal.Decimal `msgpack:"amount"`
		Payee       string          `msgpack:"payee,omitempty"`
		Description string          `msgpack:"description,omitempty"`
		CategoryID  string          `msgpack:"categoryId,omitempty"`

		// LegacyCategory is the free-form category name used before version 2.
		LegacyCategory string `msgpack:"category,omitempty"`
	}

	Budget struct {
		ID         string          `msgpack:"id"`
		CategoryID string          `msgpack:"categoryId"`
		Month      string          `msgpack:"month"` // YYYY-MM
		Limit      decimal.Decimal `msgpack:"limit"`
	}
)

var (
	Schema = ledgerdb.NewSchema()

	Accounts = ledgerdb.AddTable(Schema, "accounts", 1, func(row *Account, ib *ledgerdb.IndexBuilder) {
		ib.Add(AccountsByName, row.Name)
	}, []*ledgerdb.Index{AccountsByName}, ledgerdb.SensitiveFields{"openingBalance", "notes"})
	AccountsByName = ledgerdb.AddIndex[string]("name").Unique()

	Transactions = ledgerdb.AddTable(Schema, "transactions", 1, func(row *Transaction, ib *ledgerdb.IndexBuilder) {
		ib.Add(TransactionsByDate, row.Date)
		ib.Add(TransactionsByAccount, row.AccountID)
		if row.LegacyCategory != "" {
			ib.Add(TransactionsByLegacyCategory, row.LegacyCategory)
		}
		if row.CategoryID != "" {
			ib.Add(TransactionsByCategory, row.CategoryID)
		}
	}, []*ledgerdb.Index{TransactionsByDate, TransactionsByAccount, TransactionsByLegacyCategory, TransactionsByCategory},
		ledgerdb.SensitiveFields{"amount", "description", "payee"})
	TransactionsByDate           = ledgerdb.AddIndex[time.Time]("date")
	TransactionsByAccount        = ledgerdb.AddIndex[string]("accountId")
	TransactionsByLegacyCategory = ledgerdb.AddIndex[string]("category")
	TransactionsByCategory       = ledgerdb.AddIndex[string]("categoryId").Since(2)

	Categories = ledgerdb.AddTable(Schema, "categories", 2, func(row *Category, ib *ledgerdb.IndexBuilder) {
		ib.Add(CategoriesByName, row.Name)
	}, []*ledgerdb.Index{CategoriesByName})
	CategoriesByName = ledgerdb.AddIndex[string]("name").Unique()

	Budgets = ledgerdb.AddTable(Schema, "budgets", 3, func(row *Budget, ib *ledgerdb.IndexBuilder) {
		ib.Add(BudgetsByCategory, row.CategoryID)
		ib.Add(BudgetsByMonth, row.Month)
	}, []*ledgerdb.Index{BudgetsByCategory, BudgetsByMonth}, ledgerdb.SensitiveFields{"limit"})
	BudgetsByCategory = ledgerdb.AddIndex[string]("categoryId")
	BudgetsByMonth    = ledgerdb.AddIndex[string]("month")

	// CategoriesSetting is the version 1 list of user-defined category names.
	CategoriesSetting = ledgerdb.NewSetting[[]string]("categories")
)

func init() {
	Schema.AddVersion(2, normalizeCategories)
}
