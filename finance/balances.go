package finance

import (
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/andreyvit/ledgerdb"
)

type Balance struct {
	AccountID string          `msgpack:"accountId"`
	Name      string          `msgpack:"name"`
	Currency  string          `msgpack:"currency"`
	Amount    decimal.Decimal `msgpack:"amount"`
}

// Money converts the balance to minor currency units.
func (b Balance) Money() (*money.Money, error) {
	cur := money.GetCurrency(b.Currency)
	if cur == nil {
		return nil, fmt.Errorf("unknown currency %q", b.Currency)
	}
	minor := b.Amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), cur.Code), nil
}

// String formats the balance the way the currency is usually written, e.g.
// "$1,234.50". Unknown currencies fall back to the plain amount and code.
func (b Balance) String() string {
	m, err := b.Money()
	if err != nil {
		return b.Amount.StringFixed(2) + " " + b.Currency
	}
	return m.Display()
}

// Balances returns every account's opening balance plus the sum of its
// transactions, ordered by account name. The store must be unlocked.
func Balances(txh ledgerdb.Txish) ([]Balance, error) {
	accounts, err := ledgerdb.OrderBy[Account](txh, AccountsByName).ToArray()
	if err != nil {
		return nil, err
	}
	result := make([]Balance, 0, len(accounts))
	for _, a := range accounts {
		sum := a.OpeningBalance
		err := ledgerdb.Where[Transaction](txh, TransactionsByAccount).Equals(a.ID).Each(func(t *Transaction) error {
			sum = sum.Add(t.Amount)
			return nil
		})
		if err != nil {
			return nil, err
		}
		result = append(result, Balance{AccountID: a.ID, Name: a.Name, Currency: a.Currency, Amount: sum})
	}
	return result, nil
}

// Spending is the total of negative transaction amounts per category within
// a month (YYYY-MM), reported as positive numbers.
func Spending(txh ledgerdb.Txish, month string) (map[string]decimal.Decimal, error) {
	start, err := parseMonth(month)
	if err != nil {
		return nil, err
	}
	end := start.AddDate(0, 1, 0)
	result := make(map[string]decimal.Decimal)
	err = ledgerdb.Where[Transaction](txh, TransactionsByDate).Between(start, end, true, false).Each(func(t *Transaction) error {
		if t.Amount.IsNegative() && t.CategoryID != "" {
			result[t.CategoryID] = result[t.CategoryID].Add(t.Amount.Neg())
		}
		return nil
	})
	return result, err
}

// BudgetStatus compares a budget's limit with the month's spending.
type BudgetStatus struct {
	Budget    *Budget
	Spent     decimal.Decimal
	Remaining decimal.Decimal
}

func (s BudgetStatus) Over() bool {
	return s.Remaining.IsNegative()
}

func BudgetsFor(txh ledgerdb.Txish, month string) ([]BudgetStatus, error) {
	spending, err := Spending(txh, month)
	if err != nil {
		return nil, err
	}
	budgets, err := ledgerdb.Where[Budget](txh, BudgetsByMonth).Equals(month).ToArray()
	if err != nil {
		return nil, err
	}
	result := make([]BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		spent := spending[b.CategoryID]
		result = append(result, BudgetStatus{Budget: b, Spent: spent, Remaining: b.Limit.Sub(spent)})
	}
	return result, nil
}

const monthLayout = "2006-01"

func parseMonth(month string) (time.Time, error) {
	t, err := time.ParseInLocation(monthLayout, month, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, expected YYYY-MM", month)
	}
	return t, nil
}

// MonthOf returns the budget month containing t.
func MonthOf(t time.Time) string {
	return t.UTC().Format(monthLayout)
}
