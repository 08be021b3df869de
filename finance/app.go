package finance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/andreyvit/ledgerdb"
	"github.com/andreyvit/ledgerdb/auditlog"
	"github.com/andreyvit/ledgerdb/config"
	"github.com/andreyvit/ledgerdb/fieldcrypt"
	"github.com/andreyvit/ledgerdb/keyvault"
)

// App is the application root. It owns the store, the key worker, the
// audit log and the key manager, and is the only place they are wired.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *ledgerdb.DB
	Keys   *keyvault.Manager
	Audit  *auditlog.Log

	client *keyvault.Client
}

// Transfer moves money between two accounts. ID is the prefix of the two
// transaction IDs it creates.
type Transfer struct {
	ID          string
	From        string
	To          string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
}

type Options struct {
	// Logger overrides the logger described by the configuration.
	Logger    *slog.Logger
	LogOutput io.Writer

	IsTesting     bool
	TargetVersion uint64
}

func Open(ctx context.Context, cfg *config.Config, o Options) (*App, error) {
	logger := o.Logger
	if logger == nil {
		out := o.LogOutput
		if out == nil {
			out = os.Stderr
		}
		var err error
		logger, err = cfg.Log.NewLogger(out)
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, err
	}

	client := keyvault.NewClient(keyvault.ClientOptions{
		Timeout: cfg.Crypto.RequestTimeout.Std(),
		Logger:  logger,
	})
	keyring := keyvault.NewKeyring(client, cfg.Crypto.Offload)
	crypt := fieldcrypt.New(keyring, logger)

	db, err := ledgerdb.Open(ctx, cfg.Database.Path, Schema, ledgerdb.Options{
		Logger:        logger,
		Verbose:       cfg.Database.Verbose,
		IsTesting:     o.IsTesting,
		Timeout:       cfg.Database.OpenTimeout.Std(),
		TargetVersion: o.TargetVersion,
		Middleware:    crypt.ForSchema(Schema),
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	auditDir := cfg.Audit.Dir
	if auditDir == "" {
		auditDir = filepath.Join(filepath.Dir(cfg.Database.Path), "audit")
	}
	audit, err := auditlog.Open(ctx, auditDir, auditlog.Options{
		MaxFileSize: cfg.Audit.MaxFileSize,
		Sync:        cfg.Audit.Sync,
		Logger:      logger,
		Verbose:     cfg.Database.Verbose,
	})
	if err != nil {
		client.Close()
		db.Close()
		return nil, err
	}

	kdf := cfg.Crypto.KDF
	keys := keyvault.NewManager(db, client, keyring, keyvault.ManagerOptions{
		Params: keyvault.Params{Time: kdf.Time, MemoryKiB: kdf.MemoryKiB, Threads: kdf.Threads},
		Audit:  audit,
		Logger: logger,
	})

	logger.Info("finance: opened", "path", cfg.Database.Path, "version", db.Version())
	return &App{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Keys:   keys,
		Audit:  audit,
		client: client,
	}, nil
}

// Close discards the session key and releases everything the app holds.
func (a *App) Close() error {
	a.Keys.Keyring().Reset()
	a.client.Close()
	return errors.Join(a.Audit.Close(), a.DB.Close())
}

// Check runs the cross-table consistency check.
func (a *App) Check(ctx context.Context) error {
	return a.DB.View(ctx, func(tx *ledgerdb.Tx) error {
		return CheckConsistency(tx)
	})
}

// LiveBalances returns a live query over all account balances.
func (a *App) LiveBalances() *ledgerdb.LiveQuery[[]Balance] {
	return ledgerdb.NewLiveQuery(a.DB, func(ctx context.Context, tx *ledgerdb.Tx) ([]Balance, error) {
		return Balances(tx)
	})
}

// LiveBudgets returns a live query over the budgets of month.
func (a *App) LiveBudgets(month string) (*ledgerdb.LiveQuery[[]BudgetStatus], error) {
	if _, err := parseMonth(month); err != nil {
		return nil, err
	}
	return ledgerdb.NewLiveQuery(a.DB, func(ctx context.Context, tx *ledgerdb.Tx) ([]BudgetStatus, error) {
		return BudgetsFor(tx, month)
	}), nil
}

// Transfer records a movement of amount between two accounts as a pair of
// transactions within one read-write transaction.
func (a *App) Transfer(ctx context.Context, t Transfer) error {
	if t.Amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %s", t.Amount)
	}
	return a.DB.Transaction(ctx, ledgerdb.ReadWrite, []*ledgerdb.Table{Accounts, Transactions}, func(ctx context.Context, tx *ledgerdb.Tx) error {
		for _, id := range []string{t.From, t.To} {
			found, err := ledgerdb.Exists[Account](tx, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("transfer: no account %q", id)
			}
		}
		return ledgerdb.BulkAdd(tx, []*Transaction{
			{ID: t.ID + "-out", AccountID: t.From, Date: t.Date, Amount: t.Amount.Neg(), Description: t.Description},
			{ID: t.ID + "-in", AccountID: t.To, Date: t.Date, Amount: t.Amount, Description: t.Description},
		})
	})
}
