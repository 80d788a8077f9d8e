package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type contextKey int

const (
	transactionKey contextKey = iota
)

var errTxClosed = errors.New("transaction already closed")

// Tx is an open gorm transaction carried on a context. Stores pick it up via FromContext.
type Tx struct {
	id  int64
	db  *gorm.DB
	log *zap.SugaredLogger
}

// Commit ends the transaction on ctx. A context without one is returned unchanged.
func Commit(ctx context.Context) (context.Context, error) {
	return finish(ctx, (*Tx).commit)
}

// Rollback discards the transaction on ctx. Rolling back a committed transaction is
// a no-op error, so callers can defer it unconditionally.
func Rollback(ctx context.Context) (context.Context, error) {
	return finish(ctx, (*Tx).rollback)
}

func finish(ctx context.Context, end func(*Tx) error) (context.Context, error) {
	tx, ok := ctx.Value(transactionKey).(*Tx)
	if !ok || tx == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, transactionKey, nil), end(tx)
}

func FromContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionKey).(*Tx)
	if !ok || tx == nil {
		return nil
	}
	return tx.db
}

// newTransactionContext joins the transaction already on ctx or begins a new one.
func newTransactionContext(ctx context.Context, db *gorm.DB) (context.Context, error) {
	if tx, ok := ctx.Value(transactionKey).(*Tx); ok && tx != nil && tx.db != nil {
		return ctx, nil
	}

	begun := db.Session(&gorm.Session{Context: ctx}).Begin()
	if begun.Error != nil {
		return ctx, begun.Error
	}

	tx := &Tx{db: begun, log: zap.S().Named("store")}
	// postgres ids are only used to correlate log lines
	if db.Name() == "postgres" {
		var row struct{ ID int64 }
		begun.Raw("select txid_current() as id").Scan(&row)
		tx.id = row.ID
	}
	return context.WithValue(ctx, transactionKey, tx), nil
}

func (t *Tx) commit() error {
	if t.db == nil {
		return errTxClosed
	}
	if err := t.db.Commit().Error; err != nil {
		t.log.Errorw("failed to commit transaction", "txid", t.id, "error", err)
		return err
	}
	t.db = nil
	t.log.Debugw("transaction committed", "txid", t.id)
	return nil
}

func (t *Tx) rollback() error {
	if t.db == nil {
		return errTxClosed
	}
	if err := t.db.Rollback().Error; err != nil {
		t.log.Errorw("failed to rollback transaction", "txid", t.id, "error", err)
		return err
	}
	t.db = nil
	t.log.Debugw("transaction rolled back", "txid", t.id)
	return nil
}
