package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/switchyard/internal"
)

// Debit atomically draws amount from a user's prepaid balance. The balance
// is read and rewritten inside one transaction on the single-writer pool, so
// concurrent debits serialize. A draft below zero aborts with
// relay.ErrInsufficientFunds and writes nothing.
func (s *Store) Debit(ctx context.Context, userID string, amount float64, note, messageRequestID string) (*relay.BalanceTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount %v: %w", amount, relay.ErrBadRequest)
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRowContext(ctx, `SELECT balance_usd FROM users WHERE id=?`, userID).Scan(&balance)
	if err != nil {
		return nil, notFoundErr(err)
	}
	after := balance - amount
	if after < 0 {
		return nil, relay.ErrInsufficientFunds
	}

	bt := &relay.BalanceTransaction{
		ID:               uuid.Must(uuid.NewV7()).String(),
		UserID:           userID,
		Amount:           -amount,
		BalanceBefore:    balance,
		BalanceAfter:     after,
		Type:             relay.TxDeduction,
		Note:             note,
		MessageRequestID: messageRequestID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := applyBalance(ctx, tx, bt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return bt, nil
}

// Credit adds amount to a user's balance and records the ledger row.
func (s *Store) Credit(ctx context.Context, userID string, amount float64, txType relay.TransactionType, operatorID, operatorName, note string) (*relay.BalanceTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount %v: %w", amount, relay.ErrBadRequest)
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRowContext(ctx, `SELECT balance_usd FROM users WHERE id=?`, userID).Scan(&balance)
	if err != nil {
		return nil, notFoundErr(err)
	}

	bt := &relay.BalanceTransaction{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  balance + amount,
		Type:          txType,
		OperatorID:    operatorID,
		OperatorName:  operatorName,
		Note:          note,
		CreatedAt:     time.Now().UTC(),
	}
	if err := applyBalance(ctx, tx, bt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return bt, nil
}

// applyBalance writes the new balance and the ledger row inside tx.
func applyBalance(ctx context.Context, tx *sql.Tx, bt *relay.BalanceTransaction) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE users SET balance_usd=?, updated_at=? WHERE id=?`,
		bt.BalanceAfter, fmtTime(bt.CreatedAt), bt.UserID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "user"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO balance_transactions (id, user_id, amount, balance_before,
		 balance_after, type, operator_id, operator_name, note,
		 message_request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bt.ID, bt.UserID, bt.Amount, bt.BalanceBefore, bt.BalanceAfter,
		string(bt.Type), bt.OperatorID, bt.OperatorName, bt.Note,
		bt.MessageRequestID, fmtTime(bt.CreatedAt),
	)
	return err
}

// ListTransactions returns a user's ledger rows, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*relay.BalanceTransaction, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, amount, balance_before, balance_after, type,
		 operator_id, operator_name, note, message_request_id, created_at
		 FROM balance_transactions WHERE user_id=?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*relay.BalanceTransaction
	for rows.Next() {
		var bt relay.BalanceTransaction
		var txType, createdAt string
		err := rows.Scan(&bt.ID, &bt.UserID, &bt.Amount, &bt.BalanceBefore,
			&bt.BalanceAfter, &txType, &bt.OperatorID, &bt.OperatorName,
			&bt.Note, &bt.MessageRequestID, &createdAt)
		if err != nil {
			return nil, err
		}
		bt.Type = relay.TransactionType(txType)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			bt.CreatedAt = t
		}
		txs = append(txs, &bt)
	}
	return txs, rows.Err()
}
