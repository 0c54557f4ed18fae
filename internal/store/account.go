package store

import (
	"context"

	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/pickle"
)

// SaveAccount stores the local device account, replacing any existing one.
func (q *Queries) SaveAccount(ctx context.Context, a *olm.Account) error {
	blob, err := pickle.Pickle(a, q.mode)
	if err != nil {
		return storageErr("pickle account", err)
	}
	_, err = q.q.ExecContext(ctx,
		"INSERT OR REPLACE INTO accounts (id, pickle) VALUES (1, ?)",
		blob,
	)
	if err != nil {
		return storageErr("save account", err)
	}
	return nil
}

// LoadAccount loads the local device account.
// Returns nil, nil if no account exists.
func (q *Queries) LoadAccount(ctx context.Context) (*olm.Account, error) {
	var blob []byte
	err := q.q.QueryRowContext(ctx, "SELECT pickle FROM accounts WHERE id = 1").Scan(&blob)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storageErr("load account", err)
	}
	a := new(olm.Account)
	if err := pickle.Unpickle(blob, q.mode, a, "account", ""); err != nil {
		return nil, err
	}
	return a, nil
}
