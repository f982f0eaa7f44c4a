package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/validation"
)

// Kind selects the adapter used for an account.
type Kind string

const (
	KindIMAP    Kind = "imap"
	KindMaildir Kind = "maildir"
)

// Account is the provider configuration of one owner.
type Account struct {
	OwnerID string
	Kind    Kind
	// Address is host:port for IMAP or the maildir root path.
	Address  string
	Username string
	// Password is only held in memory; it is stored sealed.
	Password string
	Mailbox  string
	// ForwardFrom is the envelope sender used when forwarding.
	ForwardFrom string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks an account before it is stored.
func (a *Account) Validate() error {
	if err := validation.Owner(a.OwnerID); err != nil {
		return err
	}
	switch a.Kind {
	case KindIMAP:
		if a.Address == "" || a.Username == "" {
			return errors.New("imap account requires address and username")
		}
	case KindMaildir:
		if a.Address == "" {
			return errors.New("maildir account requires a path")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", a.Kind)
	}
	if a.ForwardFrom != "" {
		if err := validation.Address(a.ForwardFrom); err != nil {
			return fmt.Errorf("forward_from: %w", err)
		}
	}
	return nil
}

// AccountStore persists provider accounts.
type AccountStore struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

// NewAccountStore creates a store. sealer may be nil, in which case
// accounts with a password cannot be saved.
func NewAccountStore(db *sql.DB, sealer *Sealer) *AccountStore {
	return &AccountStore{db: db, sealer: sealer, now: func() time.Time { return time.Now().UTC() }}
}

// Put creates or replaces the account of a.OwnerID.
func (s *AccountStore) Put(ctx context.Context, a *Account) error {
	if a.Mailbox == "" {
		a.Mailbox = LabelInbox
	}
	if err := a.Validate(); err != nil {
		return err
	}

	var secret []byte
	if a.Password != "" {
		if s.sealer == nil {
			return ErrSecretsDisabled
		}
		sealed, err := s.sealer.Seal([]byte(a.Password))
		if err != nil {
			return err
		}
		secret = sealed
	}

	now := s.now()
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_accounts (owner_id, kind, address, username, secret, mailbox, forward_from, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			kind = excluded.kind,
			address = excluded.address,
			username = excluded.username,
			secret = excluded.secret,
			mailbox = excluded.mailbox,
			forward_from = excluded.forward_from,
			updated_at = excluded.updated_at
	`, a.OwnerID, string(a.Kind), a.Address, a.Username, secret, a.Mailbox, a.ForwardFrom, now, now)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Get loads and decrypts the account of ownerID.
func (s *AccountStore) Get(ctx context.Context, ownerID string) (*Account, error) {
	var (
		a      Account
		kind   string
		secret []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, kind, address, username, secret, mailbox, forward_from, created_at, updated_at
		FROM provider_accounts WHERE owner_id = ?
	`, ownerID).Scan(&a.OwnerID, &kind, &a.Address, &a.Username, &secret, &a.Mailbox, &a.ForwardFrom, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ownerID)
	}
	if err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)

	if len(secret) > 0 {
		if s.sealer == nil {
			return nil, ErrSecretsDisabled
		}
		plain, err := s.sealer.Open(secret)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", ownerID, err)
		}
		a.Password = string(plain)
	}
	return &a, nil
}

// Delete removes the account of ownerID.
func (s *AccountStore) Delete(ctx context.Context, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_accounts WHERE owner_id = ?`, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, ownerID)
	}
	return nil
}
