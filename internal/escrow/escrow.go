// Package escrow moves value between holders. Deposits are authorised by the
// paying caller; releases out of a market escrow need that market's
// Capability, minted by a Sealer.
package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/atmx/oracle-engine/internal/model"
)

var (
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrBadCapability     = errors.New("escrow: capability does not authorise this escrow")
	ErrInvalidAmount     = errors.New("escrow: amount must be positive")
)

// Account names a value holder.
type Account string

// UserAccount is the account of a verified identity.
func UserAccount(id model.Identity) Account { return Account(id) }

// MarketEscrow is the account holding every stake of one market.
func MarketEscrow(marketID string) Account { return Account("escrow:" + marketID) }

// Transferer is the value-transfer primitive. Both modes are atomic: either
// the full amount moves or an error is returned and nothing changes.
type Transferer interface {
	// Deposit moves amount from the caller's own account. from must be a
	// verified identity.
	Deposit(ctx context.Context, from model.Identity, to Account, amount int64) error

	// Release moves amount out of the escrow named by capability.
	Release(ctx context.Context, capability Capability, to Account, amount int64) error

	// Balance returns the current balance of an account (0 if unknown).
	Balance(ctx context.Context, account Account) (int64, error)

	// Credit mints amount into account. Development faucet only.
	Credit(ctx context.Context, account Account, amount int64) error
}

// Capability authorises transfers out of exactly one escrow account.
type Capability struct {
	account Account
	seal    []byte
}

// Account returns the escrow this capability may debit.
func (c Capability) Account() Account { return c.account }

// Sealer mints and checks capabilities with an HMAC over the escrow name.
type Sealer struct {
	secret []byte
}

// NewSealer creates a Sealer. The secret must be at least 16 bytes.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("escrow: capability secret must be at least 16 bytes, got %d", len(secret))
	}
	return &Sealer{secret: append([]byte(nil), secret...)}, nil
}

// ForMarket mints the capability for a market's escrow.
func (s *Sealer) ForMarket(marketID string) Capability {
	acct := MarketEscrow(marketID)
	return Capability{account: acct, seal: s.seal(acct)}
}

// Verify checks that c was minted by this Sealer.
func (s *Sealer) Verify(c Capability) error {
	if c.account == "" || !hmac.Equal(c.seal, s.seal(c.account)) {
		return ErrBadCapability
	}
	return nil
}

func (s *Sealer) seal(acct Account) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("market_escrow:"))
	mac.Write([]byte(acct))
	return mac.Sum(nil)
}
