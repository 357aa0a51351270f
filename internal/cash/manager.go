// Package cash implements the multi-currency cash ledger shared by all funds
// of a portfolio: settled and unsettled balances per account and currency,
// capital allocation to funds, and reconciliation with the broker.
package cash

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// BaseAccount is the ledger key of capital not allocated to any fund.
const BaseAccount = "BASE"

// ErrNotImplemented is returned for account actions the ledger does not
// handle yet.
var ErrNotImplemented = errors.New("not implemented")

// Manager is the cash ledger. All methods are safe for concurrent use;
// compound operations hold a single lock for their whole duration.
type Manager struct {
	mu       sync.Mutex
	accounts map[string]map[domain.Currency]*CashPosition

	currency  domain.Currency
	converter Converter
	holdings  Holdings
	model     AccountModel
	log       *slog.Logger
}

// NewManager creates a ledger whose snapshots are denominated in currency.
// holdings and model may be nil.
func NewManager(currency domain.Currency, conv Converter, holdings Holdings, model AccountModel, log *slog.Logger) *Manager {
	return &Manager{
		accounts:  map[string]map[domain.Currency]*CashPosition{BaseAccount: {}},
		currency:  currency,
		converter: conv,
		holdings:  holdings,
		model:     model,
		log:       log,
	}
}

// CashOption modifies an AddCash call.
type CashOption func(*cashEntry)

type cashEntry struct {
	account    string
	settlement *time.Time
}

// ForFund books the cash on a fund's account instead of the base account.
func ForFund(fundID string) CashOption {
	return func(e *cashEntry) { e.account = fundID }
}

// SettlesAt records the cash as unsettled until t.
func SettlesAt(t time.Time) CashOption {
	return func(e *cashEntry) { e.settlement = &t }
}

// AddCash credits amount (debits when negative) in currency. Without options
// the amount is settled immediately on the base account.
func (m *Manager) AddCash(currency domain.Currency, amount decimal.Decimal, opts ...CashOption) {
	e := cashEntry{account: BaseAccount}
	for _, o := range opts {
		o(&e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.position(e.account, currency)
	if e.settlement != nil {
		p.AddUnsettled(amount, *e.settlement)
		return
	}
	p.AddSettled(amount)
}

// Update promotes every unsettled entry due at now.
func (m *Manager) Update(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for account, byCurrency := range m.accounts {
		for c, p := range byCurrency {
			if promoted := p.Settle(now); !promoted.IsZero() {
				m.log.Debug("cash settled", "account", account, "currency", c, "amount", promoted.String())
			}
		}
	}
}

// AddQuantFund allocates amount from the base account to a new fund account.
// Calling it again for the same fund does nothing.
func (m *Manager) AddQuantFund(fundID string, currency domain.Currency, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[fundID]; ok {
		return
	}
	amount = amount.Abs()
	base := m.position(BaseAccount, currency)
	if base.TotalSettledCash().LessThan(amount) {
		m.log.Warn("allocating more cash than the base account holds",
			"fund", fundID,
			"currency", currency,
			"requested", amount.String(),
			"available", base.TotalSettledCash().String(),
		)
	}
	base.AddSettled(amount.Neg())
	m.position(fundID, currency).AddSettled(amount)
	m.log.Info("fund cash allocated", "fund", fundID, "currency", currency, "amount", amount.String())
}

// RemoveQuantFund returns all of a fund's cash to the base account and drops
// the fund's ledger entry. Unknown funds are ignored.
func (m *Manager) RemoveQuantFund(fundID string) {
	if fundID == BaseAccount {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byCurrency, ok := m.accounts[fundID]
	if !ok {
		return
	}
	for c, p := range byCurrency {
		base := m.position(BaseAccount, c)
		base.AddSettled(p.TotalSettledCash())
		for _, u := range p.unsettled {
			base.AddUnsettled(u.Amount, u.SettlementUTC)
		}
	}
	delete(m.accounts, fundID)
	m.log.Info("fund cash released", "fund", fundID)
}

// GetCash returns the total (settled and unsettled) cash of account in
// currency.
func (m *Manager) GetCash(account string, currency domain.Currency) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.accounts[account][currency]; ok {
		return p.TotalCash()
	}
	return decimal.Zero
}

// GetSettledCash returns the settled cash of account in currency.
func (m *Manager) GetSettledCash(account string, currency domain.Currency) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.accounts[account][currency]; ok {
		return p.TotalSettledCash()
	}
	return decimal.Zero
}

// GetTotalCash sums every account's cash, converted into currency.
func (m *Manager) GetTotalCash(currency domain.Currency) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, byCurrency := range m.accounts {
		for c, p := range byCurrency {
			total = total.Add(m.converter.Convert(p.TotalCash(), c, currency))
		}
	}
	return total
}

// Accounts returns the sorted ledger keys, base account included.
func (m *Manager) Accounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.accounts))
	for k := range m.accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasFund reports whether the ledger has an entry for fundID.
func (m *Manager) HasFund(fundID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[fundID]
	return ok && fundID != BaseAccount
}

// GetCalculatedFunds builds a snapshot of account (a fund id or BaseAccount)
// in the ledger currency. The base account snapshot covers the whole ledger.
func (m *Manager) GetCalculatedFunds(account string) CalculatedFunds {
	m.mu.Lock()
	positions := make(map[domain.Currency]*CashPosition)
	merge := func(byCurrency map[domain.Currency]*CashPosition) {
		for c, p := range byCurrency {
			acc, ok := positions[c]
			if !ok {
				acc = NewCashPosition(c)
				positions[c] = acc
			}
			acc.AddSettled(p.TotalSettledCash())
			acc.unsettled = append(acc.unsettled, p.unsettled...)
		}
	}
	if account == BaseAccount {
		for _, byCurrency := range m.accounts {
			merge(byCurrency)
		}
	} else {
		merge(m.accounts[account])
	}
	m.mu.Unlock()

	var holdings []Holding
	if m.holdings != nil {
		holdings = m.holdings.Holdings(account)
	}
	return newCalculatedFunds(account, m.currency, positions, holdings, m.converter, m.model)
}

// Process applies a broker-reported account action. Only AccountActionSync
// is supported; every other action fails.
func (m *Manager) Process(action domain.AccountActionType, currency domain.Currency, amount decimal.Decimal, fundID string) error {
	switch action {
	case domain.AccountActionSync:
		m.syncFunds(currency, amount)
		return nil
	default:
		m.log.Error("unsupported account action", "action", action, "fund", fundID, "currency", currency)
		return fmt.Errorf("account action %q: %w", action, ErrNotImplemented)
	}
}

// CheckAllocation logs a warning when the cash allocated to funds exceeds
// the broker-reported equity. It reports whether the allocation fits.
func (m *Manager) CheckAllocation(equity decimal.Decimal, currency domain.Currency) bool {
	m.mu.Lock()
	allocated := decimal.Zero
	for account, byCurrency := range m.accounts {
		if account == BaseAccount {
			continue
		}
		for c, p := range byCurrency {
			allocated = allocated.Add(m.converter.Convert(p.TotalCash(), c, currency))
		}
	}
	m.mu.Unlock()

	if allocated.GreaterThan(equity) {
		m.log.Warn("fund allocations exceed account equity",
			"allocated", allocated.String(), "equity", equity.String(), "currency", currency)
		return false
	}
	return true
}

// syncFunds reconciles the ledger with the broker-reported balance for
// currency. Surplus cash goes to the base account; over-allocated funds are
// scaled down so that their total equals reported, or zero when reported is
// negative. Funds holding no cash are left alone.
func (m *Manager) syncFunds(currency domain.Currency, reported decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	allocated := decimal.Zero
	for account, byCurrency := range m.accounts {
		p, ok := byCurrency[currency]
		if !ok {
			continue
		}
		total = total.Add(p.TotalCash())
		if account != BaseAccount {
			allocated = allocated.Add(p.TotalCash())
		}
	}

	if reported.GreaterThan(total) {
		diff := reported.Sub(total)
		m.position(BaseAccount, currency).AddSettled(diff)
		m.log.Info("broker reports surplus cash", "currency", currency, "amount", diff.String())
	}

	if !allocated.GreaterThan(reported) || !allocated.IsPositive() {
		return
	}

	// A margin account may report a negative balance; funds never go below
	// zero on its account, the deficit stays with the base account.
	target := reported
	if target.IsNegative() {
		target = decimal.Zero
	}
	m.log.Warn("funds over-allocated, scaling down",
		"currency", currency, "allocated", allocated.String(), "reported", reported.String())
	for account, byCurrency := range m.accounts {
		if account == BaseAccount {
			continue
		}
		p, ok := byCurrency[currency]
		if !ok {
			continue
		}
		current := p.TotalCash()
		if !current.IsPositive() {
			continue
		}
		adjustment := current.Sub(current.Mul(target).Div(allocated))
		p.AddSettled(adjustment.Neg())
		m.log.Info("fund cash adjusted", "fund", account, "currency", currency, "adjustment", adjustment.Neg().String())
	}
}

// position returns the account's position in currency, creating it if
// needed. Must be called with mu held.
func (m *Manager) position(account string, currency domain.Currency) *CashPosition {
	byCurrency, ok := m.accounts[account]
	if !ok {
		byCurrency = make(map[domain.Currency]*CashPosition)
		m.accounts[account] = byCurrency
	}
	p, ok := byCurrency[currency]
	if !ok {
		p = NewCashPosition(currency)
		byCurrency[currency] = p
	}
	return p
}
