package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"payvault/internal/account"
	"payvault/internal/audit"
	"payvault/internal/config"
	"payvault/internal/ledger"
	"payvault/internal/logger"
	"payvault/internal/metrics"
	"payvault/internal/money"
	"payvault/internal/notification"
	"payvault/internal/risk"
)

var (
	ErrInvalidRequest       = errors.New("invalid transaction request")
	ErrConflict             = errors.New("concurrent update conflict")
	ErrNotCancellable       = errors.New("transaction can no longer be cancelled")
	ErrNotReversible        = errors.New("only committed transactions can be reversed")
	ErrNotOverridable       = errors.New("only rejected transactions can be overridden")
	ErrSettlementIncomplete = errors.New("settlement incomplete, reconciliation required")
)

type Notifier interface {
	Publish(ctx context.Context, event notification.Event) error
}

// Coordinator owns the transaction lifecycle: it is the only component that
// writes balances or postings. Feature services hand it requests and get a
// definite result back.
type Coordinator struct {
	accounts  account.Store
	journal   ledger.Journal
	gate      *risk.Gate
	txRepo    Repository
	audit     audit.Recorder
	notifier  Notifier
	precision *money.PrecisionTable

	fees        map[Type]decimal.Decimal
	retryLimit  int
	callTimeout time.Duration
}

func NewCoordinator(
	cfg *config.Config,
	accounts account.Store,
	journal ledger.Journal,
	gate *risk.Gate,
	txRepo Repository,
	auditor audit.Recorder,
	notifier Notifier,
	precision *money.PrecisionTable,
) (*Coordinator, error) {
	fees := make(map[Type]decimal.Decimal, len(cfg.Fees))
	for txType, raw := range cfg.Fees {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fee %q for type %s: %w", raw, txType, err)
		}
		fees[Type(txType)] = fee
	}

	return &Coordinator{
		accounts:    accounts,
		journal:     journal,
		gate:        gate,
		txRepo:      txRepo,
		audit:       auditor,
		notifier:    notifier,
		precision:   precision,
		fees:        fees,
		retryLimit:  cfg.ReserveRetryLimit,
		callTimeout: cfg.CallTimeout,
	}, nil
}

// Submit drives one request through
// CREATED -> RISK_CHECKED -> RESERVED -> POSTED -> COMMITTED.
// It is idempotent on the reference: a replayed request returns the first
// outcome without touching balances again.
func (c *Coordinator) Submit(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	amount, fee, target, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	row := &Transaction{
		Reference:   req.Reference,
		OwnerID:     req.OwnerID,
		Type:        req.Type,
		Status:      StatusCreated,
		Amount:      amount.Amount,
		Fee:         fee,
		NetAmount:   amount.Amount.Sub(fee),
		Currency:    req.Currency,
		Description: req.Description,
	}
	if req.CounterpartyID != "" {
		row.CounterpartyID = &req.CounterpartyID
	}

	existing, duplicate, err := c.createRow(ctx, row)
	if err != nil {
		return nil, err
	}
	if duplicate {
		metrics.DuplicateReplaysTotal.Inc()
		logger.Info("duplicate submission replayed", "reference", req.Reference, "status", existing.Status)
		return existing.Result(), nil
	}

	// CREATED -> RISK_CHECKED. A denial is terminal and touches no balance.
	decision := c.assess(ctx, req, amount)
	metrics.RecordRiskDecision(string(decision.Level))
	if err := c.txRepo.SetRisk(ctx, req.Reference, decision.Score, string(decision.Level)); err != nil {
		return nil, err
	}
	row.RiskScore = &decision.Score
	level := string(decision.Level)
	row.RiskLevel = &level

	if !decision.Approved {
		c.finish(ctx, row, StatusRejected, "risk check denied", start)
		c.notifyTerminal(ctx, row, decision.Reasons)
		result := row.Result()
		result.Risk = &decision
		return result, nil
	}
	if err := c.transition(ctx, row, StatusRiskChecked, ""); err != nil {
		return nil, err
	}

	legs, err := buildLegs(req, amount.Amount, fee, target)
	if err != nil {
		c.finish(ctx, row, StatusFailed, err.Error(), start)
		return row.Result(), nil
	}

	result, err := c.run(ctx, row, legs, start)
	if err != nil {
		return nil, err
	}
	result.Risk = &decision
	return result, nil
}

// run drives an approved transaction through
// RISK_CHECKED -> RESERVED -> POSTED -> COMMITTED. Submit and OverrideRisk
// share it; both arrive here with a persisted row and a balanced leg plan.
func (c *Coordinator) run(ctx context.Context, row *Transaction, legs []leg, start time.Time) (*Result, error) {
	accounts, err := c.resolveAccounts(ctx, legs)
	if err != nil {
		c.finish(ctx, row, StatusFailed, "account lookup failed", start)
		return row.Result(), nil
	}

	// RISK_CHECKED -> RESERVED. Debit accounts are taken in sorted id order
	// so overlapping transactions cannot deadlock.
	reserved, err := c.reserveAll(ctx, legs, accounts)
	if err != nil {
		c.releaseAll(reserved)
		c.finish(ctx, row, StatusFailed, reserveFailureReason(err), start)
		return row.Result(), nil
	}
	if err := c.transition(ctx, row, StatusReserved, ""); err != nil {
		c.releaseAll(reserved)
		return nil, err
	}

	// RESERVED -> POSTED.
	postings := buildPostings(legs, accounts)
	if err := ledger.Validate(postings, accountStates(accounts)); err != nil {
		// Only a coordinator bug can produce an unbalanced group.
		logger.Error("UNBALANCED POSTING GROUP, coordinator bug",
			"reference", row.Reference, "error", err)
		c.releaseAll(reserved)
		c.finish(ctx, row, StatusFailed, "internal posting imbalance", start)
		return row.Result(), nil
	}

	group := &ledger.PostingGroup{
		Reference:   row.Reference,
		Description: row.Description,
		Postings:    postings,
	}
	stored, dup, err := c.appendGroup(ctx, group)
	if err != nil {
		c.releaseAll(reserved)
		c.finish(ctx, row, StatusFailed, "journal append failed", start)
		return row.Result(), nil
	}
	if dup {
		// A racing submit with the same reference already posted this group.
		// Our holds duplicate funds that are already committed; let them go
		// and replay the earlier outcome.
		metrics.DuplicateReplaysTotal.Inc()
		c.releaseAll(reserved)
		prior, perr := c.txRepo.GetByReference(ctx, row.Reference)
		if perr != nil {
			return nil, perr
		}
		return prior.Result(), nil
	}
	if err := c.transition(ctx, row, StatusPosted, ""); err != nil {
		return nil, err
	}

	// POSTED -> COMMITTED. Postings are durable now; settlement must be
	// retried to convergence, never rolled back.
	if err := c.settleAll(ctx, stored.Postings, accounts); err != nil {
		metrics.SettlementFailuresTotal.Inc()
		logger.Error("SETTLEMENT INCOMPLETE, operator intervention required",
			"reference", row.Reference, "error", err)
		if terr := c.transition(ctx, row, StatusPosted, ErrSettlementIncomplete.Error()); terr != nil {
			logger.Errorf("failed to record settlement-incomplete reason for %s: %v", row.Reference, terr)
		}
		result := row.Result()
		result.Reason = ErrSettlementIncomplete.Error()
		return result, nil
	}

	c.finish(ctx, row, StatusCommitted, "", start)
	c.notifyTerminal(ctx, row, nil)

	return row.Result(), nil
}

// GetStatus returns the current result for a reference.
func (c *Coordinator) GetStatus(ctx context.Context, reference string) (*Result, error) {
	row, err := c.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return row.Result(), nil
}

// Cancel aborts a request that has not yet reserved funds. Once RESERVED the
// lifecycle owns the holds and cancellation is no longer available.
func (c *Coordinator) Cancel(ctx context.Context, reference string) (*Result, error) {
	row, err := c.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch row.Status {
	case StatusCreated, StatusRiskChecked:
		if err := c.txRepo.UpdateStatus(ctx, reference, StatusCancelled, "cancelled by caller"); err != nil {
			return nil, err
		}
		row.Status = StatusCancelled
		return row.Result(), nil
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, row.Status)
	}
}

// Reverse compensates a committed transaction with an exact inverse posting
// group linked to the original. The reversal reference is derived from the
// original so repeated reversal requests stay idempotent.
func (c *Coordinator) Reverse(ctx context.Context, originalRef, reason, actorID string) (*Result, error) {
	original, err := c.txRepo.GetByReference(ctx, originalRef)
	if err != nil {
		return nil, err
	}
	if original.Status != StatusCommitted {
		return nil, fmt.Errorf("%w: status %s", ErrNotReversible, original.Status)
	}

	group, err := c.journal.GetGroup(ctx, originalRef)
	if err != nil {
		return nil, err
	}

	revRef := "REV-" + originalRef
	row := &Transaction{
		Reference:   revRef,
		OwnerID:     original.OwnerID,
		Type:        original.Type,
		Status:      StatusCreated,
		Amount:      original.Amount,
		Fee:         decimal.Zero,
		NetAmount:   original.Amount,
		Currency:    original.Currency,
		Reverses:    &originalRef,
		Description: "reversal: " + reason,
	}
	existing, duplicate, err := c.createRow(ctx, row)
	if err != nil {
		return nil, err
	}
	if duplicate {
		// A FAILED attempt posted nothing, so the reference is free to
		// restart; any other status is the earlier reversal's outcome.
		if existing.Status != StatusFailed {
			return existing.Result(), nil
		}
		row = existing
		row.FailureReason = nil
		if err := c.transition(ctx, row, StatusCreated, ""); err != nil {
			return nil, err
		}
	}

	inverse := make([]ledger.Posting, len(group.Postings))
	for i, p := range group.Postings {
		inverse[i] = ledger.Posting{
			AccountID: p.AccountID,
			Direction: p.Direction.Invert(),
			Amount:    p.Amount,
			Currency:  p.Currency,
		}
	}

	accounts, err := c.resolveByID(ctx, inverse)
	if err != nil {
		c.finish(ctx, row, StatusFailed, "account lookup failed", time.Now())
		return row.Result(), nil
	}

	reserved, err := c.reservePostings(ctx, inverse, accounts)
	if err != nil {
		c.releaseAll(reserved)
		c.finish(ctx, row, StatusFailed, reserveFailureReason(err), time.Now())
		return row.Result(), nil
	}

	if err := ledger.Validate(inverse, accountStatesByID(accounts)); err != nil {
		logger.Error("UNBALANCED REVERSAL GROUP, coordinator bug", "reference", revRef, "error", err)
		c.releaseAll(reserved)
		c.finish(ctx, row, StatusFailed, "internal posting imbalance", time.Now())
		return row.Result(), nil
	}

	revGroup := &ledger.PostingGroup{
		Reference:   revRef,
		Description: "reversal of " + originalRef,
		Reverses:    &originalRef,
		Postings:    inverse,
	}
	stored, dup, err := c.appendGroup(ctx, revGroup)
	if err != nil {
		c.releaseAll(reserved)
		c.finish(ctx, row, StatusFailed, "journal append failed", time.Now())
		return row.Result(), nil
	}
	if dup {
		// A racing reversal already posted this group and owns its
		// settlement; release our holds and replay its outcome.
		metrics.DuplicateReplaysTotal.Inc()
		c.releaseAll(reserved)
		prior, perr := c.txRepo.GetByReference(ctx, revRef)
		if perr != nil {
			return nil, perr
		}
		return prior.Result(), nil
	}

	if err := c.settleAllByID(ctx, stored.Postings, accounts); err != nil {
		metrics.SettlementFailuresTotal.Inc()
		logger.Error("SETTLEMENT INCOMPLETE, operator intervention required",
			"reference", revRef, "error", err)
		if terr := c.transition(ctx, row, StatusPosted, ErrSettlementIncomplete.Error()); terr != nil {
			logger.Errorf("failed to record settlement-incomplete reason for %s: %v", revRef, terr)
		}
		return row.Result(), nil
	}

	if err := c.txRepo.UpdateStatus(ctx, originalRef, StatusReversed, ""); err != nil {
		return nil, err
	}
	c.finish(ctx, row, StatusCommitted, "", time.Now())

	if err := c.audit.Record(ctx, actorID, audit.ActionReverseTransaction, originalRef, reason); err != nil {
		logger.Errorf("failed to record reversal audit event: %v", err)
	}
	c.notifyTerminal(ctx, row, nil)

	return row.Result(), nil
}

// OverrideRisk resumes a REJECTED transaction after a manual review. The
// override is recorded against the acting admin before anything moves; the
// rest of the lifecycle then runs exactly as if the gate had approved.
func (c *Coordinator) OverrideRisk(ctx context.Context, reference, reason, actorID string) (*Result, error) {
	row, err := c.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if row.Status != StatusRejected {
		return nil, fmt.Errorf("%w: status %s", ErrNotOverridable, row.Status)
	}
	// Conversion quotes expire with the request; the caller resubmits.
	if row.Type == TypeCryptoConvert {
		return nil, fmt.Errorf("%w: conversions need a fresh quote, resubmit instead", ErrNotOverridable)
	}

	if err := c.audit.Record(ctx, actorID, audit.ActionRiskOverride, reference, reason); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.transition(ctx, row, StatusRiskChecked, ""); err != nil {
		return nil, err
	}
	row.FailureReason = nil

	req := &Request{
		Reference: row.Reference,
		Type:      row.Type,
		OwnerID:   row.OwnerID,
		Currency:  row.Currency,
	}
	if row.CounterpartyID != nil {
		req.CounterpartyID = *row.CounterpartyID
	}

	legs, err := buildLegs(req, row.Amount, row.Fee, nil)
	if err != nil {
		c.finish(ctx, row, StatusFailed, err.Error(), start)
		return row.Result(), nil
	}

	logger.Info("risk decision overridden",
		"reference", reference, "actor", actorID, "reason", reason)
	return c.run(ctx, row, legs, start)
}

// GetBalance returns the (owner, currency) account, creating it with zero
// balances on first touch.
func (c *Coordinator) GetBalance(ctx context.Context, ownerID string, currency money.Currency) (*account.Account, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.accounts.GetOrCreate(cctx, ownerID, currency)
}

// GetHistory returns a page of the account's postings, newest first.
func (c *Coordinator) GetHistory(ctx context.Context, ownerID string, currency money.Currency, limit, offset int) ([]ledger.Posting, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	acct, err := c.accounts.GetOrCreate(cctx, ownerID, currency)
	if err != nil {
		return nil, err
	}
	return c.journal.EntriesFor(cctx, acct.ID, limit, offset)
}

func (c *Coordinator) validate(req *Request) (money.Money, decimal.Decimal, *money.Money, error) {
	if req.Reference == "" {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}
	if req.OwnerID == "" {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !knownTypes[req.Type] {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
	if req.Type == TypeP2P && req.CounterpartyID == "" {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: P2P transfer needs a counterparty", ErrInvalidRequest)
	}

	amount, err := money.Parse(req.Amount, req.Currency, c.precision)
	if err != nil {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !amount.IsPositive() {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	prec, err := c.precision.Precision(req.Currency)
	if err != nil {
		return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fee := decimal.Zero
	if f, ok := c.fees[req.Type]; ok {
		fee = f.Round(prec)
	}

	var target *money.Money
	if req.Type == TypeCryptoConvert {
		targetCurrency := money.Currency(req.Metadata["target_currency"])
		targetAmount := req.Metadata["target_amount"]
		if targetCurrency == "" || targetAmount == "" {
			return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: crypto conversion needs target_currency and target_amount metadata", ErrInvalidRequest)
		}
		t, err := money.Parse(targetAmount, targetCurrency, c.precision)
		if err != nil {
			return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if !t.IsPositive() {
			return money.Money{}, decimal.Zero, nil, fmt.Errorf("%w: target amount must be positive", ErrInvalidRequest)
		}
		target = &t
	}

	return amount, fee, target, nil
}

func (c *Coordinator) assess(ctx context.Context, req *Request, amount money.Money) risk.Decision {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var history []risk.HistoryItem
	recent, err := c.txRepo.RecentByOwner(cctx, req.OwnerID, 50)
	if err != nil {
		// Risk evaluation degrades to amount-only rules rather than blocking
		// the request on a history read failure.
		logger.Errorf("failed to load history for risk assessment: %v", err)
	} else {
		for _, tx := range recent {
			if tx.Reference == req.Reference {
				continue
			}
			item := risk.HistoryItem{Amount: tx.Amount, At: tx.CreatedAt}
			if tx.CounterpartyID != nil {
				item.CounterpartyID = *tx.CounterpartyID
			}
			history = append(history, item)
		}
	}

	return c.gate.Evaluate(risk.Input{
		OwnerID:        req.OwnerID,
		Type:           string(req.Type),
		Amount:         amount.Amount,
		Currency:       req.Currency,
		CounterpartyID: req.CounterpartyID,
		Region:         req.Region,
		History:        history,
	})
}

func (c *Coordinator) createRow(ctx context.Context, row *Transaction) (*Transaction, bool, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.txRepo.Create(cctx, row)
}

// appendGroup writes the group to the journal, retrying transient store
// errors with backoff before giving up. Idempotency makes the retry safe: a
// first attempt that committed but failed to respond comes back as duplicate.
func (c *Coordinator) appendGroup(ctx context.Context, group *ledger.PostingGroup) (*ledger.PostingGroup, bool, error) {
	var stored *ledger.PostingGroup
	var dup bool
	var err error
	for attempt := 0; attempt < c.retryLimit; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}

		cctx, cancel := c.withTimeout(ctx)
		stored, dup, err = c.journal.Append(cctx, group)
		cancel()
		if err == nil {
			return stored, dup, nil
		}
		logger.Errorf("journal append attempt %d for %s: %v", attempt+1, group.Reference, err)
	}
	return nil, false, err
}

// accountKey identifies a resolved account within one submission.
type accountKey struct {
	ownerID  string
	currency money.Currency
}

func (c *Coordinator) resolveAccounts(ctx context.Context, legs []leg) (map[accountKey]*account.Account, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	accounts := make(map[accountKey]*account.Account)
	for _, l := range legs {
		key := accountKey{ownerID: l.ownerID, currency: l.currency}
		if _, ok := accounts[key]; ok {
			continue
		}
		acct, err := c.accounts.GetOrCreate(cctx, l.ownerID, l.currency)
		if err != nil {
			return nil, err
		}
		accounts[key] = acct
	}
	return accounts, nil
}

func (c *Coordinator) resolveByID(ctx context.Context, postings []ledger.Posting) (map[string]*account.Account, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	accounts := make(map[string]*account.Account)
	for _, p := range postings {
		if _, ok := accounts[p.AccountID]; ok {
			continue
		}
		acct, err := c.accounts.GetByID(cctx, p.AccountID)
		if err != nil {
			return nil, err
		}
		accounts[p.AccountID] = acct
	}
	return accounts, nil
}

// hold is one acquired reservation, kept so failures can compensate.
type hold struct {
	acct   *account.Account
	amount decimal.Decimal
}

// reserveAll acquires holds for every debit leg, in ascending account id
// order, retrying stale versions with fresh reads up to the retry limit.
func (c *Coordinator) reserveAll(ctx context.Context, legs []leg, accounts map[accountKey]*account.Account) ([]hold, error) {
	needed := make(map[string]decimal.Decimal)
	byID := make(map[string]*account.Account)
	for _, l := range legs {
		if l.direction != ledger.Debit {
			continue
		}
		acct := accounts[accountKey{ownerID: l.ownerID, currency: l.currency}]
		needed[acct.ID] = needed[acct.ID].Add(l.amount)
		byID[acct.ID] = acct
	}

	ids := make([]string, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var held []hold
	for _, id := range ids {
		if err := c.reserveOne(ctx, byID[id], needed[id]); err != nil {
			return held, err
		}
		held = append(held, hold{acct: byID[id], amount: needed[id]})
	}
	return held, nil
}

// reservePostings is reserveAll for already-resolved postings (reversals).
func (c *Coordinator) reservePostings(ctx context.Context, postings []ledger.Posting, accounts map[string]*account.Account) ([]hold, error) {
	needed := make(map[string]decimal.Decimal)
	for _, p := range postings {
		if p.Direction != ledger.Debit {
			continue
		}
		needed[p.AccountID] = needed[p.AccountID].Add(p.Amount)
	}

	ids := make([]string, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var held []hold
	for _, id := range ids {
		if err := c.reserveOne(ctx, accounts[id], needed[id]); err != nil {
			return held, err
		}
		held = append(held, hold{acct: accounts[id], amount: needed[id]})
	}
	return held, nil
}

func (c *Coordinator) reserveOne(ctx context.Context, acct *account.Account, amount decimal.Decimal) error {
	for attempt := 0; ; attempt++ {
		cctx, cancel := c.withTimeout(ctx)
		err := c.accounts.Reserve(cctx, acct, amount)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, account.ErrStaleVersion) {
			return err
		}

		metrics.ReservationConflictsTotal.Inc()
		if attempt+1 >= c.retryLimit {
			return fmt.Errorf("%w: account %s after %d attempts", ErrConflict, acct.ID, attempt+1)
		}

		// Fresh read before the retry; the conflicting writer changed both
		// balance and version.
		cctx, cancel = c.withTimeout(ctx)
		fresh, rerr := c.accounts.GetByID(cctx, acct.ID)
		cancel()
		if rerr != nil {
			return rerr
		}
		*acct = *fresh
	}
}

// releaseAll compensates partial reservations. It runs on a background
// context because the triggering failure may have killed the request
// context, and a hold must never be left dangling.
func (c *Coordinator) releaseAll(held []hold) {
	for _, h := range held {
		ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
		err := c.accounts.Release(ctx, h.acct, h.amount)
		if errors.Is(err, account.ErrStaleVersion) {
			if fresh, rerr := c.accounts.GetByID(ctx, h.acct.ID); rerr == nil {
				*h.acct = *fresh
				err = c.accounts.Release(ctx, h.acct, h.amount)
			}
		}
		cancel()
		if err != nil {
			logger.Error("failed to release reservation, reconciliation required",
				"account", h.acct.ID, "amount", h.amount, "error", err)
		}
	}
}

func (c *Coordinator) settleAll(ctx context.Context, postings []ledger.Posting, accounts map[accountKey]*account.Account) error {
	byID := make(map[string]*account.Account, len(accounts))
	for _, acct := range accounts {
		byID[acct.ID] = acct
	}
	return c.settleAllByID(ctx, postings, byID)
}

// settleAllByID applies every posting to its account balance, retrying each
// with backoff until it converges. Failures here are never rolled back; the
// journal already holds the durable truth.
func (c *Coordinator) settleAllByID(ctx context.Context, postings []ledger.Posting, accounts map[string]*account.Account) error {
	for _, p := range postings {
		acct := accounts[p.AccountID]
		if acct == nil {
			return fmt.Errorf("settle: no resolved account for %s", p.AccountID)
		}

		var err error
		for attempt := 0; attempt < c.retryLimit*2; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
			}

			cctx, cancel := c.withTimeout(ctx)
			err = c.accounts.Settle(cctx, acct, p.Amount, p.Direction)
			cancel()
			if err == nil {
				break
			}
			if errors.Is(err, account.ErrStaleVersion) {
				cctx, cancel = c.withTimeout(ctx)
				fresh, rerr := c.accounts.GetByID(cctx, acct.ID)
				cancel()
				if rerr == nil {
					*acct = *fresh
				}
			}
		}
		if err != nil {
			return fmt.Errorf("settling account %s: %w", acct.ID, err)
		}
	}
	return nil
}

func (c *Coordinator) transition(ctx context.Context, row *Transaction, status Status, reason string) error {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.txRepo.UpdateStatus(cctx, row.Reference, status, reason); err != nil {
		return err
	}
	row.Status = status
	if reason != "" {
		row.FailureReason = &reason
	}
	return nil
}

// finish records a terminal transition plus metrics.
func (c *Coordinator) finish(ctx context.Context, row *Transaction, status Status, reason string, start time.Time) {
	if err := c.transition(ctx, row, status, reason); err != nil {
		logger.Errorf("failed to record terminal status %s for %s: %v", status, row.Reference, err)
		row.Status = status
		if reason != "" {
			row.FailureReason = &reason
		}
	}
	metrics.RecordTransaction(string(row.Type), string(status), time.Since(start).Seconds())
	logger.Info("transaction finished",
		"reference", row.Reference,
		"type", row.Type,
		"status", status,
		"amount", row.Amount.String()+" "+string(row.Currency),
	)
}

func (c *Coordinator) notifyTerminal(ctx context.Context, row *Transaction, reasons []string) {
	if c.notifier == nil {
		return
	}
	event := notification.Event{
		Reference: row.Reference,
		OwnerID:   row.OwnerID,
		Type:      string(row.Type),
		Status:    string(row.Status),
		Amount:    row.Amount.String(),
		Currency:  string(row.Currency),
		Reasons:   reasons,
	}
	if err := c.notifier.Publish(ctx, event); err != nil {
		logger.Errorf("failed to publish transaction event for %s: %v", row.Reference, err)
	}
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func buildPostings(legs []leg, accounts map[accountKey]*account.Account) []ledger.Posting {
	postings := make([]ledger.Posting, len(legs))
	for i, l := range legs {
		acct := accounts[accountKey{ownerID: l.ownerID, currency: l.currency}]
		postings[i] = ledger.Posting{
			AccountID: acct.ID,
			Direction: l.direction,
			Amount:    l.amount,
			Currency:  l.currency,
		}
	}
	return postings
}

func accountStates(accounts map[accountKey]*account.Account) map[string]ledger.AccountState {
	states := make(map[string]ledger.AccountState, len(accounts))
	for _, acct := range accounts {
		states[acct.ID] = ledger.AccountState{
			Exists: true,
			Closed: acct.Status == account.StatusClosed,
		}
	}
	return states
}

func accountStatesByID(accounts map[string]*account.Account) map[string]ledger.AccountState {
	states := make(map[string]ledger.AccountState, len(accounts))
	for id, acct := range accounts {
		states[id] = ledger.AccountState{
			Exists: true,
			Closed: acct.Status == account.StatusClosed,
		}
	}
	return states
}

func reserveFailureReason(err error) string {
	switch {
	case errors.Is(err, account.ErrInsufficientFunds):
		return "insufficient funds"
	case errors.Is(err, account.ErrAccountSuspended):
		return "account suspended"
	case errors.Is(err, account.ErrAccountClosed):
		return "account closed"
	case errors.Is(err, ErrConflict):
		return "concurrent update conflict"
	default:
		return "reservation failed"
	}
}
