package transaction

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payvault/internal/account"
	"payvault/internal/audit"
	"payvault/internal/config"
	"payvault/internal/ledger"
	"payvault/internal/logger"
	"payvault/internal/money"
	"payvault/internal/notification"
	"payvault/internal/risk"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

// Mock collaborators
type MockStore struct{ mock.Mock }
type MockJournal struct{ mock.Mock }
type MockTxRepo struct{ mock.Mock }
type MockRecorder struct{ mock.Mock }
type MockNotifier struct{ mock.Mock }

func (m *MockStore) GetOrCreate(ctx context.Context, ownerID string, currency money.Currency) (*account.Account, error) {
	args := m.Called(ctx, ownerID, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*account.Account), args.Error(1)
}

func (m *MockStore) GetByID(ctx context.Context, id string) (*account.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*account.Account), args.Error(1)
}

func (m *MockStore) Reserve(ctx context.Context, acct *account.Account, amount decimal.Decimal) error {
	return m.Called(ctx, acct.ID, amount.String()).Error(0)
}

func (m *MockStore) Release(ctx context.Context, acct *account.Account, amount decimal.Decimal) error {
	return m.Called(ctx, acct.ID, amount.String()).Error(0)
}

func (m *MockStore) Settle(ctx context.Context, acct *account.Account, amount decimal.Decimal, direction ledger.Direction) error {
	return m.Called(ctx, acct.ID, amount.String(), direction).Error(0)
}

func (m *MockStore) SetStatus(ctx context.Context, id string, status account.Status) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockJournal) Append(ctx context.Context, group *ledger.PostingGroup) (*ledger.PostingGroup, bool, error) {
	args := m.Called(ctx, group)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*ledger.PostingGroup), args.Bool(1), args.Error(2)
}

func (m *MockJournal) GetGroup(ctx context.Context, reference string) (*ledger.PostingGroup, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.PostingGroup), args.Error(1)
}

func (m *MockJournal) EntriesFor(ctx context.Context, accountID string, limit, offset int) ([]ledger.Posting, error) {
	args := m.Called(ctx, accountID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.Posting), args.Error(1)
}

func (m *MockTxRepo) Create(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*Transaction), args.Bool(1), args.Error(2)
}

func (m *MockTxRepo) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Transaction), args.Error(1)
}

func (m *MockTxRepo) UpdateStatus(ctx context.Context, reference string, status Status, failureReason string) error {
	return m.Called(ctx, reference, status, failureReason).Error(0)
}

func (m *MockTxRepo) SetRisk(ctx context.Context, reference string, score float64, level string) error {
	return m.Called(ctx, reference, score, level).Error(0)
}

func (m *MockTxRepo) RecentByOwner(ctx context.Context, ownerID string, limit int) ([]Transaction, error) {
	args := m.Called(ctx, ownerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Transaction), args.Error(1)
}

func (m *MockRecorder) Record(ctx context.Context, actorID, action, targetID, detail string) error {
	return m.Called(ctx, actorID, action, targetID, detail).Error(0)
}

func (m *MockRecorder) List(ctx context.Context, limit, offset int) ([]audit.Event, error) {
	args := m.Called(ctx, limit, offset)
	return nil, args.Error(1)
}

func (m *MockNotifier) Publish(ctx context.Context, event notification.Event) error {
	return m.Called(ctx, event).Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret: "test-secret",
		Risk: config.RiskConfig{
			LargeAmountThreshold:  "1000000.00",
			LargeAmountWeight:     30,
			VelocityWindow:        time.Hour,
			VelocityMaxCount:      10,
			VelocityWeight:        25,
			NewCounterpartyWeight: 15,
			CrossBorderWeight:     40,
			SanctionedRegions:     []string{"KP", "IR", "SY", "CU"},
		},
		Fees: map[string]string{
			"P2P":           "10.00",
			"BANK_TRANSFER": "25.00",
			"CARD_FUNDING":  "50.00",
		},
		ReserveRetryLimit: 3,
		CallTimeout:       5 * time.Second,
	}
}

type testDeps struct {
	store    *MockStore
	journal  *MockJournal
	txRepo   *MockTxRepo
	notifier *MockNotifier
}

func newTestCoordinator(t *testing.T) (*Coordinator, *testDeps, *MockRecorder) {
	t.Helper()

	deps := &testDeps{
		store:    new(MockStore),
		journal:  new(MockJournal),
		txRepo:   new(MockTxRepo),
		notifier: new(MockNotifier),
	}
	recorder := new(MockRecorder)

	gate, err := risk.NewGate(testConfig().Risk)
	require.NoError(t, err)

	coordinator, err := NewCoordinator(
		testConfig(), deps.store, deps.journal, gate, deps.txRepo,
		recorder, deps.notifier, money.NewPrecisionTable(nil),
	)
	require.NoError(t, err)

	return coordinator, deps, recorder
}

func testAccount(id, ownerID string, available string) *account.Account {
	return &account.Account{
		ID:        id,
		OwnerID:   ownerID,
		Currency:  money.NGN,
		Available: decimal.RequireFromString(available),
		Pending:   decimal.Zero,
		Status:    account.StatusActive,
		Version:   1,
	}
}

func p2pRequest(reference string) *Request {
	return &Request{
		Reference:      reference,
		Type:           TypeP2P,
		OwnerID:        "alice",
		CounterpartyID: "bob",
		Amount:         "1000.00",
		Currency:       money.NGN,
	}
}

// history that keeps the risk score at zero: the counterparty is known and
// the transactions are outside the velocity window.
func quietHistory() []Transaction {
	bob := "bob"
	return []Transaction{
		{
			Reference:      "old-tx",
			CounterpartyID: &bob,
			Amount:         decimal.RequireFromString("50.00"),
			CreatedAt:      time.Now().Add(-48 * time.Hour),
		},
	}
}

func TestCoordinator_Submit_Committed(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-1", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-1", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-alice", "1000", ledger.Debit).Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-bob", "990", ledger.Credit).Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-platform", "10", ledger.Credit).Return(nil)

	var appended *ledger.PostingGroup
	deps.journal.On("Append", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { appended = args.Get(1).(*ledger.PostingGroup) }).
		Return(&ledger.PostingGroup{
			Reference: "tx-1",
			Postings: []ledger.Posting{
				{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
				{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
				{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
			},
		}, false, nil)

	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-1"))

	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)
	assert.Equal(t, "1000", result.Amount.String())
	assert.Equal(t, "10", result.Fee.String())
	assert.Equal(t, "990", result.NetAmount.String())

	// the appended group must balance: one gross debit, net plus fee credits
	require.NotNil(t, appended)
	require.Len(t, appended.Postings, 3)
	debits, credits := decimal.Zero, decimal.Zero
	for _, p := range appended.Postings {
		if p.Direction == ledger.Debit {
			debits = debits.Add(p.Amount)
		} else {
			credits = credits.Add(p.Amount)
		}
	}
	assert.True(t, debits.Equal(credits), "debits %s != credits %s", debits, credits)

	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-1", StatusRiskChecked, "")
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-1", StatusReserved, "")
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-1", StatusPosted, "")
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-1", StatusCommitted, "")
	deps.store.AssertNumberOfCalls(t, "Reserve", 1)
	deps.notifier.AssertNumberOfCalls(t, "Publish", 1)
}

func TestCoordinator_Submit_InsufficientFunds(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "100.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-2", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-2", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(account.ErrInsufficientFunds)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-2"))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "insufficient funds", result.Reason)
	deps.journal.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	deps.store.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Submit_RiskDenied(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	req := p2pRequest("tx-3")
	req.Amount = "2000000.00"
	req.Region = "KP"

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return([]Transaction{}, nil)
	// large amount 30 + new counterparty 15 + sanctioned region 40 = 85
	deps.txRepo.On("SetRisk", mock.Anything, "tx-3", 85.0, "CRITICAL").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-3", StatusRejected, "risk check denied").Return(nil)
	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Submit(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, StatusRejected, result.Status)
	require.NotNil(t, result.Risk)
	assert.Equal(t, risk.LevelCritical, result.Risk.Level)
	assert.Contains(t, result.Risk.Reasons, "Transaction involves sanctioned region")

	// a denial must never touch balances or the journal
	deps.store.AssertNotCalled(t, "GetOrCreate", mock.Anything, mock.Anything, mock.Anything)
	deps.store.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
	deps.journal.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestCoordinator_Submit_DuplicateReplay(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	prior := &Transaction{
		Reference: "tx-4",
		Type:      TypeP2P,
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("1000.00"),
		Fee:       decimal.RequireFromString("10.00"),
		NetAmount: decimal.RequireFromString("990.00"),
		Currency:  money.NGN,
	}
	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(prior, true, nil)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-4"))

	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)

	// the replay must not re-run any stage
	deps.txRepo.AssertNotCalled(t, "SetRisk", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	deps.store.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
	deps.journal.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestCoordinator_Submit_StaleVersionRetried(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-5", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-5", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)

	// a concurrent writer bumps the version once; the retry re-reads and wins
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(account.ErrStaleVersion).Once()
	deps.store.On("GetByID", mock.Anything, "acct-alice").Return(testAccount("acct-alice", "alice", "4500.00"), nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(nil)
	deps.store.On("Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	deps.journal.On("Append", mock.Anything, mock.Anything).Return(&ledger.PostingGroup{
		Reference: "tx-5",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, false, nil)
	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-5"))

	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)
	deps.store.AssertNumberOfCalls(t, "Reserve", 2)
}

func TestCoordinator_Submit_ConflictExhaustsRetries(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-6", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-6", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(account.ErrStaleVersion)
	deps.store.On("GetByID", mock.Anything, "acct-alice").Return(testAccount("acct-alice", "alice", "5000.00"), nil)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-6"))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "concurrent update conflict", result.Reason)
	deps.store.AssertNumberOfCalls(t, "Reserve", 3)
	deps.journal.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestCoordinator_Submit_SettlementIncompleteStaysPosted(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-7", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-7", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-alice", "1000", ledger.Debit).Return(errors.New("db down"))

	deps.journal.On("Append", mock.Anything, mock.Anything).Return(&ledger.PostingGroup{
		Reference: "tx-7",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, false, nil)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-7"))

	require.NoError(t, err)
	// postings are durable; the transaction parks in POSTED for reconciliation
	assert.Equal(t, StatusPosted, result.Status)
	assert.Equal(t, ErrSettlementIncomplete.Error(), result.Reason)
	deps.store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Submit_ReleasesHoldsOnJournalFailure(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-8", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-8", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(nil)
	deps.store.On("Release", mock.Anything, "acct-alice", "1000").Return(nil)

	deps.journal.On("Append", mock.Anything, mock.Anything).Return(nil, false, errors.New("db down"))

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-8"))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	deps.store.AssertCalled(t, "Release", mock.Anything, "acct-alice", "1000")
}

func TestCoordinator_Submit_InvalidRequests(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t)

	tests := []struct {
		name string
		mod  func(*Request)
	}{
		{"missing reference", func(r *Request) { r.Reference = "" }},
		{"missing owner", func(r *Request) { r.OwnerID = "" }},
		{"unknown type", func(r *Request) { r.Type = "GIFT" }},
		{"p2p without counterparty", func(r *Request) { r.CounterpartyID = "" }},
		{"negative amount", func(r *Request) { r.Amount = "-5.00" }},
		{"zero amount", func(r *Request) { r.Amount = "0.00" }},
		{"excess precision", func(r *Request) { r.Amount = "10.001" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := p2pRequest("tx-bad")
			tt.mod(req)

			_, err := coordinator.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCoordinator_Cancel(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	deps.txRepo.On("GetByReference", mock.Anything, "tx-9").Return(&Transaction{
		Reference: "tx-9",
		Status:    StatusRiskChecked,
	}, nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-9", StatusCancelled, "cancelled by caller").Return(nil)

	result, err := coordinator.Cancel(context.Background(), "tx-9")

	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
}

func TestCoordinator_Cancel_TooLate(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	for _, status := range []Status{StatusReserved, StatusPosted, StatusCommitted, StatusReversed} {
		deps.txRepo.On("GetByReference", mock.Anything, "tx-"+string(status)).Return(&Transaction{
			Reference: "tx-" + string(status),
			Status:    status,
		}, nil)

		_, err := coordinator.Cancel(context.Background(), "tx-"+string(status))
		assert.ErrorIs(t, err, ErrNotCancellable, "status %s", status)
	}
	deps.txRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Reverse(t *testing.T) {
	coordinator, deps, recorder := newTestCoordinator(t)

	deps.txRepo.On("GetByReference", mock.Anything, "tx-10").Return(&Transaction{
		Reference: "tx-10",
		OwnerID:   "alice",
		Type:      TypeP2P,
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("1000.00"),
		Fee:       decimal.RequireFromString("10.00"),
		NetAmount: decimal.RequireFromString("990.00"),
		Currency:  money.NGN,
	}, nil)

	deps.journal.On("GetGroup", mock.Anything, "tx-10").Return(&ledger.PostingGroup{
		Reference: "tx-10",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, nil)

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "REV-tx-10", mock.Anything, mock.Anything).Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-10", StatusReversed, "").Return(nil)

	deps.store.On("GetByID", mock.Anything, "acct-alice").Return(testAccount("acct-alice", "alice", "4000.00"), nil)
	deps.store.On("GetByID", mock.Anything, "acct-bob").Return(testAccount("acct-bob", "bob", "990.00"), nil)
	deps.store.On("GetByID", mock.Anything, "acct-platform").Return(testAccount("acct-platform", "platform", "10.00"), nil)

	// the inverse debits come out of the original credit accounts
	deps.store.On("Reserve", mock.Anything, "acct-bob", "990").Return(nil)
	deps.store.On("Reserve", mock.Anything, "acct-platform", "10").Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-alice", "1000", ledger.Credit).Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-bob", "990", ledger.Debit).Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-platform", "10", ledger.Debit).Return(nil)

	var revGroup *ledger.PostingGroup
	deps.journal.On("Append", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { revGroup = args.Get(1).(*ledger.PostingGroup) }).
		Return(&ledger.PostingGroup{
			Reference: "REV-tx-10",
			Postings: []ledger.Posting{
				{AccountID: "acct-alice", Direction: ledger.Credit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
				{AccountID: "acct-bob", Direction: ledger.Debit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
				{AccountID: "acct-platform", Direction: ledger.Debit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
			},
		}, false, nil)

	recorder.On("Record", mock.Anything, "admin-1", "REVERSE_TRANSACTION", "tx-10", "chargeback").Return(nil)
	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Reverse(context.Background(), "tx-10", "chargeback", "admin-1")

	require.NoError(t, err)
	assert.Equal(t, "REV-tx-10", result.Reference)
	assert.Equal(t, StatusCommitted, result.Status)

	require.NotNil(t, revGroup)
	require.NotNil(t, revGroup.Reverses)
	assert.Equal(t, "tx-10", *revGroup.Reverses)
	for i, p := range revGroup.Postings {
		assert.NotEqual(t, ledger.Direction(""), p.Direction, "posting %d", i)
	}

	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-10", StatusReversed, "")
	recorder.AssertCalled(t, "Record", mock.Anything, "admin-1", "REVERSE_TRANSACTION", "tx-10", "chargeback")
}

func TestCoordinator_Reverse_OnlyCommitted(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	deps.txRepo.On("GetByReference", mock.Anything, "tx-11").Return(&Transaction{
		Reference: "tx-11",
		Status:    StatusFailed,
	}, nil)

	_, err := coordinator.Reverse(context.Background(), "tx-11", "oops", "admin-1")
	assert.ErrorIs(t, err, ErrNotReversible)
}

func TestCoordinator_Reverse_Idempotent(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	deps.txRepo.On("GetByReference", mock.Anything, "tx-12").Return(&Transaction{
		Reference: "tx-12",
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  money.NGN,
	}, nil)
	deps.journal.On("GetGroup", mock.Anything, "tx-12").Return(&ledger.PostingGroup{
		Reference: "tx-12",
		Postings: []ledger.Posting{
			{AccountID: "acct-a", Direction: ledger.Debit, Amount: decimal.RequireFromString("100.00"), Currency: money.NGN},
			{AccountID: "acct-b", Direction: ledger.Credit, Amount: decimal.RequireFromString("100.00"), Currency: money.NGN},
		},
	}, nil)

	prior := &Transaction{
		Reference: "REV-tx-12",
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  money.NGN,
	}
	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(prior, true, nil)

	result, err := coordinator.Reverse(context.Background(), "tx-12", "again", "admin-1")

	require.NoError(t, err)
	assert.Equal(t, "REV-tx-12", result.Reference)
	deps.store.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
	deps.journal.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

// A reversal that loses the journal race must replay the winner's outcome,
// not settle the group a second time.
func TestCoordinator_Reverse_DuplicateGroupReplaysPrior(t *testing.T) {
	coordinator, deps, recorder := newTestCoordinator(t)

	deps.txRepo.On("GetByReference", mock.Anything, "tx-13").Return(&Transaction{
		Reference: "tx-13",
		OwnerID:   "alice",
		Type:      TypeP2P,
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("1000.00"),
		Fee:       decimal.RequireFromString("10.00"),
		NetAmount: decimal.RequireFromString("990.00"),
		Currency:  money.NGN,
	}, nil)
	deps.journal.On("GetGroup", mock.Anything, "tx-13").Return(&ledger.PostingGroup{
		Reference: "tx-13",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, nil)

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)

	deps.store.On("GetByID", mock.Anything, "acct-alice").Return(testAccount("acct-alice", "alice", "4000.00"), nil)
	deps.store.On("GetByID", mock.Anything, "acct-bob").Return(testAccount("acct-bob", "bob", "990.00"), nil)
	deps.store.On("GetByID", mock.Anything, "acct-platform").Return(testAccount("acct-platform", "platform", "10.00"), nil)
	deps.store.On("Reserve", mock.Anything, "acct-bob", "990").Return(nil)
	deps.store.On("Reserve", mock.Anything, "acct-platform", "10").Return(nil)
	deps.store.On("Release", mock.Anything, "acct-bob", "990").Return(nil)
	deps.store.On("Release", mock.Anything, "acct-platform", "10").Return(nil)

	// a racing reversal got its group in first
	deps.journal.On("Append", mock.Anything, mock.Anything).Return(&ledger.PostingGroup{
		Reference: "REV-tx-13",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Credit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Debit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Debit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, true, nil)
	deps.txRepo.On("GetByReference", mock.Anything, "REV-tx-13").Return(&Transaction{
		Reference: "REV-tx-13",
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("1000.00"),
		Currency:  money.NGN,
	}, nil)

	result, err := coordinator.Reverse(context.Background(), "tx-13", "chargeback", "admin-1")

	require.NoError(t, err)
	assert.Equal(t, "REV-tx-13", result.Reference)
	assert.Equal(t, StatusCommitted, result.Status)

	// the winner owns settlement; our holds must come back and nothing settles
	deps.store.AssertCalled(t, "Release", mock.Anything, "acct-bob", "990")
	deps.store.AssertCalled(t, "Release", mock.Anything, "acct-platform", "10")
	deps.store.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	deps.txRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, "tx-13", StatusReversed, "")
	recorder.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// A reversal attempt that failed before posting anything must be restartable:
// the derived reference cannot be "used up" by a transient outage.
func TestCoordinator_Reverse_RetriesAfterFailedAttempt(t *testing.T) {
	coordinator, deps, recorder := newTestCoordinator(t)

	deps.txRepo.On("GetByReference", mock.Anything, "tx-14").Return(&Transaction{
		Reference: "tx-14",
		OwnerID:   "alice",
		Type:      TypeP2P,
		Status:    StatusCommitted,
		Amount:    decimal.RequireFromString("1000.00"),
		Fee:       decimal.RequireFromString("10.00"),
		NetAmount: decimal.RequireFromString("990.00"),
		Currency:  money.NGN,
	}, nil)
	deps.journal.On("GetGroup", mock.Anything, "tx-14").Return(&ledger.PostingGroup{
		Reference: "tx-14",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, nil)

	// the earlier attempt died before appending, so no postings exist
	failedReason := "journal append failed"
	originalRef := "tx-14"
	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{
		Reference:     "REV-tx-14",
		OwnerID:       "alice",
		Type:          TypeP2P,
		Status:        StatusFailed,
		FailureReason: &failedReason,
		Amount:        decimal.RequireFromString("1000.00"),
		NetAmount:     decimal.RequireFromString("1000.00"),
		Currency:      money.NGN,
		Reverses:      &originalRef,
	}, true, nil)

	deps.txRepo.On("UpdateStatus", mock.Anything, "REV-tx-14", mock.Anything, mock.Anything).Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-14", StatusReversed, "").Return(nil)

	deps.store.On("GetByID", mock.Anything, "acct-alice").Return(testAccount("acct-alice", "alice", "4000.00"), nil)
	deps.store.On("GetByID", mock.Anything, "acct-bob").Return(testAccount("acct-bob", "bob", "990.00"), nil)
	deps.store.On("GetByID", mock.Anything, "acct-platform").Return(testAccount("acct-platform", "platform", "10.00"), nil)
	deps.store.On("Reserve", mock.Anything, "acct-bob", "990").Return(nil)
	deps.store.On("Reserve", mock.Anything, "acct-platform", "10").Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-alice", "1000", ledger.Credit).Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-bob", "990", ledger.Debit).Return(nil)
	deps.store.On("Settle", mock.Anything, "acct-platform", "10", ledger.Debit).Return(nil)

	deps.journal.On("Append", mock.Anything, mock.Anything).Return(&ledger.PostingGroup{
		Reference: "REV-tx-14",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Credit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Debit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Debit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, false, nil)

	recorder.On("Record", mock.Anything, "admin-1", "REVERSE_TRANSACTION", "tx-14", "chargeback").Return(nil)
	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Reverse(context.Background(), "tx-14", "chargeback", "admin-1")

	require.NoError(t, err)
	assert.Equal(t, "REV-tx-14", result.Reference)
	assert.Equal(t, StatusCommitted, result.Status)

	// the failed row restarts rather than replaying its failure
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "REV-tx-14", StatusCreated, "")
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-14", StatusReversed, "")
	deps.journal.AssertNumberOfCalls(t, "Append", 1)
}

// A transient journal outage is retried before the transaction fails.
func TestCoordinator_Submit_JournalAppendRetried(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")

	deps.txRepo.On("Create", mock.Anything, mock.Anything).Return(&Transaction{}, false, nil)
	deps.txRepo.On("RecentByOwner", mock.Anything, "alice", 50).Return(quietHistory(), nil)
	deps.txRepo.On("SetRisk", mock.Anything, "tx-15", 0.0, "LOW").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-15", mock.Anything, mock.Anything).Return(nil)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(nil)
	deps.store.On("Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	deps.journal.On("Append", mock.Anything, mock.Anything).Return(nil, false, errors.New("connection reset")).Once()
	deps.journal.On("Append", mock.Anything, mock.Anything).Return(&ledger.PostingGroup{
		Reference: "tx-15",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, false, nil)
	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Submit(context.Background(), p2pRequest("tx-15"))

	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)
	deps.journal.AssertNumberOfCalls(t, "Append", 2)
	deps.store.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_OverrideRisk(t *testing.T) {
	coordinator, deps, recorder := newTestCoordinator(t)

	bobID := "bob"
	reason := "risk check denied"
	deps.txRepo.On("GetByReference", mock.Anything, "tx-16").Return(&Transaction{
		Reference:      "tx-16",
		OwnerID:        "alice",
		CounterpartyID: &bobID,
		Type:           TypeP2P,
		Status:         StatusRejected,
		FailureReason:  &reason,
		Amount:         decimal.RequireFromString("1000.00"),
		Fee:            decimal.RequireFromString("10.00"),
		NetAmount:      decimal.RequireFromString("990.00"),
		Currency:       money.NGN,
	}, nil)

	recorder.On("Record", mock.Anything, "admin-1", "RISK_OVERRIDE", "tx-16", "KYC verified out of band").Return(nil)
	deps.txRepo.On("UpdateStatus", mock.Anything, "tx-16", mock.Anything, mock.Anything).Return(nil)

	alice := testAccount("acct-alice", "alice", "5000.00")
	bob := testAccount("acct-bob", "bob", "0.00")
	platform := testAccount("acct-platform", "platform", "0.00")
	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).Return(alice, nil)
	deps.store.On("GetOrCreate", mock.Anything, "bob", money.NGN).Return(bob, nil)
	deps.store.On("GetOrCreate", mock.Anything, "platform", money.NGN).Return(platform, nil)
	deps.store.On("Reserve", mock.Anything, "acct-alice", "1000").Return(nil)
	deps.store.On("Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	deps.journal.On("Append", mock.Anything, mock.Anything).Return(&ledger.PostingGroup{
		Reference: "tx-16",
		Postings: []ledger.Posting{
			{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
			{AccountID: "acct-bob", Direction: ledger.Credit, Amount: decimal.RequireFromString("990.00"), Currency: money.NGN},
			{AccountID: "acct-platform", Direction: ledger.Credit, Amount: decimal.RequireFromString("10.00"), Currency: money.NGN},
		},
	}, false, nil)
	deps.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.OverrideRisk(context.Background(), "tx-16", "KYC verified out of band", "admin-1")

	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)

	// the override is on the record before any funds move
	recorder.AssertCalled(t, "Record", mock.Anything, "admin-1", "RISK_OVERRIDE", "tx-16", "KYC verified out of band")
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-16", StatusRiskChecked, "")
	deps.txRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "tx-16", StatusCommitted, "")
}

func TestCoordinator_OverrideRisk_OnlyRejected(t *testing.T) {
	coordinator, deps, recorder := newTestCoordinator(t)

	for _, status := range []Status{StatusCreated, StatusCommitted, StatusFailed, StatusCancelled} {
		ref := "tx-" + string(status)
		deps.txRepo.On("GetByReference", mock.Anything, ref).Return(&Transaction{
			Reference: ref,
			Type:      TypeP2P,
			Status:    status,
		}, nil)

		_, err := coordinator.OverrideRisk(context.Background(), ref, "second look", "admin-1")
		assert.ErrorIs(t, err, ErrNotOverridable, "status %s", status)
	}

	// conversions carry an expired quote and must be resubmitted instead
	deps.txRepo.On("GetByReference", mock.Anything, "tx-convert").Return(&Transaction{
		Reference: "tx-convert",
		Type:      TypeCryptoConvert,
		Status:    StatusRejected,
	}, nil)
	_, err := coordinator.OverrideRisk(context.Background(), "tx-convert", "second look", "admin-1")
	assert.ErrorIs(t, err, ErrNotOverridable)

	recorder.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	deps.store.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_GetBalance(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).
		Return(testAccount("acct-alice", "alice", "5000.00"), nil)

	acct, err := coordinator.GetBalance(context.Background(), "alice", money.NGN)

	require.NoError(t, err)
	assert.Equal(t, "acct-alice", acct.ID)
	assert.Equal(t, "5000", acct.Available.String())
}

func TestCoordinator_GetHistory(t *testing.T) {
	coordinator, deps, _ := newTestCoordinator(t)

	deps.store.On("GetOrCreate", mock.Anything, "alice", money.NGN).
		Return(testAccount("acct-alice", "alice", "5000.00"), nil)
	deps.journal.On("EntriesFor", mock.Anything, "acct-alice", 20, 0).Return([]ledger.Posting{
		{AccountID: "acct-alice", Direction: ledger.Debit, Amount: decimal.RequireFromString("1000.00"), Currency: money.NGN},
	}, nil)

	postings, err := coordinator.GetHistory(context.Background(), "alice", money.NGN, 20, 0)

	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, ledger.Debit, postings[0].Direction)
}
