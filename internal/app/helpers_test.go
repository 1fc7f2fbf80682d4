package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
	"github.com/stokvel/stokvel-service/internal/store/memstore"
	"github.com/stokvel/stokvel-service/pkg/paymentclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	to   string
	body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Notify(_ context.Context, to, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{to: to, body: body})
}

func (n *recordingNotifier) messagesTo(to string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		if m.to == to {
			out = append(out, m.body)
		}
	}
	return out
}

func (n *recordingNotifier) containing(substr string) []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, m := range n.sent {
		if strings.Contains(m.body, substr) {
			out = append(out, m)
		}
	}
	return out
}

// gatewayStub hands out sequential tokens and records every request.
type gatewayStub struct {
	mu         sync.Mutex
	seq        int
	setups     []paymentclient.GrantSetupRequest
	adhoc      []paymentclient.AdhocSetupRequest
	initial    []paymentclient.InitialPaymentRequest
	recurring  []paymentclient.RecurringPaymentRequest
	payouts    []paymentclient.RecurringPaymentRequest
	failWallet map[string]bool
	failSetup  bool
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{failWallet: make(map[string]bool)}
}

var errGatewayDown = errors.New("gateway returned status 503")

func (g *gatewayStub) nextLocked(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%d", prefix, g.seq)
}

func (g *gatewayStub) setupResponse(prefix string) *paymentclient.GrantSetupResponse {
	resp := &paymentclient.GrantSetupResponse{ContinueURI: "https://auth.example/continue/" + g.nextLocked(prefix)}
	resp.ContinueToken.Value = g.nextLocked(prefix + "-token")
	resp.QuoteID = g.nextLocked(prefix + "-quote")
	resp.RecurringGrant.Interact.Redirect = "https://auth.example/interact/" + g.nextLocked(prefix)
	return resp
}

func (g *gatewayStub) SetupContributionGrant(_ context.Context, req paymentclient.GrantSetupRequest) (*paymentclient.GrantSetupResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSetup {
		return nil, errGatewayDown
	}
	g.setups = append(g.setups, req)
	return g.setupResponse("contribution"), nil
}

func (g *gatewayStub) SetupPayoutGrant(_ context.Context, req paymentclient.GrantSetupRequest) (*paymentclient.GrantSetupResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSetup {
		return nil, errGatewayDown
	}
	g.setups = append(g.setups, req)
	return g.setupResponse("payout"), nil
}

func (g *gatewayStub) SetupAdhocGrant(_ context.Context, req paymentclient.AdhocSetupRequest) (*paymentclient.GrantSetupResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adhoc = append(g.adhoc, req)
	return g.setupResponse("adhoc"), nil
}

func (g *gatewayStub) payment(prefix string) *paymentclient.PaymentResponse {
	return &paymentclient.PaymentResponse{
		Token:     g.nextLocked(prefix + "-token"),
		ManageURL: "https://auth.example/manage/" + g.nextLocked(prefix),
	}
}

func (g *gatewayStub) CreateInitialPayment(_ context.Context, req paymentclient.InitialPaymentRequest) (*paymentclient.PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWallet[req.WalletAddress] {
		return nil, errGatewayDown
	}
	g.initial = append(g.initial, req)
	return g.payment("initial"), nil
}

func (g *gatewayStub) ProcessRecurringPayment(_ context.Context, req paymentclient.RecurringPaymentRequest) (*paymentclient.PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWallet[req.SenderWalletAddress] {
		return nil, errGatewayDown
	}
	g.recurring = append(g.recurring, req)
	return g.payment("recurring"), nil
}

func (g *gatewayStub) ProcessRecurringPayoutWithInterest(_ context.Context, req paymentclient.RecurringPaymentRequest) (*paymentclient.PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWallet[req.ReceivingWalletAddress] {
		return nil, errGatewayDown
	}
	g.payouts = append(g.payouts, req)
	return g.payment("payout"), nil
}

func (g *gatewayStub) fail(wallet string) {
	g.mu.Lock()
	g.failWallet[wallet] = true
	g.mu.Unlock()
}

func (g *gatewayStub) recover(wallet string) {
	g.mu.Lock()
	delete(g.failWallet, wallet)
	g.mu.Unlock()
}

// testEnv wires every service over an in-memory store.
type testEnv struct {
	repo       *memstore.Store
	clock      *FakeClock
	gateway    *gatewayStub
	notifier   *recordingNotifier
	grants     *GrantOrchestrator
	calculator *PayoutCalculator
	stokvels   *StokvelService
	membership *MembershipService
	otp        *OTPService
	users      *UserService
	interest   *InterestAccrual
	engine     *ScheduleEngine
}

const (
	alicePhone    = "27800000001"
	bobPhone      = "27800000002"
	carolPhone    = "27800000003"
	agentPhone    = "27800000099"
	stokvelWallet = "https://ilp.example/alices_stokvel"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := NewFakeClock(time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC))
	repo := memstore.New().WithClock(clock.Now)
	gateway := newGatewayStub()
	notifier := &recordingNotifier{}
	logger := testLogger()

	grants := NewGrantOrchestrator(repo, gateway, notifier, clock, nil, logger)
	calculator := NewPayoutCalculator(repo)
	interest := NewInterestAccrual(repo, ZeroRate{}, nil, logger)
	contributions := NewContributionWorker(repo, gateway, notifier, clock, nil, logger)
	payouts := NewPayoutWorker(repo, gateway, grants, calculator, notifier, clock, nil, logger)
	otp := NewOTPService(repo, notifier, clock, 2*time.Minute, logger)

	return &testEnv{
		repo:       repo,
		clock:      clock,
		gateway:    gateway,
		notifier:   notifier,
		grants:     grants,
		calculator: calculator,
		stokvels:   NewStokvelService(repo, grants, calculator, clock, logger),
		membership: NewMembershipService(repo, grants, calculator, notifier, clock, "https://portal.example", agentPhone, logger),
		otp:        otp,
		users:      NewUserService(repo, otp, clock, logger),
		interest:   interest,
		engine:     NewScheduleEngine(repo, contributions, payouts, interest, clock, time.Minute, 4, nil, logger),
	}
}

func (e *testEnv) addUser(t *testing.T, phone, name string) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:            "user-" + name,
		PhoneNumber:   phone,
		Name:          name,
		Surname:       "Test",
		WalletAddress: "https://ilp.example/" + strings.ToLower(name),
		CreatedAt:     e.clock.Now(),
		UpdatedAt:     e.clock.Now(),
	}
	if err := e.repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user %s: %v", name, err)
	}
	return user
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func aliceStokvelParams() CreateStokvelParams {
	return CreateStokvelParams{
		Name:               "Alice SV",
		WalletAddress:      stokvelWallet,
		MinContribution:    10000,
		MaxMembers:         5,
		StartDate:          date(2025, time.January, 1),
		EndDate:            date(2025, time.June, 1),
		ContributionPeriod: domain.PeriodMonths,
		PayoutPeriod:       domain.PeriodMonths,
	}
}

// createStokvel creates "Alice SV" owned by alice.
func (e *testEnv) createStokvel(t *testing.T, params CreateStokvelParams) *CreateStokvelResult {
	t.Helper()
	result, err := e.stokvels.Create(context.Background(), alicePhone, params)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return result
}

// acceptAll accepts both recurring grants of a member.
func (e *testEnv) acceptAll(t *testing.T, stokvelID, userID string) {
	t.Helper()
	for _, kind := range []domain.GrantKind{domain.GrantUserContribution, domain.GrantStokvelPayout} {
		outcome, err := e.grants.AcceptGrant(context.Background(), GrantCallback{
			Kind:        kind,
			UserID:      userID,
			StokvelID:   stokvelID,
			InteractRef: "ref-" + string(kind) + "-" + userID,
		})
		if err != nil || outcome != GrantAccepted {
			t.Fatalf("AcceptGrant(%s) expected accepted, got %q, %v", kind, outcome, err)
		}
	}
}

// join runs apply and approve for a member, returning their user.
func (e *testEnv) join(t *testing.T, stokvelName, phone, name string, contribution int64) *domain.User {
	t.Helper()
	user := e.addUser(t, phone, name)
	ctx := context.Background()
	app, err := e.membership.SubmitApplication(ctx, phone, stokvelName, contribution)
	if err != nil {
		t.Fatalf("SubmitApplication returned error: %v", err)
	}
	if _, err := e.membership.ApproveApplication(ctx, alicePhone, app.ID); err != nil {
		t.Fatalf("ApproveApplication returned error: %v", err)
	}
	return user
}

func (e *testEnv) transactions(t *testing.T, stokvelID string, txType domain.TxType) []domain.Transaction {
	t.Helper()
	txs, err := e.repo.ListTransactions(context.Background(), store.TransactionFilter{StokvelID: stokvelID, Type: txType})
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	return txs
}
