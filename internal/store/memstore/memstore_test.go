package memstore

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

var t0 = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

func newStokvel(t *testing.T, s *Store) domain.Stokvel {
	t.Helper()
	sv := domain.Stokvel{
		ID:                 "sv-1",
		Name:               "Alice SV",
		WalletAddress:      "https://ilp.example/sv",
		MinContribution:    10000,
		MaxMembers:         2,
		StartDate:          time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		EndDate:            time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC),
		ContributionPeriod: domain.PeriodMonths,
		PayoutPeriod:       domain.PeriodMonths,
		CreatedAt:          t0,
	}
	if err := s.CreateStokvel(context.Background(), store.CreateStokvelParams{Stokvel: sv, CreatorID: "user-alice", CreatorContribution: 10000}); err != nil {
		t.Fatalf("CreateStokvel returned error: %v", err)
	}
	return sv
}

func TestConversationStack(t *testing.T) {
	s := New()
	ctx := context.Background()
	const phone = "27800000001"

	state, err := s.GetConversationState(ctx, phone)
	if err != nil || len(state.Stack) != 0 {
		t.Fatalf("expected an empty state for a new number, got %+v (err %v)", state, err)
	}

	s.ResetState(ctx, phone, "registered_number", t0)
	s.PushState(ctx, phone, "stokvel_services", t0)
	s.PushState(ctx, phone, "my_stokvels", t0)
	s.SetStokvelSelection(ctx, phone, "sv-1", t0)

	state, _ = s.GetConversationState(ctx, phone)
	if want := []string{"registered_number", "stokvel_services", "my_stokvels"}; !reflect.DeepEqual(state.Stack, want) {
		t.Fatalf("expected stack %v, got %v", want, state.Stack)
	}
	if top, _ := state.Top(); top != "my_stokvels" {
		t.Fatalf("expected my_stokvels on top, got %q", top)
	}

	// Mutating a returned copy must not leak into the store.
	state.Stack[0] = "tampered"

	s.PopState(ctx, phone, t0.Add(time.Minute))
	state, _ = s.GetConversationState(ctx, phone)
	if want := []string{"registered_number", "stokvel_services"}; !reflect.DeepEqual(state.Stack, want) {
		t.Fatalf("expected stack %v, got %v", want, state.Stack)
	}
	if state.CurrentStokvelSelection != "sv-1" || !state.LastInteraction.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected selection or interaction time %+v", state)
	}

	s.ResetState(ctx, phone, "", t0)
	state, _ = s.GetConversationState(ctx, phone)
	if len(state.Stack) != 0 || state.CurrentStokvelSelection != "" {
		t.Fatalf("expected reset to clear the stack and selection, got %+v", state)
	}
}

func TestInsertTransaction_IsUniquePerMemberDateType(t *testing.T) {
	s := New()
	ctx := context.Background()
	sv := newStokvel(t, s)

	tx := &domain.Transaction{ID: "tx-1", UserID: "user-alice", StokvelID: sv.ID, Amount: 10000, Type: domain.TxDeposit, TxDate: sv.StartDate, CreatedAt: t0}
	inserted, err := s.InsertTransaction(ctx, tx)
	if err != nil || !inserted {
		t.Fatalf("expected first insert to succeed, got %v (err %v)", inserted, err)
	}
	dup := *tx
	dup.ID = "tx-2"
	inserted, err = s.InsertTransaction(ctx, &dup)
	if err != nil || inserted {
		t.Fatalf("expected duplicate insert to be skipped, got %v (err %v)", inserted, err)
	}
	payout := *tx
	payout.ID = "tx-3"
	payout.Type = domain.TxPayout
	if inserted, _ := s.InsertTransaction(ctx, &payout); !inserted {
		t.Fatal("expected a payout on the same date to be recorded")
	}

	stored, _ := s.FindStokvelByID(ctx, sv.ID)
	if stored.TotalContributions != 10000 {
		t.Fatalf("expected total contributions 10000, got %d", stored.TotalContributions)
	}
}

func TestAdvanceSchedule_CompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	sv := newStokvel(t, s)

	due, _ := s.ListDueSchedules(ctx, domain.ScheduleContribution, sv.StartDate)
	if len(due) != 1 || !due[0].EndDate.Equal(sv.EndDate) {
		t.Fatalf("expected one due contribution schedule carrying the end date, got %+v", due)
	}

	prev := sv.StartDate
	next := domain.Schedule{PreviousDate: &prev, NextDate: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.AdvanceSchedule(ctx, domain.ScheduleContribution, sv.ID, sv.StartDate, next); err != nil {
		t.Fatalf("AdvanceSchedule returned error: %v", err)
	}
	if err := s.AdvanceSchedule(ctx, domain.ScheduleContribution, sv.ID, sv.StartDate, next); !errors.Is(err, domain.ErrScheduleConflict) {
		t.Fatalf("expected ErrScheduleConflict on a stale advance, got %v", err)
	}

	sc, err := s.FindSchedule(ctx, domain.ScheduleContribution, sv.ID)
	if err != nil {
		t.Fatalf("FindSchedule returned error: %v", err)
	}
	if !sc.NextDate.Equal(next.NextDate) || sc.PreviousDate == nil || !sc.PreviousDate.Equal(prev) {
		t.Fatalf("unexpected schedule after advance %+v", sc)
	}
	if due, _ := s.ListDueSchedules(ctx, domain.ScheduleContribution, sv.StartDate); len(due) != 0 {
		t.Fatalf("expected nothing due before the next date, got %d", len(due))
	}
}

func TestCreateStokvel_RejectsDuplicateName(t *testing.T) {
	s := New()
	newStokvel(t, s)
	err := s.CreateStokvel(context.Background(), store.CreateStokvelParams{Stokvel: domain.Stokvel{ID: "sv-2", Name: "Alice SV"}, CreatorID: "user-bob"})
	if !errors.Is(err, domain.ErrStokvelNameTaken) {
		t.Fatalf("expected ErrStokvelNameTaken, got %v", err)
	}
}

func TestOutbox_ClaimFailAndPublish(t *testing.T) {
	now := t0
	s := New().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := s.EnqueueOutboxMessage(ctx, "stokvel.events", "notification.message.send", map[string]string{"to": "27800000001"}); err != nil {
		t.Fatalf("EnqueueOutboxMessage returned error: %v", err)
	}

	claimed, _ := s.ClaimOutboxMessages(ctx, 10, 120)
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected one claimed message on its first attempt, got %+v", claimed)
	}
	if again, _ := s.ClaimOutboxMessages(ctx, 10, 120); len(again) != 0 {
		t.Fatalf("expected a leased message not to be claimed twice, got %d", len(again))
	}

	s.MarkOutboxFailed(ctx, claimed[0].ID, 30, "broker down")
	if retry, _ := s.ClaimOutboxMessages(ctx, 10, 120); len(retry) != 0 {
		t.Fatalf("expected the retry delay to be honoured, got %d", len(retry))
	}

	now = now.Add(31 * time.Second)
	retry, _ := s.ClaimOutboxMessages(ctx, 10, 120)
	if len(retry) != 1 || retry[0].Attempts != 2 {
		t.Fatalf("expected the message back on its second attempt, got %+v", retry)
	}
	s.MarkOutboxPublished(ctx, retry[0].ID)

	entries := s.Outbox()
	if len(entries) != 1 || entries[0].Status != "published" || entries[0].LastError != "" {
		t.Fatalf("unexpected outbox %+v", entries)
	}
}

func TestOutbox_ReclaimsStaleLeases(t *testing.T) {
	now := t0
	s := New().WithClock(func() time.Time { return now })
	ctx := context.Background()
	s.EnqueueOutboxMessage(ctx, "x", "y", "payload")

	if claimed, _ := s.ClaimOutboxMessages(ctx, 10, 120); len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d", len(claimed))
	}
	now = now.Add(3 * time.Minute)
	if claimed, _ := s.ClaimOutboxMessages(ctx, 10, 120); len(claimed) != 1 {
		t.Fatalf("expected the stale lease to be reclaimed, got %d", len(claimed))
	}
}
