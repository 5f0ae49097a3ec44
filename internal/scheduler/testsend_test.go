package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"bizjournal/internal/memstore"
	"bizjournal/internal/types"
)

func TestSendTest_EnqueuesPriorityJobOutsideLedger(t *testing.T) {
	store := memstore.New()
	store.Preferences.Put(pref("u1", 9))
	clock := &mockClock{now: tick7}
	s := NewTestSender(store.Preferences, store.Jobs, store.Locks, clock, TestSenderConfig{MaxRetries: 1}, nil)

	job, err := s.SendTest(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if !job.IsTest || job.Priority != types.MaxPriority || job.DedupDay != nil {
		t.Errorf("job = %+v", job)
	}
	if _, ok := job.DeliveryKey(); ok {
		t.Error("test jobs must not carry a delivery key")
	}
	stored, err := store.Jobs.Get(context.Background(), job.ID)
	if err != nil || stored.Status != types.JobStatusPending {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSendTest_Cooldown(t *testing.T) {
	store := memstore.New()
	store.Preferences.Put(pref("u1", 9))
	clock := &mockClock{now: tick7}
	s := NewTestSender(store.Preferences, store.Jobs, store.Locks, clock, TestSenderConfig{Cooldown: 5 * time.Minute}, nil)

	if _, err := s.SendTest(context.Background(), "u1"); err != nil {
		t.Fatalf("first SendTest: %v", err)
	}

	clock.Set(tick7.Add(2 * time.Minute))
	_, err := s.SendTest(context.Background(), "u1")
	if types.CodeOf(err) != types.ErrCodeCooldownActive {
		t.Fatalf("code = %q, want cooldown", types.CodeOf(err))
	}
	appErr := err.(*types.AppError)
	if got := appErr.Details["retry_after_seconds"]; got != 181 {
		t.Errorf("retry_after_seconds = %v, want 181", got)
	}

	clock.Set(tick7.Add(6 * time.Minute))
	if _, err := s.SendTest(context.Background(), "u1"); err != nil {
		t.Errorf("SendTest after cooldown: %v", err)
	}
	if n := len(store.Jobs.List(context.Background())); n != 2 {
		t.Errorf("jobs = %d, want 2", n)
	}
}

// failingOnce rejects the first Enqueue and forwards the rest.
type failingOnce struct {
	next   JobEnqueuer
	failed bool
}

func (f *failingOnce) Enqueue(ctx context.Context, job *types.Job) error {
	if !f.failed {
		f.failed = true
		return errors.New("connection reset")
	}
	return f.next.Enqueue(ctx, job)
}

func TestSendTest_FailedEnqueueKeepsNoCooldown(t *testing.T) {
	store := memstore.New()
	store.Preferences.Put(pref("u1", 9))
	clock := &mockClock{now: tick7}
	jobs := &failingOnce{next: store.Jobs}
	s := NewTestSender(store.Preferences, jobs, store.Locks, clock, TestSenderConfig{Cooldown: 5 * time.Minute}, nil)

	if _, err := s.SendTest(context.Background(), "u1"); err == nil {
		t.Fatal("expected the first SendTest to fail")
	}

	clock.Set(tick7.Add(10 * time.Second))
	job, err := s.SendTest(context.Background(), "u1")
	if err != nil {
		t.Fatalf("retry after failed enqueue: %v", err)
	}
	if n := len(store.Jobs.List(context.Background())); n != 1 || job == nil {
		t.Errorf("jobs = %d, want 1", n)
	}

	_, err = s.SendTest(context.Background(), "u1")
	if types.CodeOf(err) != types.ErrCodeCooldownActive {
		t.Errorf("code after a successful send = %q, want cooldown", types.CodeOf(err))
	}
}

func TestSendTest_Validation(t *testing.T) {
	store := memstore.New()
	noEmail := pref("u2", 9)
	noEmail.Email = ""
	store.Preferences.Put(noEmail)
	badFlags := pref("u3", 9)
	badFlags.LoadErr = errors.New("decoding content_flags for user u3")
	store.Preferences.Put(badFlags)
	s := NewTestSender(store.Preferences, store.Jobs, store.Locks, &mockClock{now: tick7}, TestSenderConfig{}, nil)

	tests := []struct {
		userID string
		want   types.ErrorCode
	}{
		{"", types.ErrCodeValidationMissingField},
		{"ghost", types.ErrCodeNotFoundUser},
		{"u2", types.ErrCodeValidationInvalidEmail},
		{"u3", types.ErrCodeValidationInvalidPreference},
	}
	for _, tc := range tests {
		_, err := s.SendTest(context.Background(), tc.userID)
		if got := types.CodeOf(err); got != tc.want {
			t.Errorf("SendTest(%q) code = %q, want %q", tc.userID, got, tc.want)
		}
	}
}
