package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreMarkEventProcessed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.MarkEventProcessed(ctx, "devnet:0xabc:0")
	if err != nil {
		t.Fatalf("MarkEventProcessed() error: %v", err)
	}
	if !first {
		t.Error("first mark should report true")
	}

	again, err := s.MarkEventProcessed(ctx, "devnet:0xabc:0")
	if err != nil {
		t.Fatalf("MarkEventProcessed() second call error: %v", err)
	}
	if again {
		t.Error("second mark should report false")
	}

	other, _ := s.MarkEventProcessed(ctx, "devnet:0xabc:1")
	if !other {
		t.Error("different event key should report true")
	}
}

func TestMemoryStoreRequestLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := &ServiceRequest{
		RequestID:   "req-42",
		AppID:       "app-7",
		ServiceType: "random",
		Status:      RequestReceived,
	}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest() error: %v", err)
	}

	result := "2f"
	completed := time.Now().UTC()
	err := s.UpdateRequest(ctx, "req-42", RequestUpdate{
		Status:      RequestExecuted,
		Result:      &result,
		CompletedAt: &completed,
	})
	if err != nil {
		t.Fatalf("UpdateRequest() error: %v", err)
	}

	got, err := s.GetRequest(ctx, "req-42")
	if err != nil {
		t.Fatalf("GetRequest() error: %v", err)
	}
	if got.Status != RequestExecuted {
		t.Errorf("status = %q, want %q", got.Status, RequestExecuted)
	}
	if got.Result != "2f" {
		t.Errorf("result = %q, want %q", got.Result, "2f")
	}
	if got.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if got.AppID != "app-7" {
		t.Errorf("app_id = %q, untouched field changed", got.AppID)
	}

	if err := s.UpdateRequest(ctx, "req-missing", RequestUpdate{Status: RequestFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing request = %v, want ErrNotFound", err)
	}
	if _, err := s.GetRequest(ctx, "req-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get of missing request = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListRequests(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	seed := []ServiceRequest{
		{RequestID: "req-1", AppID: "app-7", ServiceType: "random", Status: RequestConfirmed, CreatedAt: base.Add(1 * time.Second)},
		{RequestID: "req-2", AppID: "app-7", ServiceType: "compute", Status: RequestFailed, CreatedAt: base.Add(2 * time.Second)},
		{RequestID: "req-3", AppID: "app-9", ServiceType: "random", Status: RequestConfirmed, CreatedAt: base.Add(3 * time.Second)},
	}
	for i := range seed {
		if err := s.CreateRequest(ctx, &seed[i]); err != nil {
			t.Fatalf("CreateRequest(%s) error: %v", seed[i].RequestID, err)
		}
	}

	tests := []struct {
		name    string
		filter  RequestFilter
		wantIDs []string
	}{
		{"all newest first", RequestFilter{}, []string{"req-3", "req-2", "req-1"}},
		{"by app", RequestFilter{AppID: "app-7"}, []string{"req-2", "req-1"}},
		{"by service type", RequestFilter{ServiceType: "random"}, []string{"req-3", "req-1"}},
		{"by status", RequestFilter{Status: RequestFailed}, []string{"req-2"}},
		{"limit", RequestFilter{Limit: 1}, []string{"req-3"}},
		{"offset", RequestFilter{Offset: 2}, []string{"req-1"}},
		{"no match", RequestFilter{AppID: "app-404"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRequests(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRequests() error: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d requests, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].RequestID != want {
					t.Errorf("result[%d] = %q, want %q", i, got[i].RequestID, want)
				}
			}
		})
	}
}

func TestMemoryStoreSubmissionClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub := &Submission{
		RequestID: "req-42",
		Contract:  "ServiceHub",
		Method:    "fulfill",
		Status:    SubmissionReserved,
	}

	created, err := s.CreateSubmission(ctx, sub)
	if err != nil {
		t.Fatalf("CreateSubmission() error: %v", err)
	}
	if !created {
		t.Error("first claim should report true")
	}

	again, err := s.CreateSubmission(ctx, sub)
	if err != nil {
		t.Fatalf("CreateSubmission() replay error: %v", err)
	}
	if again {
		t.Error("replayed claim should report false")
	}

	// Release and reclaim, as the proxy does after a pre-sign failure.
	if err := s.DeleteSubmission(ctx, sub.RequestID); err != nil {
		t.Fatalf("DeleteSubmission() error: %v", err)
	}
	reclaimed, err := s.CreateSubmission(ctx, sub)
	if err != nil {
		t.Fatalf("CreateSubmission() after release error: %v", err)
	}
	if !reclaimed {
		t.Error("claim after release should report true")
	}
}

func TestMemoryStorePendingSubmissions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	subs := []Submission{
		{RequestID: "req-1", Status: SubmissionSubmitted, SubmittedAt: base.Add(2 * time.Second)},
		{RequestID: "req-2", Status: SubmissionConfirmed, SubmittedAt: base},
		{RequestID: "req-3", Status: SubmissionSubmitted, SubmittedAt: base.Add(1 * time.Second)},
	}
	for i := range subs {
		if _, err := s.CreateSubmission(ctx, &subs[i]); err != nil {
			t.Fatalf("CreateSubmission(%s) error: %v", subs[i].RequestID, err)
		}
	}

	pending, err := s.PendingSubmissions(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSubmissions() error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].RequestID != "req-3" || pending[1].RequestID != "req-1" {
		t.Errorf("pending order = %q, %q, want req-3, req-1 (oldest first)", pending[0].RequestID, pending[1].RequestID)
	}

	hash := "0xfeed"
	now := time.Now().UTC()
	err = s.UpdateSubmission(ctx, "req-3", SubmissionUpdate{
		Status:      SubmissionConfirmed,
		TxHash:      &hash,
		ConfirmedAt: &now,
	})
	if err != nil {
		t.Fatalf("UpdateSubmission() error: %v", err)
	}

	got, err := s.GetSubmission(ctx, "req-3")
	if err != nil {
		t.Fatalf("GetSubmission() error: %v", err)
	}
	if got.Status != SubmissionConfirmed || got.TxHash != "0xfeed" || got.ConfirmedAt == nil {
		t.Errorf("submission after update = %+v, want confirmed with hash and timestamp", got)
	}

	pending, _ = s.PendingSubmissions(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("got %d pending after confirmation, want 1", len(pending))
	}
}

func TestAuditWriterDeliversAsync(t *testing.T) {
	s := NewMemoryStore()
	w := NewAuditWriter(s, 16)
	w.Start()

	for i := 0; i < 5; i++ {
		w.Record(&AuditEvent{RequestID: "req-42", Actor: "dispatcher", Action: "dispatched"})
	}
	w.Flush(2 * time.Second)

	events := s.AuditEvents()
	if len(events) != 5 {
		t.Fatalf("got %d audit events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.ID == "" {
			t.Errorf("event %d missing generated ID", i)
		}
		if ev.CreatedAt.IsZero() {
			t.Errorf("event %d missing timestamp", i)
		}
		if ev.Action != "dispatched" {
			t.Errorf("event %d action = %q, want %q", i, ev.Action, "dispatched")
		}
	}
}

func TestAuditWriterDropsWhenFull(t *testing.T) {
	s := NewMemoryStore()
	w := NewAuditWriter(s, 1)
	// Not started: the buffer holds one entry, the rest drop.

	w.Record(&AuditEvent{Action: "kept"})
	w.Record(&AuditEvent{Action: "dropped"})
	w.Record(&AuditEvent{Action: "dropped"})

	w.Start()
	w.Flush(2 * time.Second)

	events := s.AuditEvents()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	if events[0].Action != "kept" {
		t.Errorf("surviving action = %q, want %q", events[0].Action, "kept")
	}
}

func TestTruncateForDB(t *testing.T) {
	if got := truncateForDB("abcdef", 4); got != "abcd" {
		t.Errorf("truncateForDB = %q, want %q", got, "abcd")
	}
	if got := truncateForDB("ab", 4); got != "ab" {
		t.Errorf("truncateForDB short input = %q, want %q", got, "ab")
	}
	if truncatePtr(nil, 4) != nil {
		t.Error("truncatePtr(nil) should stay nil")
	}
}
