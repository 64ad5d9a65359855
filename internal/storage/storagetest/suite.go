// Package storagetest holds the behavioral suite every trace backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
)

// NewRecord builds a populated trace record.
func NewRecord(id string, ts time.Time, provider domain.Provider, session string) *domain.TraceRecord {
	rec := domain.NewTraceRecord(id, ts)
	rec.Endpoint = "/openai/v1/chat/completions"
	rec.Provider = provider
	rec.Mode = domain.ModeAuto
	rec.Source = domain.SourceUpstream
	rec.Signature = fmt.Sprintf("%064x", len(id))
	rec.Request = &domain.CanonicalRequest{
		Provider: provider,
		Model:    "gpt-4",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	}
	rec.Response = &domain.CanonicalResponse{
		StatusCode: 200,
		Body: domain.ResponseBody{
			ID:      "resp-" + id,
			Model:   "gpt-4",
			Choices: []domain.Choice{{Message: domain.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
		},
	}
	tokens := 7
	rec.Metadata = domain.TraceMetadata{DurationMS: 12, TokensUsed: &tokens, Model: "gpt-4", Status: 200}
	rec.SessionID = session
	step := 2
	rec.StepIndex = &step
	rec.ParentStepID = "step-1"
	rec.StateSnapshot = map[string]any{"k": "v"}
	return rec
}

// Run exercises store against the ports.TraceStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.TraceStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("t-1", time.Now().UTC().Truncate(time.Millisecond), domain.ProviderOpenAI, "sess-a")
		if err := s.SaveTrace(ctx, rec); err != nil {
			t.Fatalf("SaveTrace() error = %v", err)
		}
		got, err := s.GetTrace(ctx, "t-1")
		if err != nil {
			t.Fatalf("GetTrace() error = %v", err)
		}
		if got.ID != rec.ID || got.Provider != rec.Provider || got.Signature != rec.Signature {
			t.Errorf("GetTrace() = %+v", got)
		}
		if !got.Timestamp.Equal(rec.Timestamp) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
		}
		if got.SessionID != "sess-a" || got.StepIndex == nil || *got.StepIndex != 2 || got.ParentStepID != "step-1" {
			t.Errorf("session linkage = %q %v %q", got.SessionID, got.StepIndex, got.ParentStepID)
		}
		if got.StateSnapshot["k"] != "v" {
			t.Errorf("StateSnapshot = %v", got.StateSnapshot)
		}
		if got.Metadata.TokensUsed == nil || *got.Metadata.TokensUsed != 7 {
			t.Errorf("Metadata = %+v", got.Metadata)
		}
		if got.Response == nil || got.Response.Body.Choices[0].Message.Content != "hi" {
			t.Errorf("Response = %+v", got.Response)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetTrace(ctx, "nope"); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Errorf("GetTrace() error = %v, want not_found", err)
		}
	})

	t.Run("save replaces by id", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("t-1", time.Now().UTC(), domain.ProviderOpenAI, "")
		_ = s.SaveTrace(ctx, rec)
		rec.Metadata.Status = 500
		if err := s.SaveTrace(ctx, rec); err != nil {
			t.Fatalf("SaveTrace() error = %v", err)
		}
		got, err := s.GetTrace(ctx, "t-1")
		if err != nil {
			t.Fatalf("GetTrace() error = %v", err)
		}
		if got.Metadata.Status != 500 {
			t.Errorf("Status = %d, want 500", got.Metadata.Status)
		}
		all, _ := s.ListTraces(ctx, domain.TraceFilter{})
		if len(all) != 1 {
			t.Errorf("len(ListTraces()) = %d, want 1", len(all))
		}
	})

	t.Run("list filters newest first", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
		recs := []*domain.TraceRecord{
			NewRecord("a", base, domain.ProviderOpenAI, "s1"),
			NewRecord("b", base.Add(time.Minute), domain.ProviderAnthropic, "s1"),
			NewRecord("c", base.Add(2*time.Minute), domain.ProviderOpenAI, "s2"),
			NewRecord("d", base.Add(3*time.Minute), domain.ProviderOpenAI, "s1"),
		}
		for _, r := range recs {
			if err := s.SaveTrace(ctx, r); err != nil {
				t.Fatalf("SaveTrace(%s) error = %v", r.ID, err)
			}
		}

		tests := []struct {
			name   string
			filter domain.TraceFilter
			want   []string
		}{
			{"all", domain.TraceFilter{}, []string{"d", "c", "b", "a"}},
			{"provider", domain.TraceFilter{Provider: domain.ProviderOpenAI}, []string{"d", "c", "a"}},
			{"session", domain.TraceFilter{SessionID: "s1"}, []string{"d", "b", "a"}},
			{"limit", domain.TraceFilter{Limit: 2}, []string{"d", "c"}},
			{"since", domain.TraceFilter{Since: base.Add(time.Minute)}, []string{"d", "c", "b"}},
			{"until exclusive", domain.TraceFilter{Until: base.Add(2 * time.Minute)}, []string{"b", "a"}},
			{"combined", domain.TraceFilter{Provider: domain.ProviderOpenAI, SessionID: "s1", Limit: 1}, []string{"d"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListTraces(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListTraces() error = %v", err)
				}
				ids := make([]string, len(got))
				for i, r := range got {
					ids[i] = r.ID
				}
				if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
					t.Errorf("ListTraces() = %v, want %v", ids, tt.want)
				}
			})
		}
	})

	t.Run("delete older than", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		_ = s.SaveTrace(ctx, NewRecord("old-1", now.Add(-72*time.Hour), domain.ProviderOpenAI, ""))
		_ = s.SaveTrace(ctx, NewRecord("old-2", now.Add(-48*time.Hour), domain.ProviderOpenAI, ""))
		_ = s.SaveTrace(ctx, NewRecord("new", now.Add(-time.Minute), domain.ProviderOpenAI, ""))

		n, err := s.DeleteOlderThan(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if n != 2 {
			t.Errorf("DeleteOlderThan() = %d, want 2", n)
		}
		if _, err := s.GetTrace(ctx, "old-1"); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Errorf("GetTrace(old-1) error = %v, want not_found", err)
		}
		if _, err := s.GetTrace(ctx, "new"); err != nil {
			t.Errorf("GetTrace(new) error = %v", err)
		}
		all, _ := s.ListTraces(ctx, domain.TraceFilter{})
		if len(all) != 1 {
			t.Errorf("len(ListTraces()) = %d, want 1", len(all))
		}
	})

	t.Run("concurrent saves", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.SaveTrace(ctx, NewRecord(fmt.Sprintf("c-%02d", i), time.Now().UTC(), domain.ProviderOpenAI, ""))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("SaveTrace() error = %v", err)
			}
		}
		all, err := s.ListTraces(ctx, domain.TraceFilter{})
		if err != nil {
			t.Fatalf("ListTraces() error = %v", err)
		}
		if len(all) != 20 {
			t.Errorf("len(ListTraces()) = %d, want 20", len(all))
		}
	})
}
