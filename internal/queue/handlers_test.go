package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inboxpulse/mail-infra/internal/analytics"
	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store/memory"
)

func TestAnalyticsHandler(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	if err := st.UpsertMailbox(ctx, &model.Mailbox{
		ID:             "mb-1",
		OrganizationID: "org-1",
		Provider:       model.ProviderGmail,
		EmailAddress:   "me@inboxpulse.dev",
		IsActive:       true,
	}); err != nil {
		t.Fatal(err)
	}

	handler := AnalyticsHandler(analytics.New(st, zerolog.Nop()))

	payload, _ := json.Marshal(AnalyticsJob{
		OrganizationID: "org-1",
		Date:           "2025-08-01",
		Metric:         model.MetricVolume,
	})
	if err := handler(ctx, payload); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if _, err := st.GetAggregate(ctx, "org-1", "2025-08-01", model.MetricVolume); err != nil {
		t.Errorf("aggregate not written: %v", err)
	}
}

func TestAnalyticsHandlerRejectsBadPayload(t *testing.T) {
	handler := AnalyticsHandler(analytics.New(memory.New(), zerolog.Nop()))

	for _, payload := range [][]byte{
		[]byte("not json"),
		[]byte(`{"organizationId":"org-1"}`),
	} {
		err := handler(context.Background(), payload)
		if err == nil {
			t.Fatalf("payload %q accepted", payload)
		}
		if apperr.KindOf(err) != apperr.KindParse {
			t.Errorf("payload %q: kind = %v, want parse", payload, apperr.KindOf(err))
		}
		if apperr.IsRetryable(err) {
			t.Errorf("payload %q: malformed job marked retryable", payload)
		}
	}
}

type recordingTagger struct {
	calls []string
}

func (r *recordingTagger) Tag(ctx context.Context, messageID, analysisType, content string) error {
	r.calls = append(r.calls, messageID+":"+analysisType)
	return nil
}

func TestAIHandler(t *testing.T) {
	tagger := &recordingTagger{}
	handler := AIHandler(tagger)

	payload, _ := json.Marshal(AIJob{
		MessageID:    "m1",
		AnalysisType: "classification",
		Content:      "subject line",
	})
	if err := handler(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	if len(tagger.calls) != 1 || tagger.calls[0] != "m1:classification" {
		t.Errorf("calls = %v", tagger.calls)
	}

	if err := handler(context.Background(), []byte(`{}`)); err == nil {
		t.Error("job without message id accepted")
	}
}

func TestBackoffCurve(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute},
		{20, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDedupeBucketCollapsesNearbyPublishes(t *testing.T) {
	base := time.Date(2025, 8, 1, 10, 2, 0, 0, time.UTC)
	if dedupeBucket(base) != dedupeBucket(base.Add(2*time.Minute)) {
		t.Error("publishes inside the window got different dedupe keys")
	}
	if dedupeBucket(base) == dedupeBucket(base.Add(10*time.Minute)) {
		t.Error("publishes across windows share a dedupe key")
	}
}
