package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store/memory"
)

func TestStatsPercentiles(t *testing.T) {
	got := stats([]float64{10, 20, 30, 40, 50})
	want := ResponseStats{Count: 5, Mean: 30, Median: 30, P90: 50}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestStatsSingleSample(t *testing.T) {
	got := stats([]float64{42})
	if got.Median != 42 || got.P90 != 42 || got.Mean != 42 {
		t.Errorf("single sample stats = %+v", got)
	}
}

func TestGrowthRate(t *testing.T) {
	tests := []struct {
		name string
		days []DayVolume
		want float64
	}{
		{
			name: "doubling",
			days: []DayVolume{{Sent: 5}, {Sent: 5}, {Sent: 10}, {Sent: 10}},
			want: 100,
		},
		{
			name: "decline",
			days: []DayVolume{{Sent: 10}, {Sent: 10}, {Sent: 5}, {Sent: 5}},
			want: -50,
		},
		{
			name: "empty first half stays zero",
			days: []DayVolume{{Sent: 0}, {Sent: 0}, {Sent: 5}, {Sent: 5}},
			want: 0,
		},
		{
			name: "single day",
			days: []DayVolume{{Sent: 9}},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := growthRate(tt.days); got != tt.want {
				t.Errorf("growthRate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthScoreBounds(t *testing.T) {
	rates := []float64{-1, 0, 0.25, 0.5, 1, 2}
	times := []float64{0, 30, 720, 1440, 5000, 100000}
	counts := []int{0, 1, 10, 50, 500}

	for _, rr := range rates {
		for _, rt := range times {
			for _, c := range counts {
				score := HealthScore(rr, rt, c)
				if score < 0 || score > 100 {
					t.Fatalf("HealthScore(%v, %v, %d) = %d, out of [0,100]", rr, rt, c, score)
				}
			}
		}
	}
}

func TestHealthScoreComponents(t *testing.T) {
	// Perfect responsiveness, instant replies, heavy volume.
	if got := HealthScore(1, 0, 50); got != 100 {
		t.Errorf("best case score = %d, want 100", got)
	}
	// Silent contact with day-long latency.
	if got := HealthScore(0, 1440, 0); got != 0 {
		t.Errorf("worst case score = %d, want 0", got)
	}
	// rate 0.5 -> 20, time 720min -> 15, count 10 -> 6; total 41.
	if got := HealthScore(0.5, 720, 10); got != 41 {
		t.Errorf("mixed case score = %d, want 41", got)
	}
}

func TestResponseRateAlternating(t *testing.T) {
	base := time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)
	msg := func(i int, from string) *model.NormalizedMessage {
		return &model.NormalizedMessage{
			MessageID:  string(rune('a' + i)),
			From:       from,
			ReceivedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}

	fully := []*model.NormalizedMessage{
		msg(0, "them@x.com"), msg(1, "me@y.com"), msg(2, "them@x.com"), msg(3, "me@y.com"),
	}
	if got := ResponseRate(fully); got != 1 {
		t.Errorf("fully alternating rate = %v, want 1", got)
	}

	oneSided := []*model.NormalizedMessage{
		msg(0, "them@x.com"), msg(1, "them@x.com"), msg(2, "them@x.com"),
	}
	if got := ResponseRate(oneSided); got != 0 {
		t.Errorf("one-sided rate = %v, want 0", got)
	}

	half := []*model.NormalizedMessage{
		msg(0, "them@x.com"), msg(1, "me@y.com"), msg(2, "me@y.com"),
	}
	if got := ResponseRate(half); got != 0.5 {
		t.Errorf("half alternating rate = %v, want 0.5", got)
	}

	if got := ResponseRate(nil); got != 0 {
		t.Errorf("empty window rate = %v, want 0", got)
	}
}

func seedOrg(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertMailbox(ctx, &model.Mailbox{
		ID:             "mb-1",
		OrganizationID: "org-1",
		Provider:       model.ProviderGmail,
		EmailAddress:   "me@inboxpulse.dev",
		IsActive:       true,
	}); err != nil {
		t.Fatal(err)
	}

	day1 := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 8, 2, 9, 0, 0, 0, time.UTC)
	msgs := []*model.NormalizedMessage{
		{MailboxID: "mb-1", MessageID: "m1", ThreadID: "t1", From: "alice@corp.example", To: []string{"me@inboxpulse.dev"}, ReceivedAt: day1, SentAt: day1, Fingerprint: "f1"},
		{MailboxID: "mb-1", MessageID: "m2", ThreadID: "t1", From: "me@inboxpulse.dev", To: []string{"alice@corp.example"}, ReceivedAt: day1.Add(30 * time.Minute), SentAt: day1.Add(30 * time.Minute), Fingerprint: "f2"},
		{MailboxID: "mb-1", MessageID: "m3", ThreadID: "t2", From: "bob@corp.example", To: []string{"me@inboxpulse.dev"}, ReceivedAt: day2, SentAt: day2, Fingerprint: "f3"},
	}
	for _, m := range msgs {
		if _, err := st.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := st.UpsertThread(ctx, &model.Thread{
		MailboxID: "mb-1", ThreadID: "t1", MessageCount: 2,
		LastMessageAt: day1.Add(30 * time.Minute), ResponseTime: 30,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestVolumeReport(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedOrg(t, st)
	agg := New(st, zerolog.Nop())

	from := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)
	report, err := agg.Volume(ctx, "org-1", from, to)
	if err != nil {
		t.Fatal(err)
	}

	want := []DayVolume{
		{Date: "2025-08-01", Sent: 1, Received: 1},
		{Date: "2025-08-02", Sent: 0, Received: 1},
	}
	if diff := cmp.Diff(want, report.Days); diff != "" {
		t.Errorf("days mismatch (-want +got):\n%s", diff)
	}
	if report.TotalSent != 1 || report.TotalReceived != 2 {
		t.Errorf("totals = %d/%d, want 1/2", report.TotalSent, report.TotalReceived)
	}
	// First half sent 1, second half sent 0.
	if report.GrowthRate != -100 {
		t.Errorf("growthRate = %v, want -100", report.GrowthRate)
	}
}

func TestVolumeReportIncludesFinalSecondOfRange(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedOrg(t, st)
	agg := New(st, zerolog.Nop())

	// Lands in the very last second of the range's final day, which
	// second-granularity storage truncates to 23:59:59.
	late := time.Date(2025, 8, 2, 23, 59, 59, int(500*time.Millisecond), time.UTC)
	if _, err := st.UpsertMessage(ctx, &model.NormalizedMessage{
		MailboxID: "mb-1", MessageID: "m-late", ThreadID: "t3",
		From: "carol@corp.example", To: []string{"me@inboxpulse.dev"},
		ReceivedAt: late, SentAt: late, Fingerprint: "f-late",
	}); err != nil {
		t.Fatal(err)
	}

	from := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)
	report, err := agg.Volume(ctx, "org-1", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if report.Days[1].Received != 2 {
		t.Errorf("received on final day = %d, want 2", report.Days[1].Received)
	}
}

func TestResponseTimeReport(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedOrg(t, st)
	agg := New(st, zerolog.Nop())

	day := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	report, err := agg.ResponseTimes(ctx, "org-1", day, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Days) != 1 {
		t.Fatalf("days = %d, want 1", len(report.Days))
	}
	if report.Days[0].Median != 30 || report.Overall.Mean != 30 {
		t.Errorf("day stats = %+v, overall = %+v", report.Days[0], report.Overall)
	}
	if report.Min != 30 || report.Max != 30 {
		t.Errorf("min/max = %v/%v, want 30/30", report.Min, report.Max)
	}
}

func TestRunUpsertsIdempotently(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedOrg(t, st)
	agg := New(st, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if err := agg.Run(ctx, "org-1", "2025-08-01", model.MetricVolume); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	stored, err := st.GetAggregate(ctx, "org-1", "2025-08-01", model.MetricVolume)
	if err != nil {
		t.Fatal(err)
	}

	var report VolumeReport
	if err := json.Unmarshal([]byte(stored.Value), &report); err != nil {
		t.Fatal(err)
	}
	// Recomputation overwrites; counts stay the real counts, not doubled.
	if report.TotalSent != 1 || report.TotalReceived != 1 {
		t.Errorf("stored totals = %d/%d, want 1/1", report.TotalSent, report.TotalReceived)
	}
}

func TestRunContactHealthUpdatesContacts(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedOrg(t, st)
	agg := New(st, zerolog.Nop())

	if err := agg.Run(ctx, "org-1", "2025-08-02", model.MetricContactHealth); err != nil {
		t.Fatal(err)
	}

	alice, err := st.GetContact(ctx, "mb-1", "alice@corp.example")
	if err != nil {
		t.Fatal(err)
	}
	if alice.Domain != "corp.example" {
		t.Errorf("domain = %q", alice.Domain)
	}
	if alice.ContactCount != 2 {
		t.Errorf("contactCount = %d, want 2", alice.ContactCount)
	}
	if alice.AvgResponseTime != 30 {
		t.Errorf("avgResponseTime = %v, want 30", alice.AvgResponseTime)
	}
	if alice.HealthScore < 0 || alice.HealthScore > 100 {
		t.Errorf("healthScore = %d out of bounds", alice.HealthScore)
	}

	if err := agg.Run(ctx, "org-1", "not-a-date", model.MetricVolume); err == nil {
		t.Error("expected error for malformed date")
	}
}
