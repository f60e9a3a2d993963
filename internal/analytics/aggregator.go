package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/normalize"
	"github.com/inboxpulse/mail-infra/internal/store"
)

const dateLayout = "2006-01-02"

// recentWindow bounds how many of a contact's latest messages feed the
// response-rate heuristic.
const recentWindow = 10

// Aggregator computes per-organization, per-day metrics from normalized
// messages and threads. All writes are upserts keyed by
// (organization, date, metric), so recomputing a past day is idempotent.
type Aggregator struct {
	store store.Store
	log   zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store: st,
		log:   log.With().Str("component", "analytics_aggregator").Logger(),
	}
}

// DayVolume is one day's sent/received message counts.
type DayVolume struct {
	Date     string `json:"date"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
}

// VolumeReport covers a date range with per-day counts and a summary.
type VolumeReport struct {
	Days          []DayVolume `json:"days"`
	TotalSent     int         `json:"totalSent"`
	TotalReceived int         `json:"totalReceived"`
	AvgSent       float64     `json:"avgSent"`
	AvgReceived   float64     `json:"avgReceived"`
	// GrowthRate compares sent volume in the second half of the range
	// against the first half, as a percentage. 0 when the first half is
	// empty.
	GrowthRate float64 `json:"growthRate"`
}

// ResponseStats is the distribution summary of a response-time sample set.
type ResponseStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
}

// DayResponse is one day's response-time distribution.
type DayResponse struct {
	Date string `json:"date"`
	ResponseStats
}

// ResponseReport covers a date range with per-day stats and an overall
// summary recomputed over the concatenated sample set.
type ResponseReport struct {
	Days    []DayResponse `json:"days"`
	Overall ResponseStats `json:"overall"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
}

// ContactHealth is one contact's composite engagement score.
type ContactHealth struct {
	MailboxID       string  `json:"mailboxId"`
	Email           string  `json:"email"`
	Domain          string  `json:"domain"`
	MessageCount    int     `json:"messageCount"`
	ResponseRate    float64 `json:"responseRate"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	HealthScore     int     `json:"healthScore"`
}

// HealthReport lists contact health scores for an organization.
type HealthReport struct {
	Contacts []ContactHealth `json:"contacts"`
	AvgScore float64         `json:"avgScore"`
}

// Run computes one metric for one organization and day and upserts the
// resulting aggregate. This is the analytics job handler's entry point.
func (a *Aggregator) Run(ctx context.Context, orgID, date, metric string) error {
	day, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return apperr.Parse("aggregate", fmt.Errorf("bad date %q: %w", date, err))
	}

	var value any
	switch metric {
	case model.MetricVolume:
		value, err = a.Volume(ctx, orgID, day, day)
	case model.MetricResponseTime:
		value, err = a.ResponseTimes(ctx, orgID, day, day)
	case model.MetricContactHealth:
		value, err = a.ContactHealthScores(ctx, orgID, day)
	default:
		return apperr.Parse("aggregate", fmt.Errorf("unknown metric %q", metric))
	}
	if err != nil {
		return err
	}

	blob, err := json.Marshal(value)
	if err != nil {
		return apperr.Parse("aggregate", err)
	}

	if err := a.store.UpsertAggregate(ctx, &model.AnalyticsAggregate{
		OrganizationID: orgID,
		Date:           date,
		Metric:         metric,
		Value:          string(blob),
		ComputedAt:     time.Now().UTC(),
	}); err != nil {
		return apperr.Persistence("aggregate", err)
	}

	a.log.Debug().Str("organization", orgID).Str("date", date).Str("metric", metric).Msg("aggregate computed")
	return nil
}

// Volume computes per-day sent/received counts for [from, to] inclusive.
func (a *Aggregator) Volume(ctx context.Context, orgID string, from, to time.Time) (*VolumeReport, error) {
	own, err := a.ownAddresses(ctx, orgID)
	if err != nil {
		return nil, err
	}

	msgs, err := a.store.ListMessagesByOrganization(ctx, orgID, startOfDay(from), nextDay(to))
	if err != nil {
		return nil, apperr.Persistence("volume", err)
	}

	byDay := make(map[string]*DayVolume)
	dates := dateRange(from, to)
	for _, d := range dates {
		byDay[d] = &DayVolume{Date: d}
	}
	for _, m := range msgs {
		d := m.ReceivedAt.UTC().Format(dateLayout)
		dv, ok := byDay[d]
		if !ok {
			continue
		}
		if m.IsSent(own) {
			dv.Sent++
		} else {
			dv.Received++
		}
	}

	report := &VolumeReport{Days: make([]DayVolume, 0, len(dates))}
	for _, d := range dates {
		dv := byDay[d]
		report.Days = append(report.Days, *dv)
		report.TotalSent += dv.Sent
		report.TotalReceived += dv.Received
	}
	if n := len(dates); n > 0 {
		report.AvgSent = float64(report.TotalSent) / float64(n)
		report.AvgReceived = float64(report.TotalReceived) / float64(n)
	}
	report.GrowthRate = growthRate(report.Days)
	return report, nil
}

// growthRate compares sent counts in the second half of the range against
// the first half. Defined as 0 when the first half had no sent mail.
func growthRate(days []DayVolume) float64 {
	if len(days) < 2 {
		return 0
	}
	half := len(days) / 2
	var first, second int
	for i, d := range days {
		if i < half {
			first += d.Sent
		} else {
			second += d.Sent
		}
	}
	if first == 0 {
		return 0
	}
	return float64(second-first) / float64(first) * 100
}

// ResponseTimes computes per-day response-time distributions from thread
// rollups whose last message falls in that day.
func (a *Aggregator) ResponseTimes(ctx context.Context, orgID string, from, to time.Time) (*ResponseReport, error) {
	threads, err := a.store.ListThreadsByOrganization(ctx, orgID, startOfDay(from), nextDay(to))
	if err != nil {
		return nil, apperr.Persistence("response_time", err)
	}

	byDay := make(map[string][]float64)
	var all []float64
	for _, th := range threads {
		if th.ResponseTime <= 0 {
			continue
		}
		d := th.LastMessageAt.UTC().Format(dateLayout)
		byDay[d] = append(byDay[d], th.ResponseTime)
		all = append(all, th.ResponseTime)
	}

	report := &ResponseReport{}
	for _, d := range dateRange(from, to) {
		samples := byDay[d]
		if len(samples) == 0 {
			continue
		}
		report.Days = append(report.Days, DayResponse{Date: d, ResponseStats: stats(samples)})
	}

	if len(all) > 0 {
		report.Overall = stats(all)
		sort.Float64s(all)
		report.Min = all[0]
		report.Max = all[len(all)-1]
	}
	return report, nil
}

// stats computes mean, median and p90 over a sample set. Median is
// sorted[floor(n/2)] and p90 is sorted[floor(n*0.9)].
func stats(samples []float64) ResponseStats {
	n := len(samples)
	if n == 0 {
		return ResponseStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	p90Idx := int(math.Floor(float64(n) * 0.9))
	if p90Idx >= n {
		p90Idx = n - 1
	}

	return ResponseStats{
		Count:  n,
		Mean:   sum / float64(n),
		Median: sorted[n/2],
		P90:    sorted[p90Idx],
	}
}

// ContactHealthScores rebuilds the organization's contact records from the
// last 30 days of messages up to asOf and scores each contact.
func (a *Aggregator) ContactHealthScores(ctx context.Context, orgID string, asOf time.Time) (*HealthReport, error) {
	own, err := a.ownAddresses(ctx, orgID)
	if err != nil {
		return nil, err
	}

	from := startOfDay(asOf.AddDate(0, 0, -30))
	msgs, err := a.store.ListMessagesByOrganization(ctx, orgID, from, nextDay(asOf))
	if err != nil {
		return nil, apperr.Persistence("contact_health", err)
	}

	type contactKey struct{ mailboxID, email string }
	type contactAcc struct {
		count       int
		lastContact time.Time
		rtSum       float64
		rtCount     int
	}
	acc := make(map[contactKey]*contactAcc)
	threadRT := make(map[string]float64)

	for _, m := range msgs {
		email := counterpart(m, own)
		if email == "" {
			continue
		}
		key := contactKey{m.MailboxID, email}
		c, ok := acc[key]
		if !ok {
			c = &contactAcc{}
			acc[key] = c
		}
		c.count++
		if m.ReceivedAt.After(c.lastContact) {
			c.lastContact = m.ReceivedAt
		}
		if m.ThreadID != "" {
			rt, err := a.threadResponseTime(ctx, m.MailboxID, m.ThreadID, threadRT)
			if err == nil && rt > 0 {
				c.rtSum += rt
				c.rtCount++
			}
		}
	}

	report := &HealthReport{}
	var total float64
	for key, c := range acc {
		avgRT := 0.0
		if c.rtCount > 0 {
			avgRT = c.rtSum / float64(c.rtCount)
		}

		rr, err := a.responseRate(ctx, key.mailboxID, key.email)
		if err != nil {
			return nil, err
		}

		score := HealthScore(rr, avgRT, c.count)
		ch := ContactHealth{
			MailboxID:       key.mailboxID,
			Email:           key.email,
			Domain:          normalize.Domain(key.email),
			MessageCount:    c.count,
			ResponseRate:    rr,
			AvgResponseTime: avgRT,
			HealthScore:     score,
		}
		report.Contacts = append(report.Contacts, ch)
		total += float64(score)

		if err := a.store.UpsertContact(ctx, &model.Contact{
			MailboxID:       key.mailboxID,
			Email:           key.email,
			Domain:          ch.Domain,
			ContactCount:    c.count,
			LastContactedAt: c.lastContact,
			AvgResponseTime: avgRT,
			HealthScore:     score,
		}); err != nil {
			return nil, apperr.Persistence("contact_health", err)
		}
	}

	sort.Slice(report.Contacts, func(i, j int) bool {
		if report.Contacts[i].HealthScore != report.Contacts[j].HealthScore {
			return report.Contacts[i].HealthScore > report.Contacts[j].HealthScore
		}
		return report.Contacts[i].Email < report.Contacts[j].Email
	})
	if len(report.Contacts) > 0 {
		report.AvgScore = total / float64(len(report.Contacts))
	}
	return report, nil
}

func (a *Aggregator) threadResponseTime(ctx context.Context, mailboxID, threadID string, cache map[string]float64) (float64, error) {
	key := mailboxID + "|" + threadID
	if rt, ok := cache[key]; ok {
		return rt, nil
	}
	th, err := a.store.GetThread(ctx, mailboxID, threadID)
	if err == store.ErrNotFound {
		cache[key] = 0
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Persistence("contact_health", err)
	}
	cache[key] = th.ResponseTime
	return th.ResponseTime, nil
}

// responseRate estimates responsiveness as the fraction of consecutive
// messages in the contact's recent window whose sender alternates from the
// previous message's sender. A rough proxy, kept deliberately simple.
func (a *Aggregator) responseRate(ctx context.Context, mailboxID, email string) (float64, error) {
	msgs, err := a.store.ListRecentMessagesByContact(ctx, mailboxID, email, recentWindow)
	if err != nil {
		return 0, apperr.Persistence("contact_health", err)
	}
	return ResponseRate(msgs), nil
}

// ResponseRate applies the alternating-sender heuristic to a message
// window ordered oldest-first.
func ResponseRate(msgs []*model.NormalizedMessage) float64 {
	if len(msgs) < 2 {
		return 0
	}
	ordered := make([]*model.NormalizedMessage, len(msgs))
	copy(ordered, msgs)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	alternations := 0
	for i := 1; i < len(ordered); i++ {
		if !strings.EqualFold(ordered[i].From, ordered[i-1].From) {
			alternations++
		}
	}
	return float64(alternations) / float64(len(ordered)-1)
}

// HealthScore combines responsiveness, latency and volume into a 0..100
// composite. A day-long average response time zeroes the time component.
func HealthScore(responseRate, avgResponseTimeMinutes float64, messageCount int) int {
	rateScore := math.Min(responseRate*100, 100)
	timeScore := math.Max(0, 100-(avgResponseTimeMinutes/1440)*100)
	countScore := math.Min(float64(messageCount)*2, 100)

	score := int(math.Round(rateScore*0.4 + timeScore*0.3 + countScore*0.3))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// counterpart picks the external party a message connects the mailbox to.
func counterpart(m *model.NormalizedMessage, own map[string]bool) string {
	if !m.IsSent(own) {
		return strings.ToLower(m.From)
	}
	for _, to := range m.To {
		addr := strings.ToLower(to)
		if !own[addr] {
			return addr
		}
	}
	return ""
}

func (a *Aggregator) ownAddresses(ctx context.Context, orgID string) (map[string]bool, error) {
	mbs, err := a.store.ListMailboxesByOrganization(ctx, orgID)
	if err != nil {
		return nil, apperr.Persistence("aggregate", err)
	}
	own := make(map[string]bool, len(mbs))
	for _, mb := range mbs {
		own[strings.ToLower(mb.EmailAddress)] = true
	}
	return own, nil
}

func dateRange(from, to time.Time) []string {
	var out []string
	for d := startOfDay(from); !d.After(startOfDay(to)); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(dateLayout))
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// nextDay returns the start of the day after t. Range queries take it as an
// exclusive upper bound, which keeps the last second of the final day in
// range even after timestamps are truncated to whole seconds.
func nextDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1)
}
