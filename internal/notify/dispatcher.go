package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/config"
	"github.com/minglu/stockintel/internal/domain"
)

// markerReserve is subtracted from the channel limit so the "(i/N) " page
// marker never pushes a chunk over the cap.
const markerReserve = 16

// Dispatcher renders reports and routes them to the configured channels.
// WeChat and Telegram are broadcast channels; email recipients follow the
// watchlist group that contains the stock.
type Dispatcher struct {
	channels    []Notifier
	email       *EmailNotifier
	groups      []config.Group
	defaultTo   []string
	mergeEmail  bool
	summaryOnly bool
	chunkSleep  time.Duration
	sleep       func(time.Duration)
	log         zerolog.Logger
}

// DispatcherConfig wires the dispatcher from loaded settings.
type DispatcherConfig struct {
	Channels    []Notifier
	Email       *EmailNotifier // nil when SMTP is not configured
	Groups      []config.Group
	DefaultTo   []string
	MergeEmail  bool
	SummaryOnly bool
	ChunkSleep  time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channels:    cfg.Channels,
		email:       cfg.Email,
		groups:      cfg.Groups,
		defaultTo:   cfg.DefaultTo,
		mergeEmail:  cfg.MergeEmail,
		summaryOnly: cfg.SummaryOnly,
		chunkSleep:  cfg.ChunkSleep,
		sleep:       time.Sleep,
		log:         log.With().Str("component", "notify").Logger(),
	}
}

// HasChannels reports whether any delivery channel is configured.
func (d *Dispatcher) HasChannels() bool {
	return len(d.channels) > 0 || d.email != nil
}

// DispatchSingle delivers one report to every configured channel.
func (d *Dispatcher) DispatchSingle(ctx context.Context, report *domain.AnalysisReport) error {
	return d.DispatchBatch(ctx, []*domain.AnalysisReport{report})
}

// DispatchBatch delivers a batch. Broadcast channels get one message per
// report; emails for the same recipient list are merged into a single mail
// when merging is on. Partial channel failures are logged and counted, not
// fatal.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reports []*domain.AnalysisReport) error {
	if len(reports) == 0 || !d.HasChannels() {
		return nil
	}

	var sent, failed int
	for _, report := range reports {
		subject, body := RenderReport(report, d.summaryOnly)
		for _, ch := range d.channels {
			if err := d.sendChunked(ctx, ch, subject, body); err != nil {
				failed++
				d.log.Error().Str("channel", ch.Name()).Str("ticker", report.Meta.Ticker).
					Err(err).Msg("notification failed")
				continue
			}
			sent++
		}
	}

	if d.email != nil {
		s, f := d.dispatchEmails(ctx, reports)
		sent += s
		failed += f
	}

	d.log.Info().Int("reports", len(reports)).Int("sent", sent).Int("failed", failed).
		Msg("notification dispatch finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d notifications failed", failed, sent+failed)
	}
	return nil
}

// dispatchEmails groups the batch by recipient list and sends one mail per
// bucket (or per report when merging is off).
func (d *Dispatcher) dispatchEmails(ctx context.Context, reports []*domain.AnalysisReport) (sent, failed int) {
	type bucket struct {
		recipients []string
		subjects   []string
		bodies     []string
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, report := range reports {
		recipients := d.recipientsFor(report)
		if len(recipients) == 0 {
			continue
		}
		subject, body := RenderReport(report, d.summaryOnly)

		key := strings.Join(recipients, ",")
		if !d.mergeEmail {
			key = fmt.Sprintf("%s#%d", key, report.Meta.ID)
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{recipients: recipients}
			buckets[key] = b
			order = append(order, key)
		}
		b.subjects = append(b.subjects, subject)
		b.bodies = append(b.bodies, body)
	}

	for _, key := range order {
		b := buckets[key]
		subject := b.subjects[0]
		if len(b.subjects) > 1 {
			subject = fmt.Sprintf("【股票分析汇总】%d 份报告 %s", len(b.subjects), time.Now().Format("2006-01-02"))
		}
		body := strings.Join(b.bodies, "\n\n"+strings.Repeat("=", 32)+"\n\n")

		if err := d.sendEmailChunked(ctx, b.recipients, subject, body); err != nil {
			failed++
			d.log.Error().Strs("recipients", b.recipients).Err(err).Msg("email notification failed")
			continue
		}
		sent++
	}
	return sent, failed
}

// recipientsFor resolves the email list for one report. Market reviews go to
// everyone; watchlist stocks follow their group; ungrouped stocks use the
// default list.
func (d *Dispatcher) recipientsFor(report *domain.AnalysisReport) []string {
	if report.Meta.ReportType == domain.ReportTypeMarketReview {
		return d.allEmails()
	}
	for _, group := range d.groups {
		for _, stock := range group.Stocks {
			if domain.CanonicalTicker(stock) == report.Meta.Ticker {
				return group.Emails
			}
		}
	}
	return d.defaultTo
}

func (d *Dispatcher) allEmails() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(emails []string) {
		for _, e := range emails {
			if e != "" && !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	add(d.defaultTo)
	for _, group := range d.groups {
		add(group.Emails)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) sendChunked(ctx context.Context, ch Notifier, subject, body string) error {
	chunks := ChunkMessage(body, ch.Limit())
	for i, chunk := range chunks {
		if i > 0 && d.chunkSleep > 0 {
			d.sleep(d.chunkSleep)
		}
		if err := ch.Send(ctx, subject, chunk); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (d *Dispatcher) sendEmailChunked(ctx context.Context, recipients []string, subject, body string) error {
	chunks := ChunkMessage(body, d.email.Limit())
	for i, chunk := range chunks {
		if i > 0 && d.chunkSleep > 0 {
			d.sleep(d.chunkSleep)
		}
		chunkSubject := subject
		if len(chunks) > 1 {
			chunkSubject = fmt.Sprintf("%s (%d/%d)", subject, i+1, len(chunks))
		}
		if err := d.email.SendTo(ctx, recipients, chunkSubject, chunk); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// RenderReport formats one report as a subject line and a sectioned plain
// text body suitable for every channel.
func RenderReport(report *domain.AnalysisReport, summaryOnly bool) (subject, body string) {
	meta := report.Meta
	summary := report.Summary

	prefix := "【股票分析】"
	if meta.ReportType == domain.ReportTypeMarketReview {
		prefix = "【大盘复盘】"
	}
	subject = fmt.Sprintf("%s%s(%s) %s", prefix, meta.Name, meta.Ticker, summary.OperationAdvice)

	var sections []string

	var header strings.Builder
	fmt.Fprintf(&header, "%s(%s)\n", meta.Name, meta.Ticker)
	if meta.CurrentPrice > 0 {
		fmt.Fprintf(&header, "现价: %.2f (%+.2f%%)\n", meta.CurrentPrice, meta.ChangePct)
	}
	fmt.Fprintf(&header, "情绪分: %d/100\n", summary.SentimentScore)
	fmt.Fprintf(&header, "操作建议: %s\n", summary.OperationAdvice)
	fmt.Fprintf(&header, "生成时间: %s", meta.CreatedAt.Format("2006-01-02 15:04"))
	sections = append(sections, header.String())

	if summary.AnalysisSummary != "" {
		sections = append(sections, "■ 核心结论\n"+summary.AnalysisSummary)
	}

	if !summaryOnly {
		if summary.TrendPrediction != "" {
			sections = append(sections, "■ 趋势预判\n"+summary.TrendPrediction)
		}
		if len(summary.RiskAlerts) > 0 {
			var risks strings.Builder
			risks.WriteString("■ 风险提示")
			for _, alert := range summary.RiskAlerts {
				risks.WriteString("\n- " + alert)
			}
			sections = append(sections, risks.String())
		}
		if levels := renderStrategy(report.Strategy); levels != "" {
			sections = append(sections, levels)
		}
	}

	return subject, strings.Join(sections, "\n\n")
}

func renderStrategy(s domain.ReportStrategy) string {
	var lines []string
	appendLevel := func(label string, v *float64) {
		if v != nil {
			lines = append(lines, fmt.Sprintf("%s: %.2f", label, *v))
		}
	}
	appendLevel("理想买入", s.IdealBuy)
	appendLevel("次级买入", s.SecondaryBuy)
	appendLevel("止损位", s.StopLoss)
	appendLevel("止盈位", s.TakeProfit)
	if len(lines) == 0 {
		return ""
	}
	return "■ 操作策略\n" + strings.Join(lines, "\n")
}

// ChunkMessage splits a sectioned body into chunks no longer than limit
// bytes, breaking at section boundaries where possible. Multi-chunk output
// carries "(i/N)" page markers. The split is deterministic for a given input.
func ChunkMessage(body string, limit int) []string {
	if limit <= 0 || len(body) <= limit {
		return []string{body}
	}

	budget := limit - markerReserve
	if budget < 1 {
		budget = 1
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, section := range strings.Split(body, "\n\n") {
		for _, piece := range splitOversized(section, budget) {
			need := len(piece)
			if current.Len() > 0 {
				need += 2
			}
			if current.Len()+need > budget {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(piece)
		}
	}
	flush()

	if len(chunks) <= 1 {
		return chunks
	}
	for i := range chunks {
		chunks[i] = fmt.Sprintf("(%d/%d) %s", i+1, len(chunks), chunks[i])
	}
	return chunks
}

// splitOversized breaks a single section that exceeds the budget, first at
// line boundaries, then at rune boundaries.
func splitOversized(section string, budget int) []string {
	if len(section) <= budget {
		return []string{section}
	}

	var pieces []string
	var current strings.Builder
	for _, line := range strings.Split(section, "\n") {
		for _, part := range splitRunes(line, budget) {
			need := len(part)
			if current.Len() > 0 {
				need++
			}
			if current.Len()+need > budget {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			if current.Len() > 0 {
				current.WriteByte('\n')
			}
			current.WriteString(part)
		}
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// splitRunes hard-splits a line into byte-bounded parts without cutting a
// UTF-8 sequence.
func splitRunes(line string, budget int) []string {
	if len(line) <= budget {
		return []string{line}
	}
	var parts []string
	var current strings.Builder
	for _, r := range line {
		if current.Len()+len(string(r)) > budget {
			parts = append(parts, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
