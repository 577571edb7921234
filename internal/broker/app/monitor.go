package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/provider"
)

// BalanceSource reports every vendor's balance.
type BalanceSource interface {
	Balances(ctx context.Context) map[string]decimal.Decimal
}

// BalanceMonitorConfig holds the dependencies for BalanceMonitor.
type BalanceMonitorConfig struct {
	Source  BalanceSource
	Alerter Alerter

	// Interval defaults to domain.DefaultBalanceCheckInterval.
	Interval time.Duration

	// Threshold is the balance below which a vendor is reported as low.
	Threshold decimal.Decimal

	Logger *slog.Logger
}

// BalanceMonitor periodically checks vendor balances and alerts when one is
// unknown or below the threshold.
type BalanceMonitor struct {
	source    BalanceSource
	alerter   Alerter
	interval  time.Duration
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewBalanceMonitor creates a BalanceMonitor.
func NewBalanceMonitor(cfg BalanceMonitorConfig) *BalanceMonitor {
	m := &BalanceMonitor{
		source:    cfg.Source,
		alerter:   cfg.Alerter,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
	}
	if m.interval <= 0 {
		m.interval = domain.DefaultBalanceCheckInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Run checks immediately and then on every tick until ctx is done.
func (m *BalanceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(ctx); err != nil {
			m.logger.ErrorContext(ctx, "vendor balance alert failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check reads all balances once and sends a single alert listing every
// vendor that is unknown or low. It returns the balances it read.
func (m *BalanceMonitor) Check(ctx context.Context) ([]VendorBalance, error) {
	ctx, span := tracer.Start(ctx, "broker.balance_check")
	defer span.End()

	balances := m.source.Balances(ctx)
	names := make([]string, 0, len(balances))
	for name := range balances {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]VendorBalance, 0, len(names))
	var problems []string
	for _, name := range names {
		row := vendorBalance(name, balances[name])
		rows = append(rows, row)
		switch {
		case !row.Known:
			problems = append(problems, fmt.Sprintf("%s: balance unavailable", name))
		case row.Balance.LessThan(m.threshold):
			problems = append(problems, fmt.Sprintf("%s: balance %s below %s", name, row.Balance, m.threshold))
		default:
			continue
		}
		balanceAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("vendor", name)))
	}
	span.SetAttributes(attribute.Int("alerts", len(problems)))

	if len(problems) == 0 || m.alerter == nil {
		return rows, nil
	}
	m.logger.WarnContext(ctx, "vendor balances need attention", slog.Int("vendors", len(problems)))
	if err := m.alerter.Alert(ctx, "numberbroker vendor balance", strings.Join(problems, "\n")); err != nil {
		return rows, fmt.Errorf("broker: balance alert: %w", err)
	}
	return rows, nil
}

var _ BalanceSource = (*provider.Registry)(nil)
