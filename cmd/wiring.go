package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sells-group/demandsync/internal/ingest"
	"github.com/sells-group/demandsync/internal/metrics"
	"github.com/sells-group/demandsync/internal/notify"
	"github.com/sells-group/demandsync/internal/resilience"
	"github.com/sells-group/demandsync/internal/store"
	"github.com/sells-group/demandsync/pkg/epias"
)

func newSource() *epias.Client {
	retry := resilience.FromConfig(
		cfg.Ingest.Retry.MaxAttempts,
		cfg.Ingest.Retry.InitialBackoffMs,
		cfg.Ingest.Retry.MaxBackoffMs,
	)
	retry.OnRetry = resilience.LogRetries(zap.L().With(zap.String("component", "epias")), "epias request")

	return epias.NewClient(
		epias.WithCASURL(cfg.EPIAS.CASURL),
		epias.WithBaseURL(cfg.EPIAS.BaseURL),
		epias.WithTimeout(cfg.EPIAS.Timeout()),
		epias.WithRateLimit(cfg.EPIAS.RequestsPerSec),
		epias.WithRetry(retry),
	)
}

// newNotifier fans alerts out to every configured channel. With nothing
// configured, alerts are only logged.
func newNotifier() notify.Notifier {
	var out notify.Multi
	if cfg.Notify.SMTP.Host != "" && cfg.Notify.SMTP.Username != "" {
		out = append(out, notify.NewSMTP(notify.SMTPConfig{
			Host:        cfg.Notify.SMTP.Host,
			Port:        cfg.Notify.SMTP.Port,
			Username:    cfg.Notify.SMTP.Username,
			Password:    cfg.Notify.SMTP.Password,
			From:        cfg.Notify.SMTP.From,
			FromName:    cfg.Notify.SMTP.FromName,
			ImplicitTLS: cfg.Notify.SMTP.ImplicitTLS,
		}))
	}
	if cfg.Notify.WebhookURL != "" {
		out = append(out, notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if len(out) == 0 {
		zap.L().Warn("no alert channel configured; alerts will only be logged")
		return notify.Nop{}
	}
	return out
}

func newController(src ingest.Source, st store.Store, reg prometheus.Registerer) *ingest.Controller {
	return ingest.New(src, st, newNotifier(), ingest.Config{
		PageSize:        cfg.Ingest.PageSize,
		ErrorBudget:     cfg.Ingest.ErrorBudget,
		Recipient:       cfg.Notify.Recipient,
		NotifyOnFailure: cfg.Ingest.NotifyOnFailure,
	},
		ingest.WithBatchLog(st),
		ingest.WithMetrics(metrics.NewIngest(reg)),
	)
}
