package acme

import (
	"context"
	"errors"
	"log/slog"

	"github.com/caasmo/restinpieces/db"
	"github.com/caasmo/restinpieces/queue/executor"
)

// JobTypeCertRenewal names the renewal job.
const JobTypeCertRenewal = "certificate_renewal"

var _ executor.JobHandler = (*RenewalJobHandler)(nil)

// RenewalJobHandler handles the job for renewing TLS certificates.
type RenewalJobHandler struct {
	cfg          Config
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewRenewalJobHandler creates a new handler instance.
// It requires a validated configuration, an orchestrator and a logger.
func NewRenewalJobHandler(cfg Config, o *Orchestrator, logger *slog.Logger) *RenewalJobHandler {
	if o == nil || logger == nil {
		panic("NewRenewalJobHandler: received nil orchestrator or logger")
	}
	return &RenewalJobHandler{
		cfg:          cfg,
		orchestrator: o,
		logger:       logger.With("job_handler", JobTypeCertRenewal),
	}
}

// Handle renews the configured certificate, issuing a first one when nothing
// is stored yet.
func (h *RenewalJobHandler) Handle(ctx context.Context, job db.Job) error {
	h.logger.Info("Attempting certificate renewal process", "job_id", job.ID, "domains", h.cfg.Domains)

	bundle, err := h.orchestrator.Renew(ctx, h.cfg)
	if errors.Is(err, ErrNotRenewable) {
		h.logger.Info("No existing certificate, issuing a new one", "domains", h.cfg.Domains)
		bundle, err = h.orchestrator.Generate(ctx, h.cfg)
	}
	if err != nil {
		if bundle != nil {
			// certificate is in place, only post-processing failed
			h.logger.Error("Certificate renewed but key+fullchain was not written", "expires_at", bundle.ExpiresAt, "error", err)
		} else {
			h.logger.Error("Certificate renewal job failed", "domains", h.cfg.Domains, "error", err)
		}
		return err
	}

	h.logger.Info("Successfully processed certificate renewal job.", "domains", bundle.Altnames, "expires_at", bundle.ExpiresAt)
	return nil
}
