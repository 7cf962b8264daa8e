// Package workers runs the server's background loops: the ACK-TTL scanner,
// the stale-reservation sweeper and the periodic metrics line.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/mail"
	"github.com/agentmail/agentmail/internal/registry"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// Runner owns the background goroutines. Start launches them; they stop when
// the context is canceled and Wait returns.
type Runner struct {
	store    storage.Store
	mailer   *mail.Engine
	reserver *reserve.Engine
	reg      *registry.Registry
	settings config.Settings

	wg sync.WaitGroup

	mu        sync.Mutex
	escalated map[string]bool // msg_id/recipient pairs already escalated
}

// New builds a runner over the shared engines.
func New(store storage.Store, mailer *mail.Engine, reserver *reserve.Engine, reg *registry.Registry, settings config.Settings) *Runner {
	return &Runner{
		store:     store,
		mailer:    mailer,
		reserver:  reserver,
		reg:       reg,
		settings:  settings,
		escalated: make(map[string]bool),
	}
}

// Start launches the enabled loops.
func (r *Runner) Start(ctx context.Context) {
	if r.settings.AckTTLEnabled && r.settings.AckScanInterval > 0 {
		r.loop(ctx, "ack-scan", r.settings.AckScanInterval, r.scanOverdueAcks)
	}
	if r.settings.ReservationSweepInterval > 0 {
		r.loop(ctx, "reservation-sweep", r.settings.ReservationSweepInterval, r.sweepReservations)
	}
	if r.settings.MetricsInterval > 0 {
		r.loop(ctx, "metrics", r.settings.MetricsInterval, r.emitMetrics)
	}
}

// Wait blocks until every loop has exited.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					slog.Error("worker iteration failed", "worker", name, "error", err)
				}
			}
		}
	}()
}

// scanOverdueAcks finds recipients who have sat on an ack-required message
// past the TTL, then logs or escalates depending on configuration.
func (r *Runner) scanOverdueAcks(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.settings.AckTTL)
	overdue, err := r.store.OverdueAcks(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, o := range overdue {
		key := o.MsgID + "/" + o.Recipient
		r.mu.Lock()
		seen := r.escalated[key]
		if !seen {
			r.escalated[key] = true
		}
		r.mu.Unlock()
		if seen {
			continue
		}

		slog.Warn("ack overdue",
			"project", o.ProjectSlug,
			"message", o.MsgID,
			"subject", o.Subject,
			"from", o.Sender,
			"recipient", o.Recipient,
			"created", o.CreatedAt)

		if r.settings.AckEscalationMode == "claim" {
			if err := r.escalate(ctx, o); err != nil {
				slog.Error("ack escalation failed", "message", o.MsgID, "error", err)
			}
		}
	}
	return nil
}

// escalate places a visible lease over the laggard's inbox subtree, held by
// the configured overseer identity, so the backlog shows up in claim
// listings and whois output.
func (r *Runner) escalate(ctx context.Context, o storage.OverdueAck) error {
	project, err := r.store.GetProject(ctx, o.ProjectSlug)
	if err != nil {
		return err
	}
	holder, err := r.store.GetAgent(ctx, project.ID, r.settings.AckEscalationHolderName)
	if err != nil {
		if types.KindOf(err) != types.KindNotFound {
			return err
		}
		holder, err = r.mailer.RegisterAgent(ctx, project, r.settings.AckEscalationHolderName,
			"agentmail", "", "ack escalation overseer")
		if err != nil {
			return err
		}
	}
	_, err = r.reserver.Reserve(ctx, project, holder, reserve.Request{
		Patterns:  []string{fmt.Sprintf("inbox/%s/**", o.Recipient)},
		TTL:       r.settings.AckEscalationClaimTTL,
		Exclusive: r.settings.AckEscalationExclusive,
		Reason:    fmt.Sprintf("unacknowledged message %s from %s", o.MsgID, o.Sender),
	})
	return err
}

// sweepReservations expires stale leases across every project.
func (r *Runner) sweepReservations(ctx context.Context) error {
	n, err := r.store.ExpireStaleReservationsAll(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("expired stale reservations", "count", n)
	}
	return nil
}

// emitMetrics logs per-verb call counters.
func (r *Runner) emitMetrics(context.Context) error {
	var calls, errs int64
	for _, s := range r.reg.Metrics() {
		calls += s.Calls
		errs += s.Errors
	}
	slog.Info("tool metrics", "calls", calls, "errors", errs)
	return nil
}
