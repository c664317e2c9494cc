// Package engine drives the orchestration loop: claim actionable records,
// consult the collaborator, apply the resulting transitions, execute approved
// actions and publish the dashboard. Correctness never depends on being the
// only mutator; every cycle re-reads the store and treats lost races as
// routine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/audit"
	"vaultline/internal/collab"
	"vaultline/internal/config"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/lifecycle"
	"vaultline/internal/vault"
)

// Engine is one orchestration run. RunID identifies this process in claim
// sidecars so stale claims from dead runs can be told apart from our own.
type Engine struct {
	Vault  vault.Vault
	Audit  audit.Writer
	Config *config.Config
	Collab collab.Collaborator
	// Executor runs approved actions; when nil the collaborator is
	// invoked in execute mode.
	Executor collab.Collaborator
	RunID    string
	Now      func() time.Time
}

func New(v vault.Vault, cfg *config.Config, c collab.Collaborator) Engine {
	aw := audit.NewWriter(v.LogsDir())
	return Engine{
		Vault:  v,
		Audit:  aw,
		Config: cfg,
		Collab: c,
		RunID:  uuid.New().String(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CycleStats summarizes one orchestration cycle.
type CycleStats struct {
	Reclaimed   int
	Claimed     int
	Advanced    int
	Completed   int
	Deferred    int
	Quarantined int
	Executed    int
	Rejected    int
	Archived    int
}

// RunCycle performs one full Scan -> Dispatch -> Publish pass. Recoverable
// per-record errors are absorbed; only store-level I/O failures abort the
// cycle.
func (e Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	if err := e.reclaimStale(&stats); err != nil {
		return stats, err
	}
	owned, err := e.claimActionable(ctx, &stats)
	if err != nil {
		return stats, err
	}
	if err := e.process(ctx, owned, &stats); err != nil {
		return stats, err
	}
	if err := e.executeApproved(ctx, &stats); err != nil {
		return stats, err
	}
	if e.Config.Orchestrator.ArchiveRejected {
		if err := e.archiveRejected(&stats); err != nil {
			return stats, err
		}
	}
	if err := e.PublishDashboard(); err != nil {
		log.Printf("engine: dashboard: %v", err)
	}
	return stats, nil
}

// reclaimStale reverts claimed records whose lease ran out, restoring
// liveness after a crashed run. Orphaned record files with no sidecar are
// reclaimed too, but only once they are older than the lease window so a
// concurrent run's freshly moved record is never stolen.
func (e Engine) reclaimStale(stats *CycleStats) error {
	recs, err := e.Vault.List(domain.StageClaimed)
	if err != nil {
		return err
	}
	now := e.now()
	for _, rec := range recs {
		claim, cerr := e.Vault.ReadClaim(rec.Stem)
		switch {
		case cerr == nil:
			if !claim.Expired(now) {
				continue
			}
		case errors.Is(cerr, vault.ErrNotFound):
			info, serr := os.Stat(rec.Path)
			if serr != nil || now.Sub(info.ModTime()) < e.Config.Orchestrator.LeaseTimeout.Std() {
				continue
			}
		default:
			log.Printf("engine: claim %s unreadable: %v", rec.Stem, cerr)
			continue
		}
		rec.Meta.Attempts++
		rec.Meta.LastError = "claim lease expired"
		if err := e.Vault.Rewrite(rec); err != nil {
			log.Printf("engine: reclaim rewrite %s: %v", rec.Stem, err)
		}
		moved, err := e.Vault.Move(rec, domain.StageClaimed, domain.StageActionable)
		if err != nil {
			if recoverable(err) {
				continue
			}
			return err
		}
		_ = e.Vault.RemoveClaim(rec.Stem)
		e.audit(domain.ActorOrchestrator, rec.Meta.ID, domain.StageClaimed, domain.StageActionable, domain.OutcomeSuccess, "stale claim reclaimed")
		stats.Reclaimed++
		log.Printf("engine: reclaimed stale claim %s", moved.Stem)
	}
	e.sweepOrphanClaims(recs, now)
	return nil
}

// sweepOrphanClaims drops expired sidecars whose record file is gone, left
// behind when a mover lost a race after claiming.
func (e Engine) sweepOrphanClaims(recs []domain.Record, now time.Time) {
	claims, err := e.Vault.ListClaims()
	if err != nil {
		log.Printf("engine: list claims: %v", err)
		return
	}
	present := make(map[string]bool, len(recs))
	for _, rec := range recs {
		present[rec.Stem] = true
	}
	for _, c := range claims {
		if present[c.Stem] || !c.Expired(now) {
			continue
		}
		if err := e.Vault.RemoveClaim(c.Stem); err != nil {
			log.Printf("engine: sweep claim %s: %v", c.Stem, err)
		}
	}
}

// claimActionable is the claim-by-move pass: the atomicity of the store's
// rename is the lock. A conflict or vanished source means another actor got
// there first; both are skipped without noise.
func (e Engine) claimActionable(ctx context.Context, stats *CycleStats) ([]domain.Record, error) {
	recs, err := e.Vault.List(domain.StageActionable)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := recs[i].Meta.Priority.Rank(), recs[j].Meta.Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		if recs[i].Meta.DetectedAt != recs[j].Meta.DetectedAt {
			return recs[i].Meta.DetectedAt < recs[j].Meta.DetectedAt
		}
		return recs[i].Stem < recs[j].Stem
	})
	var owned []domain.Record
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		if err := lifecycle.Check(domain.StageActionable, domain.StageClaimed, domain.ActorOrchestrator); err != nil {
			return owned, err
		}
		claimed, err := e.Vault.Move(rec, domain.StageActionable, domain.StageClaimed)
		if err != nil {
			if recoverable(err) {
				continue
			}
			return owned, err
		}
		now := e.now().UTC()
		claim := domain.Claim{
			RecordID:   claimed.Meta.ID,
			Stem:       claimed.Stem,
			Owner:      e.RunID,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  now.Add(e.Config.Orchestrator.LeaseTimeout.Std()).Format(time.RFC3339),
		}
		if err := e.Vault.WriteClaim(claim); err != nil {
			log.Printf("engine: write claim %s: %v", claimed.Stem, err)
		}
		e.audit(domain.ActorOrchestrator, claimed.Meta.ID, domain.StageActionable, domain.StageClaimed, domain.OutcomeSuccess, "")
		owned = append(owned, claimed)
		stats.Claimed++
	}
	return owned, nil
}

// process consults the collaborator for each record this run claimed. On
// cancellation the remaining claims are released so no lease dangles past an
// intentional shutdown.
func (e Engine) process(ctx context.Context, owned []domain.Record, stats *CycleStats) error {
	for i, rec := range owned {
		if ctx.Err() != nil {
			e.releaseAll(owned[i:], "shutdown", stats)
			return nil
		}
		decision, err := e.Collab.Decide(ctx, collab.Request{
			RecordID:   rec.Meta.ID,
			RecordPath: rec.Path,
			Stage:      string(domain.StageClaimed),
			Attempts:   rec.Meta.Attempts,
			Docs:       e.Config.Collaborator.Docs,
			Mode:       collab.ModeDecide,
		})
		if err != nil {
			e.handleFailure(rec, reasonFor(err), stats)
			continue
		}
		switch decision.Kind {
		case domain.DecisionAdvance:
			e.applyDecision(&rec, decision)
			if err := e.transitionOwned(rec, domain.StageAwaitingApproval, decision.Note, stats, &stats.Advanced); err != nil {
				return err
			}
		case domain.DecisionComplete:
			if decision.Status == "" {
				decision.Status = "completed"
			}
			e.applyDecision(&rec, decision)
			if err := e.transitionOwned(rec, domain.StageTerminal, decision.Note, stats, &stats.Completed); err != nil {
				return err
			}
		case domain.DecisionDefer:
			e.handleFailure(rec, "collaborator deferred", stats)
		case domain.DecisionFail:
			reason := decision.Note
			if reason == "" {
				reason = "collaborator reported failure"
			}
			e.handleFailure(rec, reason, stats)
		}
	}
	return nil
}

// applyDecision folds the collaborator's payload update into the record and
// persists it while still claimed.
func (e Engine) applyDecision(rec *domain.Record, d domain.Decision) {
	changed := false
	if d.Status != "" && d.Status != rec.Meta.Status {
		rec.Meta.Status = d.Status
		changed = true
	}
	if d.BodyAppend != "" {
		rec.Body = rec.Body + "\n" + d.BodyAppend
		changed = true
	}
	if changed {
		if err := e.Vault.Rewrite(*rec); err != nil {
			log.Printf("engine: rewrite %s: %v", rec.Stem, err)
		}
	}
}

func (e Engine) transitionOwned(rec domain.Record, to domain.Stage, note string, stats *CycleStats, counter *int) error {
	if err := lifecycle.Check(domain.StageClaimed, to, domain.ActorOrchestrator); err != nil {
		return err
	}
	moved, err := e.Vault.Move(rec, domain.StageClaimed, to)
	if err != nil {
		if recoverable(err) {
			_ = e.Vault.RemoveClaim(rec.Stem)
			e.audit(domain.ActorOrchestrator, rec.Meta.ID, domain.StageClaimed, to, domain.OutcomeFailure, err.Error())
			return nil
		}
		return err
	}
	_ = e.Vault.RemoveClaim(rec.Stem)
	e.audit(domain.ActorOrchestrator, moved.Meta.ID, domain.StageClaimed, to, domain.OutcomeSuccess, note)
	*counter++
	return nil
}

// handleFailure releases a claimed record for retry, or quarantines it once
// the retry ceiling is hit. Records are never deleted.
func (e Engine) handleFailure(rec domain.Record, reason string, stats *CycleStats) {
	rec.Meta.Attempts++
	rec.Meta.LastError = reason
	if rec.Meta.Attempts >= e.Config.Orchestrator.MaxAttempts {
		rec.Meta.Priority = domain.PriorityUrgent
		if err := e.Vault.Rewrite(rec); err != nil {
			log.Printf("engine: quarantine rewrite %s: %v", rec.Stem, err)
		}
		if _, err := e.Vault.MoveToQuarantine(rec); err != nil {
			if !recoverable(err) {
				log.Printf("engine: quarantine %s: %v", rec.Stem, err)
			}
			return
		}
		_ = e.Vault.RemoveClaim(rec.Stem)
		e.audit(domain.ActorOrchestrator, rec.Meta.ID, domain.StageClaimed, domain.StageActionable, domain.OutcomeSuccess, "quarantined: "+reason)
		stats.Quarantined++
		log.Printf("engine: quarantined %s after %d attempts: %s", rec.Stem, rec.Meta.Attempts, reason)
		return
	}
	if err := e.Vault.Rewrite(rec); err != nil {
		log.Printf("engine: defer rewrite %s: %v", rec.Stem, err)
	}
	if _, err := e.Vault.Move(rec, domain.StageClaimed, domain.StageActionable); err != nil {
		if !recoverable(err) {
			log.Printf("engine: release %s: %v", rec.Stem, err)
		}
		return
	}
	_ = e.Vault.RemoveClaim(rec.Stem)
	e.audit(domain.ActorOrchestrator, rec.Meta.ID, domain.StageClaimed, domain.StageActionable, domain.OutcomeSuccess, "deferred: "+reason)
	stats.Deferred++
}

func (e Engine) releaseAll(recs []domain.Record, reason string, stats *CycleStats) {
	for _, rec := range recs {
		if _, err := e.Vault.Move(rec, domain.StageClaimed, domain.StageActionable); err != nil {
			if !recoverable(err) {
				log.Printf("engine: release %s: %v", rec.Stem, err)
			}
			continue
		}
		_ = e.Vault.RemoveClaim(rec.Stem)
		e.audit(domain.ActorOrchestrator, rec.Meta.ID, domain.StageClaimed, domain.StageActionable, domain.OutcomeSuccess, "released: "+reason)
		stats.Deferred++
	}
}

// executeApproved runs the side effect for records a human moved to
// Approved. Those moves are only ever observed here, never invoked.
func (e Engine) executeApproved(ctx context.Context, stats *CycleStats) error {
	recs, err := e.Vault.List(domain.StageApproved)
	if err != nil {
		return err
	}
	executor := e.Executor
	if executor == nil {
		executor = e.Collab
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return nil
		}
		_, err := executor.Decide(ctx, collab.Request{
			RecordID:   rec.Meta.ID,
			RecordPath: rec.Path,
			Stage:      string(domain.StageApproved),
			Attempts:   rec.Meta.Attempts,
			Docs:       e.Config.Collaborator.Docs,
			Mode:       collab.ModeExecute,
		})
		if err != nil {
			rec.Meta.LastError = reasonFor(err)
			if werr := e.Vault.Rewrite(rec); werr != nil {
				log.Printf("engine: reject rewrite %s: %v", rec.Stem, werr)
			}
			if err := e.transition(rec, domain.StageApproved, domain.StageRejected, domain.ActorOrchestrator, "execution failed: "+rec.Meta.LastError); err != nil {
				return err
			}
			stats.Rejected++
			continue
		}
		rec.Meta.Status = "completed"
		if werr := e.Vault.Rewrite(rec); werr != nil {
			log.Printf("engine: complete rewrite %s: %v", rec.Stem, werr)
		}
		if err := e.transition(rec, domain.StageApproved, domain.StageTerminal, domain.ActorOrchestrator, "approved action executed"); err != nil {
			return err
		}
		stats.Executed++
	}
	return nil
}

// archiveRejected files rejected records away under Done. They are never
// re-opened automatically.
func (e Engine) archiveRejected(stats *CycleStats) error {
	recs, err := e.Vault.List(domain.StageRejected)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := e.transition(rec, domain.StageRejected, domain.StageTerminal, domain.ActorOrchestrator, "archived"); err != nil {
			return err
		}
		stats.Archived++
	}
	return nil
}

// transition validates and applies one move, emitting exactly one audit
// entry for the attempt.
func (e Engine) transition(rec domain.Record, from, to domain.Stage, actor domain.Actor, reason string) error {
	if err := lifecycle.Check(from, to, actor); err != nil {
		e.audit(actor, rec.Meta.ID, from, to, domain.OutcomeFailure, err.Error())
		return err
	}
	if _, err := e.Vault.Move(rec, from, to); err != nil {
		if recoverable(err) {
			return nil
		}
		e.audit(actor, rec.Meta.ID, from, to, domain.OutcomeFailure, err.Error())
		return err
	}
	e.audit(actor, rec.Meta.ID, from, to, domain.OutcomeSuccess, reason)
	return nil
}

// HumanDecide applies a reviewer's verdict on a record awaiting approval.
// The CLI calls this as a convenience over moving the file by hand; the
// transition is validated exactly like any other.
func (e Engine) HumanDecide(id string, approve bool) (domain.Record, error) {
	rec, err := e.Vault.Get(domain.StageAwaitingApproval, id)
	if err != nil {
		return domain.Record{}, err
	}
	to := domain.StageRejected
	if approve {
		to = domain.StageApproved
	}
	if err := lifecycle.Check(domain.StageAwaitingApproval, to, domain.ActorHuman); err != nil {
		e.audit(domain.ActorHuman, rec.Meta.ID, domain.StageAwaitingApproval, to, domain.OutcomeFailure, err.Error())
		return domain.Record{}, err
	}
	moved, err := e.Vault.Move(rec, domain.StageAwaitingApproval, to)
	if err != nil {
		e.audit(domain.ActorHuman, rec.Meta.ID, domain.StageAwaitingApproval, to, domain.OutcomeFailure, err.Error())
		return domain.Record{}, err
	}
	e.audit(domain.ActorHuman, moved.Meta.ID, domain.StageAwaitingApproval, to, domain.OutcomeSuccess, "")
	return moved, nil
}

// Reopen creates a fresh record referencing a terminal or rejected one.
// Absorbing stages are never left; follow-up work gets a new identity.
func (e Engine) Reopen(id, title string) (domain.Record, error) {
	old, err := e.Vault.Find(id)
	if err != nil {
		return domain.Record{}, err
	}
	if old.Stage != domain.StageTerminal && old.Stage != domain.StageRejected {
		return domain.Record{}, fmt.Errorf("%w: reopen only applies to done or rejected records", lifecycle.ErrInvalidTransition)
	}
	now := e.now().UTC()
	if title == "" {
		title = "Reopen " + old.Stem
	}
	meta := domain.Meta{
		ID:        vault.NewRecordID(old.Meta.ContentHash, "reopen:"+old.Meta.ID, now),
		Kind:      domain.KindTask,
		Status:    "pending",
		Priority:  old.Meta.Priority,
		CreatedAt: now.Format(time.RFC3339),
		Refs:      append(append([]string(nil), old.Meta.Refs...), old.Meta.ID),
	}
	rec, err := e.Vault.Create(domain.StageActionable, vault.NewStem(domain.KindTask, title, now), meta, "# "+title+"\n\nFollow-up of `"+old.Stem+"`.\n")
	if err != nil {
		return domain.Record{}, err
	}
	e.audit(domain.ActorHuman, rec.Meta.ID, "", domain.StageActionable, domain.OutcomeSuccess, "reopened from "+old.Meta.ID)
	return rec, nil
}

// Run polls until the context is cancelled. A cycle aborted by a store I/O
// failure backs the loop off, doubling up to the configured cap; existing
// records are never touched by a failed cycle.
func (e Engine) Run(ctx context.Context) error {
	interval := e.Config.Orchestrator.PollInterval.Std()
	backoff := interval
	log.Printf("engine: run %s polling every %s", e.RunID, interval)
	for {
		stats, err := e.RunCycle(ctx)
		switch {
		case err == nil:
			backoff = interval
			if stats != (CycleStats{}) {
				log.Printf("engine: cycle claimed=%d advanced=%d completed=%d deferred=%d quarantined=%d executed=%d rejected=%d reclaimed=%d",
					stats.Claimed, stats.Advanced, stats.Completed, stats.Deferred, stats.Quarantined, stats.Executed, stats.Rejected, stats.Reclaimed)
			}
		case errors.Is(err, vault.ErrIO):
			log.Printf("engine: cycle aborted: %v; backing off %s", err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if limit := e.Config.Orchestrator.BackoffCap.Std(); backoff > limit {
				backoff = limit
			}
			continue
		default:
			return err
		}
		select {
		case <-ctx.Done():
			log.Printf("engine: stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PublishDashboard renders the current vault state into Dashboard.md. The
// orchestrator is its single writer; it runs as the last step of every cycle.
func (e Engine) PublishDashboard() error {
	counts, _, err := e.Vault.StageCounts()
	if err != nil {
		return err
	}
	quarantine, err := e.Vault.ListQuarantine()
	if err != nil {
		return err
	}
	pending, err := e.Vault.List(domain.StageAwaitingApproval)
	if err != nil {
		return err
	}
	recent, err := audit.NewReader(e.Vault.LogsDir()).Tail(10)
	if err != nil {
		return err
	}
	return e.Vault.WriteDashboard(dashboard.Render(dashboard.Snapshot{
		VaultID:     e.Config.Vault.ID,
		GeneratedAt: e.now(),
		Counts:      counts,
		Quarantine:  quarantine,
		Pending:     pending,
		RecentAudit: recent,
	}))
}

func (e Engine) audit(actor domain.Actor, id string, from, to domain.Stage, outcome domain.Outcome, reason string) {
	if err := e.Audit.Append(domain.AuditEntry{
		Actor:    actor,
		RecordID: id,
		From:     from,
		To:       to,
		Outcome:  outcome,
		Reason:   reason,
	}); err != nil {
		log.Printf("engine: audit append: %v", err)
	}
}

// recoverable reports whether a store error is a lost race rather than a
// storage failure.
func recoverable(err error) bool {
	return errors.Is(err, vault.ErrConflict) || errors.Is(err, vault.ErrNotFound)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, collab.ErrTimeout):
		return "collaborator timeout"
	case errors.Is(err, collab.ErrFailure):
		return firstOf(err.Error(), 200)
	default:
		return firstOf(err.Error(), 200)
	}
}

func firstOf(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
