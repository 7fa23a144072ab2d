package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/cache"
	"github.com/tracky-pm/engine/internal/calendar"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/escalation"
	"github.com/tracky-pm/engine/internal/impact"
	"github.com/tracky-pm/engine/internal/store"
	"github.com/tracky-pm/engine/internal/token"
)

// graphAdapter bridges store.Store's GetWorkItem to the WorkItem name
// impact.DependencyGraph (and impact.MutableGraph) expect.
type graphAdapter struct{ s store.Store }

func (g graphAdapter) SuccessorsOf(ctx context.Context, workItemID string) ([]domain.Dependency, error) {
	return g.s.SuccessorsOf(ctx, workItemID)
}

func (g graphAdapter) WorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	return g.s.GetWorkItem(ctx, id)
}

func (g graphAdapter) UpdateWorkItem(ctx context.Context, w domain.WorkItem) error {
	return g.s.UpdateWorkItem(ctx, w)
}

// Engine is the alert orchestrator: it composes the calendar, escalation,
// token, and impact packages against a Store to run the scan / send /
// respond / escalate lifecycle.
type Engine struct {
	store           store.Store
	calendar        *calendar.Calendar
	signer          *token.Signer
	orgSettings     escalation.OrgSettings
	policy          escalation.Policy
	opsFallbackEmail string
	frontendBaseURL string
	logger          zerolog.Logger
	cache           *cache.Client
}

// enqueueSend records a pending send in the store of record and, when a
// cache is attached, mirrors it into the Redis due-time set so the
// scheduler's queue processor can drain without hitting the store on
// every tick. The mirror is best-effort: a failure here just means the
// next drain falls back to the store for this alert.
func (e *Engine) enqueueSend(ctx context.Context, alertID string, dueAt time.Time) error {
	newlyEnqueued, err := e.store.EnqueueAlertSend(ctx, "send-"+alertID, alertID, dueAt)
	if err != nil {
		return err
	}
	if newlyEnqueued && e.cache != nil {
		e.cache.EnqueueAlertSend(ctx, alertID, dueAt)
	}
	return nil
}

// SetCache attaches a Redis-backed response-token cache. Left unset, the
// engine reads through to the store on every response submission; this is
// always correct, just slower under a burst of double-clicked magic links.
func (e *Engine) SetCache(c *cache.Client) { e.cache = c }

// New builds an Engine.
func New(s store.Store, cal *calendar.Calendar, signer *token.Signer, org escalation.OrgSettings, policy escalation.Policy, opsFallbackEmail, frontendBaseURL string, logger zerolog.Logger) *Engine {
	return &Engine{
		store:            s,
		calendar:         cal,
		signer:           signer,
		orgSettings:      org,
		policy:           policy,
		opsFallbackEmail: opsFallbackEmail,
		frontendBaseURL:  frontendBaseURL,
		logger:           logger.With().Str("component", "alerts").Logger(),
	}
}

// lookupResponseToken checks the optional cache before the store. The
// second return value reports whether the cache held the record, so the
// caller skips the redundant store read and re-populate on a hit but
// still falls through to the store otherwise.
func (e *Engine) lookupResponseToken(ctx context.Context, hash string) (*domain.ResponseToken, bool) {
	if e.cache == nil {
		return nil, false
	}
	rec, ok := e.cache.GetResponseToken(ctx, hash)
	return rec, ok
}

func endOfDayUTC(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 23, 59, 59, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func recipientEmail(ctx context.Context, s store.Store, r *escalation.Recipient) (string, error) {
	if r.IsSynthetic {
		return r.Email, nil
	}
	res, err := s.GetResource(ctx, r.ResourceID)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	if res.NotificationEmail != "" {
		return res.NotificationEmail, nil
	}
	return res.PrimaryEmail, nil
}

// ScanForPendingStatusChecks finds open work items due within the next
// week whose alert send date (CurrentEnd - daysBefore business days)
// falls on targetDate, skipping any that already have an in-flight alert
// whose latest response was ON_TRACK.
func (e *Engine) ScanForPendingStatusChecks(ctx context.Context, targetDate time.Time, daysBefore int, defaultCountry string) ([]PendingStatusCheck, error) {
	windowStart := targetDate.AddDate(0, 0, 1)
	windowEnd := targetDate.AddDate(0, 0, 8)

	items, err := e.store.ListWorkItemsDueBetween(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("listing due work items: %w", err)
	}

	var pending []PendingStatusCheck
	for _, item := range items {
		program, err := e.store.ProgramForWorkItem(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("resolving program for work item %s: %w", item.ExternalID, err)
		}
		country := defaultCountry
		if program != nil && program.HolidayCountry != "" {
			country = program.HolidayCountry
		}

		alertDate, err := e.calendar.BusinessDaysBefore(ctx, item.CurrentEnd, daysBefore, country)
		if err != nil {
			e.logger.Warn().Err(err).Str("work_item", item.ExternalID).Msg("could not resolve alert send date, skipping")
			continue
		}
		ay, am, ad := alertDate.Date()
		ty, tm, td := targetDate.Date()
		if ay != ty || am != tm || ad != td {
			continue
		}

		check := PendingStatusCheck{WorkItem: item, Program: program, Deadline: item.CurrentEnd, Urgency: domain.Urgency(calendar.Urgency(daysBetween(targetDate, item.CurrentEnd)))}

		if item.ResourceID == "" {
			check.SkipReason = "no resource assigned"
			pending = append(pending, check)
			continue
		}
		resource, err := e.store.GetResource(ctx, item.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("loading resource %s: %w", item.ResourceID, err)
		}
		if resource == nil {
			check.SkipReason = "assigned resource not found"
			pending = append(pending, check)
			continue
		}
		check.Resource = *resource

		existing, err := e.store.FindInFlightAlert(ctx, item.ID, item.CurrentEnd, domain.AlertTypeStatusCheck, 0)
		if err != nil {
			return nil, fmt.Errorf("checking for in-flight alert on %s: %w", item.ExternalID, err)
		}
		if existing != nil {
			check.ExistingAlertID = existing.ID
			if latest, err := e.store.LatestResponseForWorkItem(ctx, item.ID); err == nil && latest != nil {
				check.LatestResponseStatus = latest.ReportedStatus
				if latest.ReportedStatus == domain.ReportedOnTrack {
					check.SkipReason = "already confirmed on track"
				}
			}
		}

		pending = append(pending, check)
	}
	return pending, nil
}

// CreateStatusCheckAlert resolves the first available recipient in the
// owner's escalation chain at or after startLevel and schedules a
// status-check alert for send. The initial scan always passes
// escalation.LevelPrimary; CheckAndEscalateTimeouts passes the next
// level up so escalation never re-notifies a level that already timed
// out. When no chain candidate is available it falls back to a direct
// NO_RECIPIENT_ESCALATION notification to the program's PM.
func (e *Engine) CreateStatusCheckAlert(ctx context.Context, workItemID string, deadline time.Time, resourceID string, program *domain.Program, country string, startLevel escalation.Level) (CreateAlertResult, error) {
	owner, err := e.store.GetResource(ctx, resourceID)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("loading resource %s: %w", resourceID, err)
	}
	if owner == nil {
		return CreateAlertResult{}, apperrors.New(apperrors.ResourceNotFound, "assigned resource not found", map[string]interface{}{"resource_id": resourceID})
	}

	var prog domain.Program
	if program != nil {
		prog = *program
	}

	recipient, skipped, err := escalation.FindAvailableRecipient(ctx, e.store, *owner, prog, startLevel, e.orgSettings, e.opsFallbackEmail)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("resolving escalation chain: %w", err)
	}
	if recipient == nil {
		return e.createNoRecipientAlert(ctx, workItemID, deadline, resourceID, skipped, program)
	}

	recipientTZ := owner.Timezone
	if !recipient.IsSynthetic && recipient.ResourceID != owner.ID {
		if res, err := e.store.GetResource(ctx, recipient.ResourceID); err == nil && res != nil && res.Timezone != "" {
			recipientTZ = res.Timezone
		}
	}
	if recipientTZ == "" {
		recipientTZ = "UTC"
	}

	sendAt, err := e.calendar.AlertSendTimestamp(ctx, deadline, e.policy.AlertTimeOfDay, recipientTZ, e.policy.DaysBeforeDeadline, country)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("resolving alert send time: %w", err)
	}

	plaintext, _, tokenExpiresAt, err := e.signer.Mint(recipient.ResourceID, workItemID, deadline, "")
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("minting response token: %w", err)
	}

	var escalationTimeoutAt *time.Time
	if timeout, ok := e.policy.TimeoutHoursPerLevel[recipient.Level]; ok && timeout != nil {
		t := sendAt.Add(time.Duration(*timeout) * time.Hour)
		escalationTimeoutAt = &t
	}

	escalationReason := ""
	if recipient.Level > escalation.LevelPrimary {
		if len(skipped) > 0 {
			escalationReason = fmt.Sprintf("primary unavailable: %s", skipped[0].Reason)
		} else {
			escalationReason = "direct escalation"
		}
	}

	email, err := recipientEmail(ctx, e.store, recipient)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("resolving recipient email: %w", err)
	}

	magicLink := e.frontendBaseURL + "/respond?token=" + plaintext

	alert := domain.Alert{
		WorkItemID:          workItemID,
		DeadlineDate:        deadline,
		IntendedRecipient:   resourceID,
		ActualRecipient:     recipient.ResourceID,
		Type:                domain.AlertTypeStatusCheck,
		EscalationLevel:     int(recipient.Level),
		Urgency:             domain.Urgency(calendar.Urgency(daysBetween(sendAt, deadline))),
		Status:              domain.AlertPending,
		ScheduledSendAt:     sendAt,
		ExpiresAt:           endOfDayUTC(deadline),
		EscalationTimeoutAt: escalationTimeoutAt,
		EscalationReason:    escalationReason,
		Metadata: map[string]interface{}{
			// magic_link is stored in cleartext here, not just returned to the
			// caller, so the queue processor can render the notification at
			// send time without the plaintext token (only its hash survives
			// in response_tokens once minted).
			"magic_link":         magicLink,
			"recipient_email":    email,
			"skipped_recipients": skippedToMaps(skipped),
		},
	}

	saved, duplicate, err := e.store.InsertAlert(ctx, alert)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("inserting alert: %w", err)
	}
	if duplicate {
		return CreateAlertResult{AlertID: saved.ID, Duplicate: true}, nil
	}

	if _, err := e.store.InsertResponseToken(ctx, domain.ResponseToken{
		TokenHash:  token.Hash(plaintext),
		WorkItemID: workItemID,
		ResourceID: recipient.ResourceID,
		AlertID:    saved.ID,
		ExpiresAt:  tokenExpiresAt,
	}); err != nil {
		return CreateAlertResult{}, fmt.Errorf("storing response token: %w", err)
	}

	if err := e.enqueueSend(ctx, saved.ID, sendAt); err != nil {
		return CreateAlertResult{}, fmt.Errorf("queuing alert send: %w", err)
	}

	return CreateAlertResult{
		AlertID:             saved.ID,
		RecipientResourceID: recipient.ResourceID,
		RecipientEmail:      email,
		EscalationLevel:     int(recipient.Level),
		Urgency:             alert.Urgency,
		ScheduledSendAt:     sendAt,
		MagicLink:           magicLink,
		SkippedRecipients:   skipped,
	}, nil
}

func skippedToMaps(skipped []escalation.SkippedRecipient) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(skipped))
	for _, s := range skipped {
		out = append(out, map[string]interface{}{"level": int(s.Level), "reason": s.Reason})
	}
	return out
}

// pmContact is a resolved PM target for a no-recipient escalation,
// which may be a real resource or an org-level fallback email.
type pmContact struct {
	ResourceID string
	Name       string
	Email      string
}

// resolvePMForNotification walks program.pm_owner -> program.secondary_pm
// -> the org's default PM -> the org's escalation fallback email -> the
// application's ops fallback email, returning the first usable contact.
func (e *Engine) resolvePMForNotification(ctx context.Context, program *domain.Program) (*pmContact, error) {
	tryResource := func(resourceID string) (*pmContact, error) {
		if resourceID == "" {
			return nil, nil
		}
		res, err := e.store.GetResource(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		email := res.NotificationEmail
		if email == "" {
			email = res.PrimaryEmail
		}
		if email == "" {
			return nil, nil
		}
		return &pmContact{ResourceID: res.ID, Name: res.Name, Email: email}, nil
	}

	if program != nil {
		if contact, err := tryResource(program.PMOwner); err != nil {
			return nil, err
		} else if contact != nil {
			return contact, nil
		}
		if contact, err := tryResource(program.SecondaryPM); err != nil {
			return nil, err
		} else if contact != nil {
			return contact, nil
		}
	}
	if contact, err := tryResource(e.orgSettings.DefaultPMResourceID); err != nil {
		return nil, err
	} else if contact != nil {
		return contact, nil
	}
	if e.orgSettings.EscalationEmailFallback != "" {
		return &pmContact{Name: "System Administrator", Email: e.orgSettings.EscalationEmailFallback}, nil
	}
	if e.opsFallbackEmail != "" {
		return &pmContact{Name: "Ops Escalation", Email: e.opsFallbackEmail}, nil
	}
	e.logger.Error().Msg("no PM contact resolvable for no-recipient escalation, alert will not be sent to anyone")
	return nil, nil
}

func (e *Engine) createNoRecipientAlert(ctx context.Context, workItemID string, deadline time.Time, originalResourceID string, skipped []escalation.SkippedRecipient, program *domain.Program) (CreateAlertResult, error) {
	pm, err := e.resolvePMForNotification(ctx, program)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("resolving pm for notification: %w", err)
	}

	var actualRecipient string
	if pm != nil {
		actualRecipient = pm.ResourceID
	}

	alert := domain.Alert{
		WorkItemID:        workItemID,
		DeadlineDate:      deadline,
		IntendedRecipient: originalResourceID,
		ActualRecipient:   actualRecipient,
		Type:              domain.AlertTypeNoRecipient,
		EscalationLevel:   int(escalation.LevelPM),
		Urgency:           domain.UrgencyCritical,
		Status:            domain.AlertPending,
		ExpiresAt:         endOfDayUTC(deadline),
		EscalationReason:  "no available recipient in escalation chain",
		Metadata: map[string]interface{}{
			"skipped_recipients": skippedToMaps(skipped),
			"pm_notified":        pm != nil,
		},
	}
	saved, duplicate, err := e.store.InsertAlert(ctx, alert)
	if err != nil {
		return CreateAlertResult{}, fmt.Errorf("inserting no-recipient alert: %w", err)
	}

	result := CreateAlertResult{AlertID: saved.ID, RequiresManualIntervention: true, Duplicate: duplicate}
	if pm == nil || duplicate {
		return result, nil
	}
	result.RecipientResourceID = pm.ResourceID
	result.RecipientEmail = pm.Email
	if err := e.enqueueSend(ctx, saved.ID, time.Now().UTC()); err != nil {
		return result, fmt.Errorf("queuing no-recipient alert: %w", err)
	}
	return result, nil
}

// reasonPercent pulls a numeric key out of a reason_details payload,
// tolerating both JSON-decoded float64 and the occasional int a caller
// assembles in Go code.
func reasonPercent(details map[string]interface{}, key string) *float64 {
	v, ok := details[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	default:
		return nil
	}
}

func impactOf(ctx context.Context, s store.Store, item domain.WorkItem, reason domain.ReasonCategory, proposedEnd time.Time, delayDays int, reasonDetails map[string]interface{}) (map[string]interface{}, error) {
	additionalWorkPercent := reasonPercent(reasonDetails, "additional_work_percent")
	availableEffortPercent := reasonPercent(reasonDetails, "available_effort_percent")

	dates, err := impact.RecalculateDuration(item, reason, proposedEnd, additionalWorkPercent, availableEffortPercent)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}, nil
	}

	graph := graphAdapter{s}
	affected, cascadeErr := impact.CascadePreview(ctx, graph, item.ID, delayDays)

	var hasConflict bool
	if item.ResourceID != "" {
		if res, err := s.GetResource(ctx, item.ResourceID); err == nil && res != nil {
			conflict, err := impact.ResourceConflictPreview(ctx, s, *res, item.ID, dates.NewStart, dates.NewEnd)
			if err == nil && conflict != nil {
				hasConflict = true
			}
		}
	}

	score, level := impact.RiskScore(delayDays, item.IsCriticalPath, len(affected), hasConflict)
	result := map[string]interface{}{
		"new_start":        dates.NewStart,
		"new_end":          dates.NewEnd,
		"delay_days":       delayDays,
		"cascade_count":    len(affected),
		"is_critical_path": item.IsCriticalPath,
		"has_resource_conflict": hasConflict,
		"risk_score":       score,
		"risk_level":       string(level),
	}
	if cascadeErr != nil {
		result["cascade_error"] = cascadeErr.Error()
	}
	return result, nil
}

// ProcessStatusResponse records a responder's submission and, depending
// on the reported status, confirms it, raises (or auto-approves) a delay,
// escalates a blocker to the PM, or marks the work item complete. A
// supplied token must carry a valid signature and be unexpired. The
// record-then-revoke-then-close-alert sequence runs inside a single
// store.Envelope; a later failure restores the superseded previous
// response, but the inserted response and the token revocation are not
// undone.
func (e *Engine) ProcessStatusResponse(ctx context.Context, in ProcessResponseInput) (ProcessResponseResult, error) {
	if in.IdempotencyKey != "" {
		if existing, err := e.store.GetResponseByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
			return ProcessResponseResult{}, fmt.Errorf("checking idempotency key: %w", err)
		} else if existing != nil {
			return ProcessResponseResult{ResponseID: existing.ID, ReportedStatus: existing.ReportedStatus, Version: existing.ResponseVersion, Message: "response already recorded", Duplicate: true}, nil
		}
	}

	var tokenRecord *domain.ResponseToken
	if in.Token != "" {
		if _, err := e.signer.Parse(in.Token); err != nil {
			return ProcessResponseResult{}, err
		}
		hash := token.Hash(in.Token)
		rec, fromCache := e.lookupResponseToken(ctx, hash)
		if !fromCache {
			var err error
			rec, err = e.store.GetResponseTokenByHash(ctx, hash)
			if err != nil {
				return ProcessResponseResult{}, fmt.Errorf("looking up response token: %w", err)
			}
			if rec != nil && e.cache != nil {
				e.cache.PutResponseToken(ctx, hash, *rec)
			}
		}
		if rec != nil && rec.Revoked {
			return ProcessResponseResult{}, apperrors.New(apperrors.TokenRevoked, "this link has already been used to submit a response", map[string]interface{}{"used_at": rec.UsedAt})
		}
		tokenRecord = rec
	}

	alert, err := e.store.GetAlert(ctx, in.AlertID)
	if err != nil {
		return ProcessResponseResult{}, fmt.Errorf("loading alert %s: %w", in.AlertID, err)
	}
	if alert == nil {
		return ProcessResponseResult{}, apperrors.New(apperrors.ResourceNotFound, "alert not found", map[string]interface{}{"alert_id": in.AlertID})
	}

	workItem, err := e.store.GetWorkItem(ctx, alert.WorkItemID)
	if err != nil {
		return ProcessResponseResult{}, fmt.Errorf("loading work item %s: %w", alert.WorkItemID, err)
	}
	if workItem == nil {
		return ProcessResponseResult{}, apperrors.New(apperrors.ResourceNotFound, "work item not found for alert", map[string]interface{}{"work_item_id": alert.WorkItemID})
	}

	program, err := e.store.ProgramForWorkItem(ctx, workItem.ID)
	if err != nil {
		return ProcessResponseResult{}, fmt.Errorf("resolving program for work item: %w", err)
	}

	previousLatest, err := e.store.LatestResponseForWorkItem(ctx, workItem.ID)
	if err != nil {
		return ProcessResponseResult{}, fmt.Errorf("loading latest response: %w", err)
	}
	newVersion := 1
	if previousLatest != nil {
		newVersion = previousLatest.ResponseVersion + 1
	}

	var delayDays int
	if in.ReportedStatus == domain.ReportedDelayed && in.ProposedNewDate != nil {
		delayDays = daysBetween(workItem.CurrentEnd, *in.ProposedNewDate)
	}
	requiresApproval := in.ReportedStatus == domain.ReportedDelayed && delayDays > e.policy.AutoApproveDelayUpToDays

	var impactAnalysis map[string]interface{}
	if in.ReportedStatus == domain.ReportedDelayed && in.ProposedNewDate != nil {
		impactAnalysis, _ = impactOf(ctx, e.store, *workItem, in.ReasonCategory, *in.ProposedNewDate, delayDays, in.ReasonDetails)
	}

	approvalStatus := domain.ApprovalNone
	if in.ReportedStatus == domain.ReportedDelayed {
		approvalStatus = domain.ApprovalAutoApproved
		if requiresApproval {
			approvalStatus = domain.ApprovalPending
		}
	}

	now := time.Now().UTC()
	newResponse := domain.WorkItemResponse{
		AlertID: in.AlertID, WorkItemID: workItem.ID, ResponderID: in.ResponderResourceID,
		ReportedStatus: in.ReportedStatus, ProposedNewDate: in.ProposedNewDate, DelayDays: delayDays,
		ReasonCategory: in.ReasonCategory, ReasonDetails: in.ReasonDetails, Comment: in.Comment,
		ResponseVersion: newVersion, IsLatest: true, RequiresApproval: requiresApproval,
		ApprovalStatus: approvalStatus, ImpactAnalysis: impactAnalysis, SubmittedAt: now,
		IdempotencyKey: in.IdempotencyKey,
	}
	if tokenRecord != nil {
		newResponse.TokenID = tokenRecord.ID
	}

	var saved domain.WorkItemResponse
	err = store.Run(ctx, func(ctx context.Context, env *store.Envelope) error {
		if previousLatest != nil {
			before := *previousLatest
			superseded := before
			superseded.IsLatest = false
			superseded.SupersededByVersion = newVersion
			if err := e.store.UpdateResponse(ctx, superseded); err != nil {
				return fmt.Errorf("superseding previous response: %w", err)
			}
			env.Record("response "+before.ID, func(ctx context.Context) error { return e.store.UpdateResponse(ctx, before) })
		}

		inserted, err := e.store.InsertResponse(ctx, newResponse)
		if err != nil {
			return fmt.Errorf("inserting response: %w", err)
		}
		saved = inserted
		// No compensating action is recorded for the insert itself: the
		// store exposes no delete for responses, and leaving the new
		// response in place (superseded-back-to-not-latest above) is
		// harmless if a later step in this envelope fails.

		if tokenRecord != nil {
			if err := e.store.RevokeResponseToken(ctx, tokenRecord.ID, inserted.ID, now); err != nil {
				return fmt.Errorf("revoking response token: %w", err)
			}
			if e.cache != nil {
				e.cache.InvalidateResponseToken(ctx, tokenRecord.TokenHash)
			}
		}

		before := *alert
		updated := before
		updated.Status = domain.AlertResponded
		updated.RespondedAt = &now
		if err := e.store.UpdateAlert(ctx, updated); err != nil {
			return fmt.Errorf("updating alert status: %w", err)
		}
		env.Record("alert "+before.ID, func(ctx context.Context) error { return e.store.UpdateAlert(ctx, before) })

		return nil
	})
	if err != nil {
		return ProcessResponseResult{}, apperrors.Wrap(apperrors.StoreFailure, "processing status response failed, changes rolled back", err)
	}

	result := ProcessResponseResult{ResponseID: saved.ID, ReportedStatus: in.ReportedStatus, Version: newVersion}

	switch in.ReportedStatus {
	case domain.ReportedOnTrack:
		result.Message = "status confirmed as on track"

	case domain.ReportedDelayed:
		if requiresApproval {
			if err := e.createApprovalRequest(ctx, *workItem, saved, program, delayDays, impactAnalysis); err != nil {
				e.logger.Error().Err(err).Str("response_id", saved.ID).Msg("failed to raise approval request alert")
			}
			result.Message = fmt.Sprintf("delay of %d days recorded, awaiting PM approval", delayDays)
			result.RequiresApproval = true
		} else {
			if _, err := e.autoApproveDelay(ctx, saved); err != nil {
				e.logger.Error().Err(err).Str("response_id", saved.ID).Msg("auto-approve of delay failed")
			}
			result.Message = fmt.Sprintf("delay of %d days auto-approved", delayDays)
			result.AutoApproved = true
		}

	case domain.ReportedBlocked:
		if err := e.handleBlockerReport(ctx, *workItem, *alert, saved); err != nil {
			e.logger.Error().Err(err).Str("response_id", saved.ID).Msg("failed to escalate blocker report")
		}
		result.Message = "blocker reported, PM notified immediately"
		result.Escalated = true

	case domain.ReportedComplete:
		completed := *workItem
		completed.Status = domain.StatusCompleted
		completed.CompletionPercent = 100
		completedAt := now
		completed.ActualEnd = &completedAt
		if err := e.store.UpdateWorkItem(ctx, completed); err != nil {
			e.logger.Error().Err(err).Str("work_item", workItem.ExternalID).Msg("failed to mark work item completed")
		}
		result.Message = "task marked as completed"
	}

	return result, nil
}

func (e *Engine) createApprovalRequest(ctx context.Context, item domain.WorkItem, response domain.WorkItemResponse, program *domain.Program, delayDays int, impactAnalysis map[string]interface{}) error {
	urgency := domain.UrgencyMedium
	if delayDays > 3 {
		urgency = domain.UrgencyHigh
	}

	var intendedRecipient string
	if program != nil {
		intendedRecipient = program.PMOwner
		if intendedRecipient == "" {
			intendedRecipient = program.SecondaryPM
		}
	}

	deadline := item.CurrentEnd
	if response.ProposedNewDate != nil {
		deadline = *response.ProposedNewDate
	}

	alert := domain.Alert{
		WorkItemID:        item.ID,
		DeadlineDate:      deadline,
		IntendedRecipient: intendedRecipient,
		ActualRecipient:   intendedRecipient,
		Type:              domain.AlertTypeApprovalRequest,
		EscalationLevel:   int(escalation.LevelPM),
		Urgency:           urgency,
		Status:            domain.AlertPending,
		ParentAlertID:     response.AlertID,
		ExpiresAt:         endOfDayUTC(deadline),
		Metadata: map[string]interface{}{
			"response_id": response.ID,
			"delay_days":  delayDays,
			"impact":      impactAnalysis,
		},
	}
	saved, duplicate, err := e.store.InsertAlert(ctx, alert)
	if err != nil {
		return fmt.Errorf("creating approval request alert: %w", err)
	}
	if duplicate || intendedRecipient == "" {
		return nil
	}
	return e.enqueueSend(ctx, saved.ID, time.Now().UTC())
}

func (e *Engine) handleBlockerReport(ctx context.Context, item domain.WorkItem, alert domain.Alert, response domain.WorkItemResponse) error {
	updated := item
	updated.FlagForReview = true
	if response.Comment != "" {
		updated.ReviewMessage = "blocked: " + response.Comment
	} else {
		updated.ReviewMessage = "blocker reported"
	}
	if err := e.store.UpdateWorkItem(ctx, updated); err != nil {
		return fmt.Errorf("flagging blocked work item: %w", err)
	}

	escalationAlert := domain.Alert{
		WorkItemID:        item.ID,
		DeadlineDate:      item.CurrentEnd,
		IntendedRecipient: alert.ActualRecipient,
		Type:              domain.AlertTypeBlockerReport,
		EscalationLevel:   int(escalation.LevelPM),
		Urgency:           domain.UrgencyCritical,
		Status:            domain.AlertPending,
		ParentAlertID:     alert.ID,
		EscalationReason:  "blocker reported",
		ExpiresAt:         time.Now().UTC().AddDate(0, 0, 7),
		Metadata: map[string]interface{}{
			"response_id":         response.ID,
			"blocker_description": response.Comment,
		},
	}
	saved, duplicate, err := e.store.InsertAlert(ctx, escalationAlert)
	if err != nil {
		return fmt.Errorf("creating blocker escalation alert: %w", err)
	}
	if duplicate {
		return nil
	}
	return e.enqueueSend(ctx, saved.ID, time.Now().UTC())
}

// recalculatedDelayDates reruns the reason-specific duration math for a
// response's work item so approval applies the same shifted start/end the
// responder previewed, rather than the raw proposed date.
func (e *Engine) recalculatedDelayDates(ctx context.Context, response domain.WorkItemResponse) (time.Time, time.Time, error) {
	item, err := e.store.GetWorkItem(ctx, response.WorkItemID)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("loading work item %s: %w", response.WorkItemID, err)
	}
	if item == nil {
		return time.Time{}, time.Time{}, apperrors.New(apperrors.ResourceNotFound, "work item not found", map[string]interface{}{"work_item_id": response.WorkItemID})
	}
	additionalWorkPercent := reasonPercent(response.ReasonDetails, "additional_work_percent")
	availableEffortPercent := reasonPercent(response.ReasonDetails, "available_effort_percent")
	dates, err := impact.RecalculateDuration(*item, response.ReasonCategory, *response.ProposedNewDate, additionalWorkPercent, availableEffortPercent)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("recalculating duration for %s: %w", response.WorkItemID, err)
	}
	return dates.NewStart, dates.NewEnd, nil
}

func (e *Engine) autoApproveDelay(ctx context.Context, response domain.WorkItemResponse) (ApprovalResult, error) {
	newStart, newEnd, err := e.recalculatedDelayDates(ctx, response)
	if err != nil {
		return ApprovalResult{}, err
	}

	var result ApprovalResult
	now := time.Now().UTC()
	err = store.Run(ctx, func(ctx context.Context, env *store.Envelope) error {
		before := response
		updated := response
		updated.ApprovalStatus = domain.ApprovalAutoApproved
		updated.ApprovedAt = &now
		updated.ApprovedBy = "system:auto_approve"
		if err := e.store.UpdateResponse(ctx, updated); err != nil {
			return fmt.Errorf("marking response auto-approved: %w", err)
		}
		env.Record("response "+before.ID, func(ctx context.Context) error { return e.store.UpdateResponse(ctx, before) })

		applied, err := impact.ApplyApprovedDelay(ctx, graphAdapter{e.store}, env, response.WorkItemID, newStart, newEnd, "system:auto_approve", true)
		if err != nil {
			return fmt.Errorf("applying approved delay: %w", err)
		}
		result = ApprovalResult{ResponseID: response.ID, WorkItemID: response.WorkItemID, NewEnd: applied.Root.NewEnd, CascadedCount: len(applied.Cascaded)}
		return nil
	})
	return result, err
}

// ApproveDelay records a PM's explicit approval of a pending delay and
// applies it (with cascade) the same way auto-approval would.
func (e *Engine) ApproveDelay(ctx context.Context, responseID, approverResourceID string, cascade bool) (ApprovalResult, error) {
	response, err := e.store.GetResponse(ctx, responseID)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("loading response %s: %w", responseID, err)
	}
	if response == nil {
		return ApprovalResult{}, apperrors.New(apperrors.ResourceNotFound, "response not found", map[string]interface{}{"response_id": responseID})
	}
	if response.ApprovalStatus != domain.ApprovalPending {
		return ApprovalResult{}, apperrors.New(apperrors.ValidationFailure, "response is not awaiting approval", map[string]interface{}{"approval_status": response.ApprovalStatus})
	}
	if response.ProposedNewDate == nil {
		return ApprovalResult{}, apperrors.New(apperrors.ValidationFailure, "response has no proposed date to approve", nil)
	}

	newStart, newEnd, err := e.recalculatedDelayDates(ctx, *response)
	if err != nil {
		return ApprovalResult{}, err
	}

	var result ApprovalResult
	now := time.Now().UTC()
	err = store.Run(ctx, func(ctx context.Context, env *store.Envelope) error {
		before := *response
		updated := *response
		updated.ApprovalStatus = domain.ApprovalApproved
		updated.ApprovedAt = &now
		updated.ApprovedBy = approverResourceID
		if err := e.store.UpdateResponse(ctx, updated); err != nil {
			return fmt.Errorf("marking response approved: %w", err)
		}
		env.Record("response "+before.ID, func(ctx context.Context) error { return e.store.UpdateResponse(ctx, before) })

		applied, err := impact.ApplyApprovedDelay(ctx, graphAdapter{e.store}, env, response.WorkItemID, newStart, newEnd, approverResourceID, cascade)
		if err != nil {
			return fmt.Errorf("applying approved delay: %w", err)
		}
		result = ApprovalResult{ResponseID: response.ID, WorkItemID: response.WorkItemID, NewEnd: applied.Root.NewEnd, CascadedCount: len(applied.Cascaded)}
		return nil
	})
	if err != nil {
		return ApprovalResult{}, apperrors.Wrap(apperrors.CascadeFailure, "approving delay failed, changes rolled back", err)
	}
	return result, nil
}

// RejectDelay records a PM's rejection of a pending delay without
// touching the work item's schedule.
func (e *Engine) RejectDelay(ctx context.Context, responseID, rejectorResourceID, reason string) (ApprovalResult, error) {
	response, err := e.store.GetResponse(ctx, responseID)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("loading response %s: %w", responseID, err)
	}
	if response == nil {
		return ApprovalResult{}, apperrors.New(apperrors.ResourceNotFound, "response not found", map[string]interface{}{"response_id": responseID})
	}
	if response.ApprovalStatus != domain.ApprovalPending {
		return ApprovalResult{}, apperrors.New(apperrors.ValidationFailure, "response is not awaiting approval", map[string]interface{}{"approval_status": response.ApprovalStatus})
	}

	now := time.Now().UTC()
	updated := *response
	updated.ApprovalStatus = domain.ApprovalRejected
	updated.ApprovedBy = rejectorResourceID
	updated.ApprovedAt = &now
	if reason != "" {
		if updated.ReasonDetails == nil {
			updated.ReasonDetails = map[string]interface{}{}
		}
		updated.ReasonDetails["rejection_reason"] = reason
	}
	if err := e.store.UpdateResponse(ctx, updated); err != nil {
		return ApprovalResult{}, fmt.Errorf("marking response rejected: %w", err)
	}
	return ApprovalResult{ResponseID: response.ID, WorkItemID: response.WorkItemID, RejectionReason: reason}, nil
}

// CheckAndEscalateTimeouts finds every alert whose escalation timeout has
// elapsed without a response, creates a fresh alert at the next chain
// level, and marks the original Expired.
func (e *Engine) CheckAndEscalateTimeouts(ctx context.Context, defaultCountry string) ([]EscalationOutcome, error) {
	now := time.Now().UTC()
	timedOut, err := e.store.ListTimedOutAlerts(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing timed-out alerts: %w", err)
	}

	var outcomes []EscalationOutcome
	for _, alert := range timedOut {
		currentLevel := escalation.Level(alert.EscalationLevel)
		nextLevel := escalation.NextLevel(currentLevel)
		if nextLevel == currentLevel {
			continue
		}

		workItem, err := e.store.GetWorkItem(ctx, alert.WorkItemID)
		if err != nil {
			return outcomes, fmt.Errorf("loading work item for alert %s: %w", alert.ID, err)
		}
		if workItem == nil {
			continue
		}
		owner, err := e.store.GetResource(ctx, workItem.ResourceID)
		if err != nil {
			return outcomes, fmt.Errorf("loading resource for alert %s: %w", alert.ID, err)
		}
		if owner == nil {
			continue
		}

		program, err := e.store.ProgramForWorkItem(ctx, workItem.ID)
		if err != nil {
			return outcomes, fmt.Errorf("resolving program for alert %s: %w", alert.ID, err)
		}
		var prog domain.Program
		if program != nil {
			prog = *program
		}

		recipient, skipped, err := escalation.FindAvailableRecipient(ctx, e.store, *owner, prog, nextLevel, e.orgSettings, e.opsFallbackEmail)
		if err != nil {
			return outcomes, fmt.Errorf("resolving next recipient for alert %s: %w", alert.ID, err)
		}
		if recipient == nil {
			e.logger.Warn().Str("alert_id", alert.ID).Msg("no recipient available at any remaining escalation level")
			continue
		}

		country := defaultCountry
		if program != nil && program.HolidayCountry != "" {
			country = program.HolidayCountry
		}

		created, err := e.CreateStatusCheckAlert(ctx, alert.WorkItemID, alert.DeadlineDate, workItem.ResourceID, program, country, nextLevel)
		if err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to create escalation alert")
			continue
		}

		expired := alert
		expired.Status = domain.AlertExpired
		if err := e.store.UpdateAlert(ctx, expired); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to expire timed-out alert")
		}

		outcomes = append(outcomes, EscalationOutcome{
			OriginalAlertID: alert.ID, NewAlertID: created.AlertID,
			FromLevel: int(currentLevel), ToLevel: int(nextLevel),
			NewRecipientResourceID: recipient.ResourceID, SkippedCount: len(skipped),
		})
	}
	return outcomes, nil
}

// GetPendingApprovals lists responses awaiting a PM decision, optionally
// scoped to a single program.
func (e *Engine) GetPendingApprovals(ctx context.Context, programID string) ([]domain.WorkItemResponse, error) {
	responses, err := e.store.ListPendingApprovals(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	return responses, nil
}

// EscalationLineage returns an alert's full escalation lineage: the
// requested alert plus every ancestor reachable by following
// parent_alert_id, oldest first. Ported from the original's
// get_escalation_summary for operator UIs to render "this went
// Primary -> Backup -> Manager" without five separate lookups.
func (e *Engine) EscalationLineage(ctx context.Context, alertID string) ([]domain.Alert, error) {
	var chain []domain.Alert
	seen := map[string]bool{}
	id := alertID
	for id != "" && !seen[id] {
		seen[id] = true
		alert, err := e.store.GetAlert(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading alert %s: %w", id, err)
		}
		if alert == nil {
			break
		}
		chain = append(chain, *alert)
		id = alert.ParentAlertID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// RunDailyScan is the scheduler's single cron entry point: it scans for
// due status checks, creates an alert for every one that isn't already
// covered, then sweeps for timed-out alerts to escalate.
func (e *Engine) RunDailyScan(ctx context.Context, targetDate time.Time, daysBefore int, defaultCountry string) DailyScanResult {
	var result DailyScanResult

	checks, err := e.ScanForPendingStatusChecks(ctx, targetDate, daysBefore, defaultCountry)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan failed: %v", err))
		return result
	}
	result.ScannedCount = len(checks)

	for _, check := range checks {
		if check.SkipReason != "" || check.ExistingAlertID != "" {
			result.SkippedCount++
			continue
		}
		if _, err := e.CreateStatusCheckAlert(ctx, check.WorkItem.ID, check.Deadline, check.WorkItem.ResourceID, check.Program, defaultCountry, escalation.LevelPrimary); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("work item %s: %v", check.WorkItem.ExternalID, err))
			continue
		}
		result.AlertsCreated++
	}

	outcomes, err := e.CheckAndEscalateTimeouts(ctx, defaultCountry)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("escalation sweep failed: %v", err))
	}
	result.EscalationsRun = len(outcomes)
	result.TimedOutAlerts = len(outcomes)

	return result
}
