package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/metrics"
	"github.com/tracky-pm/engine/internal/store"
)

// Engine runs Pass 3 (Execute) of the Smart Merge pipeline against a
// store.Store, within a transactional Envelope.
type Engine struct {
	store  store.Store
	logger zerolog.Logger
}

// New builds an Engine.
func New(s store.Store, logger zerolog.Logger) *Engine {
	return &Engine{store: s, logger: logger.With().Str("component", "merge").Logger()}
}

// Execute runs Pass 3 against a validated ImportInput. Callers must run
// Validate first and refuse to call Execute if the report has errors.
// On any unhandled failure the envelope undoes the recorded program,
// resource, work-item and ghost-check writes and marks the import batch
// failed. Project and phase upserts, resource backup/manager links,
// dependency edges, the baseline snapshot and audit records are not
// undone.
func (e *Engine) Execute(ctx context.Context, input ImportInput, opts Options) (Summary, error) {
	summary := Summary{}

	if opts.DryRun {
		return e.dryRun(ctx, input, opts)
	}

	err := store.Run(ctx, func(ctx context.Context, env *store.Envelope) error {
		program, err := e.upsertProgram(ctx, env, input)
		if err != nil {
			return err
		}

		resourceIDs, err := e.upsertResources(ctx, env, input.Resources)
		if err != nil {
			return err
		}

		phaseIDs, err := e.upsertHierarchy(ctx, env, program.ID, input)
		if err != nil {
			return err
		}

		batch := domain.ImportBatch{
			ProgramID: program.ID,
			FileName:  opts.FileName,
			FileHash:  opts.FileHash,
			StartedAt: time.Now().UTC(),
			Status:    domain.ImportRunning,
		}
		batch, err = e.store.InsertImportBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("creating import batch: %w", err)
		}
		summary.ImportBatchID = batch.ID
		env.Record("import batch "+batch.ID, func(ctx context.Context) error {
			batch.Status = domain.ImportFailed
			return e.store.UpdateImportBatch(ctx, batch)
		})

		if opts.SaveBaselineVersion {
			versionID, err := e.snapshotBaseline(ctx, env, program.ID, batch.ID, opts.ChangedBy)
			if err != nil {
				return err
			}
			summary.BaselineVersionID = versionID
		}

		var audits []domain.AuditRecord
		excelExternalIDs := map[string]bool{}
		workItemIDs := map[string]string{} // external_id -> work item id, for dependency resolution

		for _, item := range input.WorkItems {
			excelExternalIDs[item.ExternalID] = true
			phaseID, ok := phaseIDs[item.PhaseExternalID]
			if !ok {
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("skipped %s: phase %s not found", item.ExternalID, item.PhaseExternalID))
				continue
			}
			resourceID := resourceIDs[item.ResourceExternalID]

			existing, err := e.store.GetWorkItemByExternalID(ctx, phaseID, item.ExternalID)
			if err != nil {
				return fmt.Errorf("looking up work item %s: %w", item.ExternalID, err)
			}

			var result ItemResult
			var itemAudits []domain.AuditRecord
			if existing == nil {
				result, itemAudits, err = e.insertWorkItem(ctx, env, phaseID, resourceID, item)
			} else {
				result, itemAudits, err = e.updateWorkItem(ctx, env, *existing, resourceID, item)
			}
			if err != nil {
				return err
			}
			workItemIDs[item.ExternalID] = result.WorkItemID
			summary.addResult(result)
			audits = append(audits, itemAudits...)
		}

		if opts.PerformGhostCheck {
			ghostResults, ghostAudits, err := e.ghostCheck(ctx, env, program.ID, excelExternalIDs)
			if err != nil {
				return err
			}
			for _, r := range ghostResults {
				summary.addResult(r)
			}
			audits = append(audits, ghostAudits...)
		}

		depCount, depAudits, err := e.upsertDependencies(ctx, env, input.Dependencies, workItemIDs)
		if err != nil {
			return err
		}
		summary.DependenciesSynced = depCount
		audits = append(audits, depAudits...)

		if len(audits) > 0 {
			for i := range audits {
				audits[i].BatchID = batch.ID
				audits[i].ChangedAt = time.Now().UTC()
				if audits[i].ChangedBy == "" {
					audits[i].ChangedBy = "system:import"
				}
			}
			if err := e.store.InsertAuditRecords(ctx, audits); err != nil {
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("failed to write audit log: %v", err))
			}
		}

		batch.CompletedAt = ptrTime(time.Now().UTC())
		batch.Status = domain.ImportSuccess
		if len(summary.Warnings) > 0 {
			batch.Status = domain.ImportPartialSuccess
		}
		if err := e.store.UpdateImportBatch(ctx, batch); err != nil {
			return fmt.Errorf("finalizing import batch: %w", err)
		}

		return nil
	})

	if err != nil {
		metrics.ImportsTotal.WithLabelValues("failed").Inc()
		return summary, apperrors.Wrap(apperrors.ImportFailure, "smart merge execute failed, changes rolled back", err)
	}
	status := "success"
	if len(summary.Warnings) > 0 {
		status = "partial_success"
	}
	metrics.ImportsTotal.WithLabelValues(status).Inc()
	return summary, nil
}

// dryRun classifies every work item as a create or an update without
// staging any store writes, used by the /import?dry_run=true surface to
// preview an import. It matches purely on (program, external_id): a full
// phase-scoped match happens only in Execute, since dry runs never create
// the phases a brand-new plan would introduce.
func (e *Engine) dryRun(ctx context.Context, input ImportInput, opts Options) (Summary, error) {
	summary := Summary{}

	program, err := e.store.GetProgramByExternalID(ctx, input.Program.ExternalID)
	if err != nil {
		return summary, fmt.Errorf("looking up program: %w", err)
	}
	if program == nil {
		for _, item := range input.WorkItems {
			summary.addResult(ItemResult{ExternalID: item.ExternalID, Action: ActionCreated})
		}
		return summary, nil
	}

	existingItems, err := e.store.ListWorkItemsByProgram(ctx, program.ID)
	if err != nil {
		return summary, fmt.Errorf("listing program work items: %w", err)
	}
	byExternalID := map[string]domain.WorkItem{}
	for _, it := range existingItems {
		byExternalID[it.ExternalID] = it
	}

	for _, item := range input.WorkItems {
		if existing, ok := byExternalID[item.ExternalID]; ok {
			summary.addResult(ItemResult{ExternalID: item.ExternalID, WorkItemID: existing.ID, Action: ActionUpdated})
		} else {
			summary.addResult(ItemResult{ExternalID: item.ExternalID, Action: ActionCreated})
		}
	}
	return summary, nil
}

func (e *Engine) upsertProgram(ctx context.Context, env *store.Envelope, input ImportInput) (domain.Program, error) {
	existing, err := e.store.GetProgramByExternalID(ctx, input.Program.ExternalID)
	if err != nil {
		return domain.Program{}, fmt.Errorf("looking up program %s: %w", input.Program.ExternalID, err)
	}

	var minStart, maxEnd time.Time
	for i, item := range input.WorkItems {
		if i == 0 || item.PlannedStart.Before(minStart) {
			minStart = item.PlannedStart
		}
		if i == 0 || item.PlannedEnd.After(maxEnd) {
			maxEnd = item.PlannedEnd
		}
	}

	program := domain.Program{
		ExternalID:     input.Program.ExternalID,
		Name:           input.Program.Name,
		Status:         "Active",
		BaselineStart:  minStart,
		BaselineEnd:    maxEnd,
		HolidayCountry: input.Program.HolidayCountry,
	}
	if existing != nil {
		program.ID = existing.ID
		program.PMOwner = existing.PMOwner
		program.SecondaryPM = existing.SecondaryPM
	}

	saved, err := e.store.UpsertProgram(ctx, program)
	if err != nil {
		return domain.Program{}, fmt.Errorf("upserting program: %w", err)
	}
	if existing == nil {
		previous := saved
		env.Record("program "+saved.ID, func(ctx context.Context) error {
			_, err := e.store.UpsertProgram(ctx, previous)
			return err
		})
	} else {
		previous := *existing
		env.Record("program "+saved.ID, func(ctx context.Context) error {
			_, err := e.store.UpsertProgram(ctx, previous)
			return err
		})
	}
	return saved, nil
}

func (e *Engine) upsertResources(ctx context.Context, env *store.Envelope, resources []ParsedResource) (map[string]string, error) {
	ids := map[string]string{}
	for _, r := range resources {
		existing, err := e.store.GetResourceByExternalID(ctx, r.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("looking up resource %s: %w", r.ExternalID, err)
		}
		resource := domain.Resource{
			ExternalID:         r.ExternalID,
			Name:               r.Name,
			PrimaryEmail:       r.PrimaryEmail,
			NotificationEmail:  r.NotificationEmail,
			Role:               r.Role,
			Timezone:           r.Timezone,
			MaxUtilization:     r.MaxUtilization,
			AvailabilityStatus: domain.AvailabilityActive,
		}
		if existing != nil {
			resource.ID = existing.ID
			resource.AvailabilityStatus = existing.AvailabilityStatus
			resource.BackupResourceID = existing.BackupResourceID
			resource.ManagerID = existing.ManagerID
			resource.LeaveStart = existing.LeaveStart
			resource.LeaveEnd = existing.LeaveEnd
			resource.ChatUserID = existing.ChatUserID
		}
		saved, err := e.store.UpsertResource(ctx, resource)
		if err != nil {
			return nil, fmt.Errorf("upserting resource %s: %w", r.ExternalID, err)
		}
		ids[r.ExternalID] = saved.ID

		if existing == nil {
			env.Record("resource "+saved.ID, func(ctx context.Context) error {
				_, err := e.store.UpsertResource(ctx, saved)
				return err
			})
		} else {
			previous := *existing
			env.Record("resource "+saved.ID, func(ctx context.Context) error {
				_, err := e.store.UpsertResource(ctx, previous)
				return err
			})
		}
	}

	// Backup/manager references are resolved in a second pass since they
	// may point forward to a resource upserted later in the same batch.
	for _, r := range resources {
		if r.BackupResourceExt == "" && r.ManagerExt == "" {
			continue
		}
		id, ok := ids[r.ExternalID]
		if !ok {
			continue
		}
		res, err := e.store.GetResource(ctx, id)
		if err != nil || res == nil {
			continue
		}
		updated := *res
		if backupID, ok := ids[r.BackupResourceExt]; ok {
			updated.BackupResourceID = backupID
		}
		if managerID, ok := ids[r.ManagerExt]; ok {
			updated.ManagerID = managerID
		}
		if _, err := e.store.UpsertResource(ctx, updated); err != nil {
			return nil, fmt.Errorf("linking resource %s chain: %w", r.ExternalID, err)
		}
	}

	return ids, nil
}

// upsertHierarchy upserts the project/phase hierarchy extracted from the
// batch's work-item rows. Projects and phases are structural containers,
// not execution truth, so their upserts are not added to the rollback
// log: leaving them in place on a failed import is harmless and matches
// the original implementation's behavior of never retracting structure.
func (e *Engine) upsertHierarchy(ctx context.Context, env *store.Envelope, programID string, input ImportInput) (map[string]string, error) {
	projectIDs := map[string]string{}
	for _, p := range input.Projects {
		saved, err := e.store.UpsertProject(ctx, domain.Project{ProgramID: programID, ExternalID: p.ExternalID, Name: p.Name})
		if err != nil {
			return nil, fmt.Errorf("upserting project %s: %w", p.ExternalID, err)
		}
		projectIDs[p.ExternalID] = saved.ID
	}

	phaseIDs := map[string]string{}
	for _, ph := range input.Phases {
		projectID, ok := projectIDs[ph.ProjectExternalID]
		if !ok {
			continue
		}
		saved, err := e.store.UpsertPhase(ctx, domain.Phase{ProjectID: projectID, ExternalID: ph.ExternalID, Name: ph.Name, Sequence: ph.Sequence})
		if err != nil {
			return nil, fmt.Errorf("upserting phase %s: %w", ph.ExternalID, err)
		}
		phaseIDs[ph.ExternalID] = saved.ID
	}
	return phaseIDs, nil
}

func (e *Engine) insertWorkItem(ctx context.Context, env *store.Envelope, phaseID, resourceID string, item ParsedWorkItem) (ItemResult, []domain.AuditRecord, error) {
	w := domain.WorkItem{
		PhaseID:             phaseID,
		ExternalID:          item.ExternalID,
		Name:                item.Name,
		PlannedStart:        item.PlannedStart,
		PlannedEnd:          item.PlannedEnd,
		PlannedEffort:       item.PlannedEffort,
		AllocationPercent:   item.AllocationPercent,
		CurrentStart:        item.PlannedStart,
		CurrentEnd:          item.PlannedEnd,
		Status:              domain.StatusNotStarted,
		CompletionPercent:   0,
		ResourceID:          resourceID,
		Complexity:          item.Complexity,
		StrategicImportance: item.StrategicImportance,
		CustomerImpact:      item.CustomerImpact,
		IsCriticalLaunch:    item.IsCriticalLaunch,
		FeatureName:         item.FeatureName,
	}
	if item.RevenueImpact != nil {
		w.RevenueImpact = *item.RevenueImpact
	}

	saved, err := e.store.InsertWorkItem(ctx, w)
	if err != nil {
		return ItemResult{}, nil, fmt.Errorf("inserting work item %s: %w", item.ExternalID, err)
	}
	env.Record("work item "+saved.ID, func(ctx context.Context) error {
		// No delete in the Store interface for work items; best-effort
		// rollback cancels the row instead of removing it.
		saved.Status = domain.StatusCancelled
		saved.CancellationReason = "rolled back: import failed"
		return e.store.UpdateWorkItem(ctx, saved)
	})

	audit := []domain.AuditRecord{{
		EntityType: "work_item", EntityID: saved.ID, Action: "created",
		ChangeSource: "excel_import", Reason: "new task from plan import",
	}}
	return ItemResult{ExternalID: item.ExternalID, WorkItemID: saved.ID, Action: ActionCreated}, audit, nil
}

func (e *Engine) updateWorkItem(ctx context.Context, env *store.Envelope, existing domain.WorkItem, resourceID string, item ParsedWorkItem) (ItemResult, []domain.AuditRecord, error) {
	result := ItemResult{
		ExternalID: item.ExternalID, WorkItemID: existing.ID, Action: ActionUpdated,
		OldValues: map[string]string{}, NewValues: map[string]string{},
	}
	updated := existing
	diff := func(field string, oldV, newV string, apply func()) {
		if oldV == newV {
			return
		}
		apply()
		result.FieldsUpdated = append(result.FieldsUpdated, field)
		result.OldValues[field] = oldV
		result.NewValues[field] = newV
	}

	diff("name", existing.Name, item.Name, func() { updated.Name = item.Name })
	if !existing.PlannedStart.Equal(item.PlannedStart) {
		diff("planned_start", existing.PlannedStart.Format("2006-01-02"), item.PlannedStart.Format("2006-01-02"), func() {
			updated.PlannedStart = item.PlannedStart
		})
		result.BaselineChanged = true
	}
	if !existing.PlannedEnd.Equal(item.PlannedEnd) {
		diff("planned_end", existing.PlannedEnd.Format("2006-01-02"), item.PlannedEnd.Format("2006-01-02"), func() {
			updated.PlannedEnd = item.PlannedEnd
		})
		result.BaselineChanged = true
	}
	diff("planned_effort", fmt.Sprintf("%v", existing.PlannedEffort), fmt.Sprintf("%v", item.PlannedEffort), func() {
		updated.PlannedEffort = item.PlannedEffort
	})
	diff("allocation_percent", fmt.Sprintf("%v", existing.AllocationPercent), fmt.Sprintf("%v", item.AllocationPercent), func() {
		updated.AllocationPercent = item.AllocationPercent
	})
	diff("complexity", existing.Complexity, item.Complexity, func() { updated.Complexity = item.Complexity })
	diff("strategic_importance", existing.StrategicImportance, item.StrategicImportance, func() {
		updated.StrategicImportance = item.StrategicImportance
	})
	diff("customer_impact", existing.CustomerImpact, item.CustomerImpact, func() { updated.CustomerImpact = item.CustomerImpact })
	diff("feature_name", existing.FeatureName, item.FeatureName, func() { updated.FeatureName = item.FeatureName })
	diff("is_critical_launch", fmt.Sprintf("%v", existing.IsCriticalLaunch), fmt.Sprintf("%v", item.IsCriticalLaunch), func() {
		updated.IsCriticalLaunch = item.IsCriticalLaunch
	})
	if item.RevenueImpact != nil {
		diff("revenue_impact", fmt.Sprintf("%v", existing.RevenueImpact), fmt.Sprintf("%v", *item.RevenueImpact), func() {
			updated.RevenueImpact = *item.RevenueImpact
		})
	}
	if resourceID != "" {
		diff("resource_id", existing.ResourceID, resourceID, func() { updated.ResourceID = resourceID })
	}

	if existing.CurrentStart.Before(item.PlannedStart) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"task %s: new baseline start (%s) is later than current forecast (%s); recalculation will adjust current dates",
			item.ExternalID, item.PlannedStart.Format("2006-01-02"), existing.CurrentStart.Format("2006-01-02")))
	}
	if existing.CurrentEnd.Before(item.PlannedEnd) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"task %s: new baseline end (%s) is later than current end (%s); recalculation will adjust current dates",
			item.ExternalID, item.PlannedEnd.Format("2006-01-02"), existing.CurrentEnd.Format("2006-01-02")))
	}

	if len(result.FieldsUpdated) == 0 {
		result.Action = ActionPreserved
		return result, nil, nil
	}

	if err := e.store.UpdateWorkItem(ctx, updated); err != nil {
		return ItemResult{}, nil, fmt.Errorf("updating work item %s: %w", item.ExternalID, err)
	}
	previous := existing
	env.Record("work item "+existing.ID, func(ctx context.Context) error {
		return e.store.UpdateWorkItem(ctx, previous)
	})

	var audits []domain.AuditRecord
	for _, field := range result.FieldsUpdated {
		audits = append(audits, domain.AuditRecord{
			EntityType: "work_item", EntityID: existing.ID, Action: "updated",
			FieldChanged: field, OldValue: result.OldValues[field], NewValue: result.NewValues[field],
			ChangeSource: "excel_import", Reason: "baseline updated from plan import",
		})
	}
	return result, audits, nil
}

// ghostCheck finds work items in the program absent from the current
// import and classifies them by status: NotStarted items are cancelled,
// InProgress/OnHold items are flagged for review (never auto-cancelled),
// and Completed items are preserved untouched and merely noted.
func (e *Engine) ghostCheck(ctx context.Context, env *store.Envelope, programID string, excelExternalIDs map[string]bool) ([]ItemResult, []domain.AuditRecord, error) {
	items, err := e.store.ListWorkItemsByProgram(ctx, programID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading program work items for ghost check: %w", err)
	}

	var results []ItemResult
	var audits []domain.AuditRecord

	for _, item := range items {
		if item.Status == domain.StatusCancelled || excelExternalIDs[item.ExternalID] {
			continue
		}

		switch item.Status {
		case domain.StatusNotStarted:
			previous := item
			updated := item
			updated.Status = domain.StatusCancelled
			updated.CancellationReason = "removed from updated plan (was Not Started)"
			if err := e.store.UpdateWorkItem(ctx, updated); err != nil {
				return nil, nil, fmt.Errorf("cancelling ghost item %s: %w", item.ExternalID, err)
			}
			env.Record("ghost cancel "+item.ID, func(ctx context.Context) error {
				return e.store.UpdateWorkItem(ctx, previous)
			})
			results = append(results, ItemResult{
				ExternalID: item.ExternalID, WorkItemID: item.ID, Action: ActionCancelled,
				Warnings: []string{fmt.Sprintf("task %s was removed from the plan and has been cancelled (was Not Started)", item.ExternalID)},
			})
			audits = append(audits, domain.AuditRecord{
				EntityType: "work_item", EntityID: item.ID, Action: "cancelled",
				FieldChanged: "status", OldValue: string(domain.StatusNotStarted), NewValue: string(domain.StatusCancelled),
				ChangeSource: "excel_import", Reason: "removed from updated plan",
			})

		case domain.StatusInProgress, domain.StatusOnHold:
			previous := item
			updated := item
			message := fmt.Sprintf("task %s was removed from the plan but is %.0f%% complete (status: %s); requires PM decision to cancel or continue",
				item.ExternalID, item.CompletionPercent, item.Status)
			updated.FlagForReview = true
			updated.ReviewMessage = message
			if err := e.store.UpdateWorkItem(ctx, updated); err != nil {
				return nil, nil, fmt.Errorf("flagging ghost item %s: %w", item.ExternalID, err)
			}
			env.Record("ghost flag "+item.ID, func(ctx context.Context) error {
				return e.store.UpdateWorkItem(ctx, previous)
			})
			results = append(results, ItemResult{
				ExternalID: item.ExternalID, WorkItemID: item.ID, Action: ActionFlagged,
				FlagMessage: message, Warnings: []string{"REQUIRES REVIEW: " + message},
			})
			audits = append(audits, domain.AuditRecord{
				EntityType: "work_item", EntityID: item.ID, Action: "flagged",
				FieldChanged: "flag_for_review", OldValue: "false", NewValue: "true",
				ChangeSource: "excel_import", Reason: message,
			})

		case domain.StatusCompleted:
			results = append(results, ItemResult{
				ExternalID: item.ExternalID, WorkItemID: item.ID, Action: ActionPreserved,
				Warnings: []string{fmt.Sprintf("task %s was removed from the plan but preserved (status: Completed)", item.ExternalID)},
			})
		}
	}

	return results, audits, nil
}

func (e *Engine) upsertDependencies(ctx context.Context, env *store.Envelope, deps []ParsedDependency, workItemIDs map[string]string) (int, []domain.AuditRecord, error) {
	if len(deps) == 0 {
		return 0, nil, nil
	}

	count := 0
	var audits []domain.AuditRecord

	for _, d := range deps {
		succID, sOK := workItemIDs[d.SuccessorExternalID]
		predID, pOK := workItemIDs[d.PredecessorExternalID]
		if !sOK || !pOK {
			// Validate already rejects dependencies that reference a work
			// item missing from the batch; a miss here means that work
			// item's phase could not be resolved during this run, and the
			// edge is skipped rather than failing the whole import.
			continue
		}
		if err := e.store.UpsertDependency(ctx, domain.Dependency{SuccessorID: succID, PredecessorID: predID, Type: d.Type, LagDays: d.LagDays}); err != nil {
			return count, audits, fmt.Errorf("upserting dependency %s->%s: %w", d.PredecessorExternalID, d.SuccessorExternalID, err)
		}
		count++
		audits = append(audits, domain.AuditRecord{
			EntityType: "dependency", EntityID: succID + "|" + predID, Action: "synced",
			ChangeSource: "excel_import", Reason: "dependency synced from plan import",
		})
	}
	return count, audits, nil
}

func (e *Engine) snapshotBaseline(ctx context.Context, env *store.Envelope, programID, batchID, changedBy string) (string, error) {
	items, err := e.store.ListWorkItemsByProgram(ctx, programID)
	if err != nil {
		return "", fmt.Errorf("snapshotting baseline: %w", err)
	}
	version, err := e.store.NextBaselineVersionNumber(ctx, programID)
	if err != nil {
		return "", fmt.Errorf("computing baseline version number: %w", err)
	}

	snapshot := domain.BaselineVersion{
		ProgramID:     programID,
		VersionNumber: version,
		Snapshot:      items,
		CreatedBy:     changedBy,
		ImportBatchID: batchID,
		CreatedAt:     time.Now().UTC(),
	}
	saved, err := e.store.InsertBaselineVersion(ctx, snapshot)
	if err != nil {
		return "", fmt.Errorf("saving baseline version: %w", err)
	}
	return saved.ID, nil
}

func ptrTime(t time.Time) *time.Time { return &t }
