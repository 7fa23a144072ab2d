package merge

import (
	"fmt"
	"net/mail"
	"strings"
)

// Issue is a single Pass-2 finding: either blocking (in Report.Errors) or
// advisory (in Report.Warnings).
type Issue struct {
	Row     int
	Field   string
	Value   string
	Message string
}

// Report is the Pass 2 (Validate) output: two disjoint sets, errors that
// block the import and warnings that annotate but allow it to continue.
// Validate performs no store writes and is deterministic — running it
// twice on identical input yields the same two sets.
type Report struct {
	Errors   []Issue
	Warnings []Issue
}

// OK reports whether the batch has no blocking errors.
func (r Report) OK() bool { return len(r.Errors) == 0 }

const orphanWarnThreshold = 0.20

// Validate runs every Pass-2 check over input and returns the resulting
// Report. It never mutates input and never talks to the store — work-item
// cross-references are resolved entirely within the batch.
func Validate(input ImportInput) Report {
	var report Report

	phaseExtIDs := map[string]bool{}
	for _, p := range input.Phases {
		phaseExtIDs[p.ExternalID] = true
	}
	resourceExtIDs := map[string]bool{}
	for _, r := range input.Resources {
		resourceExtIDs[r.ExternalID] = true
	}

	seenWorkItemIDs := map[string]bool{}
	workItemExtIDs := map[string]bool{}
	orphanCount := 0

	for _, item := range input.WorkItems {
		if item.ExternalID == "" {
			report.Errors = append(report.Errors, Issue{Row: item.RowNumber, Field: "external_id", Message: "required field missing"})
			continue
		}
		if item.Name == "" {
			report.Errors = append(report.Errors, Issue{Row: item.RowNumber, Field: "name", Value: item.ExternalID, Message: "required field missing"})
		}
		if item.PhaseExternalID == "" {
			report.Errors = append(report.Errors, Issue{Row: item.RowNumber, Field: "phase_id", Value: item.ExternalID, Message: "required field missing"})
		} else if !phaseExtIDs[item.PhaseExternalID] {
			report.Errors = append(report.Errors, Issue{Row: item.RowNumber, Field: "phase_id", Value: item.PhaseExternalID, Message: "phase not found in this batch"})
		}

		if item.PlannedEnd.Before(item.PlannedStart) {
			report.Errors = append(report.Errors, Issue{
				Row: item.RowNumber, Field: "planned_end", Value: item.ExternalID,
				Message: "planned_end must be on or after planned_start",
			})
		}

		if item.AllocationPercent < 0 || item.AllocationPercent > 100 {
			report.Errors = append(report.Errors, Issue{
				Row: item.RowNumber, Field: "allocation_percent", Value: fmt.Sprintf("%v", item.AllocationPercent),
				Message: "allocation_percent must be between 0 and 100",
			})
		}

		if item.ResourceExternalID == "" {
			orphanCount++
		} else if !resourceExtIDs[item.ResourceExternalID] {
			report.Warnings = append(report.Warnings, Issue{
				Row: item.RowNumber, Field: "resource_id", Value: item.ResourceExternalID,
				Message: "assigned resource not found in this batch, assignment will be skipped",
			})
			orphanCount++
		}

		key := item.PhaseExternalID + "|" + item.ExternalID
		if seenWorkItemIDs[key] {
			report.Errors = append(report.Errors, Issue{
				Row: item.RowNumber, Field: "external_id", Value: item.ExternalID,
				Message: "duplicate external_id within phase in this batch",
			})
		}
		seenWorkItemIDs[key] = true
		workItemExtIDs[item.ExternalID] = true
	}

	if total := len(input.WorkItems); total > 0 {
		if float64(orphanCount)/float64(total) >= orphanWarnThreshold {
			report.Warnings = append(report.Warnings, Issue{
				Message: fmt.Sprintf("%d of %d tasks (%.0f%%) have no resolvable resource assignment", orphanCount, total, 100*float64(orphanCount)/float64(total)),
			})
		}
	}

	for _, r := range input.Resources {
		if r.PrimaryEmail != "" {
			if _, err := mail.ParseAddress(r.PrimaryEmail); err != nil {
				report.Errors = append(report.Errors, Issue{Field: "primary_email", Value: r.PrimaryEmail, Message: "malformed email address"})
			}
		}
		if r.NotificationEmail != "" {
			if _, err := mail.ParseAddress(r.NotificationEmail); err != nil {
				report.Errors = append(report.Errors, Issue{Field: "notification_email", Value: r.NotificationEmail, Message: "malformed email address"})
			}
		}
	}

	allocationByResource := map[string]float64{}
	for _, item := range input.WorkItems {
		if item.ResourceExternalID != "" {
			allocationByResource[item.ResourceExternalID] += item.AllocationPercent
		}
	}
	for ext, total := range allocationByResource {
		if total > 100 {
			report.Warnings = append(report.Warnings, Issue{
				Field: "allocation_percent", Value: ext,
				Message: fmt.Sprintf("resource %s is allocated %.0f%% total across this batch", ext, total),
			})
		}
	}

	validateDependencies(input, workItemExtIDs, &report)

	return report
}

func validateDependencies(input ImportInput, workItemExtIDs map[string]bool, report *Report) {
	seen := map[string]bool{}
	successors := map[string][]string{}

	for _, dep := range input.Dependencies {
		if dep.SuccessorExternalID == dep.PredecessorExternalID {
			report.Errors = append(report.Errors, Issue{
				Field: "dependency", Value: dep.SuccessorExternalID, Message: "self-dependency is not allowed",
			})
			continue
		}
		if !workItemExtIDs[dep.SuccessorExternalID] {
			report.Errors = append(report.Errors, Issue{
				Field: "successor_id", Value: dep.SuccessorExternalID, Message: "dependency references a work item not present in this batch",
			})
			continue
		}
		if !workItemExtIDs[dep.PredecessorExternalID] {
			report.Errors = append(report.Errors, Issue{
				Field: "predecessor_id", Value: dep.PredecessorExternalID, Message: "dependency references a work item not present in this batch",
			})
			continue
		}

		key := dep.PredecessorExternalID + "->" + dep.SuccessorExternalID
		if seen[key] {
			report.Errors = append(report.Errors, Issue{
				Field: "dependency", Value: key, Message: "duplicate dependency within this batch",
			})
			continue
		}
		seen[key] = true
		successors[dep.PredecessorExternalID] = append(successors[dep.PredecessorExternalID], dep.SuccessorExternalID)
	}

	if cycle, ok := findCycle(successors); ok {
		report.Errors = append(report.Errors, Issue{
			Field: "dependency", Value: strings.Join(cycle, " -> "), Message: "dependency cycle detected",
		})
	}
}

// findCycle runs DFS with an explicit recursion-stack set over external
// ids and returns the first cycle found.
func findCycle(successors map[string][]string) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		path = append(path, id)
		for _, next := range successors[id] {
			switch color[next] {
			case gray:
				cyclePath := append([]string{}, path...)
				return append(cyclePath, next), true
			case white:
				if found, ok := visit(next); ok {
					return found, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}

	for id := range successors {
		if color[id] == white {
			if found, ok := visit(id); ok {
				return found, true
			}
		}
	}
	return nil, false
}
