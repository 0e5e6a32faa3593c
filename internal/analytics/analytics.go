// Package analytics derives read-only statistics from an issue snapshot.
// Every function is a pure computation over the slice it is handed; nothing
// is memoized between snapshots, so two calls over the same data always
// agree.
package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"bugbase/api/internal/store"
)

// SLAWindow is how long a High priority issue may stay unresolved before it
// counts as breached.
const SLAWindow = 3 * 24 * time.Hour

type AssigneeLoad struct {
	Name         string `json:"name"`
	ActiveIssues int    `json:"activeIssues"`
}

type DayCount struct {
	Date    string `json:"date"`
	Created int    `json:"created"`
}

type Report struct {
	StatusCounts      map[string]int `json:"statusCounts"`
	PriorityCounts    map[string]int `json:"priorityCounts"`
	Workload          []AssigneeLoad `json:"workload"`
	Velocity          []DayCount     `json:"velocity"`
	AvgCloseTimeHours int            `json:"avgCloseTimeHours"`
	SLABreaches       int            `json:"slaBreaches"`
	WeeklyVelocity    int            `json:"weeklyVelocity"`
}

type Summary struct {
	Total             int `json:"total"`
	Open              int `json:"open"`
	ActiveLoad        int `json:"activeLoad"`
	AvgCloseTimeHours int `json:"avgCloseTime"`
	SLABreaches       int `json:"slaBreaches"`
	WeeklyVelocity    int `json:"weeklyVelocity"`
}

// SLABreached reports whether an issue is past its SLA window: High
// priority, still unresolved and unarchived, older than the window.
func SLABreached(issue store.Issue, now time.Time) bool {
	return issue.Priority == "High" &&
		issue.Status != "Done" &&
		!issue.IsArchived &&
		now.Sub(issue.CreatedAt) > SLAWindow
}

// Closed means the issue no longer counts toward active work: resolved or
// archived.
func Closed(issue store.Issue) bool {
	return issue.Status == "Done" || issue.IsArchived
}

// Compute builds the full dashboard report from one snapshot.
func Compute(issues []store.Issue, now time.Time) Report {
	report := Report{
		StatusCounts: map[string]int{
			"Open":        0,
			"In Progress": 0,
			"Done":        0,
		},
		PriorityCounts: map[string]int{
			"High":   0,
			"Medium": 0,
			"Low":    0,
		},
	}

	workload := make(map[string]int)
	perDay := make(map[string]int)

	for _, issue := range issues {
		switch {
		case Closed(issue):
			report.StatusCounts["Done"]++
		default:
			report.StatusCounts[issue.Status]++
		}
		report.PriorityCounts[issue.Priority]++

		if issue.AssignedTo != "" && !Closed(issue) {
			workload[localPart(issue.AssignedTo)]++
		}

		if !issue.CreatedAt.IsZero() {
			perDay[issue.CreatedAt.Local().Format("2006-01-02")]++
		}

		if SLABreached(issue, now) {
			report.SLABreaches++
		}
	}

	report.Workload = sortedWorkload(workload)
	report.Velocity = sortedVelocity(perDay)
	report.AvgCloseTimeHours = avgCloseTimeHours(issues)
	report.WeeklyVelocity = weeklyVelocity(issues, now)
	return report
}

// Summarize builds the per-viewer dashboard header stats. viewerEmail scopes
// the active-load figure.
func Summarize(issues []store.Issue, viewerEmail string, now time.Time) Summary {
	summary := Summary{Total: len(issues)}
	for _, issue := range issues {
		if issue.Status == "Open" && !issue.IsArchived {
			summary.Open++
		}
		if !Closed(issue) && issue.AssignedTo == viewerEmail {
			summary.ActiveLoad++
		}
		if SLABreached(issue, now) {
			summary.SLABreaches++
		}
	}
	summary.AvgCloseTimeHours = avgCloseTimeHours(issues)
	summary.WeeklyVelocity = weeklyVelocity(issues, now)
	return summary
}

// avgCloseTimeHours averages updatedAt-createdAt over closed issues, rounded
// to whole hours. Zero when nothing has closed yet.
func avgCloseTimeHours(issues []store.Issue) int {
	var total time.Duration
	count := 0
	for _, issue := range issues {
		if !Closed(issue) || issue.CreatedAt.IsZero() || issue.UpdatedAt.IsZero() {
			continue
		}
		total += issue.UpdatedAt.Sub(issue.CreatedAt)
		count++
	}
	if count == 0 {
		return 0
	}
	return int(math.Round(total.Hours() / float64(count)))
}

// weeklyVelocity counts issues closed or archived whose last update falls in
// the trailing seven days.
func weeklyVelocity(issues []store.Issue, now time.Time) int {
	cutoff := now.Add(-7 * 24 * time.Hour)
	count := 0
	for _, issue := range issues {
		if Closed(issue) && issue.UpdatedAt.After(cutoff) {
			count++
		}
	}
	return count
}

func sortedWorkload(byAssignee map[string]int) []AssigneeLoad {
	items := make([]AssigneeLoad, 0, len(byAssignee))
	for name, count := range byAssignee {
		items = append(items, AssigneeLoad{Name: name, ActiveIssues: count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ActiveIssues != items[j].ActiveIssues {
			return items[i].ActiveIssues > items[j].ActiveIssues
		}
		return items[i].Name < items[j].Name
	})
	return items
}

func sortedVelocity(perDay map[string]int) []DayCount {
	items := make([]DayCount, 0, len(perDay))
	for date, count := range perDay {
		items = append(items, DayCount{Date: date, Created: count})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Date < items[j].Date })
	return items
}

func localPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
