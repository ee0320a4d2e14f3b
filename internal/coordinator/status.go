package coordinator

import (
	"time"

	"github.com/tcmigrate/tcmigrate/internal/checkpoint"
	"github.com/tcmigrate/tcmigrate/internal/graph"
)

// OperationStatus is the per-operation slice of a status report.
type OperationStatus struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   graph.Status `json:"status"`
	Progress float64      `json:"progress"`
	Error    string       `json:"error,omitempty"`
}

// JobStatus is the read-only snapshot of a job. Progress is a
// percentage; EtaSeconds is omitted while no progress has been made
// and once the job is terminal.
type JobStatus struct {
	ID               string            `json:"migrationId"`
	State            State             `json:"state"`
	Progress         float64           `json:"progress"`
	EtaSeconds       *int64            `json:"etaSeconds,omitempty"`
	CurrentOperation string            `json:"currentOperation,omitempty"`
	TotalItems       int               `json:"totalItems"`
	CompletedItems   int               `json:"completedItems"`
	FailedItems      int               `json:"failedItems"`
	SkippedItems     int               `json:"skippedItems"`
	Warnings         int               `json:"warnings"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	Operations       []OperationStatus `json:"operations,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// Statistics is the full post-hoc report for one job.
type Statistics struct {
	ID               string                     `json:"migrationId"`
	State            State                      `json:"state"`
	Items            checkpoint.JobStats        `json:"items"`
	Attachments      checkpoint.AttachmentStats `json:"attachments"`
	DurationSeconds  float64                    `json:"durationSeconds"`
	PausedSeconds    float64                    `json:"pausedSeconds"`
	ItemsPerSecond   float64                    `json:"itemsPerSecond"`
	StartedAt        *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt      *time.Time                 `json:"completedAt,omitempty"`
	CurrentOperation string                     `json:"currentOperation,omitempty"`
}

// status builds a consistent snapshot under the job lock.
func (j *Job) status() *JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := &JobStatus{
		ID:               j.id,
		State:            j.state,
		CurrentOperation: j.currentOp,
		TotalItems:       j.totalItems,
		CompletedItems:   j.completed,
		FailedItems:      j.failed,
		SkippedItems:     j.skipped,
		Warnings:         j.warnings,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		st.StartedAt = &t
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		st.CompletedAt = &t
	}
	if j.runErr != nil {
		st.Error = j.runErr.Error()
	}

	p := j.progressLocked()
	st.Progress = round2(p * 100)

	for _, id := range j.opOrder {
		t := j.ops[id]
		st.Operations = append(st.Operations, OperationStatus{
			ID:       id,
			Name:     t.name,
			Status:   t.status,
			Progress: round2(opFraction(t) * 100),
			Error:    errString(t.err),
		})
	}

	if (j.state == StateRunning || j.state == StatePaused) && p > 0 && p < 1 {
		if eta := j.etaLocked(p); eta > 0 {
			secs := int64(eta / time.Second)
			st.EtaSeconds = &secs
		}
	}
	return st
}

// progressLocked is the weighted mean of per-operation completion.
// It never moves backwards even when an operation retry resets its
// item counters.
func (j *Job) progressLocked() float64 {
	if j.state.Terminal() && j.state != StateCancelled && j.state != StateFailed {
		return 1
	}

	var sum, weights float64
	for _, t := range j.ops {
		weights += t.weight
		sum += t.weight * opFraction(t)
	}
	p := 0.0
	if weights > 0 {
		p = sum / weights
	}
	if p < j.lastProgress {
		p = j.lastProgress
	} else {
		j.lastProgress = p
	}
	return p
}

func opFraction(t *opTracker) float64 {
	switch t.status {
	case graph.StatusCompleted, graph.StatusSkipped:
		return 1
	case graph.StatusPending:
		return 0
	}
	if t.total <= 0 {
		return 0
	}
	f := float64(t.done+t.failed) / float64(t.total)
	if f > 1 {
		f = 1
	}
	return f
}

// etaLocked extrapolates remaining time from active elapsed time,
// excluding paused windows, floored at one second.
func (j *Job) etaLocked(p float64) time.Duration {
	elapsed := time.Since(j.startedAt) - j.pausedTotal
	if j.state == StatePaused {
		elapsed -= time.Since(j.pausedAt)
	}
	if elapsed <= 0 {
		return 0
	}
	eta := time.Duration(float64(elapsed) * (1 - p) / p)
	if eta < time.Second {
		eta = time.Second
	}
	return eta
}

func (j *Job) statistics(items checkpoint.JobStats, atts checkpoint.AttachmentStats) *Statistics {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := &Statistics{
		ID:               j.id,
		State:            j.state,
		Items:            items,
		Attachments:      atts,
		PausedSeconds:    j.pausedTotal.Seconds(),
		CurrentOperation: j.currentOp,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		stats.StartedAt = &t

		end := time.Now()
		if !j.completedAt.IsZero() {
			t2 := j.completedAt
			stats.CompletedAt = &t2
			end = j.completedAt
		}
		active := end.Sub(j.startedAt) - j.pausedTotal
		if j.state == StatePaused {
			active -= time.Since(j.pausedAt)
		}
		if active > 0 {
			stats.DurationSeconds = active.Seconds()
			stats.ItemsPerSecond = float64(items.Migrated) / active.Seconds()
		}
	}
	return stats
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
