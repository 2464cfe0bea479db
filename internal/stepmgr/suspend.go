// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import "time"

// SuspendJobSteps rolls the run time since each step's start (or the
// job's last resume, whichever is later) into the step's pre-suspend
// accumulator. The caller flips the job state and stamps
// job.SuspendTime = now afterwards. No bitmap or account changes: a
// suspended step keeps its charges.
func (m *Manager) SuspendJobSteps(job *Job) {
	now := m.now()
	for _, step := range job.Steps {
		if !job.SuspendTime.IsZero() && job.SuspendTime.After(step.StartTime) {
			step.PreSusTime += now.Sub(job.SuspendTime)
		} else {
			step.PreSusTime += now.Sub(step.StartTime)
		}
	}
}

// ResumeJobSteps rolls the suspended interval into each step's total
// suspend accumulator. The caller stamps job.SuspendTime = now after.
func (m *Manager) ResumeJobSteps(job *Job) {
	now := m.now()
	for _, step := range job.Steps {
		if !job.SuspendTime.IsZero() && job.SuspendTime.Before(step.StartTime) {
			step.TotSusTime += now.Sub(step.StartTime)
		} else {
			step.TotSusTime += now.Sub(job.SuspendTime)
		}
	}
}

// SetClock replaces the manager's clock; tests only.
func (m *Manager) SetClock(clock func() time.Time) { m.now = clock }
