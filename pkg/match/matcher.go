// Package match implements worker eligibility filtering and scoring.
// Matching is a pure read-and-compute step: it never mutates worker or task
// state, so it can be re-run freely on every distribution attempt.
package match

import (
	"context"
	"sort"

	"github.com/guido-cesarano/verifyq/pkg/config"
	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Directory is the read side of the worker directory the matcher consumes.
type Directory interface {
	ListAvailableWorkers(ctx context.Context, minLevel int) ([]verify.WorkerProfile, error)
}

// Matcher filters and ranks workers against a task's verification
// requirements.
type Matcher struct {
	dir     Directory
	weights config.MatchWeights
	maxLoad int
}

// New builds a matcher. maxLoad caps concurrent assignments per worker.
func New(dir Directory, weights config.MatchWeights, maxLoad int) *Matcher {
	return &Matcher{dir: dir, weights: weights, maxLoad: maxLoad}
}

// FindEligibleWorkers returns every worker that satisfies all of the task's
// requirements, scored and sorted best first. Ties break on lower active
// task count, then on worker id, so the ordering is deterministic.
func (m *Matcher) FindEligibleWorkers(ctx context.Context, task *verify.Task) ([]verify.ScoredWorker, error) {
	req := task.Requirements
	candidates, err := m.dir.ListAvailableWorkers(ctx, req.MinLevel)
	if err != nil {
		return nil, err
	}

	eligible := make([]verify.ScoredWorker, 0, len(candidates))
	for _, w := range candidates {
		if !m.Eligible(w, req) {
			continue
		}
		eligible = append(eligible, verify.ScoredWorker{
			Worker: w,
			Score:  m.Score(w, req),
		})
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Worker.ActiveTasks != b.Worker.ActiveTasks {
			return a.Worker.ActiveTasks < b.Worker.ActiveTasks
		}
		return a.Worker.WorkerID < b.Worker.WorkerID
	})
	return eligible, nil
}

// Eligible applies every filter condition: availability, level, required
// skills as a subset, language overlap (only when the task specifies
// languages), and load below the per-worker cap.
func (m *Matcher) Eligible(w verify.WorkerProfile, req verify.Requirements) bool {
	if w.Availability != verify.AvailabilityAvailable {
		return false
	}
	if w.Level < req.MinLevel {
		return false
	}
	if w.ActiveTasks >= m.maxLoad {
		return false
	}
	if !containsAll(w.Skills, req.RequiredSkills) {
		return false
	}
	if len(req.LanguageCodes) > 0 && overlap(w.LanguageCodes, req.LanguageCodes) == 0 {
		return false
	}
	return true
}

// Score is the weighted sum of normalized fitness components: reputation,
// success rate, skill overlap ratio and language overlap ratio. Weights come
// from configuration and sum to 1.0, so the score stays in [0,1].
func (m *Matcher) Score(w verify.WorkerProfile, req verify.Requirements) float64 {
	score := m.weights.Reputation*w.Reputation + m.weights.SuccessRate*w.SuccessRate

	if n := len(req.RequiredSkills); n > 0 {
		score += m.weights.Skills * float64(overlap(w.Skills, req.RequiredSkills)) / float64(n)
	} else {
		score += m.weights.Skills
	}

	if n := len(req.LanguageCodes); n > 0 {
		score += m.weights.Languages * float64(overlap(w.LanguageCodes, req.LanguageCodes)) / float64(n)
	} else {
		score += m.weights.Languages
	}
	return score
}

// AverageScore is used by strategy selection.
func AverageScore(workers []verify.ScoredWorker) float64 {
	if len(workers) == 0 {
		return 0
	}
	var sum float64
	for _, w := range workers {
		sum += w.Score
	}
	return sum / float64(len(workers))
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	n := 0
	for _, s := range b {
		if set[s] {
			n++
		}
	}
	return n
}
