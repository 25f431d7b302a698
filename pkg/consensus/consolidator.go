// Package consensus computes the aggregated verdict once a task has enough
// verification submissions.
package consensus

import (
	"sort"
	"time"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Consolidate computes the consensus result for a task from its submissions:
// the majority verdict, a confidence score equal to the fraction of
// submissions agreeing with it, and the verifier count.
//
// The computation is a pure function of its inputs: the same submission set
// always yields the same verdict and score. Vote ties resolve to the
// lexicographically smallest verdict.
func Consolidate(taskID string, subs []verify.Submission) *verify.ConsensusResult {
	votes := make(map[string]int, len(subs))
	var totalSeconds int
	for _, sub := range subs {
		votes[sub.Verdict]++
		totalSeconds += sub.TimeSpentSeconds
	}

	verdicts := make([]string, 0, len(votes))
	for v := range votes {
		verdicts = append(verdicts, v)
	}
	sort.Strings(verdicts)

	var winner string
	var winnerVotes int
	for _, v := range verdicts {
		if votes[v] > winnerVotes {
			winner = v
			winnerVotes = votes[v]
		}
	}

	res := &verify.ConsensusResult{
		TaskID:        taskID,
		Verdict:       winner,
		VerifierCount: len(subs),
		ComputedAt:    time.Now().UTC(),
	}
	if len(subs) > 0 {
		res.ConfidenceScore = float64(winnerVotes) / float64(len(subs))
		res.AvgResponseSeconds = float64(totalSeconds) / float64(len(subs))
	}
	return res
}
