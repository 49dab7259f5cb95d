package orchestrator

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition marks a (stage, predicate) pair the machine does not
// allow.
var ErrInvalidTransition = errors.New("invalid stage transition")

// transitions is the complete stage machine. Absent entries are invalid;
// terminal stages have none.
var transitions = map[Stage]map[Predicate]Stage{
	StageIngest: {
		PredAlertReceived:   StageScout,
		PredBudgetExhausted: StageEscalated,
		PredFailure:         StageFailed,
	},
	StageScout: {
		PredAnalysisNeeded:  StageAnalyst,
		PredBenign:          StageCompleted,
		PredBudgetExhausted: StageEscalated,
		PredFailure:         StageFailed,
	},
	StageAnalyst: {
		PredRespond:         StageResponder,
		PredMonitor:         StageScout,
		PredBudgetExhausted: StageEscalated,
		PredFailure:         StageFailed,
	},
	StageResponder: {
		PredApprovalRequired: StageEscalated,
		PredExecuted:         StageCompleted,
		PredBudgetExhausted:  StageEscalated,
		PredFailure:          StageFailed,
	},
}

// Transition resolves the next stage for a predicate.
func Transition(from Stage, pred Predicate) (Stage, error) {
	next, ok := transitions[from][pred]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, pred, from)
	}
	return next, nil
}

// Replay re-derives the final stage from a decision log, validating every
// step against the machine. A checkpointed incident whose log does not
// replay to its stored stage has been corrupted.
func Replay(decisions []Decision) (Stage, error) {
	stage := StageIngest
	for i, d := range decisions {
		if d.From != stage {
			return "", fmt.Errorf("%w: decision %d starts at %s but incident is at %s",
				ErrInvalidTransition, i+1, d.From, stage)
		}
		next, err := Transition(d.From, d.Predicate)
		if err != nil {
			return "", err
		}
		if next != d.To {
			return "", fmt.Errorf("%w: decision %d records %s but %s on %s yields %s",
				ErrInvalidTransition, i+1, d.To, d.Predicate, d.From, next)
		}
		stage = next
	}
	return stage, nil
}
