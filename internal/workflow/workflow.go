// Package workflow defines the withdrawal approval lifecycle: the stages a
// request moves through and the decision transitions between them. The
// machine holds no data; callers query it for legality.
package workflow

import (
	"errors"
	"fmt"
	"sort"
)

type Stage string
type Decision string

const (
	StageInitialReview   Stage = "initial_review"
	StageTechnicalReview Stage = "technical_review"
	StageCoreBanking     Stage = "core_banking"
	StageDisbursed       Stage = "disbursed"
)

const (
	DecisionSendToReview    Decision = "send_to_review"
	DecisionRequestRevision Decision = "request_revision"
	DecisionApprove         Decision = "approve"
	DecisionReject          Decision = "reject"
	DecisionReturn          Decision = "return"
	DecisionDisburse        Decision = "disburse"
)

var ErrIllegalTransition = errors.New("illegal transition")

// stageOrder is the forward progression; the index doubles as sort order.
var stageOrder = []Stage{StageInitialReview, StageTechnicalReview, StageCoreBanking, StageDisbursed}

type transitionKey struct {
	decision Decision
	from     Stage
}

// transitions is the single lookup table keyed by (decision, fromStage).
// Unknown combinations are hard errors. request_revision intentionally
// loops back to the same stage: a recorded no-op transition is legal.
var transitions = map[transitionKey]Stage{
	{DecisionSendToReview, StageInitialReview}:    StageTechnicalReview,
	{DecisionRequestRevision, StageInitialReview}: StageInitialReview,
	{DecisionApprove, StageTechnicalReview}:       StageCoreBanking,
	{DecisionReject, StageTechnicalReview}:        StageInitialReview,
	{DecisionReturn, StageTechnicalReview}:        StageInitialReview,
	{DecisionReturn, StageCoreBanking}:            StageTechnicalReview,
	{DecisionDisburse, StageCoreBanking}:          StageDisbursed,
}

func (s Stage) IsValid() bool {
	switch s {
	case StageInitialReview, StageTechnicalReview, StageCoreBanking, StageDisbursed:
		return true
	}
	return false
}

// IsTerminal reports whether the stage has no outgoing transitions.
func (s Stage) IsTerminal() bool {
	return s == StageDisbursed
}

func (s Stage) String() string { return string(s) }

func (d Decision) IsValid() bool {
	switch d {
	case DecisionSendToReview, DecisionRequestRevision, DecisionApprove, DecisionReject, DecisionReturn, DecisionDisburse:
		return true
	}
	return false
}

func (d Decision) String() string { return string(d) }

// Resolve returns the stage a decision leads to from the given stage.
func Resolve(decision Decision, from Stage) (Stage, error) {
	to, ok := transitions[transitionKey{decision, from}]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrIllegalTransition, decision, from)
	}
	return to, nil
}

// DecisionsFrom lists the decisions legal at a stage, in stable order.
func DecisionsFrom(from Stage) []Decision {
	var out []Decision
	for key := range transitions {
		if key.from == from {
			out = append(out, key.decision)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NextStages lists every stage reachable from the given stage by one
// decision, in progression order, without duplicates.
func NextStages(from Stage) []Stage {
	seen := map[Stage]bool{}
	for key, to := range transitions {
		if key.from == from {
			seen[to] = true
		}
	}
	var out []Stage
	for _, stage := range stageOrder {
		if seen[stage] {
			out = append(out, stage)
		}
	}
	return out
}

// StagesFor lists the stages where a decision is legal, in progression order.
func StagesFor(decision Decision) []Stage {
	seen := map[Stage]bool{}
	for key := range transitions {
		if key.decision == decision {
			seen[key.from] = true
		}
	}
	var out []Stage
	for _, stage := range stageOrder {
		if seen[stage] {
			out = append(out, stage)
		}
	}
	return out
}

// StatusFor derives the human-readable request status shown in listings
// after a decision lands the request in toStage.
func StatusFor(decision Decision, to Stage) string {
	switch decision {
	case DecisionSendToReview:
		return "Forwarded to operations review"
	case DecisionRequestRevision:
		return "Revision requested - held at archive intake"
	case DecisionApprove:
		return "Approved - ready for disbursement"
	case DecisionReject:
		return "Rejected - returned to archive intake"
	case DecisionReturn:
		if to == StageTechnicalReview {
			return "Returned to operations review"
		}
		return "Returned to archive intake"
	case DecisionDisburse:
		return "Disbursed - request fulfilled"
	}
	return "In " + string(to)
}
