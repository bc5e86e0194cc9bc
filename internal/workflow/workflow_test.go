package workflow

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name     string
		decision Decision
		from     Stage
		to       Stage
		wantErr  bool
	}{
		{name: "send to review", decision: DecisionSendToReview, from: StageInitialReview, to: StageTechnicalReview},
		{name: "approve", decision: DecisionApprove, from: StageTechnicalReview, to: StageCoreBanking},
		{name: "reject returns to intake", decision: DecisionReject, from: StageTechnicalReview, to: StageInitialReview},
		{name: "disburse", decision: DecisionDisburse, from: StageCoreBanking, to: StageDisbursed},
		{name: "return from technical review", decision: DecisionReturn, from: StageTechnicalReview, to: StageInitialReview},
		{name: "return from core banking", decision: DecisionReturn, from: StageCoreBanking, to: StageTechnicalReview},
		{name: "revision loop stays in place", decision: DecisionRequestRevision, from: StageInitialReview, to: StageInitialReview},
		{name: "approve at intake is illegal", decision: DecisionApprove, from: StageInitialReview, wantErr: true},
		{name: "disburse at technical review is illegal", decision: DecisionDisburse, from: StageTechnicalReview, wantErr: true},
		{name: "no decision leaves disbursed", decision: DecisionApprove, from: StageDisbursed, wantErr: true},
		{name: "reject on disbursed is illegal", decision: DecisionReject, from: StageDisbursed, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, err := Resolve(tc.decision, tc.from)
			if tc.wantErr {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("Resolve(%q, %q) err = %v, want ErrIllegalTransition", tc.decision, tc.from, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q, %q) unexpected error: %v", tc.decision, tc.from, err)
			}
			if to != tc.to {
				t.Fatalf("Resolve(%q, %q) = %q, want %q", tc.decision, tc.from, to, tc.to)
			}
		})
	}
}

func TestDisbursedIsTerminal(t *testing.T) {
	if !StageDisbursed.IsTerminal() {
		t.Fatal("disbursed must be terminal")
	}
	if got := DecisionsFrom(StageDisbursed); len(got) != 0 {
		t.Fatalf("DecisionsFrom(disbursed) = %v, want none", got)
	}
	if got := NextStages(StageDisbursed); len(got) != 0 {
		t.Fatalf("NextStages(disbursed) = %v, want none", got)
	}
}

func TestDecisionsFrom(t *testing.T) {
	got := DecisionsFrom(StageTechnicalReview)
	want := map[Decision]bool{DecisionApprove: true, DecisionReject: true, DecisionReturn: true}
	if len(got) != len(want) {
		t.Fatalf("DecisionsFrom(technical_review) = %v", got)
	}
	for _, d := range got {
		if !want[d] {
			t.Fatalf("unexpected decision %q at technical_review", d)
		}
	}
}

func TestNextStages(t *testing.T) {
	got := NextStages(StageTechnicalReview)
	if len(got) != 2 || got[0] != StageInitialReview || got[1] != StageCoreBanking {
		t.Fatalf("NextStages(technical_review) = %v", got)
	}
}

func TestStagesFor(t *testing.T) {
	got := StagesFor(DecisionDisburse)
	if len(got) != 1 || got[0] != StageCoreBanking {
		t.Fatalf("StagesFor(disburse) = %v", got)
	}
	got = StagesFor(DecisionReturn)
	if len(got) != 2 || got[0] != StageTechnicalReview || got[1] != StageCoreBanking {
		t.Fatalf("StagesFor(return) = %v", got)
	}
}

func TestStatusFor(t *testing.T) {
	approve := StatusFor(DecisionApprove, StageCoreBanking)
	disburse := StatusFor(DecisionDisburse, StageDisbursed)
	forward := StatusFor(DecisionSendToReview, StageTechnicalReview)
	if approve == disburse || approve == forward || disburse == forward {
		t.Fatalf("status strings must be distinct: %q %q %q", approve, disburse, forward)
	}
}
