// Package rbac is the permission engine: a pure, deterministic mapping from
// (role, action, optional request stage) to an allow/deny verdict with a
// human-readable reason. Stage legality is delegated to the workflow
// package so the same table drives both permission checks and the set of
// actions offered to a user.
package rbac

import (
	"fmt"
	"strings"

	"caseflow/internal/workflow"
)

type Role string
type Action string

const (
	RoleArchiveTeam      Role = "archive_team"
	RoleOperationsTeam   Role = "operations_team"
	RoleCoreBankingTeam  Role = "core_banking_team"
	RoleDisbursementTeam Role = "disbursement_team"
	RoleAdmin            Role = "admin"
	RoleViewer           Role = "viewer"
)

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionCreate  Action = "create"
	ActionAssign  Action = "assign"

	ActionSendToReview    = Action(workflow.DecisionSendToReview)
	ActionRequestRevision = Action(workflow.DecisionRequestRevision)
	ActionApprove         = Action(workflow.DecisionApprove)
	ActionReject          = Action(workflow.DecisionReject)
	ActionReturn          = Action(workflow.DecisionReturn)
	ActionDisburse        = Action(workflow.DecisionDisburse)
)

// Actor is the authenticated identity supplied by the session collaborator.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// Verdict is the outcome of a permission check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// responsibleRole is the unique role authorized to decide at each stage.
var responsibleRole = map[workflow.Stage]Role{
	workflow.StageInitialReview:   RoleArchiveTeam,
	workflow.StageTechnicalReview: RoleOperationsTeam,
	workflow.StageCoreBanking:     RoleCoreBankingTeam,
}

// rolePermissions is the static permission set per role. Every role maps to
// a non-empty set; viewer is view-only.
var rolePermissions = map[Role][]Action{
	RoleArchiveTeam:      {ActionView, ActionComment, ActionCreate, ActionAssign, ActionSendToReview, ActionRequestRevision},
	RoleOperationsTeam:   {ActionView, ActionComment, ActionAssign, ActionApprove, ActionReject, ActionReturn},
	RoleCoreBankingTeam:  {ActionView, ActionComment, ActionDisburse, ActionReturn},
	RoleDisbursementTeam: {ActionView, ActionComment},
	RoleAdmin:            {ActionView, ActionComment, ActionCreate, ActionAssign},
	RoleViewer:           {ActionView},
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleArchiveTeam, RoleOperationsTeam, RoleCoreBankingTeam, RoleDisbursementTeam, RoleAdmin, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// IsDecision reports whether the action is a workflow decision, as opposed
// to an informational action like view or comment.
func IsDecision(action Action) bool {
	return workflow.Decision(action).IsValid()
}

func hasStatic(role Role, action Action) bool {
	for _, a := range rolePermissions[role] {
		if a == action {
			return true
		}
	}
	return false
}

// requiredRolesFor names the roles whose static set contains the action.
// For decision actions this is derived from the workflow table, so the
// reason strings can never drift from what the machine actually allows.
func requiredRolesFor(action Action) []Role {
	if IsDecision(action) {
		var roles []Role
		for _, stage := range workflow.StagesFor(workflow.Decision(action)) {
			roles = append(roles, responsibleRole[stage])
		}
		return roles
	}
	var roles []Role
	for _, role := range []Role{RoleArchiveTeam, RoleOperationsTeam, RoleCoreBankingTeam, RoleDisbursementTeam, RoleAdmin} {
		if hasStatic(role, action) {
			roles = append(roles, role)
		}
	}
	return roles
}

func roleList(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}

// CanPerform checks whether the actor may perform the action. A nil actor
// is anonymous and may only view. When a stage is supplied, decision
// actions additionally require the request to be in the stage where the
// decision is legal and the actor to hold that stage's responsible role.
func CanPerform(actor *Actor, action Action, stage *workflow.Stage) Verdict {
	if action == ActionView {
		return Verdict{Allowed: true}
	}
	if actor == nil {
		return Verdict{Reason: "sign in required: anonymous users may only view requests"}
	}
	if !hasStatic(actor.Role, action) {
		return Verdict{Reason: fmt.Sprintf("%s requires role %s", action, roleList(requiredRolesFor(action)))}
	}
	if stage == nil || !IsDecision(action) {
		return Verdict{Allowed: true}
	}

	decision := workflow.Decision(action)
	if stage.IsTerminal() {
		return Verdict{Reason: fmt.Sprintf("request is %s: no further decisions are possible", *stage)}
	}
	if _, err := workflow.Resolve(decision, *stage); err != nil {
		return Verdict{Reason: fmt.Sprintf("%s is not possible while the request is in %s", action, *stage)}
	}
	if responsible := responsibleRole[*stage]; actor.Role != responsible {
		return Verdict{Reason: fmt.Sprintf("%s at stage %s requires role %s", action, *stage, responsible)}
	}
	return Verdict{Allowed: true}
}

// AvailableActions lists the actions the actor could perform against a
// request in the given stage. It drives which controls are offered, and by
// construction agrees with CanPerform.
func AvailableActions(actor *Actor, stage workflow.Stage) []Action {
	actions := []Action{ActionView}
	if actor == nil {
		return actions
	}
	for _, action := range rolePermissions[actor.Role] {
		if action == ActionView {
			continue
		}
		if v := CanPerform(actor, action, &stage); v.Allowed {
			actions = append(actions, action)
		}
	}
	return actions
}

// NextLegalStages delegates to the workflow machine.
func NextLegalStages(stage workflow.Stage) []workflow.Stage {
	return workflow.NextStages(stage)
}

// ResponsibleRole returns the role that decides at the given stage, or
// empty for terminal stages.
func ResponsibleRole(stage workflow.Stage) Role {
	return responsibleRole[stage]
}
