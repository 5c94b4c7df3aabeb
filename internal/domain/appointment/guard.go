package appointment

import (
	"fmt"

	"github.com/ehr/apptflow/internal/platform/auth"
)

// Action is an operation a party may attempt on an appointment.
type Action string

const (
	ActionProposeTime    Action = "propose_time"
	ActionConfirm        Action = "confirm"
	ActionComplete       Action = "complete"
	ActionCancel         Action = "cancel"
	ActionSubmitFeedback Action = "submit_feedback"
	ActionSendMessage    Action = "send_message"
	ActionEditDetails    Action = "edit_details"
)

// party identifies which side of an appointment an action belongs to.
type party int

const (
	partyPatient party = 1 << iota
	partyProvider
	partyEither = partyPatient | partyProvider
)

// actionParty is who may invoke each action at all, independent of status.
var actionParty = map[Action]party{
	ActionProposeTime:    partyProvider,
	ActionConfirm:        partyPatient,
	ActionComplete:       partyProvider,
	ActionCancel:         partyEither,
	ActionSubmitFeedback: partyPatient,
	ActionSendMessage:    partyEither,
	ActionEditDetails:    partyPatient,
}

type rule struct {
	patient  []Action
	provider []Action
}

// transitions is the lifecycle table. Messaging on terminal statuses is
// added at lookup time depending on Guard.OpenTerminalThreads.
var transitions = map[Status]rule{
	StatusRequested: {
		patient:  []Action{ActionCancel, ActionEditDetails, ActionSendMessage},
		provider: []Action{ActionProposeTime, ActionCancel, ActionSendMessage},
	},
	StatusProposed: {
		patient:  []Action{ActionConfirm, ActionCancel, ActionEditDetails, ActionSendMessage},
		provider: []Action{ActionCancel, ActionSendMessage},
	},
	StatusConfirmed: {
		patient:  []Action{ActionCancel, ActionSendMessage},
		provider: []Action{ActionComplete, ActionCancel, ActionSendMessage},
	},
	StatusCompleted: {
		patient: []Action{ActionSubmitFeedback},
	},
	StatusCancelled: {},
}

// Guard decides which actions a caller may take. The zero value keeps
// threads closed on completed and cancelled appointments.
type Guard struct {
	OpenTerminalThreads bool
}

// Allowed returns the actions available for the given status to a caller
// with the given role and relation. It has no side effects and an answer
// for every status and role; parties must hold the matching role.
func (g Guard) Allowed(status Status, role auth.Role, isPatientParty, isProviderParty bool) []Action {
	r, ok := transitions[status]
	if !ok {
		return nil
	}

	var out []Action
	if isPatientParty && role == auth.RolePatient {
		out = append(out, r.patient...)
		if status.Terminal() && g.OpenTerminalThreads {
			out = append(out, ActionSendMessage)
		}
	}
	if isProviderParty && role == auth.RoleDoctor {
		out = append(out, r.provider...)
		if status.Terminal() && g.OpenTerminalThreads {
			out = append(out, ActionSendMessage)
		}
	}
	return out
}

// ActionsFor is Allowed evaluated against a stored appointment. Feedback can
// only be submitted while none is present.
func (g Guard) ActionsFor(a *Appointment, c Caller) []Action {
	actions := g.Allowed(a.Status, c.Role, c.isPatientOf(a), c.isProviderOf(a))
	if a.Feedback == nil {
		return actions
	}
	out := actions[:0:0]
	for _, act := range actions {
		if act != ActionSubmitFeedback {
			out = append(out, act)
		}
	}
	return out
}

// Check returns nil if the caller may perform the action now, ErrUnauthorized
// if the caller is not the party the action belongs to, and
// ErrInvalidTransition if the party is right but the status is not.
func (g Guard) Check(a *Appointment, c Caller, action Action) error {
	want, ok := actionParty[action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}

	var is party
	if c.isPatientOf(a) {
		is |= partyPatient
	}
	if c.isProviderOf(a) {
		is |= partyProvider
	}
	if is&want == 0 {
		return fmt.Errorf("%w: %s requires the %s of appointment %s", ErrUnauthorized, action, want, a.ID)
	}

	for _, allowed := range g.ActionsFor(a, c) {
		if allowed == action {
			return nil
		}
	}
	if action == ActionSubmitFeedback && a.Feedback != nil {
		return fmt.Errorf("%w: feedback already submitted", ErrInvalidTransition)
	}
	return fmt.Errorf("%w: cannot %s an appointment that is %s", ErrInvalidTransition, action, a.Status)
}

// CanCancel reports whether the appointment is still open to cancellation.
func CanCancel(s Status) bool {
	return s == StatusRequested || s == StatusProposed || s == StatusConfirmed
}

func (p party) String() string {
	switch p {
	case partyPatient:
		return "patient"
	case partyProvider:
		return "provider"
	default:
		return "patient or provider"
	}
}
