package appointment

import "time"

// Badge is the caller-facing rendering of a status.
type Badge struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

var badges = map[Status]Badge{
	StatusRequested: {Label: "Awaiting provider", Icon: "hourglass", Color: "amber"},
	StatusProposed:  {Label: "New time proposed", Icon: "calendar-clock", Color: "blue"},
	StatusConfirmed: {Label: "Confirmed", Icon: "check-circle", Color: "green"},
	StatusCompleted: {Label: "Completed", Icon: "flag", Color: "slate"},
	StatusCancelled: {Label: "Cancelled", Icon: "x-circle", Color: "red"},
}

var typeIcons = map[Type]string{
	TypeConsultation: "stethoscope",
	TypeFollowUp:     "repeat",
	TypeCheckup:      "clipboard-check",
	TypeEmergency:    "siren",
	TypeLabReview:    "flask",
	TypeTelehealth:   "video",
	TypeProcedure:    "scalpel",
}

const defaultTypeIcon = "calendar"

// View is an appointment with the derived fields the presentation layer renders.
type View struct {
	*Appointment
	StatusBadge    Badge     `json:"status_badge"`
	CanCancel      bool      `json:"can_cancel"`
	TypeIcon       string    `json:"type_icon"`
	EffectiveDate  time.Time `json:"effective_date"`
	HasFeedback    bool      `json:"has_feedback"`
	AllowedActions []Action  `json:"allowed_actions"`
}

// Detail is the single-appointment response: the caller's view plus the
// whole thread. Messages is never nil.
type Detail struct {
	*View
	Messages []*Message `json:"messages"`
}

// Projector derives view fields from stored state. It holds no state of its
// own beyond the guard used to compute allowed actions.
type Projector struct {
	guard Guard
}

func NewProjector(guard Guard) *Projector {
	return &Projector{guard: guard}
}

// Project builds the view of a for caller c.
func (p *Projector) Project(a *Appointment, c Caller) *View {
	badge, ok := badges[a.Status]
	if !ok {
		badge = Badge{Label: string(a.Status), Icon: "circle", Color: "gray"}
	}
	icon, ok := typeIcons[a.Type]
	if !ok {
		icon = defaultTypeIcon
	}
	actions := p.guard.ActionsFor(a, c)
	if actions == nil {
		actions = []Action{}
	}
	return &View{
		Appointment:    a,
		StatusBadge:    badge,
		CanCancel:      CanCancel(a.Status),
		TypeIcon:       icon,
		EffectiveDate:  a.EffectiveDate(),
		HasFeedback:    a.Feedback != nil,
		AllowedActions: actions,
	}
}
