package appointment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}

// ParseDate accepts RFC 3339 or a zone-less "YYYY-MM-DDTHH:MM[:SS]", which is
// read as UTC.
func ParseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s %q is not a valid date", ErrValidation, field, s)
}

// RequestInput is the payload of a new appointment request.
type RequestInput struct {
	ProviderID        string `json:"provider_id" validate:"required,uuid"`
	SuggestedDate     string `json:"suggested_date" validate:"required"`
	Title             string `json:"title" validate:"required,max=255"`
	AppointmentType   Type   `json:"appointment_type" validate:"omitempty,appttype"`
	Reason            string `json:"reason" validate:"max=2000"`
	EstimatedDuration int    `json:"estimated_duration" validate:"gte=0,lte=480"`
}

// DetailsInput changes descriptive fields. Nil fields are left untouched.
type DetailsInput struct {
	Title             *string `json:"title" validate:"omitempty,min=1,max=255"`
	AppointmentType   *Type   `json:"appointment_type" validate:"omitempty,appttype"`
	Reason            *string `json:"reason" validate:"omitempty,max=2000"`
	EstimatedDuration *int    `json:"estimated_duration" validate:"omitempty,gte=0,lte=480"`
}

func (d DetailsInput) empty() bool {
	return d.Title == nil && d.AppointmentType == nil && d.Reason == nil && d.EstimatedDuration == nil
}

type feedbackInput struct {
	Rating  int    `json:"rating" validate:"gte=1,lte=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

type messageInput struct {
	Body string `json:"body" validate:"required,max=4000"`
}

type cancelInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("appttype", func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).Valid()
	})
	return v
}

// check runs struct validation and folds failures into ErrValidation.
func check(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "uuid":
		return fe.Field() + " must be a valid id"
	case "appttype":
		return fmt.Sprintf("%s %q is not a known appointment type", fe.Field(), fe.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fe.Field() + " must not be empty"
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
