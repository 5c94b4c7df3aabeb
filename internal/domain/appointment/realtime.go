package appointment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/apptflow/internal/platform/auth"
)

const topicPrefix = "appointment/"

// SubscriptionAuthorizer lets parties (and administrators) follow an
// appointment's websocket topic.
type SubscriptionAuthorizer struct {
	svc *Service
}

func NewSubscriptionAuthorizer(svc *Service) *SubscriptionAuthorizer {
	return &SubscriptionAuthorizer{svc: svc}
}

func (s *SubscriptionAuthorizer) CanSubscribe(ctx context.Context, id auth.Identity, topic string) error {
	raw, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return fmt.Errorf("%w: unknown topic %q", ErrValidation, topic)
	}
	apptID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid appointment id in topic %q", ErrValidation, topic)
	}
	return s.svc.CanObserve(ctx, apptID, Caller{ID: id.UserID, Role: id.Role})
}
