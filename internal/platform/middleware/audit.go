package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/apptflow/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who touched which appointment, how and with what result.
type AuditEntry struct {
	UserID        string
	Role          string
	Resource      string
	AppointmentID string
	Operation     string // sub-resource such as "confirm" or "messages"
	Action        string // read, create, update, delete
	IPAddress     string
	UserAgent     string
	Path          string
	Method        string
	Timestamp     time.Time
	RequestID     string
	StatusCode    int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1/ request after it has been handled, and hands the
// entry to the first non-nil recorder. Recorder failures never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	var recorder AuditRecorder
	for _, r := range recorders {
		if r != nil {
			recorder = r
			break
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  requestID(c),
				StatusCode: responseStatus(c, err),
			}
			if id, ok := auth.IdentityFromContext(req.Context()); ok {
				entry.UserID = id.UserID.String()
				entry.Role = string(id.Role)
			}
			entry.Resource, entry.AppointmentID, entry.Operation = splitAPIPath(req.URL.Path)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("appointment_id", entry.AppointmentID).
				Str("operation", entry.Operation).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("appointment_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, apiPrefix)
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// responseStatus is the status the client will see, including errors that the
// echo error handler has not written yet.
func responseStatus(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		if he, ok := err.(*echo.HTTPError); ok {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

// splitAPIPath breaks /api/v1/appointments/<id>/<op> into its parts. The id is
// returned only when it parses as a UUID.
//
//	/api/v1/appointments              -> appointments, "", ""
//	/api/v1/appointments/<id>         -> appointments, <id>, ""
//	/api/v1/appointments/<id>/confirm -> appointments, <id>, confirm
func splitAPIPath(path string) (resource, id, operation string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	resource = segments[0]
	if resource == "" {
		resource = "unknown"
	}
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			id = segments[1]
		}
	}
	if len(segments) > 2 {
		operation = segments[2]
	}
	return resource, id, operation
}
