// Package activity turns parsed decisions and degraded detections into
// Activity records.
package activity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/target-inspector/internal/matcher"
	"github.com/vincentbai/target-inspector/internal/models"
	"github.com/vincentbai/target-inspector/internal/parser"
)

const (
	// BodyUnavailable is the experience of a Basic Activity.
	BodyUnavailable = "Response body not available"
	basicActivityID = "basic-detection"
	conflictID      = "devtools-conflict"
	webSDKScope     = "web-sdk-scope"
	defaultStatus   = 200
)

// FromRecord joins a parsed decision with the request that produced it.
// payload is the decoded request body, or nil.
func FromRecord(req *models.PendingRequest, rec parser.Record, payload any, now time.Time) models.Activity {
	status := req.ResponseStatus
	if status == 0 {
		status = defaultStatus
	}

	prefix := "at"
	requestID := matcher.SessionID(req.URL)
	response := models.ResponseDetails{
		StatusCode:     status,
		Headers:        req.ResponseHeaders,
		ResponseTokens: rec.Tokens,
	}
	switch rec.Kind {
	case models.SchemaB:
		prefix = "alloy"
		requestID = rec.ResponseRequestID
		if requestID == "" {
			requestID = parser.UnknownID
		}
		response.ResponseTokens = nil
		response.Decision = rec.Decision
		response.Item = rec.Item
	default:
		response.Mbox = rec.Scope
		response.Option = rec.Option
	}

	return models.Activity{
		ID:                 fmt.Sprintf("%s-%s-%s-%s-%d", prefix, rec.ActivityID, rec.ExperienceID, rec.UniqueID, now.UnixMilli()),
		Timestamp:          now.UnixMilli(),
		URL:                req.URL,
		Method:             req.Method,
		Type:               req.CallKind,
		StatusCode:         status,
		Name:               rec.ActivityName,
		Experience:         rec.ExperienceName,
		ActivityID:         rec.ActivityID,
		ImplementationType: rec.Kind,
		Fidelity:           models.FidelityDecision,
		Details: models.Details{
			ResponseTokens:    rec.Tokens,
			PageModifications: rec.Modifications,
			Metrics:           rec.Metrics,
			Mboxes:            []string{rec.Scope},
			ClientCode:        matcher.ClientCode(req.URL),
			RequestID:         requestID,
		},
		RequestDetails:  requestDetails(req, payload),
		ResponseDetails: response,
	}
}

// Basic describes a matched call whose response could not be read or parsed.
func Basic(req *models.PendingRequest, payload any, now time.Time) models.Activity {
	scope := parser.GlobalMbox
	if req.ImplementationKind == models.SchemaB {
		scope = webSDKScope
	}
	return models.Activity{
		ID:                 fmt.Sprintf("basic-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		Timestamp:          now.UnixMilli(),
		URL:                req.URL,
		Method:             req.Method,
		Type:               req.CallKind,
		StatusCode:         req.ResponseStatus,
		Name:               fmt.Sprintf("%s Activity Detected", req.ImplementationKind),
		Experience:         BodyUnavailable,
		ActivityID:         basicActivityID,
		ImplementationType: req.ImplementationKind,
		Fidelity:           models.FidelityBasic,
		Details: models.Details{
			ResponseTokens: map[string]any{
				"detection.method": "Request URL only",
				"response.status":  "Body not accessible",
				"note":             "Activity detected but response details unavailable",
			},
			PageModifications: []models.PageModification{},
			Metrics:           []any{},
			Mboxes:            []string{scope},
			ClientCode:        matcher.ClientCode(req.URL),
			RequestID:         basicActivityID,
		},
		RequestDetails: requestDetails(req, payload),
		ResponseDetails: models.ResponseDetails{
			StatusCode: req.ResponseStatus,
			Note:       "Response body was not accessible for this request",
		},
	}
}

// Fallback explains that the observer could not attach to the context,
// usually because another debugger already owns it.
func Fallback(reason string, now time.Time) models.Activity {
	const conflictURL = "chrome://devtools-conflict"
	if reason == "" {
		reason = "Chrome DevTools is open"
	}
	return models.Activity{
		ID:                 fmt.Sprintf("fallback-activity-%d", now.UnixMilli()),
		Timestamp:          now.UnixMilli(),
		URL:                conflictURL,
		Method:             "GET",
		Type:               models.CallKind(models.Fallback),
		StatusCode:         defaultStatus,
		Name:               "DevTools Conflict Detected",
		Experience:         "Close DevTools for detailed activity names",
		ActivityID:         conflictID,
		ImplementationType: models.Fallback,
		Fidelity:           models.FidelityFallback,
		Details: models.Details{
			ResponseTokens: map[string]any{
				"conflict.reason": reason,
				"solution":        "Close DevTools and refresh to see real activities",
				"status":          "Extension working but limited by DevTools",
			},
			PageModifications: []models.PageModification{{
				Type:     "conflict",
				Selector: "devtools",
				Content:  "Close DevTools to see real activity details",
			}},
			Metrics:    []any{},
			Mboxes:     []string{conflictID},
			ClientCode: "Extension Limited",
			RequestID:  conflictID,
		},
		RequestDetails: models.RequestDetails{
			URL:     conflictURL,
			Method:  "GET",
			Headers: map[string]any{},
		},
		ResponseDetails: models.ResponseDetails{
			StatusCode: defaultStatus,
			Note:       "Close Chrome DevTools to enable full debugger access for real activity names",
		},
	}
}

func requestDetails(req *models.PendingRequest, payload any) models.RequestDetails {
	headers := req.Headers
	if headers == nil {
		headers = map[string]any{}
	}
	return models.RequestDetails{
		URL:     req.URL,
		Method:  req.Method,
		Headers: headers,
		Payload: payload,
	}
}
