package models

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

// ImplementationKind names the personalization library that issued a call.
type ImplementationKind string

const (
	SchemaA  ImplementationKind = "at.js"    // delivery responses
	SchemaB  ImplementationKind = "alloy.js" // interact responses
	Fallback ImplementationKind = "fallback"
)

// CallKind is the sub-classification of a matched call.
type CallKind string

const (
	CallNone     CallKind = ""
	CallDelivery CallKind = "delivery"
	CallInteract CallKind = "interact"
)

// Implementation maps a call kind to the library that issues it.
func (k CallKind) Implementation() ImplementationKind {
	if k == CallInteract {
		return SchemaB
	}
	return SchemaA
}

// Fidelity records how much of the response an Activity was built from.
type Fidelity string

const (
	FidelityDecision Fidelity = "decision" // parsed from a response payload
	FidelityBasic    Fidelity = "basic"    // url and status only
	FidelityFallback Fidelity = "fallback" // observer could not attach
)

// Network event status values.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// PostData is the request body as reported by the network observer.
type PostData struct {
	Text    string   `json:"text,omitempty"`
	Entries []string `json:"postDataEntries,omitempty"` // base64 encoded bytes
	Object  any      `json:"object,omitempty"`
}

// Empty reports whether no body representation is present.
func (p *PostData) Empty() bool {
	return p == nil || (p.Text == "" && len(p.Entries) == 0 && p.Object == nil)
}

// PendingRequest is a matched request awaiting its loading-finished event.
type PendingRequest struct {
	ID                 string
	ContextID          string
	URL                string
	Method             string
	Headers            map[string]any
	PostData           *PostData
	CreatedAt          time.Time
	ImplementationKind ImplementationKind
	CallKind           CallKind
	ResponseStatus     int64 // zero until a response arrives
	ResponseHeaders    map[string]any
	MimeType           string
}

// PageModification is a single content change carried by a decision.
type PageModification struct {
	Type     string `json:"type"`
	Selector string `json:"selector"`
	Content  any    `json:"content"`
}

type Details struct {
	ResponseTokens    map[string]any     `json:"responseTokens"`
	PageModifications []PageModification `json:"pageModifications"`
	Metrics           []any              `json:"metrics"`
	Mboxes            []string           `json:"mboxes"`
	ClientCode        string             `json:"clientCode"`
	RequestID         string             `json:"requestId"`
}

type RequestDetails struct {
	URL     string         `json:"url"`
	Method  string         `json:"method"`
	Headers map[string]any `json:"headers"`
	Payload any            `json:"payload"` // decoded body or null
}

// ResponseDetails is an implementation specific projection of the response.
type ResponseDetails struct {
	StatusCode     int64          `json:"statusCode"`
	Headers        map[string]any `json:"headers,omitempty"`
	Mbox           string         `json:"mbox,omitempty"`
	Option         any            `json:"option,omitempty"`
	ResponseTokens map[string]any `json:"responseTokens,omitempty"`
	Decision       any            `json:"decision,omitempty"`
	Item           any            `json:"item,omitempty"`
	Note           string         `json:"note,omitempty"`
}

// Activity is a personalization decision delivered to the page.
// StatusCode is zero when the call was detected but no response status was seen.
type Activity struct {
	ID                 string             `json:"id"`
	Timestamp          int64              `json:"timestamp"` // unix ms
	URL                string             `json:"url"`
	Method             string             `json:"method"`
	Type               CallKind           `json:"type"`
	StatusCode         int64              `json:"statusCode"`
	Name               string             `json:"name"`
	Experience         string             `json:"experience"`
	ActivityID         string             `json:"activityId"`
	ImplementationType ImplementationKind `json:"implementationType"`
	Fidelity           Fidelity           `json:"fidelity"`
	Details            Details            `json:"details"`
	RequestDetails     RequestDetails     `json:"requestDetails"`
	ResponseDetails    ResponseDetails    `json:"responseDetails"`
}

// DuplicateOf reports whether a and other identify the same activity/experience pair.
func (a Activity) DuplicateOf(other Activity) bool {
	return a.ActivityID == other.ActivityID && a.Experience == other.Experience
}

// Timing mirrors the subset of resource timing the event log shows.
type Timing struct {
	SendStart         float64 `json:"sendStart"`
	ReceiveHeadersEnd float64 `json:"receiveHeadersEnd"`
}

type NetworkEvent struct {
	ID              string         `json:"id"`
	Type            CallKind       `json:"type"`
	EventType       string         `json:"eventType"`
	URL             string         `json:"url"`
	Method          string         `json:"method"`
	Timestamp       int64          `json:"timestamp"`
	Status          string         `json:"status"`
	StatusCode      int64          `json:"statusCode,omitempty"`
	ResponseHeaders map[string]any `json:"responseHeaders,omitempty"`
	Timing          *Timing        `json:"timing,omitempty"`
	Duration        null.Float     `json:"duration"`
}

// PerformanceSnapshot is the live performance view of one context.
type PerformanceSnapshot struct {
	FirstContentfulPaint      null.Float `json:"firstContentfulPaint"`
	PageLoadTime              null.Float `json:"pageLoadTime"`
	ActivityDeliveryTimestamp null.Int   `json:"activityDeliveryTimestamp"` // unix ms
	FirstCallTimestamp        null.Int   `json:"firstTargetCall"`
	CallDuration              null.Int   `json:"targetCallDuration"` // ms
	ActivityTime              null.Float `json:"activityTime"`       // ms since navigation start
	Flicker                   null.Float `json:"flicker"`
	CallCount                 int        `json:"totalTargetCalls"`
}

// ResourceEntry is a resource-timing entry read from the page.
type ResourceEntry struct {
	Name        string  `json:"name"`
	StartTime   float64 `json:"startTime"`
	ResponseEnd float64 `json:"responseEnd"`
	Duration    float64 `json:"duration"`
}

// PageTiming is the raw measurement taken inside the page.
type PageTiming struct {
	URL                  string          `json:"url"`
	TimeOrigin           float64         `json:"timeOrigin"` // unix ms
	FirstContentfulPaint null.Float      `json:"fcp"`
	PageLoad             null.Float      `json:"pageLoad"`
	Resources            []ResourceEntry `json:"resources"`
}

// Metric sources.
const (
	SourcePage     = "page"
	SourceDebugger = "debugger"
)

// FlickerMetrics is one measurement of how late personalization landed.
type FlickerMetrics struct {
	FirstContentfulPaint null.Float `json:"fcp"`
	PageLoad             null.Float `json:"pageLoad"`
	ActivityTime         null.Float `json:"activityTime"`
	Flicker              null.Float `json:"flicker"`
	CallsFound           int        `json:"targetCallsFound"`
	EarliestActivity     null.Float `json:"earliestActivity"`
	LatestActivity       null.Float `json:"latestActivity"`
	Source               string     `json:"source"`
}

// FlickerResults holds both phases of a prehiding A/B test.
type FlickerResults struct {
	WithSnippet    *FlickerMetrics `json:"withSnippet,omitempty"`
	WithoutSnippet *FlickerMetrics `json:"withoutSnippet,omitempty"`
}

// Complete reports whether both phases were captured.
func (r FlickerResults) Complete() bool {
	return r.WithSnippet != nil && r.WithoutSnippet != nil
}
