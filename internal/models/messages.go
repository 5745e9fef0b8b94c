package models

// Message types accepted on the UI messaging endpoint.
const (
	MsgGetActivities       = "GET_ACTIVITIES"
	MsgGetEvents           = "GET_EVENTS"
	MsgGetPerformance      = "GET_PERFORMANCE"
	MsgMeasurePerformance  = "MEASURE_PERFORMANCE"
	MsgClearActivities     = "CLEAR_ACTIVITIES"
	MsgCollectFlicker      = "COLLECT_FLICKER_METRICS"
	MsgClearFlickerData    = "CLEAR_FLICKER_TEST_DATA"
	MsgStartFlickerTest    = "START_FLICKER_TEST"
	MsgSetFlickerPhase     = "SET_FLICKER_PHASE"
	MsgGetFlickerResults   = "GET_FLICKER_RESULTS"
	MsgEndFlickerTest      = "END_FLICKER_TEST"
	MsgResetFlickerTest    = "RESET_FLICKER_TEST"
	MsgTestConnection      = "TEST_CONNECTION"
	NotifyActivityDetected = "ACTIVITY_DETECTED"
)

// Message is a request from the UI.
type Message struct {
	Type  string `json:"type"`
	TabID string `json:"tabId"`
	// Phase is read by SET_FLICKER_PHASE.
	Phase string `json:"phase,omitempty"`
}

type ActivitiesReply struct {
	Activities  []Activity `json:"activities"`
	IsDebugging bool       `json:"isDebugging"`
}

type EventsReply struct {
	Events []NetworkEvent `json:"events"`
	Count  int            `json:"count"`
}

type PerformanceReply struct {
	PerformanceData *PerformanceSnapshot `json:"performanceData"`
}

type MeasureReply struct {
	Success bool            `json:"success"`
	Metrics *FlickerMetrics `json:"metrics"`
	Error   string          `json:"error,omitempty"`
}

type StatusReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type CollectReply struct {
	Success bool   `json:"success"`
	Stored  bool   `json:"stored"`
	Error   string `json:"error,omitempty"`
}

// FlickerTestReply describes the A/B test. Results are only included when
// they were captured on the requesting tab.
type FlickerTestReply struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	TabID     string          `json:"tabId,omitempty"`
	URL       string          `json:"url,omitempty"`
	StartedAt int64           `json:"startedAt,omitempty"`
	Complete  bool            `json:"complete"`
	Results   *FlickerResults `json:"results,omitempty"`
}

type ConnectionReply struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	Timestamp         int64  `json:"timestamp"`
	DebuggingSessions int    `json:"debuggingSessions"`
	TotalActivities   int    `json:"totalActivities"`
	Method            string `json:"method"`
}

// Notification is pushed to subscribers when an Activity is committed.
type Notification struct {
	Type     string   `json:"type"`
	TabID    string   `json:"tabId"`
	Activity Activity `json:"activity"`
}
