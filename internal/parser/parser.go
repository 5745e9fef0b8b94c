// Package parser extracts personalization decisions from delivery (SchemaA)
// and interact (SchemaB) response bodies.
package parser

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/vincentbai/target-inspector/internal/models"
)

var (
	// ErrMalformed is returned when a response body is not valid JSON.
	ErrMalformed = errors.New("malformed response body")
	// ErrUnrecognized is returned for an implementation kind without a parser.
	ErrUnrecognized = errors.New("unrecognized implementation kind")
)

// Sentinels used when a payload does not name what was delivered.
const (
	UnknownActivity   = "Unknown Activity"
	UnknownExperience = "Unknown Experience"
	UnknownID         = "unknown"

	// GlobalMbox is the implicit scope of pageLoad options.
	GlobalMbox = "target-global-mbox"

	decisionsType = "personalization:decisions"
)

// Record is one decision found in a response, before it is joined with
// the request that produced it.
type Record struct {
	Kind           models.ImplementationKind
	UniqueID       string
	Scope          string
	ActivityName   string
	ExperienceName string
	ActivityID     string
	ExperienceID   string
	Tokens         map[string]any
	Modifications  []models.PageModification
	Metrics        []any
	// ResponseRequestID is the request id echoed in the response body, if any.
	ResponseRequestID string

	// Raw projections kept for the response details view.
	Option   any
	Decision any
	Item     any
}

// Parse routes body to the parser of kind. A nil slice with a nil error
// means the response carried no decisions.
func Parse(kind models.ImplementationKind, body []byte) ([]Record, error) {
	switch kind {
	case models.SchemaA:
		return ParseDelivery(body)
	case models.SchemaB:
		return ParseInteract(body)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognized, kind)
}

// ParseDelivery walks execute.mboxes[].options[] and execute.pageLoad.options[].
func ParseDelivery(body []byte) ([]Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	execute := gjson.GetBytes(body, "execute")

	var records []Record
	for mboxIdx, mbox := range elements(execute.Get("mboxes")) {
		name := mbox.Get("name").String()
		for optIdx, option := range elements(mbox.Get("options")) {
			id := strconv.Itoa(mboxIdx) + "-" + strconv.Itoa(optIdx)
			records = append(records, deliveryRecord(option, name, id, optIdx, false))
		}
	}
	for optIdx, option := range elements(execute.Get("pageLoad.options")) {
		records = append(records, deliveryRecord(option, GlobalMbox, strconv.Itoa(optIdx), optIdx, true))
	}
	return records, nil
}

func deliveryRecord(option gjson.Result, scope, uniqueID string, optIdx int, pageLoad bool) Record {
	tokens := objectOf(option.Get("responseTokens"))

	experienceID := token(tokens, "experience.id", UnknownID)
	if pageLoad && experienceID == UnknownID {
		experienceID = "pageload-" + strconv.Itoa(optIdx)
	}

	return Record{
		Kind:           models.SchemaA,
		UniqueID:       uniqueID,
		Scope:          scope,
		ActivityName:   token(tokens, "activity.name", UnknownActivity),
		ExperienceName: token(tokens, "experience.name", UnknownExperience),
		ActivityID:     token(tokens, "activity.id", UnknownID),
		ExperienceID:   experienceID,
		Tokens:         tokens,
		Modifications:  deliveryModifications(option),
		Metrics:        listOf(option.Get("metrics")),
		Option:         option.Value(),
	}
}

func deliveryModifications(option gjson.Result) []models.PageModification {
	mods := []models.PageModification{}
	if content := option.Get("content"); content.Exists() && content.Type != gjson.Null {
		mods = append(mods, models.PageModification{
			Type:     "setHtml",
			Selector: "body",
			Content:  content.Value(),
		})
	}
	for _, action := range elements(option.Get("actions")) {
		mods = append(mods, models.PageModification{
			Type:     action.Get("type").String(),
			Selector: action.Get("selector").String(),
			Content:  action.Get("content").Value(),
		})
	}
	return mods
}

// ParseInteract walks handle[] items of type personalization:decisions and
// emits one record per decision item.
func ParseInteract(body []byte) ([]Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(body)
	requestID := root.Get("requestId").String()

	var records []Record
	for handleIdx, handle := range elements(root.Get("handle")) {
		if handle.Get("type").String() != decisionsType {
			continue
		}
		for decisionIdx, decision := range elements(handle.Get("payload")) {
			for itemIdx, item := range elements(decision.Get("items")) {
				id := fmt.Sprintf("%d-%d-%d", handleIdx, decisionIdx, itemIdx)
				rec := interactRecord(decision, item, id)
				rec.ResponseRequestID = requestID
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

// SkippedHandles lists the handle types ParseInteract ignores, for logging.
func SkippedHandles(body []byte) []string {
	var types []string
	gjson.GetBytes(body, "handle.#.type").ForEach(func(_, t gjson.Result) bool {
		if t.String() != decisionsType {
			types = append(types, t.String())
		}
		return true
	})
	return types
}

func interactRecord(decision, item gjson.Result, uniqueID string) Record {
	itemMeta := objectOf(item.Get("meta"))
	decisionMeta := objectOf(decision.Get("meta"))

	tokens := make(map[string]any, len(itemMeta)+len(decisionMeta)+2)
	for k, v := range itemMeta {
		tokens[k] = v
	}
	for k, v := range decisionMeta {
		tokens[k] = v
	}
	tokens["decision.scope"] = decision.Get("scope").Value()
	tokens["decision.id"] = decision.Get("id").Value()

	experienceID := firstString(
		item.Get(`meta.experience\.id`),
		item.Get("id"),
	)
	if experienceID == "" {
		experienceID = "alloy-exp-" + uniqueID
	}

	return Record{
		Kind:     models.SchemaB,
		UniqueID: uniqueID,
		Scope:    decision.Get("scope").String(),
		ActivityName: orDefault(firstString(
			item.Get(`meta.activity\.name`),
			decision.Get(`meta.activity\.name`),
		), UnknownActivity),
		ExperienceName: orDefault(firstString(
			item.Get(`meta.experience\.name`),
			decision.Get(`meta.experience\.name`),
		), UnknownExperience),
		ActivityID: orDefault(firstString(
			item.Get(`meta.activity\.id`),
			decision.Get(`meta.activity\.id`),
			item.Get("data.content.activityId"),
			decision.Get("scopeDetails.activity.id"),
			decision.Get("id"),
		), UnknownID),
		ExperienceID:  experienceID,
		Tokens:        tokens,
		Modifications: interactModifications(item),
		Metrics:       listOf(item.Get("metrics")),
		Decision:      decision.Value(),
		Item:          item.Value(),
	}
}

func interactModifications(item gjson.Result) []models.PageModification {
	mods := []models.PageModification{}
	content := item.Get("data.content")
	if !content.Exists() || content.Type == gjson.Null {
		return mods
	}
	return append(mods, models.PageModification{
		Type:     "setHtml",
		Selector: orDefault(item.Get("data.selector").String(), "body"),
		Content:  content.Value(),
	})
}

// elements returns the members of r if it is an array, nil otherwise.
func elements(r gjson.Result) []gjson.Result {
	if !r.IsArray() {
		return nil
	}
	return r.Array()
}

func objectOf(r gjson.Result) map[string]any {
	if m, ok := r.Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func listOf(r gjson.Result) []any {
	if l, ok := r.Value().([]any); ok {
		return l
	}
	return []any{}
}

// token returns tokens[key] rendered as a string, or def when absent or empty.
func token(tokens map[string]any, key, def string) string {
	v, ok := tokens[key]
	if !ok || v == nil {
		return def
	}
	if s := stringify(v); s != "" {
		return s
	}
	return def
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func firstString(results ...gjson.Result) string {
	for _, r := range results {
		if r.Exists() && r.Type != gjson.Null {
			if s := r.String(); s != "" {
				return s
			}
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
