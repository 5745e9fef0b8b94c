// Package payload decodes request bodies captured by the network observer.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/vincentbai/target-inspector/internal/models"
)

// DefaultEventType is reported when a body carries no recognisable event type.
const DefaultEventType = "web.webpagedetails.pageViews"

var errInvalidUTF8 = errors.New("post data entry is not valid UTF-8")

// Decode returns the parsed request body. Representations are tried in
// order: text, first byte entry, structured object; the first one present
// decides the outcome. A nil result with a nil error means no body.
func Decode(data *models.PostData) (any, error) {
	if data == nil {
		return nil, nil
	}
	switch {
	case data.Text != "":
		return parseJSON([]byte(data.Text))
	case len(data.Entries) > 0:
		raw, err := base64.StdEncoding.DecodeString(data.Entries[0])
		if err != nil {
			return nil, fmt.Errorf("decoding post data entry: %w", err)
		}
		if !utf8.Valid(raw) {
			return nil, errInvalidUTF8
		}
		return parseJSON(raw)
	case data.Object != nil:
		return data.Object, nil
	}
	return nil, nil
}

func parseJSON(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parsing post data: %w", err)
	}
	return v, nil
}

// Text returns the textual body, decoding the first byte entry if needed.
func Text(data *models.PostData) string {
	if data == nil {
		return ""
	}
	if data.Text != "" {
		return data.Text
	}
	if len(data.Entries) > 0 {
		if raw, err := base64.StdEncoding.DecodeString(data.Entries[0]); err == nil {
			return string(raw)
		}
	}
	return ""
}

// EventType derives the semantic event label of an interact body: the XDM
// event types of all events joined by " | ", else the root XDM event type,
// else the web interaction name, else DefaultEventType.
func EventType(data *models.PostData) string {
	text := Text(data)
	if text == "" || !gjson.Valid(text) {
		return DefaultEventType
	}
	body := gjson.Parse(text)

	var types []string
	body.Get("events").ForEach(func(_, event gjson.Result) bool {
		for _, path := range []string{"xdm.eventType", "xdm.web.webInteraction.name", "type", "eventType"} {
			if v := event.Get(path); v.Exists() && v.String() != "" {
				types = append(types, v.String())
				break
			}
		}
		return true
	})
	if len(types) > 0 {
		return strings.Join(types, " | ")
	}

	if v := body.Get("xdm.eventType"); v.String() != "" {
		return v.String()
	}
	if v := body.Get("xdm.web.webInteraction.name"); v.String() != "" {
		return v.String()
	}
	return DefaultEventType
}
