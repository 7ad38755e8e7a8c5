package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ErrNoActions is returned when a reply contains no structured action list.
var ErrNoActions = errors.New("actions: reply contains no action list")

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*(.*?)```")

// Parse extracts actions from a model reply. It accepts a JSON array of actions, an
// object with an "actions" array, or a single action object, optionally wrapped in
// a markdown code fence or surrounded by prose. Comments and trailing commas are
// tolerated. An empty array yields no actions and no error; a non-empty list without
// a single action object, or trailing data after the JSON value, is ErrNoActions.
func Parse(raw string) ([]Action, error) {
	body, ok := extractJSON(raw)
	if !ok {
		return nil, ErrNoActions
	}

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON([]byte(body))))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrNoActions
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		if list, ok := v["actions"].([]any); ok {
			items = list
		} else if _, ok := v["type"]; ok {
			items = []any{v}
		} else if _, ok := v["action"]; ok {
			items = []any{v}
		} else {
			return nil, ErrNoActions
		}
	default:
		return nil, ErrNoActions
	}

	out := make([]Action, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, decodeAction(obj))
	}
	if len(items) > 0 && len(out) == 0 {
		return nil, ErrNoActions
	}
	return out, nil
}

// ParseOrFallback never fails: a reply that cannot be parsed becomes a single
// send_message carrying the raw text, reported with fallback=true. Blank replies
// produce no actions.
func ParseOrFallback(raw string) ([]Action, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	parsed, err := Parse(raw)
	if err != nil {
		return []Action{Text(raw)}, true
	}
	return parsed, false
}

// extractJSON strips code fences and prose, keeping the span from the first opening
// bracket to the matching last closing one.
func extractJSON(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func decodeAction(obj map[string]any) Action {
	fields := obj
	if nested, ok := obj["payload"].(map[string]any); ok {
		fields = make(map[string]any, len(obj)+len(nested))
		for k, v := range obj {
			fields[k] = v
		}
		for k, v := range nested {
			fields[k] = v
		}
	}

	name := stringField(obj, "type", "action", "name")
	a := Action{Wait: secondsField(fields, "wait_seconds", "wait")}
	if human, ok := numberField(fields, "human_seconds", "typing_seconds"); ok {
		a.Human = toDuration(human)
		a.HumanSet = true
	}

	t, ok := NormalizeType(name)
	if !ok {
		a.Type = TypeUnknown
		a.Payload = Unknown{Name: name}
		return a
	}
	a.Type = t

	switch t {
	case TypeSendMessage:
		a.Payload = SendMessage{Content: stringField(fields, "content", "text", "message")}
	case TypeSendMessages:
		a.Payload = SendMessages{Items: decodeItems(fields)}
	case TypeAddReaction:
		a.Payload = AddReaction{
			MessageID: idField(fields, "message_id", "target_message_id", "reply_to"),
			Emoji:     stringField(fields, "emoji", "reaction"),
		}
	case TypeFakeTyping:
		a.Payload = FakeTyping{}
	case TypeWait:
		// "seconds" is accepted as the pause length when human_seconds is absent.
		if !a.HumanSet {
			if secs, ok := numberField(fields, "seconds", "duration"); ok {
				a.Human = toDuration(secs)
				a.HumanSet = true
			}
		}
		a.Payload = Pause{}
	case TypeIgnore:
		a.Payload = Ignore{}
	}
	return a
}

func decodeItems(fields map[string]any) []Item {
	var list []any
	for _, key := range []string{"messages", "items", "contents"} {
		if v, ok := fields[key].([]any); ok {
			list = v
			break
		}
	}

	items := make([]Item, 0, len(list))
	for _, entry := range list {
		switch v := entry.(type) {
		case string:
			items = append(items, Item{Content: v})
		case map[string]any:
			item := Item{
				Content: stringField(v, "content", "text", "message"),
				Wait:    secondsField(v, "wait_seconds", "wait"),
			}
			if human, ok := numberField(v, "human_seconds", "typing_seconds"); ok {
				item.Human = toDuration(human)
				item.HumanSet = true
			}
			items = append(items, item)
		}
	}
	return items
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			return v
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// numberField accepts JSON numbers and numeric strings.
func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		var (
			f   float64
			err error
		)
		switch v := m[key].(type) {
		case json.Number:
			f, err = v.Float64()
		case string:
			f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
		case float64:
			f = v
		default:
			continue
		}
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return 0, false
}

// idField reads an integer id, preferring exact integer parsing over float.
func idField(m map[string]any, keys ...string) int64 {
	for _, key := range keys {
		var raw string
		switch v := m[key].(type) {
		case json.Number:
			raw = v.String()
		case string:
			raw = strings.TrimSpace(v)
		default:
			continue
		}
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f == math.Trunc(f) {
			return int64(f)
		}
	}
	return 0
}

func secondsField(m map[string]any, keys ...string) time.Duration {
	v, _ := numberField(m, keys...)
	return toDuration(v)
}

func toDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
