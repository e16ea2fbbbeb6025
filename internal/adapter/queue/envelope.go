package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
)

// Wire format: <segment1>|<actionType>|<slug>#<jsonPayload>
const (
	segmentSep = "|"
	payloadSep = "#"

	maxErrorText = 256
)

type wireTask struct {
	TaskID      string         `json:"TaskId"`
	ActionType  string         `json:"ActionType"`
	PhoneNumber string         `json:"PhoneNumber"`
	Message     *string        `json:"Message"`
	ZipFileURL  *string        `json:"ZipFileUrl"`
	Params      map[string]any `json:"Params"`
}

// Envelope is a decoded message body.
type Envelope struct {
	Slug string
	Task domain.Task
}

// ActionTypeOf returns the routing segment (index 1) without decoding the payload.
func ActionTypeOf(body []byte) string {
	parts := strings.SplitN(string(body), segmentSep, 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// DecodeEnvelope parses a message body into a Task. It is pure; it returns
// either a complete Envelope or a *DecodeError.
func DecodeEnvelope(body []byte) (Envelope, error) {
	if !utf8.Valid(body) {
		return Envelope{}, &DecodeError{Reason: "body is not valid UTF-8", Text: clip(string(body))}
	}
	text := string(body)

	segments := strings.Split(text, segmentSep)
	if len(segments) < 3 {
		return Envelope{}, &DecodeError{
			Reason: fmt.Sprintf("expected at least 3 segments, got %d", len(segments)),
			Text:   clip(text),
			Offset: len(text),
		}
	}

	lastStart := strings.LastIndex(text, segmentSep) + 1
	last := text[lastStart:]
	if n := strings.Count(last, payloadSep); n != 1 {
		off := lastStart + len(last)
		if n > 1 {
			first := strings.Index(last, payloadSep)
			off = lastStart + first + 1 + strings.Index(last[first+1:], payloadSep)
		}
		return Envelope{}, &DecodeError{
			Reason: fmt.Sprintf("expected exactly one %q in last segment, got %d", payloadSep, n),
			Text:   clip(last),
			Offset: off,
		}
	}

	hash := strings.Index(last, payloadSep)
	slug := last[:hash]
	blob := last[hash+1:]
	blobStart := lastStart + hash + 1

	task, err := decodeTask([]byte(blob), blobStart)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Slug: slug, Task: task}, nil
}

// DecodeTask is DecodeEnvelope without the slug.
func DecodeTask(body []byte) (domain.Task, error) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		return domain.Task{}, err
	}
	return env.Task, nil
}

func decodeTask(blob []byte, base int) (domain.Task, error) {
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()

	// keys are matched exactly; encoding/json alone would accept "taskid"
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		off := base
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syn):
			off += int(syn.Offset)
		case errors.As(err, &typ):
			off += int(typ.Offset)
		}
		return domain.Task{}, &DecodeError{Reason: "malformed JSON payload", Text: clip(string(blob)), Offset: off, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return domain.Task{}, &DecodeError{
			Reason: "trailing data after JSON payload",
			Text:   clip(string(blob)),
			Offset: base + int(dec.InputOffset()),
		}
	}

	var w wireTask
	for _, f := range []struct {
		key string
		dst any
	}{
		{"TaskId", &w.TaskID},
		{"ActionType", &w.ActionType},
		{"PhoneNumber", &w.PhoneNumber},
		{"Message", &w.Message},
		{"ZipFileUrl", &w.ZipFileURL},
		{"Params", &w.Params},
	} {
		raw, ok := fields[f.key]
		if !ok {
			continue
		}
		if err := decodeField(raw, f.dst); err != nil {
			off := base
			if i := bytes.Index(blob, []byte(`"`+f.key+`"`)); i >= 0 {
				off += i
			}
			return domain.Task{}, &DecodeError{
				Reason: "malformed JSON payload field " + f.key,
				Text:   clip(string(blob)),
				Offset: off,
				Err:    err,
			}
		}
	}

	for _, f := range []struct{ name, val string }{
		{"TaskId", w.TaskID},
		{"ActionType", w.ActionType},
		{"PhoneNumber", w.PhoneNumber},
	} {
		if f.val == "" {
			return domain.Task{}, &DecodeError{
				Reason: "missing required field " + f.name,
				Text:   clip(string(blob)),
				Offset: base,
			}
		}
	}

	params := w.Params
	if params == nil {
		params = map[string]any{}
	}
	return domain.Task{
		TaskID:      w.TaskID,
		ActionType:  domain.ActionType(w.ActionType),
		PhoneNumber: w.PhoneNumber,
		Message:     w.Message,
		ZipFileURL:  w.ZipFileURL,
		Params:      params,
	}, nil
}

// EncodeEnvelope renders a task in the wire format. The JSON payload must not
// contain '#', since the decoder splits on it.
func EncodeEnvelope(segment1 string, task domain.Task, slug string) ([]byte, error) {
	if strings.Contains(segment1, segmentSep) || strings.Contains(string(task.ActionType), segmentSep) ||
		strings.Contains(slug, segmentSep) || strings.Contains(slug, payloadSep) {
		return nil, fmt.Errorf("envelope segments must not contain %q or %q", segmentSep, payloadSep)
	}
	w := wireTask{
		TaskID:      task.TaskID,
		ActionType:  string(task.ActionType),
		PhoneNumber: task.PhoneNumber,
		Message:     task.Message,
		ZipFileURL:  task.ZipFileURL,
		Params:      task.Params,
	}
	if w.Params == nil {
		w.Params = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	blob := bytes.TrimRight(buf.Bytes(), "\n")
	if bytes.Contains(blob, []byte(payloadSep)) || bytes.Contains(blob, []byte(segmentSep)) {
		return nil, fmt.Errorf("task payload must not contain %q or %q", payloadSep, segmentSep)
	}

	var b strings.Builder
	b.Grow(len(segment1) + len(task.ActionType) + len(slug) + len(blob) + 3)
	b.WriteString(segment1)
	b.WriteString(segmentSep)
	b.WriteString(string(task.ActionType))
	b.WriteString(segmentSep)
	b.WriteString(slug)
	b.WriteString(payloadSep)
	b.Write(blob)
	return []byte(b.String()), nil
}

func decodeField(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

// clip bounds log text to maxErrorText bytes, cut on a rune boundary.
func clip(s string) string {
	if len(s) <= maxErrorText {
		return s
	}
	cut := maxErrorText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...truncated..."
}
