package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Field is one key/value column of an upstream record, rendered as text.
type Field struct {
	Key   string
	Value string
}

// FetchedRecord is a single upstream expense, with its fields in the order
// the upstream API returned them.
type FetchedRecord struct {
	ID             string
	HasAttachments bool
	Fields         []Field
}

// Keys returns the record's field names in order.
func (r FetchedRecord) Keys() []string {
	keys := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		keys[i] = f.Key
	}
	return keys
}

// Lookup returns the rendered value of key.
func (r FetchedRecord) Lookup(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// DecodeRecord parses one JSON object into a FetchedRecord, keeping key order.
// Strings are kept verbatim, numbers as written, booleans as True/False, null
// as empty, and nested objects or arrays as compact JSON.
func DecodeRecord(raw []byte) (FetchedRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return FetchedRecord{}, fmt.Errorf("read record: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return FetchedRecord{}, fmt.Errorf("record is not a JSON object")
	}

	var rec FetchedRecord
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return FetchedRecord{}, fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return FetchedRecord{}, fmt.Errorf("unexpected key token %v", tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return FetchedRecord{}, fmt.Errorf("read value for %q: %w", key, err)
		}

		text, err := renderValue(value)
		if err != nil {
			return FetchedRecord{}, fmt.Errorf("render %q: %w", key, err)
		}
		rec.Fields = append(rec.Fields, Field{Key: key, Value: text})

		switch key {
		case "id":
			rec.ID = text
		case "has_attachments":
			rec.HasAttachments = text == "True"
		}
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return FetchedRecord{}, fmt.Errorf("read record end: %w", err)
	}
	return rec, nil
}

func renderValue(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	switch trimmed[0] {
	case 'n':
		return "", nil
	case 't':
		return "True", nil
	case 'f':
		return "False", nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return string(trimmed), nil
	}
}

// Attachment is one file attached to an upstream record. Content is base64
// encoded, exactly as the upstream API delivers it.
type Attachment struct {
	RecordID string `json:"-"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Decode returns the raw attachment bytes.
func (a Attachment) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.Content))
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", a.Filename, err)
	}
	return data, nil
}

// Profile is the requester's upstream profile.
type Profile struct {
	Email string `json:"employee_email"`
}
