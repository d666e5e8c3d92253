// Package parser turns raw model text into untyped JSON data.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const fence = "```"

// Error reports model text that could not be decoded after fence stripping.
type Error struct {
	Text string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse model output: %v (text: %q)", e.Err, preview(e.Text, 120))
}

func (e *Error) Unwrap() error { return e.Err }

// StripFences removes a leading ``` marker (with or without a language tag)
// and a trailing ``` marker. Bare text is returned trimmed.
func StripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, fence) {
		text = strings.TrimPrefix(text, fence)
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			// Anything between the opening marker and the newline is a language tag.
			if tag := strings.TrimSpace(text[:nl]); !strings.ContainsAny(tag, "{[\"") {
				text = text[nl+1:]
			}
		} else {
			text = strings.TrimLeft(text, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, fence)
	return strings.TrimSpace(text)
}

// Parse strips fences and decodes the remainder. Numbers decode as json.Number.
func Parse(raw string) (any, error) {
	text := StripFences(raw)
	if text == "" {
		return nil, &Error{Text: raw, Err: errors.New("empty output")}
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &Error{Text: raw, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &Error{Text: raw, Err: errors.New("unexpected data after JSON value")}
	}
	return v, nil
}

// Canonical re-decodes a typed value into untyped data the way Parse would.
func Canonical(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
