package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// wrapperKeys are the envelope fields list endpoints use, in lookup order.
var wrapperKeys = []string{"content", "data"}

// page is a decoded list response.
type page[T any] struct {
	Items             []T
	ContinuationToken string
}

// decodePage accepts either an envelope object carrying the list under one
// of wrapperKeys or a bare JSON array. The envelope is tried first.
func decodePage[T any](body []byte) (page[T], error) {
	var out page[T]
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return out, &ParsingError{Err: errors.New("empty body")}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err == nil {
		for _, key := range wrapperKeys {
			raw, ok := envelope[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &out.Items); err != nil {
				return out, &ParsingError{Err: fmt.Errorf("decode %q: %w", key, err)}
			}
			if token, ok := envelope["continuationToken"]; ok {
				_ = json.Unmarshal(token, &out.ContinuationToken)
			}
			return out, nil
		}
	}

	if err := json.Unmarshal(trimmed, &out.Items); err != nil {
		return out, &ParsingError{Err: fmt.Errorf("neither envelope nor array: %w", err)}
	}
	return out, nil
}

// errorMessage extracts a readable message from an error body, falling back
// to the status line.
func errorMessage(body []byte, status string) string {
	var payload struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Title            string `json:"title"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, msg := range []string{payload.ErrorDescription, payload.Message, payload.Error, payload.Title} {
			if msg != "" {
				return msg
			}
		}
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && len(trimmed) <= 256 {
		return string(trimmed)
	}
	return status
}
