package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// decodeJSONBody decodes a request body into v; an empty body is valid.
func decodeJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// requestBody is a POS request after shape resolution. Bodies arrive
// either flat or nested under the command name (e.g. body.sale); the
// two are merged with nested fields overriding top-level ones.
type requestBody struct {
	merged      map[string]interface{}
	transaction map[string]interface{}
	params      map[string]interface{}
	lodging     map[string]interface{}
}

// parseBody decodes and merges a request body. nestedKeys are the
// accepted command wrappers, tried in order. An empty body is valid —
// some commands (batch close) need no fields.
func parseBody(r io.Reader, nestedKeys ...string) (*requestBody, error) {
	merged := make(map[string]interface{})

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		var top map[string]interface{}
		if err := json.Unmarshal(raw, &top); err != nil {
			return nil, fmt.Errorf("malformed JSON body: %w", err)
		}
		for k, v := range top {
			merged[k] = v
		}
		for _, key := range nestedKeys {
			nested, ok := top[key].(map[string]interface{})
			if !ok {
				continue
			}
			// Nested overrides top-level on merge.
			for k, v := range nested {
				merged[k] = v
			}
			break
		}
	}

	b := &requestBody{merged: merged}
	if m, ok := merged["transaction"].(map[string]interface{}); ok {
		b.transaction = m
	}
	if m, ok := merged["params"].(map[string]interface{}); ok {
		b.params = m
	}
	if m, ok := merged["lodging"].(map[string]interface{}); ok {
		b.lodging = m
	}
	return b, nil
}

// field returns the first present field, checking the transaction
// block, then params, then the merged top level.
func (b *requestBody) field(keys ...string) interface{} {
	for _, m := range []map[string]interface{}{b.transaction, b.params, b.merged} {
		if m == nil {
			continue
		}
		for _, k := range keys {
			if v, ok := m[k]; ok && v != nil {
				return v
			}
		}
	}
	return nil
}

func (b *requestBody) str(keys ...string) string {
	switch v := b.field(keys...).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (b *requestBody) intval(keys ...string) int {
	switch v := b.field(keys...).(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// flag normalizes 0|1 option fields, tolerating bools and strings.
func (b *requestBody) flag(keys ...string) int {
	switch v := b.field(keys...).(type) {
	case bool:
		if v {
			return 1
		}
	case float64:
		if v != 0 {
			return 1
		}
	case string:
		if v == "1" || v == "true" {
			return 1
		}
	}
	return 0
}
