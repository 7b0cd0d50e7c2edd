package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"nyc311/internal/record"
)

// DecodeRecords reads a JSON array of objects from r.
//
// Numbers are kept as json.Number so identifiers and coordinates are not
// rounded through float64. null elements are skipped. An empty body is an
// empty result.
//
// Errors:
//   - The root is not an array, or an element is not an object.
//   - Syntax errors anywhere in the body, including trailing garbage.
func DecodeRecords(r io.Reader) ([]record.Raw, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("json: read first token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("json: unsupported root token %v (want array)", tok)
	}

	var out []record.Raw
	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("json: decode element %d: %w", len(out), err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("json: element %d not an object (got %T)", len(out), raw)
		}
		out = append(out, record.Raw(obj))
	}

	if end, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("json: read array end: %w", err)
	} else if end != json.Delim(']') {
		return nil, fmt.Errorf("json: expected array end ']', got %v", end)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("json: unexpected data after array")
	}
	return out, nil
}
