package rules

import (
	"encoding/json"
	"fmt"
)

func decodeJSON(body []byte) (any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("rewrite_body json: decode: %w", err)
	}
	return doc, nil
}

func encodeJSON(doc any) ([]byte, error) {
	return json.Marshal(doc)
}

// navigate walks all but the last segment of segs, creating intermediate
// maps as needed (a missing list index is an error, not created), and
// returns the container holding the final segment plus that segment.
func navigate(doc any, segs []jsonPathSeg, create bool) (any, jsonPathSeg, any, error) {
	if len(segs) == 0 {
		return nil, jsonPathSeg{}, nil, fmt.Errorf("rewrite_body json: empty path")
	}
	cur := doc
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		next, err := step(cur, seg, create)
		if err != nil {
			return nil, jsonPathSeg{}, nil, err
		}
		cur = next
	}
	return nil, segs[len(segs)-1], cur, nil
}

func step(cur any, seg jsonPathSeg, create bool) (any, error) {
	if seg.isIdx {
		arr, ok := cur.([]any)
		if !ok {
			return nil, fmt.Errorf("rewrite_body json: expected array at index %d", seg.index)
		}
		if seg.index < 0 || seg.index >= len(arr) {
			return nil, fmt.Errorf("rewrite_body json: index %d out of range", seg.index)
		}
		return arr[seg.index], nil
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rewrite_body json: expected object at key %q", seg.key)
	}
	v, present := m[seg.key]
	if !present {
		if !create {
			return nil, fmt.Errorf("rewrite_body json: missing key %q", seg.key)
		}
		v = map[string]any{}
		m[seg.key] = v
	}
	return v, nil
}

func setJSONPath(doc any, segs []jsonPathSeg, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	_, last, container, err := navigate(doc, segs, true)
	if err != nil {
		return nil, err
	}
	if err := assign(container, last, value); err != nil {
		return nil, err
	}
	return doc, nil
}

func deleteJSONPath(doc any, segs []jsonPathSeg) (any, error) {
	if len(segs) == 0 {
		return doc, nil
	}
	_, last, container, err := navigate(doc, segs, false)
	if err != nil {
		// Deleting a non-existent path is a no-op, not an error.
		return doc, nil
	}
	if last.isIdx {
		arr, ok := container.([]any)
		if !ok || last.index < 0 || last.index >= len(arr) {
			return doc, nil
		}
		// Leave a hole rather than reindexing, so sibling indices
		// referenced by later modifications stay stable.
		arr[last.index] = nil
		return doc, nil
	}
	if m, ok := container.(map[string]any); ok {
		delete(m, last.key)
	}
	return doc, nil
}

func appendJSONPath(doc any, segs []jsonPathSeg, value any) (any, error) {
	if len(segs) == 0 {
		return doc, nil
	}
	_, last, container, err := navigate(doc, segs, true)
	if err != nil {
		return nil, err
	}
	if last.isIdx {
		return nil, fmt.Errorf("rewrite_body json: append target must be an object key, not an index")
	}
	m, ok := container.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rewrite_body json: expected object for append target %q", last.key)
	}
	existing, _ := m[last.key].([]any)
	m[last.key] = append(existing, value)
	return doc, nil
}

func assign(container any, seg jsonPathSeg, value any) error {
	if seg.isIdx {
		arr, ok := container.([]any)
		if !ok || seg.index < 0 || seg.index >= len(arr) {
			return fmt.Errorf("rewrite_body json: index %d out of range for assignment", seg.index)
		}
		arr[seg.index] = value
		return nil
	}
	m, ok := container.(map[string]any)
	if !ok {
		return fmt.Errorf("rewrite_body json: expected object for key %q", seg.key)
	}
	m[seg.key] = value
	return nil
}
