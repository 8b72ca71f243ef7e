package artifact

import (
	"encoding/json"
	"fmt"
)

// Merge applies patch onto base and returns the merged document.
// Top-level keys whose values are objects on both sides are merged one
// level deep; arrays and scalars are replaced wholesale. Keys absent
// from the patch are carried over unchanged, including keys neither
// side has a schema for.
func Merge(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst map[string]any
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("decode base payload: %w", err)
	}
	var src map[string]any
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("decode patch payload: %w", err)
	}
	for k, v := range src {
		pv, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		bv, ok := dst[k].(map[string]any)
		if !ok {
			dst[k] = pv
			continue
		}
		for pk, pvv := range pv {
			bv[pk] = pvv
		}
		dst[k] = bv
	}
	out, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return out, nil
}
