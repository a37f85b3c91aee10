package types

import "encoding/json"

// ApplyPatch performs the read-modify-write merge spec.md §4.1 describes for
// update_summary/update_run_state: dst is marshaled to a generic map, patch
// keys are overlaid on top (fields absent from patch are left untouched),
// and the result is unmarshaled back into dst. dst must be a pointer.
func ApplyPatch(dst any, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	raw, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return err
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, dst)
}
