package core

import "encoding/json"

// CanonicalJSON serializes v with lexicographically sorted object keys and
// no whitespace. encoding/json already sorts map[string]any keys when
// marshaling; round-tripping through a generic value gives that ordering
// to struct-typed input too, independent of field declaration order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
