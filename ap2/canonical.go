package ap2

import (
	"encoding/base64"
	"encoding/json"
)

// CanonicalJSON marshals v to its canonical form: sorted keys, no
// whitespace, UTF-8. Go's encoding/json already sorts map[string]interface{}
// keys lexicographically when marshaling, so round-tripping v through a
// generic interface{} before the final marshal is sufficient to canonicalize
// any struct, map, or already-decoded JSON value.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func base64StdEncode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
