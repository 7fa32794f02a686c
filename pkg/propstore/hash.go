package propstore

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// canonicalize marshals a property value to its canonical JSON form and
// digests it. encoding/json emits object keys in sorted order, so equal
// values always produce equal bytes and therefore equal hashes.
func canonicalize(value interface{}) (json.RawMessage, uint64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, 0, fmt.Errorf("value not JSON-representable: %w", err)
	}
	return data, xxhash.Sum64(data), nil
}
