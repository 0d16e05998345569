// Package record owns the key layout and the JSON encoding of job records.
package record

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// DefaultPrefix is used when no key prefix is configured.
const DefaultPrefix = "pi"

// ErrMalformed is returned when a stored record is not a JSON object.
var ErrMalformed = errors.New("malformed record")

// Keys is the store key layout for one queue namespace.
type Keys struct {
	Queue         string
	Inflight      string
	PayloadPrefix string
	ResultPrefix  string
}

// NewKeys builds the layout under prefix, e.g. "pi:queue", "pi:payload:<id>".
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{
		Queue:         prefix + ":queue",
		Inflight:      prefix + ":inflight",
		PayloadPrefix: prefix + ":payload:",
		ResultPrefix:  prefix + ":result:",
	}
}

func (k Keys) Payload(id types.JobID) string { return k.PayloadPrefix + string(id) }
func (k Keys) Result(id types.JobID) string  { return k.ResultPrefix + string(id) }

// Encode serializes a payload or result. A nil map encodes as {}.
func Encode(p types.Payload) (string, error) {
	if p == nil {
		p = types.Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

// Decode parses a stored record back into a map.
func Decode(raw string) (types.Payload, error) {
	var p types.Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: null", ErrMalformed)
	}
	return p, nil
}

// Failure is the record stored for a job a worker reported as failed.
func Failure(message string) types.Payload {
	return types.Payload{"error": message}
}
