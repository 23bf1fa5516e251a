package jobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
)

/*
JobDescriptor is the serializable reference to the work a job runs: a
registered target type name, a method name, and the ordered, individually
JSON-serialized arguments. The descriptor is pure data; resolving it to an
instance and invoking the method is the execution package's business.

Equality is structural. Two enqueues of the same call produce distinct
jobs with distinct ids; the descriptor never identifies a job.
*/
type JobDescriptor struct {
	Type           string            `json:"type"`
	Method         string            `json:"method"`
	ParameterTypes []string          `json:"parameterTypes,omitempty"`
	Parameters     []json.RawMessage `json:"parameters,omitempty"`
}

// NewJobDescriptor builds a descriptor at the call site, serializing each
// argument with the standard JSON mapper. Arguments must round-trip through
// JSON; temporal, identifier, path and plain value types all do.
func NewJobDescriptor(typeName, method string, args ...any) (JobDescriptor, error) {
	d := JobDescriptor{Type: typeName, Method: method}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return JobDescriptor{}, fmt.Errorf("serialize argument %d of %s.%s: %w", i, typeName, method, err)
		}
		d.Parameters = append(d.Parameters, raw)
		d.ParameterTypes = append(d.ParameterTypes, typeNameOf(a))
	}
	return d, nil
}

func typeNameOf(v any) string {
	if v == nil {
		return ""
	}
	return reflect.TypeOf(v).String()
}

func (d JobDescriptor) Equal(other JobDescriptor) bool {
	if d.Type != other.Type || d.Method != other.Method {
		return false
	}
	if len(d.Parameters) != len(other.Parameters) || len(d.ParameterTypes) != len(other.ParameterTypes) {
		return false
	}
	for i := range d.ParameterTypes {
		if d.ParameterTypes[i] != other.ParameterTypes[i] {
			return false
		}
	}
	for i := range d.Parameters {
		if !bytes.Equal(d.Parameters[i], other.Parameters[i]) {
			return false
		}
	}
	return true
}

func (d JobDescriptor) String() string {
	return fmt.Sprintf("%s.%s(%d args)", d.Type, d.Method, len(d.Parameters))
}

// Hash returns a short stable digest of the descriptor's canonical form.
// Used to derive default recurring-job ids.
func (d JobDescriptor) Hash() string {
	h := sha256.New()
	_, _ = h.Write([]byte(d.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.Method))
	for i := range d.Parameters {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(d.Parameters[i])
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:12]
}

func (d JobDescriptor) clone() JobDescriptor {
	cp := d
	if d.ParameterTypes != nil {
		cp.ParameterTypes = append([]string(nil), d.ParameterTypes...)
	}
	if d.Parameters != nil {
		cp.Parameters = make([]json.RawMessage, len(d.Parameters))
		for i := range d.Parameters {
			cp.Parameters[i] = append(json.RawMessage(nil), d.Parameters[i]...)
		}
	}
	return cp
}
