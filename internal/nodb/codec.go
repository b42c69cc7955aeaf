// Package nodb persists per-module run state as JSON files (<module>.nodb)
// in the working directory. Writers hold an advisory file lock; readers load
// the file directly and tolerate stale reads.
package nodb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Header keys written next to the module fields.
const (
	TagKey     = "py/object"
	VersionKey = "_schema_version"
	stateKey   = "py/state"
)

// Kind identifies a module on disk.
type Kind struct {
	Module  string   // file stem, e.g. "landuse"
	Tag     string   // current py/object tag
	Legacy  []string // older tags accepted on load
	Version int      // current schema version
}

func (k Kind) accepts(tag string) bool {
	if tag == k.Tag {
		return true
	}
	for _, l := range k.Legacy {
		if l == tag {
			return true
		}
	}
	return false
}

// State is implemented by every module state struct.
type State interface {
	Kind() Kind
}

// StatePtr constrains P to be *T implementing State.
type StatePtr[T any] interface {
	*T
	State
}

// Upgrader is implemented by modules whose schema changed. It receives the
// raw fields of a snapshot written at version from and rewrites them in place.
type Upgrader interface {
	Upgrade(from int, fields map[string]json.RawMessage) error
}

// Encode renders state with its header.
func Encode(s State) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind := s.Kind()
	tag, _ := json.Marshal(kind.Tag)
	version, _ := json.Marshal(kind.Version)
	fields[TagKey] = tag
	fields[VersionKey] = version

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses data into a fresh state, dispatching on the tag and schema
// version. path is only used for error messages.
func Decode[T any, P StatePtr[T]](data []byte, path string) (P, error) {
	state := P(new(T))
	kind := state.Kind()

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &models.CorruptError{Path: path, Err: err}
	}

	var tag string
	if raw, ok := fields[TagKey]; ok {
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, &models.CorruptError{Path: path, Err: err}
		}
	}
	if !kind.accepts(tag) {
		return nil, &models.CorruptError{Path: path, Err: fmt.Errorf("%w: tag %q is not %s", models.ErrUnknownModule, tag, kind.Module)}
	}

	version := 0
	if raw, ok := fields[VersionKey]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, &models.CorruptError{Path: path, Err: err}
		}
	}

	// jsonpickle objects with custom state keep their fields under py/state.
	if raw, ok := fields[stateKey]; ok {
		nested := make(map[string]json.RawMessage)
		if err := json.Unmarshal(raw, &nested); err == nil {
			for k, v := range nested {
				if _, exists := fields[k]; !exists {
					fields[k] = v
				}
			}
		}
		delete(fields, stateKey)
	}
	delete(fields, TagKey)
	delete(fields, VersionKey)

	// Unversioned snapshots store attributes with a leading underscore.
	if version == 0 {
		for k, v := range fields {
			bare := strings.TrimLeft(k, "_")
			if bare == k || bare == "" {
				continue
			}
			if _, exists := fields[bare]; !exists {
				fields[bare] = v
			}
			delete(fields, k)
		}
	}

	if version < kind.Version {
		if up, ok := any(state).(Upgrader); ok {
			if err := up.Upgrade(version, fields); err != nil {
				return nil, &models.CorruptError{Path: path, Err: fmt.Errorf("upgrade from v%d: %w", version, err)}
			}
		}
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, &models.CorruptError{Path: path, Err: err}
	}
	if err := json.Unmarshal(body, state); err != nil {
		return nil, &models.CorruptError{Path: path, Err: err}
	}
	return state, nil
}

// Stub returns a plain map projection of s without the header.
func Stub(s State) (map[string]interface{}, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RenameField moves fields[from] to fields[to] unless to is already set.
func RenameField(fields map[string]json.RawMessage, from, to string) {
	v, ok := fields[from]
	if !ok {
		return
	}
	delete(fields, from)
	if _, exists := fields[to]; !exists {
		fields[to] = v
	}
}
