package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Attributes is an ordered view of the flat [name1, value1, ...] attribute
// list of a DOM node.
type Attributes struct {
	keys   []string
	values map[string]string
}

// NewAttributes builds Attributes from a flat name/value list. A trailing
// name without value gets an empty value, and a repeated name keeps its
// first position with the last value.
func NewAttributes(flat []string) *Attributes {
	a := &Attributes{values: make(map[string]string, len(flat)/2)}
	for i := 0; i < len(flat); i += 2 {
		var v string
		if i+1 < len(flat) {
			v = flat[i+1]
		}
		a.Set(flat[i], v)
	}
	return a
}

// Set sets name to value, appending name if it is new.
func (a *Attributes) Set(name, value string) {
	if _, ok := a.values[name]; !ok {
		a.keys = append(a.keys, name)
	}
	a.values[name] = value
}

// Get returns the value of name.
func (a *Attributes) Get(name string) (string, bool) {
	if a == nil {
		return "", false
	}
	v, ok := a.values[name]
	return v, ok
}

// Value returns the value of name or an empty string.
func (a *Attributes) Value(name string) string {
	v, _ := a.Get(name)
	return v
}

// Has reports whether name is set.
func (a *Attributes) Has(name string) bool {
	_, ok := a.Get(name)
	return ok
}

// Keys returns the names in document order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.keys...)
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Map returns a copy of the attributes.
func (a *Attributes) Map() map[string]string {
	m := make(map[string]string, a.Len())
	for _, k := range a.Keys() {
		m[k] = a.values[k]
	}
	return m
}

// Flat returns the attributes as a flat name/value list.
func (a *Attributes) Flat() []string {
	flat := make([]string, 0, 2*a.Len())
	for _, k := range a.Keys() {
		flat = append(flat, k, a.values[k])
	}
	return flat
}

func (a *Attributes) String() string {
	var sb strings.Builder
	for i, k := range a.Keys() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%q", k, a.values[k])
	}
	return sb.String()
}

// VersionInfo is the reply of the /json/version discovery endpoint. Keys
// without a field end up in Extra.
type VersionInfo struct {
	Browser              string
	ProtocolVersion      string
	UserAgent            string
	V8Version            string
	WebKitVersion        string
	WebSocketDebuggerURL string

	Extra map[string]string
}

var versionInfoKeys = map[string]func(*VersionInfo) *string{
	"Browser":              func(v *VersionInfo) *string { return &v.Browser },
	"Protocol-Version":     func(v *VersionInfo) *string { return &v.ProtocolVersion },
	"User-Agent":           func(v *VersionInfo) *string { return &v.UserAgent },
	"V8-Version":           func(v *VersionInfo) *string { return &v.V8Version },
	"WebKit-Version":       func(v *VersionInfo) *string { return &v.WebKitVersion },
	"webSocketDebuggerUrl": func(v *VersionInfo) *string { return &v.WebSocketDebuggerURL },
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *VersionInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding version info: %w", err)
	}

	*v = VersionInfo{Extra: make(map[string]string)}
	for k, rv := range raw {
		var s string
		if err := json.Unmarshal(rv, &s); err != nil {
			// non string values are kept verbatim.
			s = string(rv)
		}
		if field, ok := versionInfoKeys[k]; ok {
			*field(v) = s
			continue
		}
		v.Extra[k] = s
	}
	return nil
}

// Get looks up a key of the original reply, known or extra.
func (v *VersionInfo) Get(key string) (string, bool) {
	if field, ok := versionInfoKeys[key]; ok {
		return *field(v), true
	}
	s, ok := v.Extra[key]
	return s, ok
}
