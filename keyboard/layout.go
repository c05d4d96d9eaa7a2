// Package keyboard holds keyboard layouts used to synthesize key events.
package keyboard

// ModifierKey is a key modifier like ALT, CTRL, or Shift. The bits match the
// modifiers field of Input.dispatchKeyEvent.
type ModifierKey int64

const (
	// ModifierKeyAlt is the ALT key modifier.
	ModifierKeyAlt ModifierKey = 1 << iota
	// ModifierKeyControl is the CTRL key modifier.
	ModifierKeyControl
	// ModifierKeyMeta is the meta key modifier.
	ModifierKeyMeta
	// ModifierKeyShift is the Shift key modifier.
	ModifierKeyShift
)

// Key is either a key code such as "KeyA" or a key value such as "a", "A"
// or "Enter".
type Key string

const locationNumpad = 3

// Definition describes one physical key.
type Definition struct {
	Code         string
	Key          string
	KeyCode      int64
	ShiftKey     string
	ShiftKeyCode int64
	Text         string
	Location     int64
}

// Layout is a keyboard layout such as "us". Keys are indexed by code, by
// key value and by shifted key value.
type Layout struct {
	Name string
	Keys map[Key]Definition

	byKey      map[string]Key
	byShiftKey map[string]Key
}

func newLayout(name string, defs []Definition) Layout {
	l := Layout{
		Name:       name,
		Keys:       make(map[Key]Definition, len(defs)),
		byKey:      make(map[string]Key, len(defs)),
		byShiftKey: make(map[string]Key),
	}
	for _, d := range defs {
		code := Key(d.Code)
		l.Keys[code] = d
		// keypad keys are only reachable by code.
		if d.Location == locationNumpad {
			continue
		}
		if _, ok := l.byKey[d.Key]; !ok {
			l.byKey[d.Key] = code
		}
		if d.ShiftKey != "" {
			if _, ok := l.byShiftKey[d.ShiftKey]; !ok {
				l.byShiftKey[d.ShiftKey] = code
			}
		}
	}
	return l
}

// lookup finds key by code, then by key value, then by shifted key value.
// shifted reports whether key is only reachable with shift.
func (l Layout) lookup(key Key) (d Definition, shifted, ok bool) {
	if d, ok := l.Keys[key]; ok {
		return d, false, true
	}
	if code, ok := l.byKey[string(key)]; ok {
		return l.Keys[code], false, true
	}
	if code, ok := l.byShiftKey[string(key)]; ok {
		return l.Keys[code], true, true
	}
	return Definition{}, false, false
}

// IsValidKey reports whether the layout knows key.
func (l Layout) IsValidKey(key Key) bool {
	_, _, ok := l.lookup(key)
	return ok
}

// ModifiedKeyDefinition returns the definition of key as typed with the
// modifiers m. Unknown keys yield a definition with only Code set.
func (l Layout) ModifiedKeyDefinition(key Key, m ModifierKey) Definition {
	src, shifted, ok := l.lookup(key)
	if !ok {
		return Definition{Code: string(key)}
	}
	shift := m&ModifierKeyShift != 0 || shifted

	def := Definition{
		Code:     src.Code,
		Key:      src.Key,
		KeyCode:  src.KeyCode,
		Text:     src.Text,
		Location: src.Location,
	}
	if def.Text == "" && len([]rune(src.Key)) == 1 {
		def.Text = src.Key
	}
	if shift && src.ShiftKey != "" {
		def.Key = src.ShiftKey
		def.Text = src.ShiftKey
	}
	if shift && src.ShiftKeyCode != 0 {
		def.KeyCode = src.ShiftKeyCode
	}
	// only shift keeps the text, other modifiers turn the key into a shortcut.
	if m&^ModifierKeyShift != 0 {
		def.Text = ""
	}

	return def
}

// ModifierBitFromKey returns the modifier bit of a modifier key value.
func (l Layout) ModifierBitFromKey(key string) ModifierKey {
	switch key {
	case "Alt":
		return ModifierKeyAlt
	case "Control":
		return ModifierKeyControl
	case "Meta":
		return ModifierKeyMeta
	case "Shift":
		return ModifierKeyShift
	}

	return 0
}
