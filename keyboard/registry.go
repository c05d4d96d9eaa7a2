package keyboard

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultLayout is the layout used for unknown languages.
const DefaultLayout = "us"

//nolint:gochecknoglobals
var (
	layouts = make(map[string]Layout)
	mu      sync.RWMutex
)

// LayoutFor returns the layout registered with name. A language tag such as
// "en-US" is matched by its region, and unknown names fall back to
// DefaultLayout.
func LayoutFor(name string) Layout {
	mu.RLock()
	defer mu.RUnlock()

	name = strings.ToLower(name)
	if l, ok := layouts[name]; ok {
		return l
	}
	if i := strings.LastIndexAny(name, "-_"); i >= 0 {
		if l, ok := layouts[name[i+1:]]; ok {
			return l
		}
	}
	return layouts[DefaultLayout]
}

// register panics if a layout with the same name is already registered.
func register(name string, defs []Definition) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := layouts[name]; ok {
		panic(fmt.Sprintf("keyboard layout already registered: %s", name))
	}
	layouts[name] = newLayout(name, defs)
}
