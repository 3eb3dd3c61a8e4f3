package browser

import (
	"fmt"
	"unicode/utf8"

	"github.com/go-rod/rod/lib/input"
)

var namedKeys = map[string]input.Key{
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Enter":      input.Enter,
	"Escape":     input.Escape,
	"Tab":        input.Tab,
	"Backspace":  input.Backspace,
}

// ParseKey maps a key name as used in scenarios ("ArrowUp", "w", ...) to a rod key.
func ParseKey(name string) (input.Key, error) {
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}

	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if r > ' ' && r < utf8.RuneSelf {
			return input.Key(r), nil
		}
	}

	return 0, fmt.Errorf("unsupported key %q", name)
}
