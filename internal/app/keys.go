package app

import "github.com/nhle/helpdesk/internal/keys"

// KeyMap is the keys package's map, aliased for the root model.
type KeyMap = keys.KeyMap

// DefaultKeyMap delegates to keys.DefaultKeyMap.
func DefaultKeyMap() *KeyMap {
	return keys.DefaultKeyMap()
}
