// Package items is the fixed catalogue of sendable items. The /senditem
// admin command resolves display names against this table; names not in
// the table are rejected before any client state is touched.
package items

import (
	"errors"
	"fmt"
)

var ErrUnknownItem = errors.New("unknown item")

// catalogue maps item display names to their in-game item codes.
var catalogue = map[string]byte{
	"Bow":                       0x0B,
	"Progressive Bow":           0x64,
	"Blue Boomerang":            0x0C,
	"Red Boomerang":             0x2A,
	"Hookshot":                  0x0A,
	"Mushroom":                  0x29,
	"Magic Powder":              0x0D,
	"Fire Rod":                  0x07,
	"Ice Rod":                   0x08,
	"Bombos":                    0x0F,
	"Ether":                     0x10,
	"Quake":                     0x11,
	"Lamp":                      0x12,
	"Hammer":                    0x09,
	"Shovel":                    0x13,
	"Flute":                     0x14,
	"Bug Catching Net":          0x21,
	"Book of Mudora":            0x1D,
	"Bottle":                    0x16,
	"Cane of Somaria":           0x15,
	"Cane of Byrna":             0x18,
	"Cape":                      0x19,
	"Magic Mirror":              0x1A,
	"Pegasus Boots":             0x4B,
	"Power Glove":               0x1B,
	"Titans Mitts":              0x1C,
	"Progressive Glove":         0x61,
	"Flippers":                  0x1E,
	"Moon Pearl":                0x1F,
	"Fighter Sword":             0x49,
	"Master Sword":              0x50,
	"Tempered Sword":            0x02,
	"Golden Sword":              0x03,
	"Progressive Sword":         0x5E,
	"Blue Shield":               0x04,
	"Red Shield":                0x05,
	"Mirror Shield":             0x06,
	"Progressive Shield":        0x5F,
	"Single Arrow":              0x43,
	"Arrows (10)":               0x44,
	"Bomb Upgrade (+5)":         0x51,
	"Arrow Upgrade (+5)":        0x53,
	"Piece of Heart":            0x17,
	"Boss Heart Container":      0x3E,
	"Sanctuary Heart Container": 0x3F,
}

// Lookup resolves an item display name (case-sensitive, as shipped in
// the catalogue) to its item code.
func Lookup(name string) (byte, error) {
	id, ok := catalogue[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownItem, name)
	}
	return id, nil
}

// Known reports whether a display name exists in the catalogue.
func Known(name string) bool {
	_, ok := catalogue[name]
	return ok
}
