package protocol

import "fmt"

// IndexMap translates a UI index (left to right on screen) into a firmware
// logical index: IndexMap[ui] == fw. It must be a permutation of 0..3.
type IndexMap [NumButtons]int

// LogicalMap is the mapping used by the current firmware. Buttons are stored
// in screen order, so it is the identity; a firmware revision that stores them
// reversed only needs this table changed.
var LogicalMap = IndexMap{0, 1, 2, 3}

// Validate reports whether m is a permutation of 0..3
func (m IndexMap) Validate() error {
	var seen [NumButtons]bool
	for ui, fw := range m {
		if fw < 0 || fw >= NumButtons || seen[fw] {
			return fmt.Errorf("index map %v is not a permutation (ui %d -> %d)", [NumButtons]int(m), ui, fw)
		}
		seen[fw] = true
	}
	return nil
}

// ToFirmware maps a UI index to the firmware logical index
func (m IndexMap) ToFirmware(uiIndex int) (int, error) {
	if uiIndex < 0 || uiIndex >= NumButtons {
		return 0, fmt.Errorf("%w: ui index %d", ErrInvalidIndex, uiIndex)
	}
	return m[uiIndex], nil
}

// ToUI maps a firmware logical index back to the UI index
func (m IndexMap) ToUI(fwIndex int) (int, error) {
	if fwIndex < 0 || fwIndex >= NumButtons {
		return 0, fmt.Errorf("%w: firmware index %d", ErrInvalidIndex, fwIndex)
	}
	for ui, fw := range m {
		if fw == fwIndex {
			return ui, nil
		}
	}
	return 0, fmt.Errorf("%w: firmware index %d not in map", ErrInvalidIndex, fwIndex)
}

// ToFirmware maps a UI index using LogicalMap
func ToFirmware(uiIndex int) (int, error) {
	return LogicalMap.ToFirmware(uiIndex)
}

// ToUI maps a firmware index using LogicalMap
func ToUI(fwIndex int) (int, error) {
	return LogicalMap.ToUI(fwIndex)
}
