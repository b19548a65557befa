package packet

import "fmt"

// CAL is the closed sum type for unit-management units carried inside a
// PointToPoint packet.
type CAL interface {
	calCommand() byte
}

const (
	calIdentify = 0x10
	calExtended = 0xFA

	reportBinary = 0x00
	reportLevel  = 0x01
)

// Identify requests a unit attribute (see Serial Interface Guide s7.2).
type Identify struct {
	Attribute byte
}

func (Identify) calCommand() byte { return calIdentify }

// ExtendedReport carries a status report for StatusBlockSize groups of a
// child application, starting at BlockStart.
type ExtendedReport struct {
	ChildApp   Application
	BlockStart byte
	Report     Report
}

func (ExtendedReport) calCommand() byte { return calExtended }

// Report is the sum type for the payload of an ExtendedReport: either a
// bitmask of on/off states or a per-group brightness level.
type Report interface {
	reportKind() byte
}

// BinaryReport holds one on/off state per group in the block.
type BinaryReport struct {
	States [StatusBlockSize]bool
}

func (BinaryReport) reportKind() byte { return reportBinary }

// LevelReport holds one level (0-255) per group in the block; a nil entry
// means the group was not present in this block.
type LevelReport struct {
	Levels [StatusBlockSize]*byte
}

func (LevelReport) reportKind() byte { return reportLevel }

func encodeCAL(c CAL) []byte {
	switch v := c.(type) {
	case Identify:
		return []byte{calIdentify, v.Attribute}
	case ExtendedReport:
		out := []byte{calExtended, byte(v.ChildApp), v.BlockStart}
		switch r := v.Report.(type) {
		case BinaryReport:
			out = append(out, reportBinary)
			var mask [4]byte
			for i, on := range r.States {
				if on {
					mask[i/8] |= 1 << uint(i%8)
				}
			}
			out = append(out, mask[:]...)
		case LevelReport:
			// A presence bitmap precedes the level bytes: levels cover the
			// full 0-255 range, so no level value can double as an
			// absent-group sentinel.
			out = append(out, reportLevel)
			var present [4]byte
			for i, lvl := range r.Levels {
				if lvl != nil {
					present[i/8] |= 1 << uint(i%8)
				}
			}
			out = append(out, present[:]...)
			for _, lvl := range r.Levels {
				if lvl == nil {
					out = append(out, 0x00)
				} else {
					out = append(out, *lvl)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func decodeCAL(raw []byte) (CAL, int, error) {
	if len(raw) < 1 {
		return nil, 0, fmt.Errorf("packet: empty CAL")
	}
	switch raw[0] {
	case calIdentify:
		if len(raw) < 2 {
			return nil, 0, fmt.Errorf("packet: truncated identify CAL")
		}
		return Identify{Attribute: raw[1]}, 2, nil
	case calExtended:
		if len(raw) < 4 {
			return nil, 0, fmt.Errorf("packet: truncated extended CAL header")
		}
		childApp := Application(raw[1])
		blockStart := raw[2]
		kind := raw[3]
		switch kind {
		case reportBinary:
			if len(raw) < 8 {
				return nil, 0, fmt.Errorf("packet: truncated binary report")
			}
			var states [StatusBlockSize]bool
			for i := range states {
				states[i] = raw[4+i/8]&(1<<uint(i%8)) != 0
			}
			return ExtendedReport{ChildApp: childApp, BlockStart: blockStart, Report: BinaryReport{States: states}}, 8, nil
		case reportLevel:
			if len(raw) < 8+StatusBlockSize {
				return nil, 0, fmt.Errorf("packet: truncated level report")
			}
			var levels [StatusBlockSize]*byte
			for i := range levels {
				if raw[4+i/8]&(1<<uint(i%8)) == 0 {
					continue
				}
				v := raw[8+i]
				levels[i] = &v
			}
			return ExtendedReport{ChildApp: childApp, BlockStart: blockStart, Report: LevelReport{Levels: levels}}, 8 + StatusBlockSize, nil
		default:
			return nil, 0, fmt.Errorf("packet: unrecognised extended report kind 0x%02X", kind)
		}
	default:
		return nil, 0, fmt.Errorf("packet: unrecognised CAL command byte 0x%02X", raw[0])
	}
}
