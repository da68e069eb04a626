package nodeid

import "fmt"

// PDU formats below this value carry a destination address
const pdu1Limit = 240

// Ids above this value are passed through unchanged (legacy CCP band)
const legacyBand uint32 = 0x1FFFFF00

// J1939Id is the 29 bit J1939 identifier split into its fields
type J1939Id struct {
	Priority    uint8 // bits 26-28
	Reserved    uint8 // bit 25
	DataPage    uint8 // bit 24
	PduFormat   uint8 // bits 16-23
	PduSpecific uint8 // bits 8-15, destination address for PDU1
	Source      uint8 // bits 0-7
}

func UnpackJ1939(id uint32) J1939Id {
	return J1939Id{
		Priority:    uint8((id >> 26) & 0x7),
		Reserved:    uint8((id >> 25) & 0x1),
		DataPage:    uint8((id >> 24) & 0x1),
		PduFormat:   uint8(id >> 16),
		PduSpecific: uint8(id >> 8),
		Source:      uint8(id),
	}
}

func (j J1939Id) Pack() uint32 {
	return uint32(j.Priority&0x7)<<26 |
		uint32(j.Reserved&0x1)<<25 |
		uint32(j.DataPage&0x1)<<24 |
		uint32(j.PduFormat)<<16 |
		uint32(j.PduSpecific)<<8 |
		uint32(j.Source)
}

// IsPdu1 reports whether the PDU specific field is a destination address
func (j J1939Id) IsPdu1() bool {
	return j.PduFormat < pdu1Limit
}

// PGN of the identifier, the destination is not part of a PDU1 PGN
func (j J1939Id) PGN() uint32 {
	pgn := uint32(j.Reserved)<<17 | uint32(j.DataPage)<<16 | uint32(j.PduFormat)<<8
	if !j.IsPdu1() {
		pgn |= uint32(j.PduSpecific)
	}
	return pgn
}

func (j J1939Id) String() string {
	return fmt.Sprintf("prio %v pgn x%05X dst x%02X src x%02X", j.Priority, j.PGN(), j.PduSpecific, j.Source)
}

// J1939Adjust embeds source and destination addresses into the identifier
// Frames sent to the device use the controller as source, frames from the
// device use the device as source.
func J1939Adjust(id uint32, deviceID uint8, toDevice bool, controllerID uint8) uint32 {
	if id > legacyBand {
		return id
	}
	source, destination := deviceID, controllerID
	if toDevice {
		source, destination = controllerID, deviceID
	}
	j := UnpackJ1939(id)
	if j.IsPdu1() {
		j.PduSpecific = destination
	}
	j.Source = source
	return j.Pack()
}
