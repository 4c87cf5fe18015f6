// ec/registers.go
package ec

import "fmt"

// -----------------------------------------------------------------------------
// Register descriptors
// -----------------------------------------------------------------------------

// Access describes whether a register may be written.
type Access uint8

const (
	ReadOnly Access = iota
	ReadWrite
)

// Decode describes how a register's raw bytes become a value.
type Decode uint8

const (
	Identity      Decode = iota // raw byte is the value
	BitFlag                     // one bit of the byte is a boolean
	BigEndianPair               // two adjacent bytes, high byte first
)

// Register is one named entry in the EC register map. Descriptors are
// immutable after construction; they carry semantics, not I/O.
type Register struct {
	Name   string
	Offset uint8
	Width  uint8 // 1 or 2
	Access Access
	Decode Decode
	Bit    uint8 // bit index for BitFlag decode
}

// -----------------------------------------------------------------------------
// Fan modes
// -----------------------------------------------------------------------------

// Mode is a firmware fan-control mode.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeSilent   Mode = "silent"
	ModeAdvanced Mode = "advanced"
)

// ParseMode validates a wire-level mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeSilent, ModeAdvanced:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown fan mode %q", s)
}

// -----------------------------------------------------------------------------
// Model profile
// -----------------------------------------------------------------------------

// Profile carries the per-model register offsets and constants. The default
// profile matches the reference MSI models; offsets are overridable from
// configuration, never auto-detected.
type Profile struct {
	Name string

	// Read-only telemetry.
	CPUTemp    uint8 // degrees Celsius, raw
	GPUTemp    uint8
	CPUFanDuty uint8 // duty cycle 0..DutyMax
	GPUFanDuty uint8
	CPUFanRPM  uint8 // first byte of a big-endian pair, raw RPM
	GPUFanRPM  uint8

	// Writable control.
	CoolerBoost    uint8 // bit CoolerBoostBit is the enable flag
	CoolerBoostBit uint8 // bits other than this one carry unrelated state
	FanModeReg     uint8
	CPUFanTarget   uint8 // duty target, honored in advanced mode
	GPUFanTarget   uint8

	// Mode register magic values. Opaque enumerated values, not a bitfield.
	ModeAutoValue     byte
	ModeSilentValue   byte
	ModeAdvancedValue byte

	// Constants.
	DutyMax        byte // 150 means 100% duty on the reference model
	TargetReset    byte // firmware value releasing the duty target to auto
	RPMMax         int  // full-scale RPM for the duty-based estimate
}

// DefaultProfile returns the reference MSI model profile.
func DefaultProfile() *Profile {
	return &Profile{
		Name:       "msi-default",
		CPUTemp:    0x68,
		GPUTemp:    0x80,
		CPUFanDuty: 0x71,
		GPUFanDuty: 0x89,
		CPUFanRPM:  0xC8,
		GPUFanRPM:  0xCA,

		CoolerBoost:    0x98,
		CoolerBoostBit: 7,
		FanModeReg:     0xF4,
		CPUFanTarget:   0x72,
		GPUFanTarget:   0x8A,

		ModeAutoValue:     0x0D,
		ModeSilentValue:   0x1D,
		ModeAdvancedValue: 0x8D,

		DutyMax:     150,
		TargetReset: 0x80,
		RPMMax:      6000,
	}
}

// Registers returns the full descriptor table for this profile.
func (p *Profile) Registers() []Register {
	return []Register{
		{Name: "cpu_temp", Offset: p.CPUTemp, Width: 1, Access: ReadOnly, Decode: Identity},
		{Name: "gpu_temp", Offset: p.GPUTemp, Width: 1, Access: ReadOnly, Decode: Identity},
		{Name: "cpu_fan_duty", Offset: p.CPUFanDuty, Width: 1, Access: ReadOnly, Decode: Identity},
		{Name: "gpu_fan_duty", Offset: p.GPUFanDuty, Width: 1, Access: ReadOnly, Decode: Identity},
		{Name: "cpu_fan_rpm", Offset: p.CPUFanRPM, Width: 2, Access: ReadOnly, Decode: BigEndianPair},
		{Name: "gpu_fan_rpm", Offset: p.GPUFanRPM, Width: 2, Access: ReadOnly, Decode: BigEndianPair},
		{Name: "cooler_boost", Offset: p.CoolerBoost, Width: 1, Access: ReadWrite, Decode: BitFlag, Bit: p.CoolerBoostBit},
		{Name: "fan_mode", Offset: p.FanModeReg, Width: 1, Access: ReadWrite, Decode: Identity},
		{Name: "cpu_fan_target", Offset: p.CPUFanTarget, Width: 1, Access: ReadWrite, Decode: Identity},
		{Name: "gpu_fan_target", Offset: p.GPUFanTarget, Width: 1, Access: ReadWrite, Decode: Identity},
	}
}

// ModeValue maps a mode to its register magic value.
func (p *Profile) ModeValue(m Mode) (byte, bool) {
	switch m {
	case ModeAuto:
		return p.ModeAutoValue, true
	case ModeSilent:
		return p.ModeSilentValue, true
	case ModeAdvanced:
		return p.ModeAdvancedValue, true
	}
	return 0, false
}

// ModeFromValue maps a register value back to a mode. Unrecognized values
// report ok=false; callers decide how to present them.
func (p *Profile) ModeFromValue(v byte) (Mode, bool) {
	switch v {
	case p.ModeAutoValue:
		return ModeAuto, true
	case p.ModeSilentValue:
		return ModeSilent, true
	case p.ModeAdvancedValue:
		return ModeAdvanced, true
	}
	return "", false
}

// DutyFromPercent translates a 0-100 percentage to the nearest duty value.
func (p *Profile) DutyFromPercent(percent int) byte {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return p.DutyMax
	}
	return byte((percent*int(p.DutyMax) + 50) / 100)
}

// EstimateRPM converts a duty value to an approximate RPM. This is a linear
// estimate (duty*RPMMax/DutyMax), not a measurement; it is unreliable when
// the firmware masks a tachometer (eg. discrete GPU powered down). Direct
// tachometer reads are authoritative when present.
func (p *Profile) EstimateRPM(duty byte) int {
	return (int(duty)*p.RPMMax + int(p.DutyMax)/2) / int(p.DutyMax)
}

// DisplayRPM selects the RPM to present: a non-zero tachometer reading wins;
// otherwise the duty-based estimate is used and flagged as such.
func (p *Profile) DisplayRPM(tach uint16, duty byte) (rpm int, estimated bool) {
	if tach > 0 {
		return int(tach), false
	}
	return p.EstimateRPM(duty), true
}
