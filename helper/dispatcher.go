// Package helper implements the privileged side of the IPC protocol: a
// long-lived loop that reads one command line, executes it against the EC
// device, and writes exactly one response line. The dispatcher holds no
// state across commands beyond the open device handle — every answer is
// re-derived from hardware, so killing and respawning the helper never
// leaves a half-applied change.
package helper

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"fanctl-go/ec"
	"fanctl-go/errcode"
	"fanctl-go/hwinfo"
	"fanctl-go/protocol"
)

// Dispatcher decodes requests into EC accessor calls, one at a time. It
// never reads the next request before the previous response is flushed.
type Dispatcher struct {
	dev  *ec.Device
	prof *ec.Profile
	in   *bufio.Scanner
	out  *bufio.Writer
}

func New(dev *ec.Device, prof *ec.Profile, in io.Reader, out io.Writer) *Dispatcher {
	return &Dispatcher{
		dev:  dev,
		prof: prof,
		in:   bufio.NewScanner(in),
		out:  bufio.NewWriter(out),
	}
}

// Run serves requests until EOF, a shutdown command, or a write failure on
// the response stream. Malformed input gets a protocol_error response and
// the loop continues — exiting mid-session would force the supervisor
// through a full re-elevation for nothing.
func (d *Dispatcher) Run(ctx context.Context) error {
	for d.in.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := d.in.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			if werr := d.respond(protocol.ErrResponse(err)); werr != nil {
				return werr
			}
			continue
		}

		resp := d.execute(ctx, req)
		if err := d.respond(resp); err != nil {
			return err
		}
		if req.Cmd == protocol.CmdShutdown {
			return nil
		}
	}
	return d.in.Err()
}

func (d *Dispatcher) respond(resp protocol.Response) error {
	line, err := protocol.EncodeLine(resp)
	if err != nil {
		// Marshalling our own response types cannot fail at runtime, but a
		// dropped response would desynchronize the stream for good.
		line = []byte(`{"ok":false,"error":"protocol_error","message":"encode failure"}` + "\n")
	}
	if _, err := d.out.Write(line); err != nil {
		return err
	}
	return d.out.Flush()
}

func (d *Dispatcher) execute(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Cmd {
	case protocol.CmdGetStatus:
		status, err := d.readStatus()
		if err != nil {
			return protocol.ErrResponse(err)
		}
		return protocol.Response{OK: true, Status: status}

	case protocol.CmdGetHardwareInfo:
		info := hwinfo.Probe(ctx)
		return protocol.Response{OK: true, Info: &info}

	case protocol.CmdSetCoolerBoost:
		if err := d.setCoolerBoost(*req.Enabled); err != nil {
			return protocol.ErrResponse(err)
		}
		if *req.Enabled {
			return protocol.OKResponse("cooler boost enabled")
		}
		return protocol.OKResponse("cooler boost disabled")

	case protocol.CmdSetFanSpeed:
		if err := d.setFanSpeed(*req.Percent); err != nil {
			return protocol.ErrResponse(err)
		}
		return protocol.OKResponse(fmt.Sprintf("fan speed set to %d%%", *req.Percent))

	case protocol.CmdSetFanMode:
		mode, err := ec.ParseMode(req.Mode)
		if err != nil {
			return protocol.ErrResponse(errcode.New(errcode.ProtocolError, "set_fan_mode", err))
		}
		if err := d.setFanMode(mode); err != nil {
			return protocol.ErrResponse(err)
		}
		return protocol.OKResponse("fan mode set to " + string(mode))

	case protocol.CmdShutdown:
		return protocol.OKResponse("goodbye")
	}
	// DecodeRequest validated the command; this is unreachable.
	return protocol.ErrResponse(errcode.New(errcode.ProtocolError, "dispatch", fmt.Errorf("unknown command %q", req.Cmd)))
}

// readStatus produces a complete snapshot or fails entirely; callers keep
// their previous snapshot on failure.
func (d *Dispatcher) readStatus() (*protocol.Status, error) {
	p := d.prof
	var s protocol.Status
	var err error

	if s.CPUTempC, err = d.dev.ReadByte(p.CPUTemp); err != nil {
		return nil, err
	}
	if s.GPUTempC, err = d.dev.ReadByte(p.GPUTemp); err != nil {
		return nil, err
	}
	if s.CPUFanDuty, err = d.dev.ReadByte(p.CPUFanDuty); err != nil {
		return nil, err
	}
	if s.GPUFanDuty, err = d.dev.ReadByte(p.GPUFanDuty); err != nil {
		return nil, err
	}
	if s.CPUFanRPM, err = d.dev.ReadWord(p.CPUFanRPM); err != nil {
		return nil, err
	}
	if s.GPUFanRPM, err = d.dev.ReadWord(p.GPUFanRPM); err != nil {
		return nil, err
	}

	boost, err := d.dev.ReadBit(p.CoolerBoost, p.CoolerBoostBit)
	if err != nil {
		return nil, err
	}
	s.CoolerBoost = boost

	modeRaw, err := d.dev.ReadByte(p.FanModeReg)
	if err != nil {
		return nil, err
	}
	if mode, ok := p.ModeFromValue(modeRaw); ok {
		s.FanMode = string(mode)
	} else {
		s.FanMode = fmt.Sprintf("unknown(0x%02x)", modeRaw)
	}

	s.ReadOnly = !d.dev.Writable()
	return &s, nil
}

// setCoolerBoost flips bit 7 of the boost register via RMW and verifies the
// bit took. Fan mode is left untouched; restoring a previous speed after
// disabling boost is the caller's responsibility.
func (d *Dispatcher) setCoolerBoost(enabled bool) error {
	p := d.prof
	if err := d.dev.WriteBit(p.CoolerBoost, p.CoolerBoostBit, enabled); err != nil {
		return err
	}
	got, err := d.dev.ReadBit(p.CoolerBoost, p.CoolerBoostBit)
	if err != nil {
		return err
	}
	if got != enabled {
		return errcode.New(errcode.PartialIO, "set_cooler_boost", fmt.Errorf("write verification failed"))
	}
	return nil
}

// setFanSpeed switches the firmware to advanced mode, then writes the duty
// target for both fans. Each write is a single register store; there is no
// multi-step transaction to roll back.
func (d *Dispatcher) setFanSpeed(percent int) error {
	p := d.prof
	duty := p.DutyFromPercent(percent)

	if err := d.dev.WriteByte(p.FanModeReg, p.ModeAdvancedValue); err != nil {
		return err
	}
	if err := d.dev.WriteByte(p.CPUFanTarget, duty); err != nil {
		return err
	}
	return d.dev.WriteByte(p.GPUFanTarget, duty)
}

// setFanMode writes the mode magic value. Returning to auto also rewrites
// the duty targets to the firmware reset value, so a stale fixed duty can
// never linger behind the firmware's back.
func (d *Dispatcher) setFanMode(mode ec.Mode) error {
	p := d.prof
	value, _ := p.ModeValue(mode)

	if mode == ec.ModeAuto {
		if err := d.dev.WriteByte(p.CPUFanTarget, p.TargetReset); err != nil {
			return err
		}
		if err := d.dev.WriteByte(p.GPUFanTarget, p.TargetReset); err != nil {
			return err
		}
	}
	return d.dev.WriteByte(p.FanModeReg, value)
}
