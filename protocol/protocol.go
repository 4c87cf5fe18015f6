// Package protocol defines the line-JSON protocol between the unprivileged
// daemon and the privileged helper. One request line yields exactly one
// response line, in order; there are no request IDs and no pipelining.
package protocol

import (
	"encoding/json"
	"fmt"

	"fanctl-go/errcode"
)

// Command names.
const (
	CmdGetStatus       = "get_status"
	CmdGetHardwareInfo = "get_hardware_info"
	CmdSetCoolerBoost  = "set_cooler_boost"
	CmdSetFanSpeed     = "set_fan_speed"
	CmdSetFanMode      = "set_fan_mode"
	CmdShutdown        = "shutdown"
)

// Request is a tagged command. Parameter fields are pointers so a missing
// parameter is distinguishable from a zero value.
type Request struct {
	Cmd     string `json:"cmd"`
	Enabled *bool  `json:"enabled,omitempty"` // set_cooler_boost
	Percent *int   `json:"percent,omitempty"` // set_fan_speed, 0-100
	Mode    string `json:"mode,omitempty"`    // set_fan_mode: auto|silent|advanced
}

// Status is the fan/thermal snapshot. It is produced whole on every
// successful query; there is no partial update.
type Status struct {
	CPUTempC     uint8  `json:"cpu_temp_c"`
	GPUTempC     uint8  `json:"gpu_temp_c"`
	CPUFanDuty   uint8  `json:"cpu_fan_duty"` // 0-150, 150 = 100% duty
	GPUFanDuty   uint8  `json:"gpu_fan_duty"`
	CPUFanRPM    uint16 `json:"cpu_fan_rpm"` // raw tachometer, 0 if unreadable
	GPUFanRPM    uint16 `json:"gpu_fan_rpm"`
	CoolerBoost  bool   `json:"cooler_boost"`
	FanMode      string `json:"fan_mode"`
	ReadOnly     bool   `json:"read_only"` // EC opened without write support
}

// HardwareInfo is the static identity payload, queried once per session.
type HardwareInfo struct {
	CPUModel string `json:"cpu_model"`
	GPUModel string `json:"gpu_model"`
}

// Response is either a payload or a structured failure with a stable code.
type Response struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
	Status  *Status       `json:"status,omitempty"`
	Info    *HardwareInfo `json:"info,omitempty"`
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

func GetStatus() Request       { return Request{Cmd: CmdGetStatus} }
func GetHardwareInfo() Request { return Request{Cmd: CmdGetHardwareInfo} }
func Shutdown() Request        { return Request{Cmd: CmdShutdown} }

func SetCoolerBoost(enabled bool) Request {
	return Request{Cmd: CmdSetCoolerBoost, Enabled: &enabled}
}

func SetFanSpeed(percent int) Request {
	return Request{Cmd: CmdSetFanSpeed, Percent: &percent}
}

func SetFanMode(mode string) Request {
	return Request{Cmd: CmdSetFanMode, Mode: mode}
}

// OKResponse is the bare acknowledgement for control commands.
func OKResponse(message string) Response {
	return Response{OK: true, Message: message}
}

// ErrResponse classifies err into a failure response.
func ErrResponse(err error) Response {
	return Response{OK: false, Error: string(errcode.Of(err)), Message: err.Error()}
}

// Err converts a failure response back into a classified error.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	code := errcode.Code(r.Error)
	if code == "" {
		code = errcode.Error
	}
	return &errcode.E{C: code, Op: "helper", Msg: r.Message}
}

// -----------------------------------------------------------------------------
// Validation and line codec
// -----------------------------------------------------------------------------

// Validate checks command shape before execution.
func (r Request) Validate() error {
	switch r.Cmd {
	case CmdGetStatus, CmdGetHardwareInfo, CmdShutdown:
		return nil
	case CmdSetCoolerBoost:
		if r.Enabled == nil {
			return errcode.New(errcode.ProtocolError, "set_cooler_boost", fmt.Errorf("missing enabled"))
		}
	case CmdSetFanSpeed:
		if r.Percent == nil {
			return errcode.New(errcode.ProtocolError, "set_fan_speed", fmt.Errorf("missing percent"))
		}
		if *r.Percent < 0 || *r.Percent > 100 {
			return errcode.New(errcode.ProtocolError, "set_fan_speed", fmt.Errorf("percent %d out of range", *r.Percent))
		}
	case CmdSetFanMode:
		switch r.Mode {
		case "auto", "silent", "advanced":
		case "":
			return errcode.New(errcode.ProtocolError, "set_fan_mode", fmt.Errorf("missing mode"))
		default:
			return errcode.New(errcode.ProtocolError, "set_fan_mode", fmt.Errorf("unknown mode %q", r.Mode))
		}
	default:
		return errcode.New(errcode.ProtocolError, "dispatch", fmt.Errorf("unknown command %q", r.Cmd))
	}
	return nil
}

// DecodeRequest parses one line into a validated request.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, errcode.New(errcode.ProtocolError, "decode request", err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse parses one line into a response.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, errcode.New(errcode.ProtocolError, "decode response", err)
	}
	return resp, nil
}

// EncodeLine marshals v and appends the newline terminator.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errcode.New(errcode.ProtocolError, "encode", err)
	}
	return append(b, '\n'), nil
}
