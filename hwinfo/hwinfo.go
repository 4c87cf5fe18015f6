// Package hwinfo probes static machine identity for the hardware-info
// query: CPU brand string and the GPU model, preferring a discrete
// NVIDIA/AMD part over the integrated one. Everything here is best-effort;
// a probe failure degrades to a generic label, never to an error, since
// identity is cosmetic and must not disturb fan control.
package hwinfo

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"fanctl-go/protocol"
)

const (
	unknownCPU = "Unknown CPU"
	unknownGPU = "Discrete Graphics"

	// probeTimeout bounds the whole probe. The helper serves requests one at
	// a time, so a wedged lspci would otherwise stall the response stream
	// past the daemon's request timeout and cost the session.
	probeTimeout = time.Second
)

// Probe collects the hardware identity snapshot.
func Probe(ctx context.Context) protocol.HardwareInfo {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	info := protocol.HardwareInfo{CPUModel: unknownCPU, GPUModel: unknownGPU}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 && cpus[0].ModelName != "" {
		info.CPUModel = cpus[0].ModelName
	}

	out, err := exec.CommandContext(ctx, "lspci").Output()
	if err == nil {
		if gpu := ParseGPUModel(string(out)); gpu != "" {
			info.GPUModel = gpu
		}
	}
	return info
}

// ParseGPUModel extracts a GPU model name from lspci output. Discrete
// vendors win over integrated; the bracketed marketing name is preferred
// when present, eg.
//
//	01:00.0 VGA compatible controller: NVIDIA Corporation TU116M [GeForce GTX 1660 Ti Mobile]
func ParseGPUModel(lspci string) string {
	var fallback string
	for _, line := range strings.Split(lspci, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "vga") && !strings.Contains(lower, "3d controller") {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		model := strings.TrimSpace(line[idx+2:])
		if open := strings.LastIndexByte(model, '['); open >= 0 {
			if end := strings.LastIndexByte(model, ']'); end > open {
				model = strings.TrimSpace(model[open+1 : end])
			}
		}
		if model == "" {
			continue
		}
		if strings.Contains(lower, "nvidia") || strings.Contains(lower, "amd") || strings.Contains(lower, "radeon") {
			return model
		}
		if fallback == "" {
			fallback = model
		}
	}
	return fallback
}
