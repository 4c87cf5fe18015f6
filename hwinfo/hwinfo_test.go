// hwinfo/hwinfo_test.go
package hwinfo

import (
	"context"
	"testing"
	"time"
)

func TestProbe_BoundedAndNeverEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	info := Probe(ctx)
	if elapsed := time.Since(start); elapsed > probeTimeout+time.Second {
		t.Fatalf("Probe took %v with a dead context", elapsed)
	}
	if info.CPUModel == "" || info.GPUModel == "" {
		t.Errorf("probe degraded to empty labels: %+v", info)
	}
}

func TestParseGPUModel(t *testing.T) {
	tests := []struct {
		name  string
		lspci string
		want  string
	}{
		{
			name: "discrete preferred over integrated",
			lspci: "00:02.0 VGA compatible controller: Intel Corporation CoffeeLake-H GT2 [UHD Graphics 630]\n" +
				"01:00.0 VGA compatible controller: NVIDIA Corporation TU116M [GeForce GTX 1660 Ti Mobile]\n",
			want: "GeForce GTX 1660 Ti Mobile",
		},
		{
			name:  "3d controller line",
			lspci: "01:00.0 3D controller: NVIDIA Corporation GP107M [GeForce GTX 1050 Mobile]\n",
			want:  "GeForce GTX 1050 Mobile",
		},
		{
			name:  "integrated only",
			lspci: "00:02.0 VGA compatible controller: Intel Corporation CoffeeLake-H GT2 [UHD Graphics 630]\n",
			want:  "UHD Graphics 630",
		},
		{
			name:  "no brackets",
			lspci: "01:00.0 VGA compatible controller: Advanced Micro Devices AMD Radeon RX 6700M\n",
			want:  "Advanced Micro Devices AMD Radeon RX 6700M",
		},
		{
			name:  "unrelated devices ignored",
			lspci: "00:1f.3 Audio device: Intel Corporation Cannon Lake PCH cAVS\n",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseGPUModel(tt.lspci); got != tt.want {
				t.Errorf("ParseGPUModel = %q, want %q", got, tt.want)
			}
		})
	}
}
