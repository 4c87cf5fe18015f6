// helper/dispatcher_test.go
package helper

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fanctl-go/ec"
	"fanctl-go/errcode"
	"fanctl-go/protocol"
)

func fakeEC(t *testing.T, image map[uint8]byte) (*ec.Device, string) {
	t.Helper()
	buf := make([]byte, 256)
	for off, v := range image {
		buf[off] = v
	}
	path := filepath.Join(t.TempDir(), "io")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	dev, err := ec.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, path
}

func run(t *testing.T, dev *ec.Device, script ...string) []protocol.Response {
	t.Helper()
	in := strings.NewReader(strings.Join(script, "\n") + "\n")
	var out bytes.Buffer

	d := New(dev, ec.DefaultProfile(), in, &out)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resps []protocol.Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		resp, err := protocol.DecodeResponse(sc.Bytes())
		if err != nil {
			t.Fatalf("bad response line %q: %v", sc.Text(), err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func TestRun_OneResponsePerRequestInOrder(t *testing.T) {
	dev, path := fakeEC(t, map[uint8]byte{
		0x68: 61, 0x80: 55,
		0x71: 75, 0x89: 60,
		0xC8: 0x0B, 0xC9: 0xB8, // 3000
		0xCA: 0x09, 0xCB: 0x60, // 2400
		0x98: 0b0000_0101,
		0xF4: 0x0D,
	})

	resps := run(t, dev,
		`{"cmd":"get_status"}`,
		`this is not json`,
		`{"cmd":"set_cooler_boost","enabled":true}`,
		`{"cmd":"set_fan_speed","percent":50}`,
		`{"cmd":"set_fan_mode","mode":"auto"}`,
		`{"cmd":"get_status"}`,
	)
	if len(resps) != 6 {
		t.Fatalf("got %d responses, want 6", len(resps))
	}

	s := resps[0].Status
	if s == nil || !resps[0].OK {
		t.Fatalf("first response not a status: %+v", resps[0])
	}
	if s.CPUTempC != 61 || s.GPUTempC != 55 || s.CPUFanDuty != 75 || s.CPUFanRPM != 3000 || s.GPUFanRPM != 2400 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if s.CoolerBoost || s.FanMode != "auto" {
		t.Errorf("unexpected boost/mode: %+v", s)
	}

	if resps[1].OK || resps[1].Error != string(errcode.ProtocolError) {
		t.Errorf("malformed line: %+v", resps[1])
	}
	for i := 2; i <= 4; i++ {
		if !resps[i].OK {
			t.Errorf("response %d failed: %+v", i, resps[i])
		}
	}
	if got := resps[5].Status; got == nil || !got.CoolerBoost {
		t.Errorf("boost not visible in final snapshot: %+v", got)
	}

	// Hardware side effects, byte-exact.
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if img[0x98] != 0b1000_0101 {
		t.Errorf("boost register %#08b, want 0b10000101 (low bits preserved)", img[0x98])
	}
	if img[0xF4] != 0x0D {
		t.Errorf("mode register %#02x, want auto (0x0D) after final set_fan_mode", img[0xF4])
	}
	if img[0x72] != 0x80 || img[0x8A] != 0x80 {
		t.Errorf("duty targets %#02x/%#02x, want reset value 0x80 after mode auto", img[0x72], img[0x8A])
	}
}

func TestRun_SetFanSpeedWritesAdvancedModeAndTargets(t *testing.T) {
	dev, path := fakeEC(t, map[uint8]byte{0xF4: 0x0D})

	resps := run(t, dev, `{"cmd":"set_fan_speed","percent":50}`)
	if len(resps) != 1 || !resps[0].OK {
		t.Fatalf("unexpected responses: %+v", resps)
	}

	img, _ := os.ReadFile(path)
	if img[0xF4] != 0x8D {
		t.Errorf("mode register %#02x, want advanced (0x8D)", img[0xF4])
	}
	if img[0x72] != 75 || img[0x8A] != 75 {
		t.Errorf("duty targets %d/%d, want 75/75", img[0x72], img[0x8A])
	}
}

func TestRun_ReadOnlyDeviceRejectsWritesButServesStatus(t *testing.T) {
	dev, path := fakeEC(t, map[uint8]byte{0x68: 50, 0xF4: 0x0D})
	dev.Close()
	dev, err := ec.OpenMode(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	resps := run(t, dev,
		`{"cmd":"set_cooler_boost","enabled":true}`,
		`{"cmd":"get_status"}`,
	)
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	if resps[0].OK || resps[0].Error != string(errcode.AccessDenied) {
		t.Errorf("write on read-only device: %+v", resps[0])
	}
	if !resps[1].OK || resps[1].Status == nil || !resps[1].Status.ReadOnly {
		t.Errorf("status on read-only device: %+v", resps[1])
	}
}

func TestRun_ShutdownStopsTheLoop(t *testing.T) {
	dev, _ := fakeEC(t, nil)

	resps := run(t, dev,
		`{"cmd":"shutdown"}`,
		`{"cmd":"get_status"}`, // must never be read
	)
	if len(resps) != 1 || !resps[0].OK {
		t.Fatalf("unexpected responses after shutdown: %+v", resps)
	}
}

func TestRun_UnknownCommandKeepsHelperAlive(t *testing.T) {
	dev, _ := fakeEC(t, map[uint8]byte{0xF4: 0x0D})

	resps := run(t, dev,
		`{"cmd":"reboot"}`,
		`{"cmd":"get_status"}`,
	)
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	if resps[0].OK || resps[0].Error != string(errcode.ProtocolError) {
		t.Errorf("unknown command: %+v", resps[0])
	}
	if !resps[1].OK {
		t.Errorf("helper did not survive unknown command: %+v", resps[1])
	}
}
