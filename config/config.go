// Package config loads the daemon configuration: paths, cadences, timeouts
// and the EC model profile with optional per-register overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fanctl-go/ec"
)

// Duration parses YAML scalars like "1s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration file.
type Config struct {
	// ECPath is the debugfs io file exposed by the ec_sys kernel module.
	ECPath string `yaml:"ec_path"`
	// HelperPath is the absolute path of the privileged helper binary.
	// pkexec refuses relative paths.
	HelperPath string `yaml:"helper_path"`
	// PkexecPath overrides the elevation broker, normally just "pkexec".
	PkexecPath string `yaml:"pkexec_path"`

	PollInterval   Duration `yaml:"poll_interval"`
	InfoEvery      int      `yaml:"info_refresh_every"` // in poll ticks
	StaleAfter     Duration `yaml:"stale_after"`
	RequestTimeout Duration `yaml:"request_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// Profile selects the base register map by name.
	Profile string `yaml:"profile"`
	// ProfileOverrides patch individual offsets and constants on top of the
	// base profile, for models the default map does not fit.
	ProfileOverrides ProfileOverrides `yaml:"profile_overrides"`
}

// ProfileOverrides mirrors ec.Profile with optional fields. YAML hex scalars
// (0x68) work as-is.
type ProfileOverrides struct {
	CPUTempReg      *uint8 `yaml:"cpu_temp_reg"`
	GPUTempReg      *uint8 `yaml:"gpu_temp_reg"`
	CPUFanDutyReg   *uint8 `yaml:"cpu_fan_duty_reg"`
	GPUFanDutyReg   *uint8 `yaml:"gpu_fan_duty_reg"`
	CPUFanRPMReg    *uint8 `yaml:"cpu_fan_rpm_reg"`
	GPUFanRPMReg    *uint8 `yaml:"gpu_fan_rpm_reg"`
	CoolerBoostReg  *uint8 `yaml:"cooler_boost_reg"`
	CoolerBoostBit  *uint8 `yaml:"cooler_boost_bit"`
	FanModeReg      *uint8 `yaml:"fan_mode_reg"`
	CPUFanTargetReg *uint8 `yaml:"cpu_fan_target_reg"`
	GPUFanTargetReg *uint8 `yaml:"gpu_fan_target_reg"`

	ModeAutoValue     *uint8 `yaml:"mode_auto_value"`
	ModeSilentValue   *uint8 `yaml:"mode_silent_value"`
	ModeAdvancedValue *uint8 `yaml:"mode_advanced_value"`

	DutyMax     *uint8 `yaml:"duty_max"`
	TargetReset *uint8 `yaml:"target_reset"`
	RPMMax      *int   `yaml:"rpm_max"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ECPath == "" {
		c.ECPath = ec.DefaultPath
	}
	if c.HelperPath == "" {
		c.HelperPath = "/usr/libexec/fanctl-helper"
	}
	if c.PkexecPath == "" {
		c.PkexecPath = "pkexec"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(time.Second)
	}
	if c.InfoEvery <= 0 {
		c.InfoEvery = 30
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = Duration(10 * time.Second)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(3 * time.Second)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(60 * time.Second)
	}
	if c.Profile == "" {
		c.Profile = "msi-default"
	}
}

// Load reads and parses path. A missing file yields the defaults, so the
// daemon runs without any configuration present.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Profile != "msi-default" {
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	if c.StaleAfter.Std() < c.PollInterval.Std() {
		return fmt.Errorf("stale_after %s shorter than poll_interval %s", c.StaleAfter.Std(), c.PollInterval.Std())
	}
	return nil
}

// ECProfile resolves the base profile and applies the overrides.
func (c *Config) ECProfile() *ec.Profile {
	p := ec.DefaultProfile()
	o := c.ProfileOverrides

	setU8 := func(dst *uint8, v *uint8) {
		if v != nil {
			*dst = *v
		}
	}
	setU8(&p.CPUTemp, o.CPUTempReg)
	setU8(&p.GPUTemp, o.GPUTempReg)
	setU8(&p.CPUFanDuty, o.CPUFanDutyReg)
	setU8(&p.GPUFanDuty, o.GPUFanDutyReg)
	setU8(&p.CPUFanRPM, o.CPUFanRPMReg)
	setU8(&p.GPUFanRPM, o.GPUFanRPMReg)
	setU8(&p.CoolerBoost, o.CoolerBoostReg)
	setU8(&p.CoolerBoostBit, o.CoolerBoostBit)
	setU8(&p.FanModeReg, o.FanModeReg)
	setU8(&p.CPUFanTarget, o.CPUFanTargetReg)
	setU8(&p.GPUFanTarget, o.GPUFanTargetReg)
	setU8(&p.ModeAutoValue, o.ModeAutoValue)
	setU8(&p.ModeSilentValue, o.ModeSilentValue)
	setU8(&p.ModeAdvancedValue, o.ModeAdvancedValue)
	setU8(&p.DutyMax, o.DutyMax)
	setU8(&p.TargetReset, o.TargetReset)
	if o.RPMMax != nil {
		p.RPMMax = *o.RPMMax
	}
	return p
}
