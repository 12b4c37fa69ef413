package rpi

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"
)

const (
	PERIPH_BASE_RPI  = 0x20000000
	PERIPH_BASE_RPI2 = 0x3f000000
	PERIPH_BASE_RPI4 = 0xfe000000

	PLLD_FREQ     = 500000000 // PLLD on BCM2835/6/7
	PLLD_FREQ_PI4 = 750000000 // PLLD on BCM2711

	REVISION_FILE = "/proc/device-tree/system/linux,revision"
)

// Profile holds everything that differs between hardware generations.
type Profile struct {
	Name       string `yaml:"name"`
	PeriphBase uint32 `yaml:"periph_base"`
	// MemFlags are the MEM_FLAG_* bits passed when allocating DMA memory.
	MemFlags   uint32 `yaml:"mem_flags"`
	PLLDHz     uint32 `yaml:"plld_hz"`
	DMAChannel int    `yaml:"dma_channel"`
	// DisDebugBit is the CS bit that stops the channel pausing when the debugger asks.
	DisDebugBit   uint   `yaml:"dma_disdebug_bit"`
	Priority      uint32 `yaml:"dma_priority"`
	PanicPriority uint32 `yaml:"dma_panic_priority"`
}

var (
	Pi1 = Profile{
		Name:          "pi1",
		PeriphBase:    PERIPH_BASE_RPI,
		MemFlags:      MEM_FLAG_L1_NONALLOCATING,
		PLLDHz:        PLLD_FREQ,
		DMAChannel:    10,
		DisDebugBit:   29,
		Priority:      8,
		PanicPriority: 8,
	}
	Pi2 = Profile{
		Name:          "pi2",
		PeriphBase:    PERIPH_BASE_RPI2,
		MemFlags:      MEM_FLAG_DIRECT,
		PLLDHz:        PLLD_FREQ,
		DMAChannel:    10,
		DisDebugBit:   29,
		Priority:      8,
		PanicPriority: 8,
	}
	Pi4 = Profile{
		Name:          "pi4",
		PeriphBase:    PERIPH_BASE_RPI4,
		MemFlags:      MEM_FLAG_DIRECT,
		PLLDHz:        PLLD_FREQ_PI4,
		DMAChannel:    10,
		DisDebugBit:   29,
		Priority:      8,
		PanicPriority: 8,
	}
	// Legacy is the layout the first version of this engine was brought up with on a Pi 3:
	// channel 6, L1 non-allocating memory and DISDEBUG written at bit 28.
	Legacy = Profile{
		Name:          "legacy",
		PeriphBase:    PERIPH_BASE_RPI2,
		MemFlags:      MEM_FLAG_L1_NONALLOCATING,
		PLLDHz:        PLLD_FREQ,
		DMAChannel:    6,
		DisDebugBit:   28,
		Priority:      8,
		PanicPriority: 8,
	}
)

// Profiles are the built-in profiles by name.
var Profiles = map[string]Profile{
	Pi1.Name:    Pi1,
	Pi2.Name:    Pi2,
	Pi4.Name:    Pi4,
	Legacy.Name: Legacy,
}

// Validate checks that the profile describes hardware this package can drive.
func (p Profile) Validate() error {
	if p.PeriphBase == 0 {
		return newError(ConfigError, "profile "+p.Name, errors.New("no peripheral base"))
	}
	if p.PLLDHz == 0 {
		return newError(ConfigError, "profile "+p.Name, errors.New("no PLLD frequency"))
	}
	if _, err := dmaChannelOffset(p.DMAChannel); err != nil {
		return err
	}
	if p.DisDebugBit > 31 {
		return newError(ConfigError, "profile "+p.Name, errors.Errorf("DISDEBUG bit %d", p.DisDebugBit))
	}
	return nil
}

func (p Profile) dmaCSFlags() uint32 {
	return uint32(1)<<p.DisDebugBit | rpiDmaCsPriority(p.Priority) | rpiDmaCsPanicPriority(p.PanicPriority)
}

// DetectProfile works out which Raspberry Pi we're running on from the device tree.
func DetectProfile() (Profile, error) {
	b, err := ioutil.ReadFile(REVISION_FILE)
	if err != nil {
		return Profile{}, newError(PrivilegeError, "detect hardware", errors.Wrap(err, "couldn't read linux revision file"))
	}
	return profileFromRevisionBytes(b)
}

func profileFromRevisionBytes(b []byte) (Profile, error) {
	if len(b) != 4 {
		return Profile{}, newError(ConfigError, "detect hardware", errors.Errorf("revision file got %d instead of 4 bytes", len(b)))
	}
	var rev uint32
	err := binary.Read(bytes.NewReader(b), binary.BigEndian, &rev)
	if err != nil {
		return Profile{}, newError(ConfigError, "detect hardware", errors.Wrap(err, "somehow couldn't convert 4 bytes to a uint32"))
	}
	return ProfileForRevision(rev)
}

// ProfileForRevision maps a board revision code to a profile. New-style codes (bit 23 set)
// carry the SoC in bits 12-15; old-style codes are all BCM2835.
// https://www.raspberrypi.com/documentation/computers/raspberry-pi.html#raspberry-pi-revision-codes
func ProfileForRevision(rev uint32) (Profile, error) {
	if rev&(1<<23) == 0 {
		if rev >= 0x02 && rev <= 0x15 {
			return Pi1, nil
		}
		return Profile{}, newError(ConfigError, "detect hardware", errors.Errorf("couldn't identify hardware revision %X", rev))
	}
	switch (rev >> 12) & 0xf {
	case 0:
		return Pi1, nil
	case 1, 2:
		return Pi2, nil
	case 3:
		return Pi4, nil
	}
	return Profile{}, newError(ConfigError, "detect hardware", errors.Errorf("unsupported processor in revision %X", rev))
}

// LoadProfiles reads profiles from YAML of the form
//
//	profiles:
//	  - name: mypi
//	    base: pi2
//	    dma_channel: 5
//
// A profile starts as a copy of its base (a built-in) and the keys given override it.
func LoadProfiles(r io.Reader) (map[string]Profile, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, newError(ConfigError, "load profiles", err)
	}
	var f struct {
		Profiles []yaml.MapSlice `yaml:"profiles"`
	}
	err = yaml.Unmarshal(data, &f)
	if err != nil {
		return nil, newError(ConfigError, "load profiles", errors.Wrap(err, "yaml unmarshal failed"))
	}
	out := make(map[string]Profile)
	for i, ms := range f.Profiles {
		var p Profile
		for _, item := range ms {
			if k, _ := item.Key.(string); k == "base" {
				base, _ := item.Value.(string)
				b, ok := Profiles[strings.ToLower(base)]
				if !ok {
					return nil, newError(ConfigError, "load profiles", errors.Errorf("profile %d: unknown base %q", i, base))
				}
				p = b
			}
		}
		raw, err := yaml.Marshal(ms)
		if err != nil {
			return nil, newError(ConfigError, "load profiles", err)
		}
		err = yaml.Unmarshal(raw, &p)
		if err != nil {
			return nil, newError(ConfigError, "load profiles", errors.Wrapf(err, "profile %d", i))
		}
		if p.Name == "" {
			return nil, newError(ConfigError, "load profiles", errors.Errorf("profile %d has no name", i))
		}
		err = p.Validate()
		if err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}

// Config is what an Engine is brought up with.
type Config struct {
	Profile Profile
	// ClockDivisor divides PLLD down to the PWM clock.
	ClockDivisor uint32
	// DREQ is the request line paced chains wait on.
	DREQ uint32
	// PeriodMicros is the pacing period.
	PeriodMicros uint32
	// Power, if set, is switched on for each run.
	Power  *PowerRail
	Logger *zap.Logger
}

// DefaultConfig runs the PWM clock at 1 MHz and paces at 100us.
func DefaultConfig(p Profile) Config {
	return Config{
		Profile:      p,
		ClockDivisor: p.PLLDHz / 1000000,
		DREQ:         DMA_DREQ_PWM,
		PeriodMicros: 100,
	}
}

// ClockHz is the PWM clock the config produces.
func (c Config) ClockHz() uint32 {
	if c.ClockDivisor == 0 {
		return 0
	}
	return c.Profile.PLLDHz / c.ClockDivisor
}
