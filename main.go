package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	rpi "github.com/Jon-Bright/dmapwm/rpi"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var profileName = flag.String("profile", "", "The hardware profile to use: one of pi1, pi2, pi4, legacy or one from -profiles. Empty means detect.")
var profileFile = flag.String("profiles", "", "A YAML file with additional hardware profiles")
var dmaChannel = flag.Int("dma", -1, "The DMA channel to use. -1 means the profile's channel")
var divisor = flag.Uint("divisor", 0, "The divisor from PLLD to the PWM clock. 0 means run the clock at 1 MHz")
var period = flag.Uint("period", 100, "The pacing period, in microseconds")
var samples = flag.Int("samples", 20, "The number of timer samples to take, or words to pace out")
var mode = flag.String("mode", "sample", "What to run: one of sample, paced")
var pin = flag.Int("pin", 18, "The GPIO pin toggled in paced mode")
var pwmPin = flag.Int("pwmpin", -1, "A GPIO pin (12, 18 or 40) to put the pacing PWM out on. -1 means don't")
var verbose = flag.Bool("v", false, "Log every hardware step")
var powerCtrlPin = flag.Int("powerCtrlPin", -1, "A GPIO pin which, when set high, powers whatever the paced pin drives for the length of a run. -1 means no such pin exists.")
var powerStatusPin = flag.Int("powerStatusPin", -1, "A GPIO pin which indicates healthy power. -1 means no such pin exists. Only relevant if powerCtrlPin is specified.")
var powerStatusWait = flag.Duration("powerStatusWait", 2*time.Second, "How long a run waits for a healthy power signal. Only relevant if powerStatusPin is specified and relevant.")

func newLogger() (*zap.Logger, error) {
	if *verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func selectProfile(log *zap.SugaredLogger) (rpi.Profile, error) {
	profiles := make(map[string]rpi.Profile)
	for n, p := range rpi.Profiles {
		profiles[n] = p
	}
	if *profileFile != "" {
		f, err := os.Open(*profileFile)
		if err != nil {
			return rpi.Profile{}, errors.Wrap(err, "couldn't open profiles")
		}
		loaded, err := rpi.LoadProfiles(f)
		f.Close() // Ignore error
		if err != nil {
			return rpi.Profile{}, err
		}
		for n, p := range loaded {
			profiles[n] = p
		}
	}
	if *profileName == "" {
		p, err := rpi.DetectProfile()
		if err != nil {
			return rpi.Profile{}, errors.Wrap(err, "couldn't detect RPi hardware")
		}
		log.Infof("Detected %s", p.Name)
		return p, nil
	}
	p, ok := profiles[strings.ToLower(*profileName)]
	if !ok {
		return rpi.Profile{}, errors.Errorf("unknown profile %q", *profileName)
	}
	return p, nil
}

// runPaced paces words out to pin's set register, one per period. Even words carry the pin's
// mask and odd words are zero, so on a scope the pin goes high on the first write and the run
// length can be read off the gap before it's cleared again.
func runPaced(eng *rpi.Engine, log *zap.SugaredLogger) error {
	err := eng.GPIO().SetOutput(*pin, rpi.PullNone)
	if err != nil {
		return errors.Wrap(err, "couldn't set pin as output")
	}
	eng.GPIO().SetPin(*pin, false) // Ignore error, pin was validated above
	words := make([]uint32, *samples)
	for i := range words {
		if i%2 == 0 {
			words[i] = 1 << uint(*pin%32)
		}
	}
	start := eng.Now()
	p, err := eng.StartPaced(words, rpi.GPIOSet0BusAddr+uint32(*pin/32)*4)
	if err != nil {
		return err
	}
	err = p.Wait()
	log.Infof("Paced %d words in %dus", p.Len(), eng.Now()-start)
	cerr := p.Close()
	if err != nil {
		return err
	}
	eng.GPIO().SetPin(*pin, false) // Ignore error, pin was validated above
	return cerr
}

func runSample(eng *rpi.Engine, log *zap.SugaredLogger) error {
	s, err := eng.Sample(*samples)
	if err != nil {
		return err
	}
	for i, v := range s {
		if i == 0 {
			log.Infof("sample %d: %d", i, v)
			continue
		}
		log.Infof("sample %d: %d (+%d)", i, v, v-s[i-1])
	}
	return nil
}

func main() {
	flag.Parse()
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // Ignore error
	log := logger.Sugar()

	p, err := selectProfile(log)
	if err != nil {
		log.Fatalf("Failed selecting profile: %v", err)
	}
	if *dmaChannel >= 0 {
		p.DMAChannel = *dmaChannel
	}
	cfg := rpi.DefaultConfig(p)
	if *divisor != 0 {
		cfg.ClockDivisor = uint32(*divisor)
	}
	cfg.PeriodMicros = uint32(*period)
	cfg.Logger = logger
	if *powerCtrlPin >= 0 {
		cfg.Power = &rpi.PowerRail{
			CtrlPin:    *powerCtrlPin,
			StatusPin:  *powerStatusPin,
			StatusWait: *powerStatusWait,
		}
	}

	eng, err := rpi.Open(cfg)
	if err != nil {
		log.Fatalf("Failed opening engine: %v", err)
	}
	c := eng.Config()
	log.Infof("Running %s on DMA %d, %d Hz clock, %dus period", *mode, c.Profile.DMAChannel, c.ClockHz(), c.PeriodMicros)

	// A DMA channel left running after we exit keeps writing into memory the firmware will
	// hand to someone else, so a signal only interrupts the run and the Close below does the
	// teardown.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Warnf("Got %v, stopping", s)
		eng.Interrupt()
	}()

	if *pwmPin >= 0 {
		err = eng.GPIO().RoutePWM(*pwmPin)
	}
	if err == nil {
		switch *mode {
		case "sample":
			err = runSample(eng, log)
		case "paced":
			err = runPaced(eng, log)
		default:
			err = errors.Errorf("unrecognized mode: %v", *mode)
		}
	}
	cerr := eng.Close()
	if err != nil {
		log.Fatalf("Failed running %s: %v", *mode, err)
	}
	if cerr != nil {
		log.Fatalf("Failed closing engine: %v", cerr)
	}
}
