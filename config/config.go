// Package config loads the settings of a simulation run from defaults, an
// optional YAML file and FTLSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftl"
	"github.com/sarchlab/ftl/workload"
)

// EnvPrefix prefixes the environment variables that override settings. A
// nested key such as ftl.pool_size is read from FTLSIM_FTL_POOL_SIZE.
const EnvPrefix = "FTLSIM"

// FileName is the name of the configuration file, without extension.
const FileName = "ftlsim"

// LatencyConfig sets how many polling intervals each command keeps a bank
// busy.
type LatencyConfig struct {
	Read    uint64 `mapstructure:"read"`
	Program uint64 `mapstructure:"program"`
	Erase   uint64 `mapstructure:"erase"`
}

// DeviceConfig describes the simulated NAND device and DRAM.
type DeviceConfig struct {
	Geometry  flash.Geometry  `mapstructure:"geometry"`
	Latency   LatencyConfig   `mapstructure:"latency"`
	BadBlocks []nand.BadBlock `mapstructure:"bad_blocks"`
	DRAMBytes int             `mapstructure:"dram_bytes"`
}

// RecordingConfig controls the SQLite recording of a run.
type RecordingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the database file name without extension. Empty picks a
	// unique name.
	Path string `mapstructure:"path"`

	// Trace records every task and flash command, not only the summary.
	Trace bool `mapstructure:"trace"`
}

// MonitoringConfig controls the monitoring web server.
type MonitoringConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Port        int  `mapstructure:"port"`
	OpenBrowser bool `mapstructure:"open_browser"`
}

// Config holds every setting of a run.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Verify     bool             `mapstructure:"verify"`
	Device     DeviceConfig     `mapstructure:"device"`
	FTL        ftl.Config       `mapstructure:"ftl"`
	Workload   workload.Config  `mapstructure:"workload"`
	Recording  RecordingConfig  `mapstructure:"recording"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		LogLevel: "warning",
		Verify:   true,
		Device: DeviceConfig{
			Geometry: flash.Geometry{
				NumBanks:      4,
				BlocksPerBank: 64,
				PagesPerBlock: 32,
			},
			Latency: LatencyConfig{
				Read:    2,
				Program: 8,
				Erase:   16,
			},
			DRAMBytes: 8 << 20,
		},
		FTL:      ftl.DefaultConfig(),
		Workload: workload.DefaultConfig(),
	}
}

// New creates a viper instance that knows every key, looks for ftlsim.yaml
// in the given directories and reads FTLSIM_* variables.
func New(searchPaths ...string) *viper.Viper {
	v := viper.New()

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("verify", d.Verify)

	v.SetDefault("device.geometry.num_banks", d.Device.Geometry.NumBanks)
	v.SetDefault("device.geometry.blocks_per_bank",
		d.Device.Geometry.BlocksPerBank)
	v.SetDefault("device.geometry.pages_per_block",
		d.Device.Geometry.PagesPerBlock)
	v.SetDefault("device.latency.read", d.Device.Latency.Read)
	v.SetDefault("device.latency.program", d.Device.Latency.Program)
	v.SetDefault("device.latency.erase", d.Device.Latency.Erase)
	v.SetDefault("device.dram_bytes", d.Device.DRAMBytes)

	v.SetDefault("ftl.num_lpns", d.FTL.NumLPNs)
	v.SetDefault("ftl.pool_size", d.FTL.PoolSize)
	v.SetDefault("ftl.write_buffer_slots", d.FTL.WriteBufferSlots)
	v.SetDefault("ftl.cmt.probation_capacity", d.FTL.CMT.ProbationCapacity)
	v.SetDefault("ftl.cmt.protected_capacity", d.FTL.CMT.ProtectedCapacity)
	v.SetDefault("ftl.buffer_cache.probation_capacity",
		d.FTL.BufferCache.ProbationCapacity)
	v.SetDefault("ftl.buffer_cache.protected_capacity",
		d.FTL.BufferCache.ProtectedCapacity)

	v.SetDefault("workload.pattern", string(d.Workload.Pattern))
	v.SetDefault("workload.num_ios", d.Workload.NumIOs)
	v.SetDefault("workload.start_sector", d.Workload.StartSector)
	v.SetDefault("workload.sectors_per_io", d.Workload.SectorsPerIO)
	v.SetDefault("workload.read_ratio", d.Workload.ReadRatio)
	v.SetDefault("workload.align_random_starts",
		d.Workload.AlignRandomStarts)
	v.SetDefault("workload.seed", d.Workload.Seed)

	v.SetDefault("recording.enabled", d.Recording.Enabled)
	v.SetDefault("recording.path", d.Recording.Path)
	v.SetDefault("recording.trace", d.Recording.Trace)

	v.SetDefault("monitoring.enabled", d.Monitoring.Enabled)
	v.SetDefault("monitoring.port", d.Monitoring.Port)
	v.SetDefault("monitoring.open_browser", d.Monitoring.OpenBrowser)
}

// LoadDotEnv loads environment variables from .env files. Missing files are
// skipped; variables already set are kept.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}

	return nil
}

// Load reads the configuration file, if any, and returns the merged
// settings.
func Load(v *viper.Viper) (Config, error) {
	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config

	err = v.Unmarshal(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the settings describe a run that can be built.
func (c Config) Validate() error {
	_, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	g := c.Device.Geometry

	err = g.Validate()
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}

	for _, bb := range c.Device.BadBlocks {
		if bb.Bank < 0 || bb.Bank >= g.NumBanks ||
			int(bb.Block) >= g.BlocksPerBank {
			return fmt.Errorf("device: bad block %d of bank %d is out of range",
				bb.Block, bb.Bank)
		}
	}

	err = c.FTL.Validate(g)
	if err != nil {
		return fmt.Errorf("ftl: %w", err)
	}

	need := c.FTL.DRAMBytes(g)
	if c.Device.DRAMBytes < need {
		return fmt.Errorf("device: %d bytes of DRAM, the FTL needs %d",
			c.Device.DRAMBytes, need)
	}

	err = c.Workload.Validate()
	if err != nil {
		return fmt.Errorf("workload: %w", err)
	}

	if c.Monitoring.Port != 0 && !c.Monitoring.Enabled {
		return errors.New("monitor port cannot be set when monitoring is " +
			"disabled")
	}

	return nil
}
