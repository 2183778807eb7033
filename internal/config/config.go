package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Backend      BackendConfig
	Capture      CaptureConfig
	Recording    RecordingConfig
	Thresholds   ThresholdsConfig
	Upload       UploadConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type BackendConfig struct {
	URL        string
	Token      string
	DeviceName string
}

type CaptureConfig struct {
	// Source is "ffmpeg" or "synthetic".
	Source     string
	FFmpegPath string
	// VideoInput and AudioInput are ffmpeg input arguments, split on spaces.
	VideoInput string
	AudioInput string
	Width      int
	Height     int
	FPS        int

	// Region restricts motion scoring to a window of the scaled frame in
	// pixels. Zero width and height score the full frame.
	RegionX      int
	RegionY      int
	RegionWidth  int
	RegionHeight int
	// MaxBrightnessDelta zeroes the motion score of frames whose mean
	// per-pixel channel delta exceeds it (exposure jumps); 0 disables.
	MaxBrightnessDelta float64
	// MinMotionScore zeroes motion scores below it.
	MinMotionScore float64
	// DiffThreshold is the summed R+G+B delta for a pixel to count as changed.
	DiffThreshold int
	// MotionTrigger and AudioTrigger are the live trigger gate thresholds.
	MotionTrigger float64
	AudioTrigger  float64
}

type RecordingConfig struct {
	ClipDuration         time.Duration
	SamplingInterval     time.Duration
	MotionEventThreshold float64
}

type ThresholdsConfig struct {
	MotionDelta          float64
	MotionAbsolute       float64
	AudioDeltaEnabled    bool
	AudioDelta           float64
	AudioAbsoluteEnabled bool
	AudioAbsolute        float64
}

type UploadConfig struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Retries      int
	RetryDelay   time.Duration
}

type ConnectivityConfig struct {
	CheckInterval time.Duration
}

type LogConfig struct {
	Level string
}

const (
	SourceFFmpeg    = "ffmpeg"
	SourceSynthetic = "synthetic"
)

func defaults() Config {
	host, _ := os.Hostname()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Backend: BackendConfig{
			DeviceName: host,
		},
		Capture: CaptureConfig{
			Source:     SourceFFmpeg,
			FFmpegPath: "ffmpeg",
			VideoInput: "-f v4l2 -i /dev/video0",
			AudioInput: "-f alsa -i default",
			Width:      160,
			Height:     120,
			FPS:        4,

			DiffThreshold: 60,
			MotionTrigger: 0.1,
			AudioTrigger:  0.2,
		},
		Recording: RecordingConfig{
			ClipDuration:         10 * time.Second,
			SamplingInterval:     200 * time.Millisecond,
			MotionEventThreshold: 0.05,
		},
		Thresholds: ThresholdsConfig{
			MotionDelta:    0.02,
			MotionAbsolute: 0.1,
			AudioDelta:     0.05,
			AudioAbsolute:  0.2,
		},
		Upload: UploadConfig{
			PollInterval: 30 * time.Second,
			BackoffBase:  5 * time.Second,
			BackoffMax:   10 * time.Minute,
			Retries:      2,
			RetryDelay:   500 * time.Millisecond,
		},
		Connectivity: ConnectivityConfig{
			CheckInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend, environment variables
// and the secrets file.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/clipwatch/config.json.
// A .env file in the working directory or next to config.json is loaded into
// the environment first; variables already set win. Environment variables
// (CLIPWATCH_*) override file values.
func Load() (Config, error) {
	loadDotEnv()
	return loadWith(newFileBackend(FilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secrets access for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Capture.Source {
	case SourceFFmpeg, SourceSynthetic:
	default:
		errs = append(errs, fmt.Errorf("capture.source %q: want %q or %q", c.Capture.Source, SourceFFmpeg, SourceSynthetic))
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 || c.Capture.FPS <= 0 {
		errs = append(errs, fmt.Errorf("capture geometry %dx%d@%d must be positive", c.Capture.Width, c.Capture.Height, c.Capture.FPS))
	}
	errs = append(errs, c.Capture.validateGating()...)
	if c.Recording.MotionEventThreshold < 0 || c.Recording.MotionEventThreshold > 1 {
		errs = append(errs, fmt.Errorf("recording.motion_event_threshold %v must be in [0, 1]", c.Recording.MotionEventThreshold))
	}
	if c.Recording.ClipDuration <= 0 {
		errs = append(errs, errors.New("recording.clip_duration must be positive"))
	}
	if c.Upload.BackoffBase <= 0 || c.Upload.BackoffMax < c.Upload.BackoffBase {
		errs = append(errs, errors.New("upload.backoff_base must be positive and not above upload.backoff_max"))
	}
	if c.Upload.Retries < 0 {
		errs = append(errs, errors.New("upload.retries must not be negative"))
	}
	if c.Backend.URL != "" && !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		errs = append(errs, fmt.Errorf("backend.url %q must be an http(s) URL", c.Backend.URL))
	}
	return errors.Join(errs...)
}

func (c CaptureConfig) validateGating() []error {
	var errs []error
	if c.RegionX < 0 || c.RegionY < 0 || c.RegionWidth < 0 || c.RegionHeight < 0 {
		errs = append(errs, errors.New("capture.region values must not be negative"))
	} else if (c.RegionWidth == 0) != (c.RegionHeight == 0) {
		errs = append(errs, errors.New("capture.region.width and capture.region.height must both be set or both be 0"))
	} else if c.RegionWidth > 0 && (c.RegionX+c.RegionWidth > c.Width || c.RegionY+c.RegionHeight > c.Height) {
		errs = append(errs, fmt.Errorf("capture.region %d,%d %dx%d lies outside the %dx%d frame",
			c.RegionX, c.RegionY, c.RegionWidth, c.RegionHeight, c.Width, c.Height))
	}
	if c.MaxBrightnessDelta < 0 || c.MaxBrightnessDelta > 255 {
		errs = append(errs, fmt.Errorf("capture.max_brightness_delta %v must be in [0, 255]", c.MaxBrightnessDelta))
	}
	if c.MinMotionScore < 0 || c.MinMotionScore > 1 {
		errs = append(errs, fmt.Errorf("capture.min_motion_score %v must be in [0, 1]", c.MinMotionScore))
	}
	if c.DiffThreshold < 1 || c.DiffThreshold > 765 {
		errs = append(errs, fmt.Errorf("capture.diff_threshold %d must be in [1, 765]", c.DiffThreshold))
	}
	if c.MotionTrigger <= 0 || c.MotionTrigger > 1 {
		errs = append(errs, fmt.Errorf("capture.motion_trigger %v must be in (0, 1]", c.MotionTrigger))
	}
	if c.AudioTrigger <= 0 || c.AudioTrigger > 1 {
		errs = append(errs, fmt.Errorf("capture.audio_trigger %v must be in (0, 1]", c.AudioTrigger))
	}
	return errs
}

// loadDotEnv loads optional .env files. Missing files are not an error.
func loadDotEnv() {
	for _, p := range []string{".env", filepath.Join(filepath.Dir(FilePath()), ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", p, err)
		}
	}
}
