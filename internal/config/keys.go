package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CLIPWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "CLIPWATCH_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CLIPWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "backend.url", typ: kString, env: "CLIPWATCH_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.URL },
	},
	{
		key: "backend.token", typ: kString, env: "CLIPWATCH_BACKEND_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Backend.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Token },
	},
	{
		key: "backend.device_name", typ: kString, env: "CLIPWATCH_BACKEND_DEVICE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Backend.DeviceName = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.DeviceName },
	},
	{
		key: "capture.source", typ: kString, env: "CLIPWATCH_CAPTURE_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Capture.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.Source },
	},
	{
		key: "capture.ffmpeg_path", typ: kString, env: "CLIPWATCH_CAPTURE_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Capture.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.FFmpegPath },
	},
	{
		key: "capture.video_input", typ: kString, env: "CLIPWATCH_CAPTURE_VIDEO_INPUT",
		apply:   func(cfg *Config, v any) { cfg.Capture.VideoInput = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.VideoInput },
	},
	{
		key: "capture.audio_input", typ: kString, env: "CLIPWATCH_CAPTURE_AUDIO_INPUT",
		apply:   func(cfg *Config, v any) { cfg.Capture.AudioInput = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.AudioInput },
	},
	{
		key: "capture.width", typ: kInt, env: "CLIPWATCH_CAPTURE_WIDTH",
		apply:   func(cfg *Config, v any) { cfg.Capture.Width = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Width },
	},
	{
		key: "capture.height", typ: kInt, env: "CLIPWATCH_CAPTURE_HEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Capture.Height = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Height },
	},
	{
		key: "capture.fps", typ: kInt, env: "CLIPWATCH_CAPTURE_FPS",
		apply:   func(cfg *Config, v any) { cfg.Capture.FPS = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.FPS },
	},
	{
		key: "capture.region.x", typ: kInt, env: "CLIPWATCH_CAPTURE_REGION_X",
		apply:   func(cfg *Config, v any) { cfg.Capture.RegionX = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.RegionX },
	},
	{
		key: "capture.region.y", typ: kInt, env: "CLIPWATCH_CAPTURE_REGION_Y",
		apply:   func(cfg *Config, v any) { cfg.Capture.RegionY = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.RegionY },
	},
	{
		key: "capture.region.width", typ: kInt, env: "CLIPWATCH_CAPTURE_REGION_WIDTH",
		apply:   func(cfg *Config, v any) { cfg.Capture.RegionWidth = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.RegionWidth },
	},
	{
		key: "capture.region.height", typ: kInt, env: "CLIPWATCH_CAPTURE_REGION_HEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Capture.RegionHeight = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.RegionHeight },
	},
	{
		key: "capture.max_brightness_delta", typ: kFloat, env: "CLIPWATCH_CAPTURE_MAX_BRIGHTNESS_DELTA",
		apply:   func(cfg *Config, v any) { cfg.Capture.MaxBrightnessDelta = v.(float64) },
		extract: func(cfg Config) any { return cfg.Capture.MaxBrightnessDelta },
	},
	{
		key: "capture.min_motion_score", typ: kFloat, env: "CLIPWATCH_CAPTURE_MIN_MOTION_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Capture.MinMotionScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Capture.MinMotionScore },
	},
	{
		key: "capture.diff_threshold", typ: kInt, env: "CLIPWATCH_CAPTURE_DIFF_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Capture.DiffThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.DiffThreshold },
	},
	{
		key: "capture.motion_trigger", typ: kFloat, env: "CLIPWATCH_CAPTURE_MOTION_TRIGGER",
		apply:   func(cfg *Config, v any) { cfg.Capture.MotionTrigger = v.(float64) },
		extract: func(cfg Config) any { return cfg.Capture.MotionTrigger },
	},
	{
		key: "capture.audio_trigger", typ: kFloat, env: "CLIPWATCH_CAPTURE_AUDIO_TRIGGER",
		apply:   func(cfg *Config, v any) { cfg.Capture.AudioTrigger = v.(float64) },
		extract: func(cfg Config) any { return cfg.Capture.AudioTrigger },
	},
	{
		key: "recording.clip_duration", typ: kDuration, env: "CLIPWATCH_RECORDING_CLIP_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Recording.ClipDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Recording.ClipDuration },
	},
	{
		key: "recording.sampling_interval", typ: kDuration, env: "CLIPWATCH_RECORDING_SAMPLING_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Recording.SamplingInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Recording.SamplingInterval },
	},
	{
		key: "recording.motion_event_threshold", typ: kFloat, env: "CLIPWATCH_RECORDING_MOTION_EVENT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Recording.MotionEventThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recording.MotionEventThreshold },
	},
	{
		key: "thresholds.motion_delta", typ: kFloat, env: "CLIPWATCH_THRESHOLDS_MOTION_DELTA",
		apply:   func(cfg *Config, v any) { cfg.Thresholds.MotionDelta = v.(float64) },
		extract: func(cfg Config) any { return cfg.Thresholds.MotionDelta },
	},
	{
		key: "thresholds.motion_absolute", typ: kFloat, env: "CLIPWATCH_THRESHOLDS_MOTION_ABSOLUTE",
		apply:   func(cfg *Config, v any) { cfg.Thresholds.MotionAbsolute = v.(float64) },
		extract: func(cfg Config) any { return cfg.Thresholds.MotionAbsolute },
	},
	{
		key: "thresholds.audio_delta_enabled", typ: kBool, env: "CLIPWATCH_THRESHOLDS_AUDIO_DELTA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Thresholds.AudioDeltaEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Thresholds.AudioDeltaEnabled },
	},
	{
		key: "thresholds.audio_delta", typ: kFloat, env: "CLIPWATCH_THRESHOLDS_AUDIO_DELTA",
		apply:   func(cfg *Config, v any) { cfg.Thresholds.AudioDelta = v.(float64) },
		extract: func(cfg Config) any { return cfg.Thresholds.AudioDelta },
	},
	{
		key: "thresholds.audio_absolute_enabled", typ: kBool, env: "CLIPWATCH_THRESHOLDS_AUDIO_ABSOLUTE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Thresholds.AudioAbsoluteEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Thresholds.AudioAbsoluteEnabled },
	},
	{
		key: "thresholds.audio_absolute", typ: kFloat, env: "CLIPWATCH_THRESHOLDS_AUDIO_ABSOLUTE",
		apply:   func(cfg *Config, v any) { cfg.Thresholds.AudioAbsolute = v.(float64) },
		extract: func(cfg Config) any { return cfg.Thresholds.AudioAbsolute },
	},
	{
		key: "upload.poll_interval", typ: kDuration, env: "CLIPWATCH_UPLOAD_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Upload.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.PollInterval },
	},
	{
		key: "upload.backoff_base", typ: kDuration, env: "CLIPWATCH_UPLOAD_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Upload.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.BackoffBase },
	},
	{
		key: "upload.backoff_max", typ: kDuration, env: "CLIPWATCH_UPLOAD_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Upload.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.BackoffMax },
	},
	{
		key: "upload.retries", typ: kInt, env: "CLIPWATCH_UPLOAD_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Upload.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.Retries },
	},
	{
		key: "upload.retry_delay", typ: kDuration, env: "CLIPWATCH_UPLOAD_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Upload.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.RetryDelay },
	},
	{
		key: "connectivity.check_interval", typ: kDuration, env: "CLIPWATCH_CONNECTIVITY_CHECK_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.CheckInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.CheckInterval },
	},
	{
		key: "log.level", typ: kString, env: "CLIPWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string to the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (s keySpec) typeName() string {
	switch s.typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typeName(), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typeName(), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
