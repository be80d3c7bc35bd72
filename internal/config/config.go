package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/castscribe/pkg/logger"
)

const envPrefix = "CASTSCRIBE"

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	Aligner    AlignerConfig    `mapstructure:"aligner"`
	Enhance    EnhanceConfig    `mapstructure:"enhance"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Apprise    AppriseConfig    `mapstructure:"apprise"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	APIToken string `mapstructure:"api_token"` // empty disables auth
	LogLevel string `mapstructure:"log_level"`
	// CORSOrigins lists browser origins allowed to call the API. Empty disables CORS.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StorageConfig struct {
	// AudioDirs are scanned by queue sync for audio files that have no job yet.
	AudioDirs []string `mapstructure:"audio_dirs"`
	OutputDir string   `mapstructure:"output_dir"` // rendered transcripts
	TmpDir    string   `mapstructure:"tmp_dir"`    // chunk scratch space
	DBPath    string   `mapstructure:"db_path"`
	// FeedDir receives episodes downloaded by feed import, one folder per show.
	// Empty means the first audio dir, so queue sync sees them too.
	FeedDir string `mapstructure:"feed_dir"`
}

// FeedRoot resolves where feed downloads go.
func (s StorageConfig) FeedRoot() string {
	if s.FeedDir != "" {
		return s.FeedDir
	}
	if len(s.AudioDirs) > 0 {
		return s.AudioDirs[0]
	}
	return ""
}

type QueueConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// DefaultJobSeconds feeds the ETA until real processing times exist.
	DefaultJobSeconds int `mapstructure:"default_job_seconds"`
	// Cron expressions for the external maintenance calls; empty disables.
	ResetStuckCron string `mapstructure:"reset_stuck_cron"`
	SyncCron       string `mapstructure:"sync_cron"`
}

type TranscribeConfig struct {
	// Backend: "auto", "nemo", "parakeet-mlx", "mlx-whisper", "whisper", "openai"
	Backend      string `mapstructure:"backend"`
	Python       string `mapstructure:"python"`
	WorkerScript string `mapstructure:"worker_script"`
	WhisperModel string `mapstructure:"whisper_model"`
	// Language: ISO code or "auto"
	Language     string `mapstructure:"language"`
	ChunkMinutes int    `mapstructure:"chunk_minutes"`
	Diarization  bool   `mapstructure:"diarization"`
	FFmpeg       string `mapstructure:"ffmpeg"`
	FFprobe      string `mapstructure:"ffprobe"`
	NvidiaSMI    string `mapstructure:"nvidia_smi"`

	OpenAIKey     string `mapstructure:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	OpenAIModel   string `mapstructure:"openai_model"`
}

type AlignerConfig struct {
	MicroSegmentFloor  float64 `mapstructure:"micro_segment_floor"` // seconds
	MinSpeakerSegments int     `mapstructure:"min_speaker_segments"`
	MinSpeakerShare    float64 `mapstructure:"min_speaker_share"`
	MaxMergeGap        float64 `mapstructure:"max_merge_gap"` // seconds
}

type EnhanceConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimitRPM int           `mapstructure:"rate_limit_rpm"` // 0 = no limit
}

type IngestConfig struct {
	// Mode: "http" posts the artifact, "dir" copies it into Dir, "none" keeps it in place.
	Mode  string `mapstructure:"mode"`
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	Dir   string `mapstructure:"dir"`
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Key     string `mapstructure:"key"`
	Tag     string `mapstructure:"tag"`
}

var knownBackends = map[string]bool{
	"auto":         true,
	"nemo":         true,
	"parakeet-mlx": true,
	"mlx-whisper":  true,
	"whisper":      true,
	"openai":       true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.log_level", "")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("storage.audio_dirs", []string{"/data/podcasts"})
	v.SetDefault("storage.output_dir", "/data/transcripts")
	v.SetDefault("storage.tmp_dir", os.TempDir())
	v.SetDefault("storage.db_path", "/data/castscribe.db")
	v.SetDefault("storage.feed_dir", "")

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.heartbeat_timeout", 30*time.Minute)
	v.SetDefault("queue.heartbeat_interval", 30*time.Second)
	v.SetDefault("queue.default_job_seconds", 360)
	v.SetDefault("queue.reset_stuck_cron", "*/15 * * * *")
	v.SetDefault("queue.sync_cron", "")

	v.SetDefault("transcribe.backend", "auto")
	v.SetDefault("transcribe.python", "python3")
	v.SetDefault("transcribe.worker_script", "/app/scripts/asr_worker.py")
	v.SetDefault("transcribe.whisper_model", "large-v3-turbo")
	v.SetDefault("transcribe.language", "auto")
	v.SetDefault("transcribe.chunk_minutes", 10)
	v.SetDefault("transcribe.diarization", true)
	v.SetDefault("transcribe.ffmpeg", "ffmpeg")
	v.SetDefault("transcribe.ffprobe", "ffprobe")
	v.SetDefault("transcribe.nvidia_smi", "nvidia-smi")
	v.SetDefault("transcribe.openai_api_key", "")
	v.SetDefault("transcribe.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("transcribe.openai_model", "whisper-1")

	v.SetDefault("aligner.micro_segment_floor", 1.5)
	v.SetDefault("aligner.min_speaker_segments", 3)
	v.SetDefault("aligner.min_speaker_share", 0.05)
	v.SetDefault("aligner.max_merge_gap", 30.0)

	v.SetDefault("enhance.enabled", true)
	v.SetDefault("enhance.base_url", "http://localhost:11434")
	v.SetDefault("enhance.model", "llama3.2:3b")
	v.SetDefault("enhance.timeout", 5*time.Minute)
	v.SetDefault("enhance.rate_limit_rpm", 0)

	v.SetDefault("ingest.mode", "none")
	v.SetDefault("ingest.url", "")
	v.SetDefault("ingest.token", "")
	v.SetDefault("ingest.dir", "")

	v.SetDefault("apprise.enabled", false)
	v.SetDefault("apprise.base_url", "")
	v.SetDefault("apprise.key", "")
	v.SetDefault("apprise.tag", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// read loads the file when present. A missing file leaves defaults and env in place.
func read(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warnf("⚠️ Config file %s not found, using defaults and environment", path)
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("server.cors_origins: %q needs an http(s) scheme", origin))
		}
	}
	if !knownBackends[strings.ToLower(c.Transcribe.Backend)] {
		errs = append(errs, fmt.Errorf("transcribe.backend %q is not a known backend", c.Transcribe.Backend))
	}
	if c.Transcribe.ChunkMinutes <= 0 {
		errs = append(errs, errors.New("transcribe.chunk_minutes must be positive"))
	}
	if lang := c.Transcribe.Language; lang != "" && lang != "auto" {
		if _, err := language.Parse(lang); err != nil {
			errs = append(errs, fmt.Errorf("transcribe.language %q: %w", lang, err))
		}
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries must be at least 1"))
	}
	if c.Queue.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("queue.heartbeat_timeout must be positive"))
	}
	for name, expr := range map[string]string{
		"queue.reset_stuck_cron": c.Queue.ResetStuckCron,
		"queue.sync_cron":        c.Queue.SyncCron,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, expr, err))
		}
	}
	if c.Aligner.MicroSegmentFloor < 0 || c.Aligner.MinSpeakerShare < 0 || c.Aligner.MinSpeakerShare >= 1 {
		errs = append(errs, errors.New("aligner thresholds out of range"))
	}
	switch c.Ingest.Mode {
	case "none", "":
	case "http":
		if c.Ingest.URL == "" {
			errs = append(errs, errors.New("ingest.url is required for http mode"))
		}
	case "dir":
		if c.Ingest.Dir == "" {
			errs = append(errs, errors.New("ingest.dir is required for dir mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ingest.mode %q is not supported", c.Ingest.Mode))
	}

	return errors.Join(errs...)
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; existing variables win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			logger.Warnf("⚠️ Failed to load %s: %v", p, err)
			continue
		}
		logger.Debugf("Loaded environment from %s", p)
	}
}

// ChangeCallback is called when config changes.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	cfg       *Config
	callbacks []ChangeCallback
	stop      chan struct{}
	stopOnce  sync.Once

	path        string
	lastModTime time.Time
}

// NewManager creates a config manager with hot-reload support via polling.
func NewManager(path string, pollInterval time.Duration) (*Manager, error) {
	v := newViper(path)
	if err := read(v, path); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	var lastMod time.Time
	if stat, err := os.Stat(path); err == nil {
		lastMod = stat.ModTime()
	}

	m := &Manager{
		v:           v,
		cfg:         cfg,
		stop:        make(chan struct{}),
		path:        path,
		lastModTime: lastMod,
	}

	if pollInterval > 0 && path != "" {
		go m.pollForChanges(pollInterval)
		logger.Infof("📋 Config loaded (polling every %s for changes)", pollInterval)
	} else {
		logger.Infof("📋 Config loaded")
	}

	return m, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkForChanges()
		}
	}
}

func (m *Manager) checkForChanges() {
	stat, err := os.Stat(m.path)
	if err != nil {
		return
	}

	m.mu.RLock()
	lastMod := m.lastModTime
	m.mu.RUnlock()

	if !stat.ModTime().After(lastMod) {
		return
	}

	logger.Infof("🔄 Config file changed, reloading...")
	if err := m.v.ReadInConfig(); err != nil {
		logger.Errorf("❌ Failed to re-read config: %v", err)
		return
	}

	m.mu.Lock()
	m.lastModTime = stat.ModTime()
	m.mu.Unlock()

	m.reload()
}

func (m *Manager) reload() {
	newCfg, err := decode(m.v)
	if err != nil {
		logger.Errorf("❌ Rejected config reload: %v", err)
		return
	}

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = newCfg
	callbacks := m.callbacks
	m.mu.Unlock()

	logChanges(oldCfg, newCfg, "")

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

func logChanges(old, cur any, prefix string) {
	oldVal := reflect.ValueOf(old)
	newVal := reflect.ValueOf(cur)

	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	if oldVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		if oldField.Kind() == reflect.Struct {
			logChanges(oldField.Interface(), newField.Interface(), fieldName)
			continue
		}

		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			logger.Infof("  📝 %s: %s → %s", fieldName, redact(field.Name, oldField), redact(field.Name, newField))
		}
	}
}

// redact hides secrets when logging config diffs.
func redact(name string, v reflect.Value) string {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "token") || strings.Contains(lower, "key") {
		if v.Kind() == reflect.String && v.String() != "" {
			return "****"
		}
	}
	return fmt.Sprintf("%v", v.Interface())
}

// Load is a convenience function for one-time loading.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := read(v, path); err != nil {
		return nil, err
	}
	return decode(v)
}
