package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var Version = "dev"

var (
	Port     string
	LogLevel string

	DiscordToken string
	DiscordAppID string
	APISecret    string
	PublicURL    string

	DownloadDir  string
	DatabasePath string

	CacheEnabled   bool
	CacheRetention time.Duration
	CacheSweep     time.Duration

	MaxConcurrentDownloads int
	PlaylistConcurrency    int
	MaxPlaylistVideos      int
	MaxDownloadsPerUser    int

	MaxUploadBytes   int64
	SegmentBytes     int64
	ProgressInterval time.Duration
	DownloadTimeout  time.Duration

	ProxyHost       string
	ProxyPort       string
	ProxyUserPrefix string
	ProxyPassword   string
	ProxyCount      int

	DiscordWebhookURL string
	DiscordPingUserID string
	DiscordAlerts     bool
)

const (
	DiskSpaceMinGB     = 2
	RateLimitPerSecond = 1
	RateLimitBurst     = 60
	MaxURLLength       = 2048
	MinSegmentSeconds  = 1.0
	FileTokenExpiry    = 30 * time.Minute
	JobExpiry          = 1 * time.Hour
	TempFileRetention  = 6 * time.Hour
)

// DefaultFormat is tried after the requested selector fails.
const DefaultFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/bestvideo[ext=mp4]/best[ext=mp4]"

var QualityFormats = map[string]string{
	"low":    "worstvideo[ext=mp4]+worstaudio[ext=m4a]/worst[ext=mp4]/worst",
	"medium": "bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/best[height<=720][ext=mp4]/best[height<=720]",
	"high":   "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/best[height<=1080][ext=mp4]/best[height<=1080]",
	"audio":  "bestaudio[ext=m4a]/bestaudio/best",
}

var AllowedQualities = []string{"auto", "low", "medium", "high", "audio"}

var ContainerMIMEs = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"m4a":  "audio/mp4",
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
}

var BotDetectionErrors = []string{
	"Sign in to confirm you",
	"confirm your age",
	"Sign in to confirm your age",
}

var UnavailableErrors = []string{
	"Video unavailable",
	"This video is unavailable",
	"Private video",
	"has been removed",
	"Unsupported URL",
	"HTTP Error 404",
	"members-only",
	"not available in your country",
	"This live event will begin",
}

func Load() {
	Port = envOrDefault("PORT", "3001")
	LogLevel = envOrDefault("LOG_LEVEL", "info")

	DiscordToken = os.Getenv("DISCORD_TOKEN")
	DiscordAppID = os.Getenv("DISCORD_APP_ID")
	APISecret = os.Getenv("API_SECRET")
	if APISecret == "" {
		log.Warn().Msg("API_SECRET not set, download API will reject every request")
	}
	PublicURL = strings.TrimRight(envOrDefault("PUBLIC_URL", "http://localhost:"+Port), "/")

	DownloadDir = envOrDefault("DOWNLOAD_DIR", filepath.Join(os.TempDir(), "grabbot", "downloads"))
	DatabasePath = envOrDefault("DATABASE_PATH", filepath.Join(".", "data", "grabbot.db"))

	CacheEnabled = envBool("CACHE_ENABLED", true)
	CacheRetention = time.Duration(envInt("CACHE_RETENTION_DAYS", 30)) * 24 * time.Hour
	CacheSweep = time.Duration(envInt("CACHE_SWEEP_MIN", 60)) * time.Minute

	MaxConcurrentDownloads = envInt("MAX_CONCURRENT_DOWNLOADS", 5)
	PlaylistConcurrency = envInt("PLAYLIST_CONCURRENCY", 2)
	MaxPlaylistVideos = envInt("MAX_PLAYLIST_VIDEOS", 50)
	// 0 turns the daily limit off
	MaxDownloadsPerUser = envCount("MAX_DOWNLOADS_PER_USER", 200)

	MaxUploadBytes = int64(envInt("MAX_UPLOAD_MB", 25)) * 1024 * 1024
	SegmentBytes = int64(envInt("SEGMENT_MB", 24)) * 1024 * 1024
	if SegmentBytes > MaxUploadBytes {
		SegmentBytes = MaxUploadBytes
	}
	ProgressInterval = time.Duration(envInt("PROGRESS_INTERVAL_SEC", 3)) * time.Second
	DownloadTimeout = time.Duration(envInt("DOWNLOAD_TIMEOUT_MIN", 30)) * time.Minute

	ProxyHost = os.Getenv("PROXY_HOST")
	ProxyPort = envOrDefault("PROXY_PORT", "80")
	ProxyUserPrefix = os.Getenv("PROXY_USER_PREFIX")
	ProxyPassword = os.Getenv("PROXY_PASSWORD")
	ProxyCount = envCount("PROXY_COUNT", 0)

	DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	DiscordPingUserID = os.Getenv("DISCORD_PING_USER_ID")
	DiscordAlerts = DiscordWebhookURL != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt falls back on missing, malformed and non-positive values.
func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// envCount is envInt that also accepts zero.
func envCount(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid boolean, using default")
		return fallback
	}
	return b
}

func Contains(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}
