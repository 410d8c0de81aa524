package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string

	// BlobBackend selects the content store: "gridfs" or "object".
	BlobBackend        string
	MongoURI           string
	MongoDatabase      string
	GridFSBucket       string
	StoreProbeInterval time.Duration

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	DatabaseURL     string

	ScratchDir     string
	ScratchMaxAge  time.Duration
	MaxUploadBytes int64
	MaxUploadFiles int

	Renderer        string
	RendererURL     string
	RendererTimeout time.Duration
	PopplerPath     string
	RenderDPI       int
	RenderFormat    string

	IngestConcurrency int
	ExportMaxIDs      int
	EventsQueueURL    string
	RateLimitEnabled  bool

	JWTSecret      string
	JWTIssuer      string
	MigrateOnStart bool
}

// Load reads configuration from environment variables with sensible defaults.
// A YAML file named by CONFIG_FILE, when present, is applied before the
// environment so that explicit env vars still win.
func Load() Config {
	loadEnvFiles(".env", "cmd/.env")

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(path); err != nil {
			log.Printf("config file %s ignored: %v", path, err)
		}
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	backend := normalizeBackend(getEnv("BLOB_BACKEND", "gridfs"))
	mongoURI := os.Getenv("MONGODB_URI")

	if env == "production" && backend == "gridfs" && mongoURI == "" {
		log.Printf("MONGODB_URI is required in production")
	}

	return Config{
		Port:               getEnv("PORT", "8080"),
		Env:                env,
		CORSAllowOrigin:    splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		BlobBackend:        backend,
		MongoURI:           mongoURI,
		MongoDatabase:      getEnv("MONGODB_DB_NAME", "imageverse_db"),
		GridFSBucket:       getEnv("GRIDFS_BUCKET", "images"),
		StoreProbeInterval: getDuration("STORE_PROBE_INTERVAL", 2*time.Second),
		ObjectStoreType:    normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:      getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:          getEnv("AWS_REGION", ""),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Prefix:           getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:        getEnv("SSE_KMS_KEY_ID", ""),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ScratchDir:         getEnv("SCRATCH_DIR", os.TempDir()),
		ScratchMaxAge:      getDuration("SCRATCH_MAX_AGE", time.Hour),
		MaxUploadBytes:     int64(getInt("MAX_UPLOAD_BYTES", 25<<20)),
		MaxUploadFiles:     getInt("MAX_UPLOAD_FILES", 20),
		Renderer:           normalizeRenderer(getEnv("RENDERER", "poppler")),
		RendererURL:        getEnv("RENDERER_URL", ""),
		RendererTimeout:    getDuration("RENDERER_TIMEOUT", 2*time.Minute),
		PopplerPath:        getEnv("POPPLER_PATH", ""),
		RenderDPI:          getInt("RENDER_DPI", 300),
		RenderFormat:       normalizeRenderFormat(getEnv("RENDER_FORMAT", "png")),
		IngestConcurrency:  getInt("INGEST_CONCURRENCY", 4),
		ExportMaxIDs:       getInt("EXPORT_MAX_IDS", 500),
		EventsQueueURL:     getEnv("EVENTS_SQS_QUEUE_URL", ""),
		RateLimitEnabled:   getBool("RATE_LIMIT_ENABLED", true),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWTIssuer:          getEnv("JWT_ISSUER", ""),
		MigrateOnStart:     getBool("MIGRATE_ON_START", true),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config %s invalid bool: %v", key, err)
		return def
	}
	return val
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "object", "objects", "s3", "local":
		return "object"
	default:
		return "gridfs"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeRenderer(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "http", "remote":
		return "http"
	default:
		return "poppler"
	}
}

func normalizeRenderFormat(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "jpeg", "jpg":
		return "jpeg"
	default:
		return "png"
	}
}
