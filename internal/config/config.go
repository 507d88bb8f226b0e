// Package config centralizes how the intake services read their settings and
// exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents runtime configuration shared by the API, the worker and
// the CLI.
type Config struct {
	Env         string `mapstructure:"ENV"`
	Address     string `mapstructure:"ADDRESS"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	Workers           int           `mapstructure:"WORKERS"`
	ShutdownTimeout   time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	PerFileMaxBytes   int64         `mapstructure:"PER_FILE_MAX_BYTES"`
	MaxFilesPerUpload int           `mapstructure:"MAX_FILES_PER_UPLOAD"`

	DataDir            string `mapstructure:"DATA_DIR"`
	UploadDir          string `mapstructure:"UPLOAD_DIR"`
	UploadMetaDir      string `mapstructure:"UPLOAD_META_DIR"`
	ImageDir           string `mapstructure:"IMAGE_DIR"`
	PDFDir             string `mapstructure:"PDF_DIR"`
	ProcessedDir       string `mapstructure:"PROCESSED_DIR"`
	ProcessingErrorDir string `mapstructure:"PROCESSING_ERROR_DIR"`
	DupRootDir         string `mapstructure:"DUP_ROOT_DIR"`
	DRPDFDir           string `mapstructure:"DR_PDF_DIR"`
	GlaucomaPDFDir     string `mapstructure:"GLAUCOMA_PDF_DIR"`

	IngestLog     string `mapstructure:"ZIP_INGEST_LOG"`
	MaliciousLog  string `mapstructure:"MALICIOUS_UPLOAD_LOG"`
	OCRSuccessLog string `mapstructure:"OCR_SUCCESS_LOG"`
	OCRErrorLog   string `mapstructure:"OCR_ERROR_LOG"`

	OCRDPI      float64       `mapstructure:"OCR_DPI"`
	OCRThrottle time.Duration `mapstructure:"OCR_THROTTLE"`
	OCRLanguage string        `mapstructure:"OCR_LANGUAGE"`

	MoveAttempts int           `mapstructure:"MOVE_ATTEMPTS"`
	MoveBackoff  time.Duration `mapstructure:"MOVE_BACKOFF"`

	SigningSecret string        `mapstructure:"SIGNING_SECRET"`
	SignedURLTTL  time.Duration `mapstructure:"SIGNED_URL_TTL"`
	JWTSecret     string        `mapstructure:"JWT_SECRET"`

	S3Endpoint    string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey   string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey   string `mapstructure:"S3_SECRET_KEY"`
	S3Region      string `mapstructure:"S3_REGION"`
	S3UseSSL      bool   `mapstructure:"S3_USE_SSL"`
	ReportsBucket string `mapstructure:"REPORTS_BUCKET"`
}

const (
	defaultAddress     = ":8080"
	defaultDataDir     = "files"
	defaultPerFileMax  = 10 << 20 // 10 MiB
	defaultMaxFiles    = 50
	defaultWorkerCount = 2
	defaultSignedTTL   = 5 * time.Minute
	defaultShutdown    = 2 * time.Minute
)

var keys = []string{
	"ENV", "ADDRESS", "DATABASE_URL", "DB_MAX_CONNS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"WORKERS", "SHUTDOWN_TIMEOUT", "PER_FILE_MAX_BYTES", "MAX_FILES_PER_UPLOAD",
	"DATA_DIR", "UPLOAD_DIR", "UPLOAD_META_DIR", "IMAGE_DIR", "PDF_DIR",
	"PROCESSED_DIR", "PROCESSING_ERROR_DIR", "DUP_ROOT_DIR", "DR_PDF_DIR", "GLAUCOMA_PDF_DIR",
	"ZIP_INGEST_LOG", "MALICIOUS_UPLOAD_LOG", "OCR_SUCCESS_LOG", "OCR_ERROR_LOG",
	"OCR_DPI", "OCR_THROTTLE", "OCR_LANGUAGE", "MOVE_ATTEMPTS", "MOVE_BACKOFF",
	"SIGNING_SECRET", "SIGNED_URL_TTL", "JWT_SECRET",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_REGION", "S3_USE_SSL", "REPORTS_BUCKET",
}

// Load reads configuration from the environment (and an optional .env file)
// falling back to defaults. Storage roots default to directories under
// DATA_DIR.
func Load() (*Config, error) {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	v.SetDefault("DATA_DIR", defaultDataDir)
	data := v.GetString("DATA_DIR")
	root := func(name string) string { return filepath.Join(data, name) }

	v.SetDefault("ENV", "production")
	v.SetDefault("ADDRESS", defaultAddress)
	v.SetDefault("DB_MAX_CONNS", 8)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("WORKERS", defaultWorkerCount)
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdown)
	v.SetDefault("PER_FILE_MAX_BYTES", defaultPerFileMax)
	v.SetDefault("MAX_FILES_PER_UPLOAD", defaultMaxFiles)
	v.SetDefault("UPLOAD_DIR", root("uploaded"))
	v.SetDefault("UPLOAD_META_DIR", root("upload_meta"))
	v.SetDefault("IMAGE_DIR", root("images"))
	v.SetDefault("PDF_DIR", root("pdfs"))
	v.SetDefault("PROCESSED_DIR", root("processed"))
	v.SetDefault("PROCESSING_ERROR_DIR", root("processing_error"))
	v.SetDefault("DUP_ROOT_DIR", data)
	v.SetDefault("DR_PDF_DIR", root("dr_pdfs"))
	v.SetDefault("GLAUCOMA_PDF_DIR", root("glaucoma_pdfs"))
	v.SetDefault("ZIP_INGEST_LOG", filepath.Join("logs", "zip_main_process_log.txt"))
	v.SetDefault("MALICIOUS_UPLOAD_LOG", filepath.Join("logs", "malicious_uploads.log"))
	v.SetDefault("OCR_SUCCESS_LOG", filepath.Join("logs", "process_pdf_success_log.txt"))
	v.SetDefault("OCR_ERROR_LOG", filepath.Join("logs", "process_pdf_error_log.txt"))
	v.SetDefault("OCR_DPI", 300)
	v.SetDefault("OCR_THROTTLE", time.Second)
	v.SetDefault("OCR_LANGUAGE", "eng")
	v.SetDefault("MOVE_ATTEMPTS", 5)
	v.SetDefault("MOVE_BACKOFF", 200*time.Millisecond)
	v.SetDefault("SIGNED_URL_TTL", defaultSignedTTL)
	v.SetDefault("S3_REGION", "us-east-1")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.SigningSecret == "" {
		// If no secret was supplied we generate one; links die with the process.
		cfg.SigningSecret = randomSecret()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the services run in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL is required outside development")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.PerFileMaxBytes < 1 {
		return fmt.Errorf("PER_FILE_MAX_BYTES must be positive, got %d", c.PerFileMaxBytes)
	}
	if c.MaxFilesPerUpload < 1 {
		return fmt.Errorf("MAX_FILES_PER_UPLOAD must be positive, got %d", c.MaxFilesPerUpload)
	}
	if c.OCRDPI <= 0 {
		return fmt.Errorf("OCR_DPI must be positive, got %v", c.OCRDPI)
	}
	if c.MoveAttempts < 1 {
		return fmt.Errorf("MOVE_ATTEMPTS must be at least 1, got %d", c.MoveAttempts)
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = defaultSignedTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdown
	}
	return nil
}

// ObjectStorageEnabled reports whether split reports are mirrored to S3.
func (c *Config) ObjectStorageEnabled() bool {
	return c.S3Endpoint != "" && c.ReportsBucket != ""
}

// EnsureDirs creates every managed storage root.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.UploadDir, c.UploadMetaDir, c.ImageDir, c.PDFDir,
		c.ProcessedDir, c.ProcessingErrorDir, c.DRPDFDir, c.GlaucomaPDFDir,
		filepath.Dir(c.IngestLog), filepath.Dir(c.MaliciousLog),
		filepath.Dir(c.OCRSuccessLog), filepath.Dir(c.OCRErrorLog),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacksecret"))
	}
	return hex.EncodeToString(buf)
}
