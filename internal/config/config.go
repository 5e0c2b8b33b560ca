package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"calsync/internal/schedule"
)

// NOTE: secrets may live in the YAML file, but the usual setup keeps them
// in a .env file next to it (or in the process environment). They are read
// once here and never consulted again.

// LogConfig selects the log level and encoding.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format" json:"format"`
}

// SourceConfig describes where current events come from.
type SourceConfig struct {
	// Kind is "csv" (exporter CSV file) or "ics" (subscription URL).
	Kind string `yaml:"kind" json:"kind"`
	// Command optionally runs the exporter before the CSV is read.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	// TimeoutSeconds bounds Command.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// CSVFilename is resolved against Export.Directory when relative.
	CSVFilename string `yaml:"csv_filename" json:"csv_filename"`
	// ICSURL is the subscription endpoint for Kind "ics".
	ICSURL string `yaml:"ics_url,omitempty" json:"ics_url,omitempty"`
	// ICSCacheDir stores the last good feed body.
	ICSCacheDir string `yaml:"ics_cache_dir,omitempty" json:"ics_cache_dir,omitempty"`
}

// ExportConfig controls the generated calendar files.
type ExportConfig struct {
	Directory           string `yaml:"directory" json:"directory"`
	ICSFilename         string `yaml:"ics_filename" json:"ics_filename"`
	CalendarName        string `yaml:"calendar_name" json:"calendar_name"`
	CalendarDescription string `yaml:"calendar_description" json:"calendar_description"`
	ProductID           string `yaml:"product_id" json:"product_id"`
	UIDDomain           string `yaml:"uid_domain" json:"uid_domain"`
	// BodyCharLimit truncates event bodies; 0 keeps them whole.
	BodyCharLimit int `yaml:"body_char_limit" json:"body_char_limit"`
}

// TrackingConfig controls change tracking.
type TrackingConfig struct {
	// SnapshotPath is the file backend location, resolved against
	// Export.Directory when relative.
	SnapshotPath string `yaml:"snapshot_path" json:"snapshot_path"`
	// Correlation is "nearest" or "last".
	Correlation string `yaml:"correlation" json:"correlation"`
	// AllowEmpty accepts an empty export while the previous snapshot has
	// events. Off by default: an empty export is far more often a broken
	// exporter than an empty calendar.
	AllowEmpty bool `yaml:"allow_empty" json:"allow_empty"`
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	// Backend is "file" or "s3".
	Backend        string `yaml:"backend" json:"backend"`
	Endpoint       string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey      string `yaml:"access_key,omitempty" json:"-"`
	SecretKey      string `yaml:"secret_key,omitempty" json:"-"`
	UseSSL         bool   `yaml:"use_ssl" json:"use_ssl"`
	Region         string `yaml:"region,omitempty" json:"region,omitempty"`
	Bucket         string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Object         string `yaml:"object,omitempty" json:"object,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// SMTPConfig is the outbound mail server.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password,omitempty" json:"-"`
	// From defaults to Username.
	From string `yaml:"from,omitempty" json:"from,omitempty"`
	// To defaults to Username (mail to self).
	To []string `yaml:"to,omitempty" json:"to,omitempty"`
	// ImplicitTLS dials TLS directly (port 465); otherwise STARTTLS is used.
	ImplicitTLS    bool `yaml:"implicit_tls" json:"implicit_tls"`
	TimeoutSeconds int  `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// EmailConfig holds the two message templates.
type EmailConfig struct {
	Subject         string `yaml:"subject" json:"subject"`
	Body            string `yaml:"body" json:"body"`
	DeletionSubject string `yaml:"deletion_subject" json:"deletion_subject"`
	// DeletionBody may contain %d, replaced with the number of cancellations.
	DeletionBody string `yaml:"deletion_body" json:"deletion_body"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status server address in daemon mode.
	Listen string `yaml:"listen" json:"listen"`

	// Schedule is a cron spec (5 fields) for daemon runs.
	Schedule string `yaml:"schedule" json:"schedule"`

	Log      LogConfig      `yaml:"log" json:"log"`
	Source   SourceConfig   `yaml:"source" json:"source"`
	Export   ExportConfig   `yaml:"export" json:"export"`
	Tracking TrackingConfig `yaml:"tracking" json:"tracking"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	SMTP     SMTPConfig     `yaml:"smtp" json:"smtp"`
	Email    EmailConfig    `yaml:"email" json:"email"`

	// BasicAuth, if non-nil, protects everything except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Schedule == "" {
		c.Schedule = "0 12,21 * * *"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	switch c.Source.Kind {
	case "csv", "ics":
	default:
		c.Source.Kind = "csv"
	}
	if c.Source.TimeoutSeconds <= 0 {
		c.Source.TimeoutSeconds = 300
	}
	if c.Source.CSVFilename == "" {
		c.Source.CSVFilename = "outlook_calendar_export.csv"
	}
	if c.Source.ICSCacheDir == "" {
		c.Source.ICSCacheDir = "ics-cache"
	}

	if c.Export.Directory == "" {
		c.Export.Directory = "./exports"
	}
	if c.Export.ICSFilename == "" {
		c.Export.ICSFilename = "outlook_calendar_export.ics"
	}
	if c.Export.CalendarName == "" {
		c.Export.CalendarName = "Outlook Work Calendar"
	}
	if c.Export.CalendarDescription == "" {
		c.Export.CalendarDescription = "Exported from Microsoft Outlook"
	}
	if c.Export.ProductID == "" {
		c.Export.ProductID = "-//calsync//Calendar Export//EN"
	}
	if c.Export.UIDDomain == "" {
		c.Export.UIDDomain = "calsync.local"
	}
	if c.Export.BodyCharLimit < 0 {
		c.Export.BodyCharLimit = 0
	}

	if c.Tracking.SnapshotPath == "" {
		c.Tracking.SnapshotPath = "sync_history.json"
	}
	switch c.Tracking.Correlation {
	case "nearest", "last":
	default:
		c.Tracking.Correlation = "nearest"
	}

	switch c.Storage.Backend {
	case "file", "s3":
	default:
		c.Storage.Backend = "file"
	}
	if c.Storage.Object == "" {
		c.Storage.Object = "sync_history.json"
	}
	if c.Storage.TimeoutSeconds <= 0 {
		c.Storage.TimeoutSeconds = 30
	}

	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.mail.me.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 465
	}
	// SMTPS never speaks plaintext first, so STARTTLS cannot work there.
	if c.SMTP.Port == 465 {
		c.SMTP.ImplicitTLS = true
	}
	if c.SMTP.TimeoutSeconds <= 0 {
		c.SMTP.TimeoutSeconds = 30
	}

	if c.Email.Subject == "" {
		c.Email.Subject = "Automated Outlook Calendar Export"
	}
	if c.Email.Body == "" {
		c.Email.Body = "Find attached the latest Outlook calendar export as iCal."
	}
	if c.Email.DeletionSubject == "" {
		c.Email.DeletionSubject = "Calendar Event Deletions"
	}
	if c.Email.DeletionBody == "" {
		c.Email.DeletionBody = "Deletion commands for %d removed/modified calendar events. " +
			"Import this FIRST to remove old versions, then import the main calendar."
	}
}

// Validate reports settings that cannot work at run time.
func (c *Config) Validate() error {
	var errs []error
	if err := schedule.Validate(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	if c.Source.Kind == "ics" && c.Source.ICSURL == "" {
		errs = append(errs, errors.New("source.ics_url is required for source.kind=ics"))
	}
	if c.Storage.Backend == "s3" {
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for storage.backend=s3"))
		}
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for storage.backend=s3"))
		}
	}
	return errors.Join(errs...)
}

// ValidateDelivery reports missing mail settings. Dry runs skip it.
func (c *Config) ValidateDelivery() error {
	if c.SMTP.Username == "" || c.SMTP.Password == "" {
		return errors.New("smtp.username and smtp.password are required (set ICLOUD_EMAIL / ICLOUD_APP_PASSWORD)")
	}
	return nil
}

// ICSPath is the main calendar output file.
func (c *Config) ICSPath() string {
	return c.resolve(c.Export.ICSFilename)
}

// CSVPath is the exporter CSV location.
func (c *Config) CSVPath() string {
	return c.resolve(c.Source.CSVFilename)
}

// SnapshotPath is the file-backed snapshot location.
func (c *Config) SnapshotPath() string {
	return c.resolve(c.Tracking.SnapshotPath)
}

// ICSCacheDir is the feed cache directory.
func (c *Config) ICSCacheDir() string {
	return c.resolve(c.Source.ICSCacheDir)
}

// Recipients returns SMTP.To, defaulting to the sender.
func (c *Config) Recipients() []string {
	if len(c.SMTP.To) > 0 {
		return c.SMTP.To
	}
	return []string{c.Sender()}
}

// Sender returns SMTP.From, defaulting to the login.
func (c *Config) Sender() string {
	if c.SMTP.From != "" {
		return c.SMTP.From
	}
	return c.SMTP.Username
}

// DeletionBody renders Email.DeletionBody for n cancellations. Only the
// literal %d is substituted; other % signs are kept as written.
func (c *Config) DeletionBody(n int) string {
	return strings.ReplaceAll(c.Email.DeletionBody, "%d", strconv.Itoa(n))
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Export.Directory, p)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there (0600)
//     and returned.
//   - Otherwise the YAML is decoded and normalized.
//   - In both cases a .env file next to the config (and one in the working
//     directory) is loaded without overriding the process environment, and
//     secret environment variables are applied on top.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Normalize()
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// Existing environment wins over .env.
		_ = godotenv.Load(p)
	}
}

// ApplyEnv overlays secrets and a few deployment settings from lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	set(&c.SMTP.Username, "CALSYNC_SMTP_USERNAME", "ICLOUD_EMAIL")
	set(&c.SMTP.Password, "CALSYNC_SMTP_PASSWORD", "ICLOUD_APP_PASSWORD")
	set(&c.SMTP.Host, "CALSYNC_SMTP_HOST", "SMTP_SERVER")
	set(&c.Storage.AccessKey, "CALSYNC_S3_ACCESS_KEY")
	set(&c.Storage.SecretKey, "CALSYNC_S3_SECRET_KEY")
	set(&c.Export.Directory, "CALSYNC_EXPORT_DIRECTORY", "EXPORT_DIRECTORY")

	if c.BasicAuth != nil {
		set(&c.BasicAuth.Password, "CALSYNC_BASIC_AUTH_PASSWORD")
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
