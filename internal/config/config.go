// Package config loads envsync configuration from CUE.
//
// The embedded schema supplies defaults and bounds. A user file is unified
// with it, command-line overrides are filled in, and the result must be fully
// concrete before it is decoded and checked.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/robfig/cron/v3"

	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform"
	"github.com/roach88/envsync/internal/platform/postgres"
)

//go:embed schema.cue
var schemaCUE []byte

// Config is the validated configuration.
type Config struct {
	Source             string
	Target             string
	Threshold          int
	BackupsToKeep      int
	Markers            []string
	ExcludedSchemas    []string
	DryRun             bool
	Schedule           string
	Suspended          []string
	BackupNameTemplate string
	Mask               platform.Rewrite
	Platform           Platform
	StorePath          string
	Timeouts           Timeouts
	Lock               Lock
	AlertsJSONL        string
	MetricsAddr        string
}

// Platform selects the data platform backend.
type Platform struct {
	Driver string
	Root   string
	DSN    string
}

// Timeouts bounds each refresh phase.
type Timeouts struct {
	Backup   time.Duration
	Drop     time.Duration
	Clone    time.Duration
	Validate time.Duration
	Rollback time.Duration
}

// Lock selects the per-target lock backend.
type Lock struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Scheme compiles the backup naming scheme.
func (c *Config) Scheme() (*naming.Scheme, error) {
	return naming.NewScheme(c.BackupNameTemplate)
}

// raw mirrors #Config field for field.
type raw struct {
	SourceEnvironment      string   `json:"sourceEnvironment"`
	TargetEnvironment      string   `json:"targetEnvironment"`
	MinTableCountThreshold int      `json:"minTableCountThreshold"`
	BackupsToKeep          int      `json:"backupsToKeep"`
	SensitiveColumnMarkers []string `json:"sensitiveColumnMarkers"`
	ExcludedSchemas        []string `json:"excludedSchemas"`
	DryRun                 bool     `json:"dryRun"`
	Schedule               string   `json:"schedule"`
	Suspended              []string `json:"suspended"`
	BackupNameTemplate     string   `json:"backupNameTemplate"`
	MaskToken              string   `json:"maskToken"`
	MaskVisiblePrefix      int      `json:"maskVisiblePrefix"`
	ShortLocalPartPolicy   string   `json:"shortLocalPartPolicy"`
	Platform               struct {
		Driver string `json:"driver"`
		Root   string `json:"root"`
		DSN    string `json:"dsn"`
	} `json:"platform"`
	Store    string `json:"store"`
	Timeouts struct {
		Backup   string `json:"backup"`
		Drop     string `json:"drop"`
		Clone    string `json:"clone"`
		Validate string `json:"validate"`
		Rollback string `json:"rollback"`
	} `json:"timeouts"`
	Lock struct {
		Driver   string `json:"driver"`
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		TTL      string `json:"ttl"`
	} `json:"lock"`
	Alerts struct {
		JSONL string `json:"jsonl"`
	} `json:"alerts"`
	MetricsAddr string `json:"metricsAddr"`
}

// Overrides are values from the command line. Set fields replace the file's
// values; empty fields leave them in place.
type Overrides struct {
	Source string
	Target string
	DryRun *bool
}

// Load reads path (optional: "" uses defaults only), applies overrides, and
// validates the result.
func Load(path string, o Overrides) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Parse(data, path, o)
}

// Parse validates CUE source. filename is used in error positions.
func Parse(data []byte, filename string, o Overrides) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if len(data) > 0 {
		user := ctx.CompileBytes(data, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return nil, fmt.Errorf("compile %s: %w", filename, err)
		}
		v = v.Unify(user)
	}

	// Overrides replace file values, so they are filled in only where the file
	// left the field open and assigned again after decoding.
	names := []struct{ path, value string }{
		{"sourceEnvironment", o.Source},
		{"targetEnvironment", o.Target},
	}
	for _, n := range names {
		if n.value == "" {
			continue
		}
		if err := checkName(schema, n.value); err != nil {
			return nil, fmt.Errorf("validate config: %s: %w", n.path, err)
		}
		p := cue.ParsePath(n.path)
		if !v.LookupPath(p).IsConcrete() {
			v = v.FillPath(p, n.value)
		}
	}

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var r raw
	if err := v.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if o.Source != "" {
		r.SourceEnvironment = o.Source
	}
	if o.Target != "" {
		r.TargetEnvironment = o.Target
	}
	if o.DryRun != nil {
		r.DryRun = *o.DryRun
	}
	return r.build()
}

// checkName validates an environment name against #EnvName.
func checkName(schema cue.Value, name string) error {
	def := schema.LookupPath(cue.ParsePath("#EnvName"))
	return def.Unify(schema.Context().Encode(name)).Validate(cue.Concrete(true))
}

func (r *raw) build() (*Config, error) {
	cfg := &Config{
		Source:             r.SourceEnvironment,
		Target:             r.TargetEnvironment,
		Threshold:          r.MinTableCountThreshold,
		BackupsToKeep:      r.BackupsToKeep,
		Markers:            r.SensitiveColumnMarkers,
		ExcludedSchemas:    r.ExcludedSchemas,
		DryRun:             r.DryRun,
		Schedule:           r.Schedule,
		Suspended:          r.Suspended,
		BackupNameTemplate: r.BackupNameTemplate,
		Mask: platform.Rewrite{
			Token:         r.MaskToken,
			VisiblePrefix: r.MaskVisiblePrefix,
			Policy:        platform.ShortPolicy(r.ShortLocalPartPolicy),
		},
		Platform:    Platform{Driver: r.Platform.Driver, Root: r.Platform.Root, DSN: r.Platform.DSN},
		StorePath:   r.Store,
		Lock:        Lock{Driver: r.Lock.Driver, Addr: r.Lock.Addr, Password: r.Lock.Password, DB: r.Lock.DB},
		AlertsJSONL: r.Alerts.JSONL,
		MetricsAddr: r.MetricsAddr,
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"timeouts.backup", r.Timeouts.Backup, &cfg.Timeouts.Backup},
		{"timeouts.drop", r.Timeouts.Drop, &cfg.Timeouts.Drop},
		{"timeouts.clone", r.Timeouts.Clone, &cfg.Timeouts.Clone},
		{"timeouts.validate", r.Timeouts.Validate, &cfg.Timeouts.Validate},
		{"timeouts.rollback", r.Timeouts.Rollback, &cfg.Timeouts.Rollback},
		{"lock.ttl", r.Lock.TTL, &cfg.Lock.TTL},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("validate config: %s: %w", d.name, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("validate config: %s must be positive, got %s", d.name, d.src)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints that span fields or need a parser.
func (c *Config) Validate() error {
	if c.Source == c.Target {
		return fmt.Errorf("validate config: sourceEnvironment and targetEnvironment are both %q", c.Source)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("validate config: schedule %q: %w", c.Schedule, err)
	}
	scheme, err := c.Scheme()
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := c.Mask.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Platform.Driver == "postgres" && c.Platform.DSN == "" {
		return fmt.Errorf("validate config: platform.dsn is required for the postgres driver")
	}
	if c.Platform.Driver == "postgres" {
		longest := scheme.Encode(c.Target, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), naming.MaxSeq)
		if len(longest) > postgres.MaxNameLength {
			return fmt.Errorf("validate config: backup name %q is %d bytes, postgres allows %d",
				longest, len(longest), postgres.MaxNameLength)
		}
		for _, env := range []string{c.Source, c.Target} {
			if len(env) > postgres.MaxNameLength {
				return fmt.Errorf("validate config: environment %q exceeds %d bytes", env, postgres.MaxNameLength)
			}
		}
	}
	if len(c.Markers) == 0 {
		return fmt.Errorf("validate config: sensitiveColumnMarkers must not be empty")
	}
	return nil
}
