// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// PortEnvVar overrides the listen port of apiServer.addr when set.
const PortEnvVar = "PORT"

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	if n <= 0 {
		return FanoutWorkerSetting{kind: fanoutWorkerDefault}
	}
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// APIServerConfig configures the HTTP and websocket surface.
type APIServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// SessionsConfig tunes viewer sessions.
type SessionsConfig struct {
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	PingInterval  time.Duration `yaml:"pingInterval"`
	SnapshotRate  float64       `yaml:"snapshotRate"`
	SnapshotBurst int           `yaml:"snapshotBurst"`
	ReadLimit     int64         `yaml:"readLimit"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// SeedRecord is one record loaded into the store at startup.
type SeedRecord struct {
	Title         string `yaml:"title"`
	Author        string `yaml:"author"`
	ISBN          string `yaml:"isbn"`
	PublishedYear int    `yaml:"publishedYear"`
	Genre         string `yaml:"genre"`
}

// Input converts the seed entry into a store input.
func (r SeedRecord) Input() schema.RecordInput {
	in := schema.RecordInput{Title: r.Title, Author: r.Author, ISBN: r.ISBN, Genre: r.Genre}
	if r.PublishedYear != 0 {
		in.PublishedYear = schema.Year(r.PublishedYear)
	}
	return in
}

// AppConfig is the unified catalogd configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Sessions    SessionsConfig  `yaml:"sessions"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Seed        []SeedRecord    `yaml:"seed"`
}

// SeedInputs returns the seed set as store inputs.
func (c AppConfig) SeedInputs() []schema.RecordInput {
	out := make([]schema.RecordInput, 0, len(c.Seed))
	for _, rec := range c.Seed {
		out = append(out, rec.Input())
	}
	return out
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		APIServer: APIServerConfig{
			Addr:           ":5000",
			AllowedOrigins: []string{"http://localhost:3000", "https://my-frontend.onrender.com"},
		},
		Eventbus: EventbusConfig{BufferSize: 256, FanoutWorkers: FanoutWorkers(4)},
		Sessions: SessionsConfig{
			WriteTimeout:  5 * time.Second,
			PingInterval:  20 * time.Second,
			SnapshotRate:  1,
			SnapshotBurst: 3,
			ReadLimit:     1 << 20,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "catalogsync",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
		Seed: defaultSeed(),
	}
}

func defaultSeed() []SeedRecord {
	return []SeedRecord{
		{Title: "The Great Gatsby", Author: "F. Scott Fitzgerald", ISBN: "978-0-7432-7356-5", PublishedYear: 1925, Genre: "Fiction"},
		{Title: "To Kill a Mockingbird", Author: "Harper Lee", ISBN: "978-0-06-112008-4", PublishedYear: 1960, Genre: "Fiction"},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Fields absent from
// the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return finish(Default())
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = normalizeEnvironment(c.Environment)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if port := strings.TrimSpace(os.Getenv(PortEnvVar)); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("%s: invalid port %q", PortEnvVar, port)
		}
		host := ""
		if c.APIServer.Addr != "" {
			if h, _, err := net.SplitHostPort(c.APIServer.Addr); err == nil {
				host = h
			}
		}
		c.APIServer.Addr = net.JoinHostPort(host, port)
	}

	origins := make([]string, 0, len(c.APIServer.AllowedOrigins))
	seen := make(map[string]struct{}, len(c.APIServer.AllowedOrigins))
	for _, origin := range c.APIServer.AllowedOrigins {
		trimmed := normalizeOrigin(origin)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		origins = append(origins, trimmed)
	}
	c.APIServer.AllowedOrigins = origins

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	for i := range c.Seed {
		c.Seed[i].Title = strings.TrimSpace(c.Seed[i].Title)
		c.Seed[i].Author = strings.TrimSpace(c.Seed[i].Author)
		c.Seed[i].ISBN = strings.TrimSpace(c.Seed[i].ISBN)
		c.Seed[i].Genre = strings.TrimSpace(c.Seed[i].Genre)
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if c.Sessions.WriteTimeout <= 0 {
		return fmt.Errorf("sessions writeTimeout must be >0")
	}
	if c.Sessions.PingInterval <= 0 {
		return fmt.Errorf("sessions pingInterval must be >0")
	}
	if c.Sessions.SnapshotRate <= 0 {
		return fmt.Errorf("sessions snapshotRate must be >0")
	}
	if c.Sessions.SnapshotBurst <= 0 {
		return fmt.Errorf("sessions snapshotBurst must be >0")
	}
	if c.Sessions.ReadLimit <= 0 {
		return fmt.Errorf("sessions readLimit must be >0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	isbns := make(map[string]int, len(c.Seed))
	for i, rec := range c.Seed {
		if err := rec.Input().Normalize().Validate(); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		if rec.ISBN == "" {
			continue
		}
		if prev, ok := isbns[rec.ISBN]; ok {
			return fmt.Errorf("seed[%d]: isbn %q duplicates seed[%d]", i, rec.ISBN, prev)
		}
		isbns[rec.ISBN] = i
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
