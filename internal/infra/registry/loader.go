package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcporch/internal/domain"
)

// Loader parses a declarative registry file into validated descriptors.
// Loading is idempotent and side-effect free: it never opens a connection,
// and schema violations are fatal at load time rather than at first use.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("registry")}
}

type rawRegistry struct {
	Servers []rawDescriptor `mapstructure:"servers"`
}

type rawDescriptor struct {
	ID                string       `mapstructure:"id"`
	Title             string       `mapstructure:"title"`
	Summary           string       `mapstructure:"summary"`
	Transport         rawTransport `mapstructure:"transport"`
	Domains           []string     `mapstructure:"domains"`
	Tags              []string     `mapstructure:"tags"`
	Examples          []string     `mapstructure:"examples"`
	Sensitivity       string       `mapstructure:"sensitivity"`
	Visibility        string       `mapstructure:"visibility"`
	Priority          *int         `mapstructure:"priority"`
	AutoDiscoverTools bool         `mapstructure:"autoDiscoverTools"`
}

type rawTransport struct {
	Kind     string            `mapstructure:"kind"`
	Command  string            `mapstructure:"command"`
	Args     []string          `mapstructure:"args"`
	Env      map[string]string `mapstructure:"env"`
	Cwd      string            `mapstructure:"cwd"`
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
}

// Load reads and validates the registry file at path.
func (l *Loader) Load(path string) (*Registry, error) {
	if path == "" {
		return nil, domain.E(domain.CodeInvalidRegistry, "registry.Load", "registry path is required", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidRegistry, "registry.Load", fmt.Sprintf("read registry: %v", err), err)
	}
	return l.Parse(data)
}

// Parse validates raw registry bytes (YAML or JSON; JSON is a YAML subset).
func (l *Loader) Parse(data []byte) (*Registry, error) {
	const op = "registry.Parse"

	expanded, missing, err := expandEnv(data)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidRegistry, op, "", err)
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in registry", zap.Strings("missing", missing))
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, domain.E(domain.CodeInvalidRegistry, op, fmt.Sprintf("parse registry: %v", err), err)
	}

	var cfg rawRegistry
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, domain.E(domain.CodeInvalidRegistry, op, fmt.Sprintf("decode registry: %v", err), err)
	}

	descriptors := make([]domain.ServerDescriptor, 0, len(cfg.Servers))
	seen := make(map[string]struct{}, len(cfg.Servers))
	var validationErrors []string

	for i, raw := range cfg.Servers {
		desc, errs := normalizeDescriptor(raw, i)
		if _, dup := seen[desc.ID]; dup {
			errs = append(errs, fmt.Sprintf("servers[%d]: duplicate id %q", i, desc.ID))
		} else if desc.ID != "" {
			seen[desc.ID] = struct{}{}
		}
		if len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		descriptors = append(descriptors, desc)
	}

	if len(validationErrors) > 0 {
		return nil, domain.E(domain.CodeInvalidRegistry, op, strings.Join(validationErrors, "; "), errors.New("invalid registry"))
	}

	l.logger.Info("registry loaded", zap.Int("servers", len(descriptors)))
	return newRegistry(descriptors), nil
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func normalizeDescriptor(raw rawDescriptor, index int) (domain.ServerDescriptor, []string) {
	var errs []string
	field := func(name, msg string) {
		errs = append(errs, fmt.Sprintf("servers[%d].%s: %s", index, name, msg))
	}

	if raw.ID == "" {
		field("id", "required")
	} else if !idPattern.MatchString(raw.ID) {
		field("id", fmt.Sprintf("invalid slug %q", raw.ID))
	}
	if raw.Title == "" {
		field("title", "required")
	}

	sensitivity := domain.Sensitivity(raw.Sensitivity)
	switch sensitivity {
	case domain.SensitivityLow, domain.SensitivityMedium, domain.SensitivityHigh:
	case "":
		field("sensitivity", "required")
	default:
		field("sensitivity", fmt.Sprintf("unknown value %q", raw.Sensitivity))
	}

	visibility := domain.Visibility(raw.Visibility)
	switch visibility {
	case domain.VisibilityDefault, domain.VisibilityOptIn, domain.VisibilityExperimental:
	case "":
		field("visibility", "required")
	default:
		field("visibility", fmt.Sprintf("unknown value %q", raw.Visibility))
	}

	priority := domain.DefaultPriority
	if raw.Priority != nil {
		priority = *raw.Priority
		if priority < 1 || priority > 10 {
			field("priority", fmt.Sprintf("must be in [1,10], got %d", priority))
		}
	}

	desc := domain.ServerDescriptor{
		ID:                raw.ID,
		Title:             raw.Title,
		Summary:           raw.Summary,
		Domains:           normalizeTokens(raw.Domains),
		Tags:              normalizeTokens(raw.Tags),
		Examples:          raw.Examples,
		Sensitivity:       sensitivity,
		Visibility:        visibility,
		Priority:          priority,
		AutoDiscoverTools: raw.AutoDiscoverTools,
	}

	switch domain.TransportKind(raw.Transport.Kind) {
	case domain.TransportStdio:
		desc.Transport = domain.TransportStdio
		if strings.TrimSpace(raw.Transport.Command) == "" {
			field("transport.command", "required for stdio transport")
		}
		desc.Stdio = &domain.StdioConfig{
			Command: raw.Transport.Command,
			Args:    raw.Transport.Args,
			Env:     raw.Transport.Env,
			Cwd:     raw.Transport.Cwd,
		}
	case domain.TransportStreamableHTTP:
		desc.Transport = domain.TransportStreamableHTTP
		if strings.TrimSpace(raw.Transport.Endpoint) == "" {
			field("transport.endpoint", "required for streamable-http transport")
		}
		desc.HTTP = &domain.HTTPConfig{
			Endpoint: raw.Transport.Endpoint,
			Headers:  raw.Transport.Headers,
		}
	case "":
		field("transport.kind", "required")
	default:
		field("transport.kind", fmt.Sprintf("unknown value %q", raw.Transport.Kind))
	}

	return desc, errs
}

func normalizeTokens(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
