// Package plan models the supervisor's declarative configuration: layers of
// named services, health checks and log targets, and the override rules that
// combine layers into the effective plan.
package plan

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Override says how an entity in a layer combines with an existing entity of
// the same name in earlier layers.
type Override string

const (
	// UnknownOverride is not valid in a layer; combining reports it as an
	// error.
	UnknownOverride Override = ""
	// MergeOverride combines the new entity with the old field by field.
	MergeOverride Override = "merge"
	// ReplaceOverride discards the old entity entirely.
	ReplaceOverride Override = "replace"
)

// Duration wraps time.Duration with the YAML representation the supervisor
// uses ("10s", "1m30s").
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Layer is one fragment of declarative configuration. A caller-constructed
// layer is sent to the server; the server combines all active layers into
// the Plan.
type Layer struct {
	Summary     string                `yaml:"summary,omitempty"`
	Description string                `yaml:"description,omitempty"`
	Services    map[string]*Service   `yaml:"services,omitempty"`
	Checks      map[string]*Check     `yaml:"checks,omitempty"`
	LogTargets  map[string]*LogTarget `yaml:"log-targets,omitempty"`
}

// Plan is the server's computed combination of its layers. It is read-only:
// construct it only by parsing a server response.
type Plan struct {
	Services   map[string]*Service   `yaml:"services,omitempty"`
	Checks     map[string]*Check     `yaml:"checks,omitempty"`
	LogTargets map[string]*LogTarget `yaml:"log-targets,omitempty"`
}

// ServiceAction is what the supervisor does when a check for a service
// fails.
type ServiceAction string

const (
	ActionUnset    ServiceAction = ""
	ActionRestart  ServiceAction = "restart"
	ActionShutdown ServiceAction = "shutdown"
	ActionIgnore   ServiceAction = "ignore"
)

// Service is one workload process definition within a layer.
type Service struct {
	// Name is the map key, set when parsing; it is not serialized.
	Name string `yaml:"-"`

	Summary     string   `yaml:"summary,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Startup     string   `yaml:"startup,omitempty"`
	Override    Override `yaml:"override,omitempty"`
	Command     string   `yaml:"command,omitempty"`

	After    []string `yaml:"after,omitempty"`
	Before   []string `yaml:"before,omitempty"`
	Requires []string `yaml:"requires,omitempty"`

	Environment map[string]string `yaml:"environment,omitempty"`

	UserID     *int   `yaml:"user-id,omitempty"`
	User       string `yaml:"user,omitempty"`
	GroupID    *int   `yaml:"group-id,omitempty"`
	Group      string `yaml:"group,omitempty"`
	WorkingDir string `yaml:"working-dir,omitempty"`

	OnCheckFailure map[string]ServiceAction `yaml:"on-check-failure,omitempty"`
}

// Copy returns a deep copy of the service.
func (s *Service) Copy() *Service {
	copied := *s
	copied.After = append([]string(nil), s.After...)
	copied.Before = append([]string(nil), s.Before...)
	copied.Requires = append([]string(nil), s.Requires...)
	copied.Environment = copyMap(s.Environment)
	copied.OnCheckFailure = copyMap(s.OnCheckFailure)
	if s.UserID != nil {
		v := *s.UserID
		copied.UserID = &v
	}
	if s.GroupID != nil {
		v := *s.GroupID
		copied.GroupID = &v
	}
	return &copied
}

// Merge combines fields from other into s: list fields are concatenated, map
// fields are merged with other's values winning, scalars are overwritten
// only when other's value is non-empty.
func (s *Service) Merge(other *Service) {
	if other.Summary != "" {
		s.Summary = other.Summary
	}
	if other.Description != "" {
		s.Description = other.Description
	}
	if other.Startup != "" {
		s.Startup = other.Startup
	}
	if other.Command != "" {
		s.Command = other.Command
	}
	s.After = append(s.After, other.After...)
	s.Before = append(s.Before, other.Before...)
	s.Requires = append(s.Requires, other.Requires...)
	s.Environment = mergeMap(s.Environment, other.Environment)
	s.OnCheckFailure = mergeMap(s.OnCheckFailure, other.OnCheckFailure)
	if other.UserID != nil {
		v := *other.UserID
		s.UserID = &v
	}
	if other.User != "" {
		s.User = other.User
	}
	if other.GroupID != nil {
		v := *other.GroupID
		s.GroupID = &v
	}
	if other.Group != "" {
		s.Group = other.Group
	}
	if other.WorkingDir != "" {
		s.WorkingDir = other.WorkingDir
	}
}

// CheckLevel is a check's level within a layer definition.
type CheckLevel string

const (
	UnsetLevel CheckLevel = ""
	AliveLevel CheckLevel = "alive"
	ReadyLevel CheckLevel = "ready"
)

// Check is one health check definition within a layer. Exactly one of HTTP,
// TCP and Exec is set on a valid check.
type Check struct {
	Name string `yaml:"-"`

	Override  Override   `yaml:"override,omitempty"`
	Level     CheckLevel `yaml:"level,omitempty"`
	Period    Duration   `yaml:"period,omitempty"`
	Timeout   Duration   `yaml:"timeout,omitempty"`
	Threshold int        `yaml:"threshold,omitempty"`

	HTTP *HTTPCheck `yaml:"http,omitempty"`
	TCP  *TCPCheck  `yaml:"tcp,omitempty"`
	Exec *ExecCheck `yaml:"exec,omitempty"`
}

// HTTPCheck configures an HTTP health check.
type HTTPCheck struct {
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// TCPCheck configures a TCP port health check.
type TCPCheck struct {
	Port int    `yaml:"port,omitempty"`
	Host string `yaml:"host,omitempty"`
}

// ExecCheck configures a command health check.
type ExecCheck struct {
	Command     string            `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	WorkingDir  string            `yaml:"working-dir,omitempty"`
	User        string            `yaml:"user,omitempty"`
	Group       string            `yaml:"group,omitempty"`
}

// Copy returns a deep copy of the check.
func (c *Check) Copy() *Check {
	copied := *c
	if c.HTTP != nil {
		httpCopy := *c.HTTP
		httpCopy.Headers = copyMap(c.HTTP.Headers)
		copied.HTTP = &httpCopy
	}
	if c.TCP != nil {
		tcpCopy := *c.TCP
		copied.TCP = &tcpCopy
	}
	if c.Exec != nil {
		execCopy := *c.Exec
		execCopy.Environment = copyMap(c.Exec.Environment)
		copied.Exec = &execCopy
	}
	return &copied
}

// Merge combines fields from other into c, with the same rules as
// Service.Merge.
func (c *Check) Merge(other *Check) {
	if other.Level != "" {
		c.Level = other.Level
	}
	if other.Period != 0 {
		c.Period = other.Period
	}
	if other.Timeout != 0 {
		c.Timeout = other.Timeout
	}
	if other.Threshold != 0 {
		c.Threshold = other.Threshold
	}
	if other.HTTP != nil {
		if c.HTTP == nil {
			c.HTTP = &HTTPCheck{}
		}
		if other.HTTP.URL != "" {
			c.HTTP.URL = other.HTTP.URL
		}
		c.HTTP.Headers = mergeMap(c.HTTP.Headers, other.HTTP.Headers)
	}
	if other.TCP != nil {
		if c.TCP == nil {
			c.TCP = &TCPCheck{}
		}
		if other.TCP.Port != 0 {
			c.TCP.Port = other.TCP.Port
		}
		if other.TCP.Host != "" {
			c.TCP.Host = other.TCP.Host
		}
	}
	if other.Exec != nil {
		if c.Exec == nil {
			c.Exec = &ExecCheck{}
		}
		if other.Exec.Command != "" {
			c.Exec.Command = other.Exec.Command
		}
		c.Exec.Environment = mergeMap(c.Exec.Environment, other.Exec.Environment)
		if other.Exec.WorkingDir != "" {
			c.Exec.WorkingDir = other.Exec.WorkingDir
		}
		if other.Exec.User != "" {
			c.Exec.User = other.Exec.User
		}
		if other.Exec.Group != "" {
			c.Exec.Group = other.Exec.Group
		}
	}
}

// LogTarget is one log forwarding destination within a layer.
type LogTarget struct {
	Name string `yaml:"-"`

	Override Override          `yaml:"override,omitempty"`
	Type     string            `yaml:"type,omitempty"`
	Location string            `yaml:"location,omitempty"`
	Services []string          `yaml:"services,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

// Copy returns a deep copy of the log target.
func (t *LogTarget) Copy() *LogTarget {
	copied := *t
	copied.Services = append([]string(nil), t.Services...)
	copied.Labels = copyMap(t.Labels)
	return &copied
}

// Merge combines fields from other into t, with the same rules as
// Service.Merge.
func (t *LogTarget) Merge(other *LogTarget) {
	if other.Type != "" {
		t.Type = other.Type
	}
	if other.Location != "" {
		t.Location = other.Location
	}
	t.Services = append(t.Services, other.Services...)
	t.Labels = mergeMap(t.Labels, other.Labels)
}

// ParseLayer parses a layer from its YAML form, rejecting unknown fields.
func ParseLayer(data []byte) (*Layer, error) {
	var layer Layer
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&layer); err != nil {
		return nil, fmt.Errorf("cannot parse layer: %w", err)
	}
	for name, service := range layer.Services {
		if service == nil {
			return nil, fmt.Errorf("service %q has a null definition", name)
		}
		service.Name = name
	}
	for name, check := range layer.Checks {
		if check == nil {
			return nil, fmt.Errorf("check %q has a null definition", name)
		}
		check.Name = name
	}
	for name, target := range layer.LogTargets {
		if target == nil {
			return nil, fmt.Errorf("log target %q has a null definition", name)
		}
		target.Name = name
	}
	return &layer, nil
}

// Yaml serializes the layer back to YAML.
func (l *Layer) Yaml() ([]byte, error) {
	return yaml.Marshal(l)
}

// ParsePlan parses the server's combined plan from its YAML form.
func ParsePlan(data []byte) (*Plan, error) {
	layer, err := ParseLayer(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse plan: %w", err)
	}
	return &Plan{
		Services:   layer.Services,
		Checks:     layer.Checks,
		LogTargets: layer.LogTargets,
	}, nil
}

// Yaml serializes the plan to YAML.
func (p *Plan) Yaml() ([]byte, error) {
	return yaml.Marshal(p)
}

// CombineLayers flattens layers in order into a single layer, applying each
// entity's override directive: replace discards the earlier definition,
// merge combines field by field. An entity with an unrecognized override is
// an error.
func CombineLayers(layers ...*Layer) (*Layer, error) {
	combined := &Layer{
		Services:   make(map[string]*Service),
		Checks:     make(map[string]*Check),
		LogTargets: make(map[string]*LogTarget),
	}
	for _, layer := range layers {
		if layer.Summary != "" {
			combined.Summary = layer.Summary
		}
		if layer.Description != "" {
			combined.Description = layer.Description
		}
		for name, service := range layer.Services {
			existing, ok := combined.Services[name]
			switch service.Override {
			case ReplaceOverride:
				combined.Services[name] = service.Copy()
			case MergeOverride:
				if !ok {
					combined.Services[name] = service.Copy()
					break
				}
				existing.Merge(service)
			default:
				return nil, fmt.Errorf("service %q has invalid override value %q", name, service.Override)
			}
		}
		for name, check := range layer.Checks {
			existing, ok := combined.Checks[name]
			switch check.Override {
			case ReplaceOverride:
				combined.Checks[name] = check.Copy()
			case MergeOverride:
				if !ok {
					combined.Checks[name] = check.Copy()
					break
				}
				existing.Merge(check)
			default:
				return nil, fmt.Errorf("check %q has invalid override value %q", name, check.Override)
			}
		}
		for name, target := range layer.LogTargets {
			existing, ok := combined.LogTargets[name]
			switch target.Override {
			case ReplaceOverride:
				combined.LogTargets[name] = target.Copy()
			case MergeOverride:
				if !ok {
					combined.LogTargets[name] = target.Copy()
					break
				}
				existing.Merge(target)
			default:
				return nil, fmt.Errorf("log target %q has invalid override value %q", name, target.Override)
			}
		}
	}
	return combined, nil
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	copied := make(map[K]V, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

func mergeMap[K comparable, V any](base, overlay map[K]V) map[K]V {
	if len(overlay) == 0 {
		return base
	}
	if base == nil {
		base = make(map[K]V, len(overlay))
	}
	for k, v := range overlay {
		base[k] = v
	}
	return base
}
