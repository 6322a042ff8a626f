package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/security"
)

// namePattern is the allowed pattern for plugin names.
// Must start with a letter, contain only lowercase letters, numbers, and hyphens,
// and end with a letter or number.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// DefaultEngineVersion is the engine version reported by this host.
const DefaultEngineVersion = "1.0.0"

// Validator checks manifests against the schema and the host engine version.
// It has no side effects: a rejected manifest never causes plugin code to load.
type Validator struct {
	engine  *semver.Version
	structs *validator.Validate
}

// NewValidator creates a Validator for the given host engine version.
func NewValidator(engineVersion string) (*Validator, error) {
	v, err := semver.StrictNewVersion(engineVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid engine version %q: %w", engineVersion, err)
	}

	structs := validator.New()
	structs.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{engine: v, structs: structs}, nil
}

// EngineVersion returns the host engine version manifests are checked against.
func (v *Validator) EngineVersion() string {
	return v.engine.String()
}

// Validate parses a JSON manifest and validates it.
func (v *Validator) Validate(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &faults.ValidationError{Reason: fmt.Sprintf("malformed manifest: %v", err)}
	}
	if err := v.ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifest validates m and records its parsed capability request.
func (v *Validator) ValidateManifest(m *Manifest) error {
	if m == nil {
		return &faults.ValidationError{Reason: "manifest is nil"}
	}

	if err := v.structs.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &faults.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q check", fe.Tag())}
		}
		return &faults.ValidationError{Reason: err.Error()}
	}

	if !namePattern.MatchString(m.Name) {
		return &faults.ValidationError{Field: "name", Reason: fmt.Sprintf("invalid name %q", m.Name)}
	}

	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return &faults.ValidationError{Field: "version", Reason: fmt.Sprintf("invalid version %q", m.Version)}
	}

	constraint, err := semver.NewConstraint(m.EngineVersionRange)
	if err != nil {
		return &faults.ValidationError{Field: "engineVersionRange", Reason: fmt.Sprintf("invalid range %q", m.EngineVersionRange)}
	}
	if !constraint.Check(v.engine) {
		return &faults.ValidationError{
			Field:  "engineVersionRange",
			Reason: fmt.Sprintf("engine %s does not satisfy %q", v.engine, m.EngineVersionRange),
		}
	}

	if err := validateEntryPoint(m.EntryPoint); err != nil {
		return err
	}

	requested, err := security.ParseRequested(m.RequestedCapabilities)
	if err != nil {
		return err
	}
	m.requested = requested

	return nil
}

func validateEntryPoint(entry string) error {
	slashed := filepath.ToSlash(entry)
	if filepath.IsAbs(entry) || strings.HasPrefix(slashed, "/") {
		return &faults.ValidationError{Field: "entryPoint", Reason: "must be relative to the plugin directory"}
	}
	clean := filepath.ToSlash(filepath.Clean(entry))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &faults.ValidationError{Field: "entryPoint", Reason: "escapes the plugin directory"}
	}
	if filepath.Ext(clean) != ".lua" {
		return &faults.ValidationError{Field: "entryPoint", Reason: "must be a .lua file"}
	}
	return nil
}

// LoadManifest reads and validates the manifest at path. YAML manifests are
// recognized by extension.
func (v *Validator) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, &faults.ValidationError{Reason: fmt.Sprintf("malformed manifest: %v", err)}
		}
	}

	m, err := v.Validate(data)
	if err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	m.path = dir

	info, err := os.Stat(m.EntryPath())
	if err != nil || info.IsDir() {
		return nil, &faults.ValidationError{Field: "entryPoint", Reason: fmt.Sprintf("%s not found", m.EntryPoint)}
	}
	return m, nil
}

// LoadManifestFromDir finds and loads the manifest in dir.
func (v *Validator) LoadManifestFromDir(dir string) (*Manifest, error) {
	path, ok := FindManifest(dir)
	if !ok {
		return nil, fmt.Errorf("%w: no manifest in %s", ErrNoManifest, dir)
	}
	return v.LoadManifest(path)
}

// FindManifest returns the manifest file in dir, if any.
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
