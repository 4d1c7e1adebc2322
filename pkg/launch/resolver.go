package launch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-keeper/pkg/config"
	"github.com/core-tools/hsu-keeper/pkg/errors"
)

// DefaultInterpreters maps artifact extensions to the program that runs them
var DefaultInterpreters = map[string]string{
	".py": "python",
}

// Resolver expands project definitions into launch specs
type Resolver struct {
	baseDir      string
	interpreters map[string]string
}

// NewResolver creates a resolver; relative local paths are joined against baseDir.
// A nil interpreters map selects DefaultInterpreters.
func NewResolver(baseDir string, interpreters map[string]string) (*Resolver, error) {
	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve base directory", err).WithContext("base_dir", baseDir)
	}

	if interpreters == nil {
		interpreters = DefaultInterpreters
	}
	normalized := make(map[string]string, len(interpreters))
	for ext, interpreter := range interpreters {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[ext] = interpreter
	}

	return &Resolver{
		baseDir:      absBaseDir,
		interpreters: normalized,
	}, nil
}

// BaseDir returns the absolute directory relative local paths are resolved against
func (r *Resolver) BaseDir() string {
	return r.baseDir
}

// Resolve turns one project into a launch spec.
// Each args token resolves to a same-named project field, else a same-named
// global field, else the token itself. The local_path token resolves to the absolute target.
func (r *Resolver) Resolve(project config.ProjectSpec, global *config.Document) (LaunchSpec, error) {
	if strings.TrimSpace(project.LocalPath) == "" {
		return LaunchSpec{}, errors.NewConfigValidationError(config.ProjectKeyLocalPath, "project local_path cannot be empty")
	}

	target := project.LocalPath
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.baseDir, target)
	}
	target = filepath.Clean(target)

	spec := LaunchSpec{
		Name:             NameOf(target),
		Target:           target,
		Interpreter:      r.interpreters[strings.ToLower(filepath.Ext(target))],
		Args:             make([]string, 0, len(project.Args)),
		WorkingDirectory: filepath.Dir(target),
	}

	for i, token := range project.Args {
		if token == config.ProjectKeyLocalPath {
			spec.Args = append(spec.Args, spec.Target)
			continue
		}
		value, err := resolveToken(token, project, global)
		if err != nil {
			return LaunchSpec{}, errors.NewConfigValidationError(
				fmt.Sprintf("%s[%d]", config.ProjectKeyArgs, i),
				fmt.Sprintf("cannot resolve argument %v: %v", token, err),
			).WithContext("project", spec.Name)
		}
		spec.Args = append(spec.Args, value)
	}

	return spec, nil
}

// ResolveAll resolves every project of a document in order.
// When two projects derive the same name the first one wins; the others are
// skipped and reported as conflicts in the returned error collection.
func (r *Resolver) ResolveAll(doc *config.Document) ([]LaunchSpec, error) {
	if doc == nil {
		return nil, errors.NewValidationError("configuration document cannot be nil", nil)
	}

	errorCollection := errors.NewErrorCollection()
	specs := make([]LaunchSpec, 0, len(doc.Projects))
	seen := make(map[string]string, len(doc.Projects))

	for i, project := range doc.Projects {
		spec, err := r.Resolve(project, doc)
		if err != nil {
			errorCollection.Add(err)
			continue
		}
		if previous, exists := seen[spec.Name]; exists {
			errorCollection.Add(errors.NewConflictError(
				fmt.Sprintf("project %d derives duplicate name '%s'", i, spec.Name), nil).
				WithContext("target", spec.Target).
				WithContext("existing_target", previous))
			continue
		}
		seen[spec.Name] = spec.Target
		specs = append(specs, spec)
	}

	return specs, errorCollection.ToError()
}

func resolveToken(token interface{}, project config.ProjectSpec, global *config.Document) (string, error) {
	key, isString := token.(string)
	if !isString {
		return formatValue(token)
	}
	if value, ok := project.Field(key); ok {
		return formatValue(value)
	}
	if global != nil {
		if value, ok := global.Field(key); ok {
			return formatValue(value)
		}
	}
	return key, nil
}

// formatValue renders a resolved value as one command line token.
// Objects become compact JSON with sorted keys, lists are joined with ",".
func formatValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []interface{}:
		items := make([]string, 0, len(v))
		for _, item := range v {
			formatted, err := formatValue(item)
			if err != nil {
				return "", err
			}
			items = append(items, formatted)
		}
		return strings.Join(items, ","), nil
	case map[string]interface{}:
		return compactJSON(v)
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func compactJSON(value interface{}) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
