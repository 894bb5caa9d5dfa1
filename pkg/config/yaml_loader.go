package config

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/countyops/assessorsync/pkg/errors"
)

// LoadYAML loads a YAML document (job spec, mapping, rule set) from filePath
// into out, substituting ${VAR} and ${VAR:-default} from the environment.
func LoadYAML(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path is supplied by the operator
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "failed to read file").WithDetail("path", filePath)
	}
	return DecodeYAML(data, out)
}

// DecodeYAML is LoadYAML over an in-memory document.
func DecodeYAML(data []byte, out interface{}) error {
	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), out); err != nil {
		return errors.Wrap(err, errors.KindConfig, "failed to parse YAML")
	}
	return nil
}

// SaveYAML writes v to filePath as YAML.
func SaveYAML(filePath string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "failed to marshal YAML")
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.KindConfig, "failed to write file").WithDetail("path", filePath)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are not rescanned.
func substituteEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[2]
	})
}
