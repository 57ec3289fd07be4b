package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// JobConfig is the parsed simulation config a job submission references
// or inlines. Experiment/RunName drive job_name derivation; Container
// describes the image the worker agent runs it in; Raw keeps the full
// document for persistence.
type JobConfig struct {
	Experiment struct {
		Name    string `yaml:"name"`
		RunName string `yaml:"run_name"`
	} `yaml:"experiment"`
	Container struct {
		Image   string            `yaml:"image"`
		Command []string          `yaml:"command"`
		Volumes []ConfigVolume    `yaml:"volumes"`
		Env     map[string]string `yaml:"env"`
	} `yaml:"container"`
	Raw map[string]any `yaml:"-"`
}

// ConfigVolume is a single host-to-container bind mount as written in a
// job config's container.volumes list.
type ConfigVolume struct {
	Host      string `yaml:"host"`
	Container string `yaml:"container"`
	Mode      string `yaml:"mode"`
}

// LoadJobConfig reads and parses the YAML config at path.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseJobConfig(data)
}

// ParseJobConfig parses raw YAML bytes into a JobConfig.
func ParseJobConfig(data []byte) (*JobConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Raw = raw
	return &cfg, nil
}

// Marshal serializes cfg.Raw back to YAML, used when an inline config
// is submitted and must be persisted under ConfigsDir.
func (c *JobConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c.Raw)
}

// FromMap builds a JobConfig from an already-decoded JSON/YAML document,
// used when a submission inlines its config instead of naming a path.
func FromMap(m map[string]any) (*JobConfig, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode inline config: %w", err)
	}
	return ParseJobConfig(data)
}

var slugInvalid = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// DeriveJobName builds the slug job_name from experiment name and run
// name, verbatim to original_source's job_service.py behavior:
// non [a-zA-Z0-9_.-] characters become underscores, and both fields
// default when absent.
func DeriveJobName(experimentName, runName string) string {
	if experimentName == "" {
		experimentName = "UnnamedExperiment"
	}
	if runName == "" {
		runName = "UnnamedRun"
	}
	return slugInvalid.ReplaceAllString(experimentName+"-"+runName, "_")
}
