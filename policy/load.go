package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// policyDoc is the on-disk YAML schema. It mirrors Policy except that the
// timeout is a human-readable duration string ("1s", "2m30s").
type policyDoc struct {
	Mounts           []Mount     `yaml:"root_mounts"`
	Network          NetworkMode `yaml:"network_mode"`
	CPULimit         *float64    `yaml:"cpu_limit"`
	MemoryLimit      *int64      `yaml:"memory_limit_bytes"`
	MaxProcesses     *int        `yaml:"max_processes"`
	WallClockTimeout string      `yaml:"wall_clock_timeout"`
	OutputLimit      int64       `yaml:"output_limit_bytes"`
	Hostname         string      `yaml:"hostname"`
	UIDMap           []IDMap     `yaml:"uid_mappings"`
	GIDMap           []IDMap     `yaml:"gid_mappings"`
}

// Parse decodes a YAML policy document and validates it. Decoding is
// strict: unknown keys are an error, never silently ignored.
func Parse(data []byte) (Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc policyDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Policy{}, &ValidationError{Reason: "empty policy document"}
		}
		return Policy{}, &ValidationError{Reason: err.Error()}
	}

	p := Policy{
		Mounts:       doc.Mounts,
		Network:      doc.Network,
		CPULimit:     doc.CPULimit,
		MemoryLimit:  doc.MemoryLimit,
		MaxProcesses: doc.MaxProcesses,
		OutputLimit:  doc.OutputLimit,
		Hostname:     doc.Hostname,
		UIDMap:       doc.UIDMap,
		GIDMap:       doc.GIDMap,
	}

	if doc.WallClockTimeout != "" {
		d, err := time.ParseDuration(doc.WallClockTimeout)
		if err != nil {
			return Policy{}, &ValidationError{
				Field:  "wall_clock_timeout",
				Reason: fmt.Sprintf("bad duration %q", doc.WallClockTimeout),
			}
		}
		p.WallClockTimeout = d
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadFile reads and parses a YAML policy file.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}
