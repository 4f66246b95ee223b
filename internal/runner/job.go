package runner

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/infracollect/dfircollect/internal/collectors/command"
	"github.com/infracollect/dfircollect/internal/collectors/files"
	"github.com/infracollect/dfircollect/internal/collectors/static"
	"github.com/infracollect/dfircollect/internal/collectors/volume"
	"github.com/infracollect/dfircollect/internal/engine"
)

const (
	DefaultArchiveName = "${JOB_NAME}-${HOSTNAME}-${JOB_DATE_ISO8601}"

	// ISO8601Basic has no colons, so it is safe in file names and S3 keys.
	ISO8601Basic = "20060102T150405Z"
)

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseCollectJob parses a YAML or JSON job file and validates it. It
// returns a validated CollectJob or an error if parsing or validation fails.
func ParseCollectJob(data []byte) (v1.CollectJob, error) {
	var job v1.CollectJob
	if err := yaml.Unmarshal(data, &job); err != nil {
		return v1.CollectJob{}, fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	if err := defaultValidator.Struct(job); err != nil {
		return v1.CollectJob{}, fmt.Errorf("failed to validate job: %w", err)
	}

	for _, c := range job.Spec.Collectors {
		if _, err := ResolveCollectorSpec(c); err != nil {
			return v1.CollectJob{}, fmt.Errorf("failed to validate job: %w", err)
		}
	}

	return job, nil
}

// BuildVariables creates the variables available to templates: built-in
// ones and the allowed environment variables, which must all be set.
func BuildVariables(job v1.CollectJob, allowedEnv []string) (map[string]string, error) {
	date := time.Now().UTC()
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	variables := map[string]string{
		"JOB_NAME":         job.Metadata.Name,
		"JOB_DATE_ISO8601": date.Format(ISO8601Basic),
		"JOB_DATE_RFC3339": date.Format(time.RFC3339),
		"HOSTNAME":         hostname,
	}

	var errs error
	for _, envName := range allowedEnv {
		val, ok := os.LookupEnv(envName)
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("environment variable %q is not set", envName))
			continue
		}
		variables[envName] = val
	}

	if errs != nil {
		return nil, errs
	}

	return variables, nil
}

// ResolvedSpec holds a kind identifier and the spec for that kind.
type ResolvedSpec struct {
	Kind string
	Spec any
}

// ResolveCollectorSpec extracts the kind and spec from a v1.Collector, which
// must have exactly one collector type set.
func ResolveCollectorSpec(c v1.Collector) (ResolvedSpec, error) {
	var resolved []ResolvedSpec
	if c.Files != nil {
		resolved = append(resolved, ResolvedSpec{Kind: files.CollectorKind, Spec: c.Files})
	}
	if c.Volume != nil {
		resolved = append(resolved, ResolvedSpec{Kind: volume.CollectorKind, Spec: c.Volume})
	}
	if c.Command != nil {
		resolved = append(resolved, ResolvedSpec{Kind: command.CollectorKind, Spec: c.Command})
	}
	if c.Static != nil {
		resolved = append(resolved, ResolvedSpec{Kind: static.CollectorKind, Spec: c.Static})
	}

	switch len(resolved) {
	case 0:
		return ResolvedSpec{}, fmt.Errorf("collector %q has no type specified", c.ID)
	case 1:
		return resolved[0], nil
	default:
		return ResolvedSpec{}, fmt.Errorf("collector %q has more than one type specified", c.ID)
	}
}

// BuildRegistry creates a registry with every collector kind registered.
func BuildRegistry(r *engine.Registry) *engine.Registry {
	files.Register(r)
	volume.Register(r)
	command.Register(r)
	static.Register(r)
	return r
}

// ApplyDefaults fills in defaults that are themselves templates, so it must
// run before ExpandTemplates.
func ApplyDefaults(job *v1.CollectJob) {
	if job.Spec.Archive == nil {
		job.Spec.Archive = &v1.ArchiveSpec{}
	}
	if job.Spec.Archive.Name == "" {
		job.Spec.Archive.Name = DefaultArchiveName
	}
}
