package v1

const CollectJobKind = "CollectJob"

type CollectJob struct {
	Kind     string         `yaml:"kind" json:"kind" validate:"required,eq=CollectJob"`
	Metadata Metadata       `yaml:"metadata" json:"metadata"`
	Spec     CollectJobSpec `yaml:"spec" json:"spec"`
}

type Metadata struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	// Labels are recorded in the collection manifest.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty" template:""`
}

type CollectJobSpec struct {
	Collectors []Collector  `yaml:"collectors" json:"collectors" validate:"required,min=1,dive"`
	Archive    *ArchiveSpec `yaml:"archive,omitempty" json:"archive,omitempty"`
	Output     *OutputSpec  `yaml:"output,omitempty" json:"output,omitempty"`
	Metrics    *MetricsSpec `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// Collector is a tagged union: exactly one of the typed fields is set.
type Collector struct {
	ID      string            `yaml:"id" json:"id" validate:"required"`
	Files   *FilesCollector   `yaml:"files,omitempty" json:"files,omitempty"`
	Volume  *VolumeCollector  `yaml:"volume,omitempty" json:"volume,omitempty"`
	Command *CommandCollector `yaml:"command,omitempty" json:"command,omitempty"`
	Static  *StaticCollector  `yaml:"static,omitempty" json:"static,omitempty"`
}

// FilesCollector collects files matching glob patterns below Root.
type FilesCollector struct {
	// Root defaults to "/".
	Root     string   `yaml:"root,omitempty" json:"root,omitempty" template:""`
	Patterns []string `yaml:"patterns" json:"patterns" validate:"required,min=1" template:""`
	Exclude  []string `yaml:"exclude,omitempty" json:"exclude,omitempty" template:""`
	// Filter is a CEL expression over path, name, size and mtime.
	Filter *string `yaml:"filter,omitempty" json:"filter,omitempty"`
	// MaxSize skips larger files, e.g. "512MB".
	MaxSize *string `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	// Prefix is prepended to archive entry names. Defaults to the collector ID.
	Prefix *string `yaml:"prefix,omitempty" json:"prefix,omitempty" template:""`
}

// VolumeCollector images a disk, a partition or a byte range of a device.
type VolumeCollector struct {
	// Image is "path[,offset=N][,size=N][,sector=N][,part=N]".
	Image string `yaml:"image" json:"image" validate:"required" template:""`
	// ChunkSize splits the image into several items, e.g. "1GiB".
	ChunkSize *string `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	// Name of the archive entry. Defaults to the image file name.
	Name *string `yaml:"name,omitempty" json:"name,omitempty" template:""`
}

// CommandCollector runs live-response commands and archives their output.
type CommandCollector struct {
	Commands []Command `yaml:"commands" json:"commands" validate:"required,min=1,dive"`
	// Timeout per command, e.g. "30s".
	Timeout *string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Concurrency caps how many commands run at once. Defaults to 1.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"gte=0"`
}

type Command struct {
	Name       string            `yaml:"name" json:"name" validate:"required"`
	Program    []string          `yaml:"program" json:"program" validate:"required,min=1" template:""`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty" template:""`
	WorkingDir *string           `yaml:"working_dir,omitempty" json:"working_dir,omitempty" template:""`
}

// StaticCollector archives an inline value or a file read as-is.
type StaticCollector struct {
	Name     string  `yaml:"name" json:"name" validate:"required" template:""`
	Value    *string `yaml:"value,omitempty" json:"value,omitempty" template:""`
	Filepath *string `yaml:"filepath,omitempty" json:"filepath,omitempty" template:""`
}

// ArchiveSpec configures the archive container.
type ArchiveSpec struct {
	// Name of the archive without extension.
	// Defaults to "${JOB_NAME}-${HOSTNAME}-${JOB_DATE_ISO8601}".
	Name        string `yaml:"name,omitempty" json:"name,omitempty" template:""`
	Format      string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=tar zip"`
	Compression string `yaml:"compression,omitempty" json:"compression,omitempty" validate:"omitempty,oneof=gzip zstd deflate none"`
	// Password encrypts the whole archive.
	Password *string `yaml:"password,omitempty" json:"password,omitempty" template:""`
	// BatchSize bounds non-final batches. Zero archives everything in one
	// final batch.
	BatchSize       int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty" validate:"gte=0"`
	SelectionPolicy string `yaml:"selection_policy,omitempty" json:"selection_policy,omitempty" validate:"omitempty,oneof=first_ready largest_first"`
	// SpoolDir holds temporary files. Defaults to the OS temp directory.
	SpoolDir *string `yaml:"spool_dir,omitempty" json:"spool_dir,omitempty" template:""`
}

// OutputSpec configures where the finished archive is written.
type OutputSpec struct {
	Sink *SinkSpec `yaml:"sink,omitempty" json:"sink,omitempty"`
}

// SinkSpec configures the destination (one of the fields should be set).
type SinkSpec struct {
	Stdout     *StdoutSinkSpec     `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Filesystem *FilesystemSinkSpec `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	S3         *S3SinkSpec         `yaml:"s3,omitempty" json:"s3,omitempty"`
}

type StdoutSinkSpec struct{}

type FilesystemSinkSpec struct {
	// Path defaults to the working directory.
	Path   *string `yaml:"path,omitempty" json:"path,omitempty" template:""`
	Prefix *string `yaml:"prefix,omitempty" json:"prefix,omitempty" template:""`
}

type S3SinkSpec struct {
	Bucket               string            `yaml:"bucket" json:"bucket" validate:"required" template:""`
	Region               *string           `yaml:"region,omitempty" json:"region,omitempty" template:""`
	Endpoint             *string           `yaml:"endpoint,omitempty" json:"endpoint,omitempty" template:""`
	Prefix               *string           `yaml:"prefix,omitempty" json:"prefix,omitempty" template:""`
	ForcePathStyle       bool              `yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`
	ServerSideEncryption *string           `yaml:"server_side_encryption,omitempty" json:"server_side_encryption,omitempty" validate:"omitempty,oneof=AES256 aws:kms"`
	Metadata             map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty" template:""`
	Credentials          *S3Credentials    `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	// PartSize of multipart uploads, e.g. "64MiB".
	PartSize *string `yaml:"part_size,omitempty" json:"part_size,omitempty"`
	// Concurrency is the number of parts uploaded at once.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"gte=0"`
}

type S3Credentials struct {
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" validate:"required" template:""`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" validate:"required" template:""`
}

// MetricsSpec writes Prometheus metrics in text format when the job ends.
type MetricsSpec struct {
	Textfile string `yaml:"textfile" json:"textfile" validate:"required" template:""`
}
