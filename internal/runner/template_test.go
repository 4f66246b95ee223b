package runner

import (
	"testing"

	v1 "github.com/infracollect/dfircollect/apis/v1"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var caseVariables = map[string]string{
	"JOB_NAME": "triage",
	"HOSTNAME": "ws-042",
	"CASE_ID":  "IR-2291",
	"BUCKET":   "evidence-eu",
}

func TestExpandTemplates_CollectJob(t *testing.T) {
	shared := "/cases/${CASE_ID}/spool"
	job := v1.CollectJob{
		Metadata: v1.Metadata{
			Name:   "${JOB_NAME}",
			Labels: map[string]string{"case": "${CASE_ID}"},
		},
		Spec: v1.CollectJobSpec{
			Collectors: []v1.Collector{
				{
					ID: "${CASE_ID}",
					Files: &v1.FilesCollector{
						Root:     "/home/${HOSTNAME}",
						Patterns: []string{"**/.bash_history", "${CASE_ID}/**"},
						Filter:   lo.ToPtr(`name.startsWith("${X}")`),
					},
				},
				{
					ID: "live",
					Command: &v1.CommandCollector{Commands: []v1.Command{{
						Name:    "${JOB_NAME}",
						Program: []string{"hostname"},
						Env:     map[string]string{"CASE": "${CASE_ID}"},
					}}},
				},
				{ID: "empty"},
			},
			Archive: &v1.ArchiveSpec{
				Name:     "${JOB_NAME}-${HOSTNAME}",
				SpoolDir: &shared,
			},
			Output: &v1.OutputSpec{Sink: &v1.SinkSpec{S3: &v1.S3SinkSpec{
				Bucket: "${BUCKET}",
				Prefix: lo.ToPtr("${HOSTNAME}/"),
			}}},
		},
	}

	require.NoError(t, ExpandTemplates(&job, caseVariables))

	// Untagged strings stay as written.
	assert.Equal(t, "${JOB_NAME}", job.Metadata.Name)
	assert.Equal(t, "${CASE_ID}", job.Spec.Collectors[0].ID)
	assert.Equal(t, `name.startsWith("${X}")`, *job.Spec.Collectors[0].Files.Filter)
	assert.Equal(t, "${JOB_NAME}", job.Spec.Collectors[1].Command.Commands[0].Name)

	assert.Equal(t, map[string]string{"case": "IR-2291"}, job.Metadata.Labels)
	assert.Equal(t, "/home/ws-042", job.Spec.Collectors[0].Files.Root)
	assert.Equal(t, []string{"**/.bash_history", "IR-2291/**"}, job.Spec.Collectors[0].Files.Patterns)
	assert.Equal(t, map[string]string{"CASE": "IR-2291"}, job.Spec.Collectors[1].Command.Commands[0].Env)
	assert.Nil(t, job.Spec.Collectors[2].Files)
	assert.Equal(t, "triage-ws-042", job.Spec.Archive.Name)
	assert.Equal(t, "/cases/IR-2291/spool", *job.Spec.Archive.SpoolDir)
	assert.Equal(t, "/cases/${CASE_ID}/spool", shared, "pointee is replaced, not written through")
	assert.Equal(t, "evidence-eu", job.Spec.Output.Sink.S3.Bucket)
	assert.Equal(t, "ws-042/", *job.Spec.Output.Sink.S3.Prefix)
}

func TestExpandTemplates_Collectors(t *testing.T) {
	collectors := []v1.Collector{
		{ID: "img", Volume: &v1.VolumeCollector{Image: "/dev/${DISK:-sda},part=1"}},
		{ID: "note", Static: &v1.StaticCollector{Name: "${CASE_ID}.txt", Value: lo.ToPtr("opened by ${ANALYST}")}},
	}

	err := ExpandTemplates(&collectors, caseVariables)
	require.Error(t, err)
	assert.ErrorContains(t, err, `"ANALYST"`)

	assert.Equal(t, "/dev/sda,part=1", collectors[0].Volume.Image)
	assert.Equal(t, "IR-2291.txt", collectors[1].Static.Name)
}

func TestExpandTemplates_Shapes(t *testing.T) {
	assert.NoError(t, ExpandTemplates[v1.CollectJob](nil, caseVariables))

	s := "${JOB_NAME}"
	err := ExpandTemplates(&s, caseVariables)
	require.Error(t, err)
	assert.ErrorContains(t, err, "expects *struct or *[]struct")

	type unusual struct {
		Counts map[string]int    `template:""`
		Skip   string            `template:"-"`
		hidden string            `template:""`
		Tags   map[string]string // expanded even untagged
	}
	u := unusual{
		Counts: map[string]int{"${A}": 1},
		Skip:   "${CASE_ID}",
		hidden: "${CASE_ID}",
		Tags:   map[string]string{"host": "${HOSTNAME}"},
	}
	require.NoError(t, ExpandTemplates(&u, caseVariables))
	assert.Equal(t, map[string]int{"${A}": 1}, u.Counts)
	assert.Equal(t, "${CASE_ID}", u.Skip)
	assert.Equal(t, "${CASE_ID}", u.hidden)
	assert.Equal(t, map[string]string{"host": "ws-042"}, u.Tags)
}

func TestExpand(t *testing.T) {
	tests := []struct {
		in          string
		want        string
		errContains []string
	}{
		{in: "/var/log/syslog", want: "/var/log/syslog"},
		{in: "${JOB_NAME}-${HOSTNAME}", want: "triage-ws-042"},
		{in: "$HOSTNAME.raw", want: "ws-042.raw"},
		{in: "s3://${BUCKET}/${CASE_ID}/", want: "s3://evidence-eu/IR-2291/"},
		{in: "${ANALYST:-unknown}", want: "unknown"},
		{in: "${CASE_ID:-none}", want: "IR-2291"},
		{in: "[${ANALYST:-}]", want: "[]"},
		{in: "${AWS_SECRET_ACCESS_KEY}", errContains: []string{`"AWS_SECRET_ACCESS_KEY" is not in the allowed list`}},
		{in: "${A}/${B}", errContains: []string{`"A"`, `"B"`}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Expand(tt.in, caseVariables)
			if len(tt.errContains) > 0 {
				require.Error(t, err)
				for _, s := range tt.errContains {
					assert.ErrorContains(t, err, s)
				}
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandMap(t *testing.T) {
	got, err := ExpandMap(nil, caseVariables)
	require.NoError(t, err)
	assert.Nil(t, got)

	in := map[string]string{"x-amz-meta-case": "${CASE_ID}", "x-amz-meta-host": "${HOSTNAME}"}
	got, err = ExpandMap(in, caseVariables)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-amz-meta-case": "IR-2291", "x-amz-meta-host": "ws-042"}, got)
	assert.Equal(t, "${CASE_ID}", in["x-amz-meta-case"])

	_, err = ExpandMap(map[string]string{"a": "${NOPE}"}, caseVariables)
	assert.ErrorContains(t, err, `"NOPE"`)
}
