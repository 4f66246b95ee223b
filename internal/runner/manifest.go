package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/samber/lo"
)

const ManifestName = "collection.json"

type manifest struct {
	Job        string            `json:"job"`
	Labels     map[string]string `json:"labels,omitempty"`
	Hostname   string            `json:"hostname"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Collectors []manifestSource  `json:"collectors"`
	Items      []manifestItem    `json:"items"`
}

type manifestSource struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type manifestItem struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Collector string `json:"collector,omitempty"`
	Source    string `json:"source,omitempty"`
}

// appendManifest lists everything the collectors discovered in set, and
// appends the listing as the last item.
func (r *Runner) appendManifest(set *engine.ArchiveItemSet) func(context.Context, engine.ItemAppender) error {
	return func(_ context.Context, items engine.ItemAppender) error {
		hostname, _ := os.Hostname()

		m := manifest{
			Job:        r.job.Metadata.Name,
			Labels:     r.job.Metadata.Labels,
			Hostname:   hostname,
			StartedAt:  r.pipeline.Date(),
			FinishedAt: time.Now().UTC(),
			Collectors: lo.Map(r.pipeline.Collectors(), func(e engine.CollectorEntry, _ int) manifestSource {
				return manifestSource{ID: e.ID, Kind: e.Collector.Kind(), Name: e.Collector.Name()}
			}),
			Items: []manifestItem{},
		}

		for _, ref := range set.Items() {
			m.Items = append(m.Items, manifestItem{
				Name:      ref.Name,
				Size:      ref.Size,
				Collector: ref.Attributes[engine.CollectorAttribute],
				Source:    ref.Attributes["source_path"],
			})
		}

		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}

		if _, err := items.Append(engine.ArchiveItem{
			Name:    ManifestName,
			Source:  engine.BytesSource(data),
			Size:    int64(len(data)),
			ModTime: m.FinishedAt,
		}); err != nil {
			return fmt.Errorf("failed to append manifest: %w", err)
		}
		return nil
	}
}
