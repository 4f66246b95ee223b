package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockCollector struct {
	name    string
	kind    string
	items   []ArchiveItem
	err     error
	closed  bool
	collect func(ctx context.Context, items ItemAppender) error
}

func (m *mockCollector) Name() string { return m.name }
func (m *mockCollector) Kind() string { return m.kind }

func (m *mockCollector) Collect(ctx context.Context, items ItemAppender) error {
	if m.collect != nil {
		return m.collect(ctx, items)
	}
	for _, it := range m.items {
		if _, err := items.Append(it); err != nil {
			return err
		}
	}
	return m.err
}

func (m *mockCollector) Close(context.Context) error {
	m.closed = true
	return nil
}

type testCollectorSpec struct {
	Value string
}

type wrongSpec struct{}

func TestNewCollectorFactory(t *testing.T) {
	factory := NewCollectorFactory("files", func(_ context.Context, _ *zap.Logger, id string, spec testCollectorSpec) (Collector, error) {
		return &mockCollector{name: id + ":" + spec.Value, kind: "files"}, nil
	})

	collector, err := factory(t.Context(), zap.NewNop(), "logs", testCollectorSpec{Value: "/var/log"})
	require.NoError(t, err)
	assert.Equal(t, "logs:/var/log", collector.Name())

	collector, err = factory(t.Context(), zap.NewNop(), "logs", wrongSpec{})
	require.Error(t, err)
	assert.Nil(t, collector)
	assert.EqualError(t, err, "files collector expects a engine.testCollectorSpec spec, got engine.wrongSpec")
}

func TestRegistry_CreateCollector(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.RegisterCollector("files", NewCollectorFactory("files", func(_ context.Context, _ *zap.Logger, _ string, spec testCollectorSpec) (Collector, error) {
		return &mockCollector{name: spec.Value, kind: "files"}, nil
	}))
	registry.RegisterCollector("command", NewCollectorFactory("command", func(_ context.Context, _ *zap.Logger, _ string, _ testCollectorSpec) (Collector, error) {
		return nil, errors.New("boom")
	}))

	collector, err := registry.CreateCollector(t.Context(), "evtx", "files", testCollectorSpec{Value: "evtx"})
	require.NoError(t, err)
	assert.Equal(t, "evtx", collector.Name())

	_, err = registry.CreateCollector(t.Context(), "ps", "command", testCollectorSpec{})
	assert.EqualError(t, err, "boom")

	_, err = registry.CreateCollector(t.Context(), "hives", "registry", testCollectorSpec{})
	var unknown *UnknownKindError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "registry", unknown.Kind)
	assert.EqualError(t, err, `unknown collector kind "registry", expected one of: command, files`)

	assert.Equal(t, []string{"command", "files"}, registry.Kinds())
}

func TestRegistry_Empty(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	assert.Empty(t, registry.Kinds())

	_, err := registry.CreateCollector(t.Context(), "a", "files", nil)
	assert.EqualError(t, err, `unknown collector kind "files", none registered`)
}

func TestRegistry_DuplicateKind(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	factory := NewCollectorFactory("files", func(context.Context, *zap.Logger, string, testCollectorSpec) (Collector, error) {
		return nil, nil
	})

	registry.RegisterCollector("files", factory)
	assert.PanicsWithValue(t, `collector kind "files" registered twice`, func() {
		registry.RegisterCollector("files", factory)
	})
}
