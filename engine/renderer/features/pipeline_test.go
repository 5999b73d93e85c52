package features

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/jobs"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
	"github.com/spaghettifunk/helios/engine/renderer/registry"
)

type stubFeature struct {
	name   string
	deps   []string
	reads  []AttachmentAccess
	writes []AttachmentAccess

	initErr   error
	prepErr   error
	recordErr error
}

func (s *stubFeature) Name() string { return s.name }
func (s *stubFeature) Dependencies() []string { return s.deps }
func (s *stubFeature) Reads() []AttachmentAccess { return s.reads }
func (s *stubFeature) Writes() []AttachmentAccess {
	return s.writes
}
func (s *stubFeature) Initialize(ctx *SetupContext) error { return s.initErr }
func (s *stubFeature) PrepareFrame(ctx *FrameContext) error { return s.prepErr }
func (s *stubFeature) Destroy() error { return nil }

func (s *stubFeature) Record(ctx *FrameContext, cmd gpu.CommandBuffer) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	cmd.BindPipeline(s.name)
	return nil
}

func newTestSetup(t *testing.T) *SetupContext {
	t.Helper()
	dev := gpu.NewNullDevice(64)
	return &SetupContext{
		Device:   dev,
		Registry: registry.New(32),
		Extent:   gpu.Extent{Width: 640, Height: 480},
	}
}

func buildPipeline(t *testing.T, feats ...RenderFeature) *Pipeline {
	t.Helper()
	p := NewPipeline()
	for _, f := range feats {
		require.NoError(t, p.AddFeature(f))
	}
	return p
}

func recordedOps(t *testing.T, p *Pipeline, ctx *FrameContext) []string {
	t.Helper()
	cmd := &gpu.NullCommandBuffer{}
	require.NoError(t, cmd.Begin())
	require.NoError(t, p.PrepareFrame(ctx))
	require.NoError(t, p.Record(ctx, cmd))
	require.NoError(t, cmd.End())
	return cmd.Ops()
}

func TestOrderIgnoresRegistrationOrder(t *testing.T) {
	build := func(order []string) []string {
		feats := map[string]RenderFeature{
			"geometry": &stubFeature{name: "geometry", deps: []string{"depth_prepass"}},
			"depth_prepass": &stubFeature{name: "depth_prepass"},
			"overlay":  &stubFeature{name: "overlay", deps: []string{"geometry"}},
		}
		p := NewPipeline()
		for _, name := range order {
			require.NoError(t, p.AddFeature(feats[name]))
		}
		require.NoError(t, p.Initialize(newTestSetup(t)))
		return p.Order()
	}

	want := []string{"depth_prepass", "geometry", "overlay"}
	assert.Equal(t, want, build([]string{"depth_prepass", "geometry", "overlay"}))
	assert.Equal(t, want, build([]string{"overlay", "geometry", "depth_prepass"}))
	assert.Equal(t, want, build([]string{"geometry", "overlay", "depth_prepass"}))
}

func TestDependencyCycleIsConfigurationError(t *testing.T) {
	p := buildPipeline(t,
		&stubFeature{name: "a", deps: []string{"b"}},
		&stubFeature{name: "b", deps: []string{"a"}},
	)
	err := p.Initialize(newTestSetup(t))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestUnknownDependencyIsConfigurationError(t *testing.T) {
	p := buildPipeline(t, &stubFeature{name: "a", deps: []string{"ghost"}})
	err := p.Initialize(newTestSetup(t))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestDuplicateFeatureRejected(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.AddFeature(&stubFeature{name: "a"}))
	assert.ErrorIs(t, p.AddFeature(&stubFeature{name: "a"}), core.ErrConfiguration)
}

func TestAddFeatureAfterInitializeRejected(t *testing.T) {
	p := buildPipeline(t, &stubFeature{name: "a"})
	require.NoError(t, p.Initialize(newTestSetup(t)))
	assert.ErrorIs(t, p.AddFeature(&stubFeature{name: "b"}), core.ErrConfiguration)
}

func TestRecordBeforePrepareRejected(t *testing.T) {
	p := buildPipeline(t, &stubFeature{name: "a"})
	require.NoError(t, p.Initialize(newTestSetup(t)))

	cmd := &gpu.NullCommandBuffer{}
	require.NoError(t, cmd.Begin())
	err := p.Record(&FrameContext{}, cmd)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestRecordFailureIsAttributedAndNonFatal(t *testing.T) {
	boom := fmt.Errorf("pipeline cache miss")
	p := buildPipeline(t,
		&stubFeature{name: "first"},
		&stubFeature{name: "second", deps: []string{"first"}, recordErr: boom},
	)
	require.NoError(t, p.Initialize(newTestSetup(t)))

	cmd := &gpu.NullCommandBuffer{}
	require.NoError(t, cmd.Begin())
	require.NoError(t, p.PrepareFrame(&FrameContext{}))
	err := p.Record(&FrameContext{}, cmd)

	var fre *core.FeatureRecordError
	require.True(t, errors.As(err, &fre))
	assert.Equal(t, "second", fre.Feature)
	assert.ErrorIs(t, err, boom)
	assert.False(t, core.IsFatal(err))
}

func TestBarriersFollowDeclaredAccess(t *testing.T) {
	setup := newTestSetup(t)
	tex, err := setup.Device.CreateTexture(gpu.TextureDesc{
		Name:   "target",
		Format: gpu.FormatR16G16B16A16Float,
		Extent: gpu.Extent{Width: 64, Height: 64},
	})
	require.NoError(t, err)

	producer := &stubFeature{
		name:   "producer",
		writes: []AttachmentAccess{{Name: "target", Layout: gpu.LayoutColorAttachment}},
	}
	consumer := &stubFeature{
		name:  "consumer",
		deps:  []string{"producer"},
		reads: []AttachmentAccess{{Name: "target", Layout: gpu.LayoutShaderReadOnly}},
	}
	p := buildPipeline(t, producer, consumer)
	p.RegisterAttachment(&Attachment{Name: "target", Texture: tex, CurrentLayout: gpu.LayoutUndefined})
	require.NoError(t, p.Initialize(setup))

	ops := recordedOps(t, p, &FrameContext{})
	assert.Equal(t, []string{
		"barrier target UNDEFINED->COLOR_ATTACHMENT",
		"bind_pipeline producer",
		"barrier target COLOR_ATTACHMENT->SHADER_READ_ONLY",
		"bind_pipeline consumer",
	}, ops)
}

func TestRedundantBarriersSkipped(t *testing.T) {
	setup := newTestSetup(t)
	tex, err := setup.Device.CreateTexture(gpu.TextureDesc{
		Name:   "shared",
		Format: gpu.FormatR8G8B8A8Unorm,
		Extent: gpu.Extent{Width: 8, Height: 8},
	})
	require.NoError(t, err)

	a := &stubFeature{name: "a", reads: []AttachmentAccess{{Name: "shared", Layout: gpu.LayoutShaderReadOnly}}}
	b := &stubFeature{name: "b", deps: []string{"a"}, reads: []AttachmentAccess{{Name: "shared", Layout: gpu.LayoutShaderReadOnly}}}
	p := buildPipeline(t, a, b)
	p.RegisterAttachment(&Attachment{Name: "shared", Texture: tex, CurrentLayout: gpu.LayoutShaderReadOnly})
	require.NoError(t, p.Initialize(setup))

	ops := recordedOps(t, p, &FrameContext{})
	for _, op := range ops {
		assert.NotContains(t, op, "barrier")
	}
}

func TestParallelRecordingMatchesSerialOrder(t *testing.T) {
	run := func(parallel bool) []string {
		setup := newTestSetup(t)
		p := buildPipeline(t,
			&stubFeature{name: "c", deps: []string{"b"}},
			&stubFeature{name: "a"},
			&stubFeature{name: "b", deps: []string{"a"}},
		)
		if parallel {
			pool, err := jobs.NewPool(4, 16)
			require.NoError(t, err)
			defer pool.Shutdown()
			p.EnableParallelRecording(setup.Device, pool)
		}
		require.NoError(t, p.Initialize(setup))
		return recordedOps(t, p, &FrameContext{})
	}

	serial := run(false)
	parallel := run(true)
	assert.Equal(t, serial, parallel)
	assert.Equal(t, []string{"bind_pipeline a", "bind_pipeline b", "bind_pipeline c"}, serial)
}

func TestParallelRecordingFailureIsAttributed(t *testing.T) {
	setup := newTestSetup(t)
	boom := fmt.Errorf("stale descriptor")
	p := buildPipeline(t,
		&stubFeature{name: "ok"},
		&stubFeature{name: "broken", deps: []string{"ok"}, recordErr: boom},
	)
	pool, err := jobs.NewPool(2, 8)
	require.NoError(t, err)
	defer pool.Shutdown()
	p.EnableParallelRecording(setup.Device, pool)
	require.NoError(t, p.Initialize(setup))

	cmd := &gpu.NullCommandBuffer{}
	require.NoError(t, cmd.Begin())
	require.NoError(t, p.PrepareFrame(&FrameContext{}))
	recErr := p.Record(&FrameContext{}, cmd)

	var fre *core.FeatureRecordError
	require.True(t, errors.As(recErr, &fre))
	assert.Equal(t, "broken", fre.Feature)
}
