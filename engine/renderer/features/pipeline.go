package features

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/helios/engine/core"
	"github.com/spaghettifunk/helios/engine/jobs"
	"github.com/spaghettifunk/helios/engine/renderer/gpu"
)

// Pipeline owns the ordered set of render features. Ordering is fixed
// at Initialize by a topological sort of the declared dependencies;
// registration order never influences execution order
type Pipeline struct {
	features    []RenderFeature
	byName      map[string]RenderFeature
	sorted      []RenderFeature
	states      map[string]State
	attachments map[string]*Attachment
	initialized bool

	// parallel recording, nil when recording serially
	pool        *jobs.Pool
	device      gpu.Device
	secondaries []gpu.CommandBuffer
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		byName:      make(map[string]RenderFeature),
		states:      make(map[string]State),
		attachments: make(map[string]*Attachment),
	}
}

// AddFeature registers f. Must happen before Initialize
func (p *Pipeline) AddFeature(f RenderFeature) error {
	if p.initialized {
		return fmt.Errorf("adding feature %q after initialization: %w", f.Name(), core.ErrConfiguration)
	}
	if _, dup := p.byName[f.Name()]; dup {
		return fmt.Errorf("duplicate feature %q: %w", f.Name(), core.ErrConfiguration)
	}
	p.features = append(p.features, f)
	p.byName[f.Name()] = f
	p.states[f.Name()] = STATE_UNINITIALIZED
	return nil
}

// EnableParallelRecording makes Record fan features out across a
// worker pool, each into its own secondary command buffer
func (p *Pipeline) EnableParallelRecording(device gpu.Device, pool *jobs.Pool) {
	p.device = device
	p.pool = pool
}

// RegisterAttachment makes a render target known for layout tracking
func (p *Pipeline) RegisterAttachment(a *Attachment) {
	p.attachments[a.Name] = a
}

// Attachment returns a registered render target by name
func (p *Pipeline) Attachment(name string) (*Attachment, error) {
	a, ok := p.attachments[name]
	if !ok {
		return nil, fmt.Errorf("unknown attachment %q: %w", name, core.ErrConfiguration)
	}
	return a, nil
}

// Initialize resolves the dependency graph and initializes each
// feature in topological order. A missing dependency or a cycle is a
// configuration error
func (p *Pipeline) Initialize(ctx *SetupContext) error {
	if p.initialized {
		return fmt.Errorf("pipeline already initialized: %w", core.ErrConfiguration)
	}
	sorted, err := p.topoSort()
	if err != nil {
		return err
	}
	p.sorted = sorted
	for _, f := range p.sorted {
		if err := f.Initialize(ctx); err != nil {
			return fmt.Errorf("initializing feature %q: %w", f.Name(), err)
		}
		if ap, ok := f.(AttachmentProvider); ok {
			for _, a := range ap.Attachments() {
				p.RegisterAttachment(a)
			}
		}
		p.states[f.Name()] = STATE_INITIALIZED
		core.LogInfo("pipeline: feature %q initialized", f.Name())
	}
	if p.pool != nil {
		p.secondaries = make([]gpu.CommandBuffer, len(p.sorted))
		for i := range p.sorted {
			cmd, err := p.device.CreateCommandBuffer(false)
			if err != nil {
				return fmt.Errorf("creating secondary command buffer: %w", err)
			}
			p.secondaries[i] = cmd
		}
	}
	p.initialized = true
	return nil
}

// topoSort is Kahn's algorithm over the declared dependency edges.
// Ready features are visited in name order so the result is stable
// regardless of registration order
func (p *Pipeline) topoSort() ([]RenderFeature, error) {
	indegree := make(map[string]int, len(p.features))
	dependents := make(map[string][]string, len(p.features))

	for _, f := range p.features {
		indegree[f.Name()] = 0
	}
	for _, f := range p.features {
		for _, dep := range f.Dependencies() {
			if _, ok := p.byName[dep]; !ok {
				return nil, fmt.Errorf("feature %q depends on unknown feature %q: %w",
					f.Name(), dep, core.ErrConfiguration)
			}
			indegree[f.Name()]++
			dependents[dep] = append(dependents[dep], f.Name())
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	sorted := make([]RenderFeature, 0, len(p.features))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, p.byName[name])
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				// keep the ready set ordered for determinism
				i := sort.SearchStrings(ready, dep)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = dep
			}
		}
	}
	if len(sorted) != len(p.features) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle through %v: %w", stuck, core.ErrConfiguration)
	}
	return sorted, nil
}

// Order returns the resolved execution order
func (p *Pipeline) Order() []string {
	names := make([]string, len(p.sorted))
	for i, f := range p.sorted {
		names[i] = f.Name()
	}
	return names
}

// PrepareFrame runs per-frame CPU work for every feature, in order
func (p *Pipeline) PrepareFrame(ctx *FrameContext) error {
	if !p.initialized {
		return fmt.Errorf("pipeline not initialized: %w", core.ErrConfiguration)
	}
	for _, f := range p.sorted {
		state := p.states[f.Name()]
		if state == STATE_UNINITIALIZED {
			return fmt.Errorf("feature %q is %s, cannot prepare: %w", f.Name(), state, core.ErrConfiguration)
		}
		if err := f.PrepareFrame(ctx); err != nil {
			return fmt.Errorf("preparing feature %q: %w", f.Name(), err)
		}
		p.states[f.Name()] = STATE_PREPARED
	}
	return nil
}

// Record records every feature into cmd in topological order,
// inserting the attachment layout transitions each feature declared.
// A feature error aborts the frame's recording and surfaces as a
// FeatureRecordError; it never tears down the renderer
func (p *Pipeline) Record(ctx *FrameContext, cmd gpu.CommandBuffer) error {
	if p.pool != nil {
		return p.recordParallel(ctx, cmd)
	}
	for _, f := range p.sorted {
		if err := p.checkPrepared(f); err != nil {
			return err
		}
		p.recordBarriers(f, cmd)
		if err := f.Record(ctx, cmd); err != nil {
			return &core.FeatureRecordError{Feature: f.Name(), Err: err}
		}
		p.states[f.Name()] = STATE_RECORDED
	}
	return nil
}

// recordParallel records each feature into its own secondary buffer on
// the worker pool, then splices them into cmd in topological order
// with the barriers between. Barriers stay on the primary buffer so
// layout tracking remains single-threaded
func (p *Pipeline) recordParallel(ctx *FrameContext, cmd gpu.CommandBuffer) error {
	for _, f := range p.sorted {
		if err := p.checkPrepared(f); err != nil {
			return err
		}
	}

	tasks := make([]jobs.Task, len(p.sorted))
	for i, f := range p.sorted {
		i, f := i, f
		sec := p.secondaries[i]
		tasks[i] = jobs.Task{
			Name: f.Name(),
			OnStart: func() error {
				if err := sec.Reset(); err != nil {
					return err
				}
				if err := sec.Begin(); err != nil {
					return err
				}
				if err := f.Record(ctx, sec); err != nil {
					return err
				}
				return sec.End()
			},
		}
	}
	if err := p.pool.RunAll(tasks); err != nil {
		// RunAll reports the first failure in task (= topological) order
		name := "unknown"
		if te, ok := err.(*jobs.TaskError); ok {
			name = te.Task
			err = te.Err
		}
		return &core.FeatureRecordError{Feature: name, Err: err}
	}

	for i, f := range p.sorted {
		p.recordBarriers(f, cmd)
		cmd.ExecuteCommands([]gpu.CommandBuffer{p.secondaries[i]})
		p.states[f.Name()] = STATE_RECORDED
	}
	return nil
}

func (p *Pipeline) checkPrepared(f RenderFeature) error {
	if state := p.states[f.Name()]; state != STATE_PREPARED {
		return fmt.Errorf("feature %q is %s, cannot record: %w", f.Name(), state, core.ErrConfiguration)
	}
	return nil
}

func (p *Pipeline) recordBarriers(f RenderFeature, cmd gpu.CommandBuffer) {
	for _, w := range f.Writes() {
		if a, ok := p.attachments[w.Name]; ok {
			a.TransitionTo(cmd, w.Layout)
		}
	}
	for _, r := range f.Reads() {
		if a, ok := p.attachments[r.Name]; ok {
			a.TransitionTo(cmd, r.Layout)
		}
	}
}

// Resize rebuilds extent-tracking render targets after a swapchain
// recreation
func (p *Pipeline) Resize(ctx *SetupContext) error {
	for _, f := range p.sorted {
		r, ok := f.(Resizer)
		if !ok {
			continue
		}
		if err := r.Resize(ctx); err != nil {
			return fmt.Errorf("resizing feature %q: %w", f.Name(), err)
		}
		if ap, ok := f.(AttachmentProvider); ok {
			for _, a := range ap.Attachments() {
				p.RegisterAttachment(a)
			}
		}
	}
	return nil
}

// Destroy tears features down in reverse topological order
func (p *Pipeline) Destroy() error {
	for i := len(p.sorted) - 1; i >= 0; i-- {
		f := p.sorted[i]
		if err := f.Destroy(); err != nil {
			return fmt.Errorf("destroying feature %q: %w", f.Name(), err)
		}
		p.states[f.Name()] = STATE_UNINITIALIZED
	}
	return nil
}
