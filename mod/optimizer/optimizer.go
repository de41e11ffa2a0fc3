package optimizer

import (
	"bytes"
	"context"
	"io"

	"imuslab.com/cdnswitch/mod/cache"
)

// Transform turns the body of a static asset into its served form.
// It receives the input reader and metadata, and returns a transformed reader and updated metadata
type Transform func(ctx context.Context, in io.Reader, meta *cache.Meta) (io.ReadCloser, *cache.Meta, error)

// Pipeline represents a series of transforms to apply to an asset
type Pipeline struct {
	transforms []Transform
}

// NewPipeline creates a new optimization pipeline. Nil transforms are skipped.
func NewPipeline(transforms ...Transform) *Pipeline {
	p := &Pipeline{}
	for _, t := range transforms {
		p.AddTransform(t)
	}
	return p
}

// AddTransform adds a transform to the pipeline
func (p *Pipeline) AddTransform(t Transform) {
	if t != nil {
		p.transforms = append(p.transforms, t)
	}
}

// Len returns the number of transforms
func (p *Pipeline) Len() int {
	return len(p.transforms)
}

// Apply applies all transforms in the pipeline sequentially
func (p *Pipeline) Apply(ctx context.Context, in io.Reader, meta *cache.Meta) (io.ReadCloser, *cache.Meta, error) {
	current := in
	currentMeta := meta

	for i, transform := range p.transforms {
		if err := ctx.Err(); err != nil {
			closeIntermediate(current, i)
			return nil, nil, err
		}

		next, nextMeta, err := transform(ctx, current, currentMeta)
		closeIntermediate(current, i)
		if err != nil {
			return nil, nil, err
		}

		current = next
		currentMeta = nextMeta
	}

	return readCloser(current), currentMeta, nil
}

// closeIntermediate closes the output of an earlier transform. The caller's input is
// never closed.
func closeIntermediate(r io.Reader, step int) {
	if step == 0 {
		return
	}
	if rc, ok := r.(io.ReadCloser); ok {
		rc.Close()
	}
}

// ApplyToBytes applies the pipeline to an in-memory body
func (p *Pipeline) ApplyToBytes(ctx context.Context, data []byte, meta *cache.Meta) ([]byte, *cache.Meta, error) {
	result, resultMeta, err := p.Apply(ctx, bytes.NewReader(data), meta)
	if err != nil {
		return nil, nil, err
	}
	defer result.Close()

	out, err := io.ReadAll(result)
	if err != nil {
		return nil, nil, err
	}
	return out, resultMeta, nil
}

func readCloser(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(r)
}
