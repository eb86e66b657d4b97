package remote

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcus/csvmirror/internal/schema"
)

// Limiter blocks until the next call may proceed. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter returns a token bucket that admits one call per interval with
// the given burst. A non-positive interval disables pacing and returns nil.
func NewLimiter(interval time.Duration, burst int) Limiter {
	if interval <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}

// Paced delays calls to the wrapped accessor. Writes gates every mutation,
// Reads gates lookups and listings; either may be nil.
type Paced struct {
	Accessor
	Writes Limiter
	Reads  Limiter
}

// NewPaced wraps acc with the given limiters.
func NewPaced(acc Accessor, writes, reads Limiter) *Paced {
	return &Paced{Accessor: acc, Writes: writes, Reads: reads}
}

func wait(ctx context.Context, l Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

func (p *Paced) ListAll(ctx context.Context, collectionID string) ([]Record, error) {
	if err := wait(ctx, p.Reads); err != nil {
		return nil, err
	}
	return p.Accessor.ListAll(ctx, collectionID)
}

func (p *Paced) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	if err := wait(ctx, p.Reads); err != nil {
		return nil, err
	}
	return p.Accessor.GetCollection(ctx, collectionID)
}

func (p *Paced) FindByExactField(ctx context.Context, collectionID, field string, t schema.FieldType, value string) (*Record, error) {
	if err := wait(ctx, p.Reads); err != nil {
		return nil, err
	}
	return p.Accessor.FindByExactField(ctx, collectionID, field, t, value)
}

func (p *Paced) FindCollectionsByName(ctx context.Context, name string) ([]CollectionRef, error) {
	if err := wait(ctx, p.Reads); err != nil {
		return nil, err
	}
	return p.Accessor.FindCollectionsByName(ctx, name)
}

func (p *Paced) Create(ctx context.Context, collectionID string, props map[string]Value) (*Record, error) {
	if err := wait(ctx, p.Writes); err != nil {
		return nil, err
	}
	return p.Accessor.Create(ctx, collectionID, props)
}

func (p *Paced) Update(ctx context.Context, recordID string, props map[string]Value) error {
	if err := wait(ctx, p.Writes); err != nil {
		return err
	}
	return p.Accessor.Update(ctx, recordID, props)
}

func (p *Paced) Archive(ctx context.Context, recordID string) error {
	if err := wait(ctx, p.Writes); err != nil {
		return err
	}
	return p.Accessor.Archive(ctx, recordID)
}

func (p *Paced) AddFields(ctx context.Context, collectionID string, fields map[string]FieldSpec) error {
	if err := wait(ctx, p.Writes); err != nil {
		return err
	}
	return p.Accessor.AddFields(ctx, collectionID, fields)
}

func (p *Paced) CreateCollection(ctx context.Context, parentID, title string, fields map[string]FieldSpec) (*Collection, error) {
	if err := wait(ctx, p.Writes); err != nil {
		return nil, err
	}
	return p.Accessor.CreateCollection(ctx, parentID, title, fields)
}

func (p *Paced) ArchiveCollection(ctx context.Context, collectionID string) error {
	if err := wait(ctx, p.Writes); err != nil {
		return err
	}
	return p.Accessor.ArchiveCollection(ctx, collectionID)
}
