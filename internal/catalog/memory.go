package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	flowerrors "github.com/ha1tch/flowcompile/pkg/errors"
)

type programKey struct {
	tenantID  uuid.UUID
	programID uuid.UUID
}

// MemoryCatalog is an in-memory Catalog behind a single sync.RWMutex,
// mirroring the teacher's procedure registry: a map protected by one lock,
// no attempt at fine-grained locking since every operation here is cheap.
type MemoryCatalog struct {
	mu       sync.RWMutex
	programs map[programKey]*Program
	// queueOrder preserves FIFO insertion order for NextJob; re-queueing
	// a program does not change its position.
	queueOrder []programKey
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *MemoryCatalog {
	return &MemoryCatalog{programs: make(map[programKey]*Program)}
}

// Put inserts or replaces a program, for test setup. Not part of the
// Catalog interface.
func (c *MemoryCatalog) Put(p Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	key := programKey{p.TenantID, p.ProgramID}
	if _, exists := c.programs[key]; !exists {
		c.queueOrder = append(c.queueOrder, key)
	}
	stored := p
	c.programs[key] = &stored
}

func (c *MemoryCatalog) NextJob(ctx context.Context) (Job, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, key := range c.queueOrder {
		p, ok := c.programs[key]
		if !ok {
			continue
		}
		if p.Status.Kind == StatusPending {
			return Job{
				TenantID:  p.TenantID,
				ProgramID: p.ProgramID,
				Version:   p.Version,
				Code:      p.Code,
			}, true, nil
		}
	}
	return Job{}, false, nil
}

func (c *MemoryCatalog) GetProgramIfExists(ctx context.Context, tenantID, programID uuid.UUID, withCode bool) (*Program, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.programs[programKey{tenantID, programID}]
	if !ok {
		return nil, nil
	}
	out := *p
	if !withCode {
		out.Code = ""
	}
	return &out, nil
}

func (c *MemoryCatalog) AllPrograms(ctx context.Context) ([]Program, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Program, 0, len(c.programs))
	for _, p := range c.programs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID.String() < out[j].TenantID.String()
		}
		return out[i].ProgramID.String() < out[j].ProgramID.String()
	})
	return out, nil
}

func (c *MemoryCatalog) SetProgramStatusGuarded(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.programs[programKey{tenantID, programID}]
	if !ok {
		return false, flowerrors.NotFound("program", programID.String()).
			WithField("tenant_id", tenantID.String()).
			Err()
	}
	if p.Version != version {
		return false, nil
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return true, nil
}

func (c *MemoryCatalog) SetProgramForCompilation(ctx context.Context, tenantID, programID uuid.UUID, version int64, status ProgramStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.programs[programKey{tenantID, programID}]
	if !ok {
		return flowerrors.NotFound("program", programID.String()).
			WithField("tenant_id", tenantID.String()).
			Err()
	}
	p.Version = version
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (c *MemoryCatalog) SetProgramSchema(ctx context.Context, tenantID, programID uuid.UUID, version int64, schemaJSON string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.programs[programKey{tenantID, programID}]
	if !ok {
		return false, flowerrors.NotFound("program", programID.String()).
			WithField("tenant_id", tenantID.String()).
			Err()
	}
	if p.Version != version {
		return false, nil
	}
	p.SchemaJSON = schemaJSON
	p.Status = ProgramStatus{Kind: StatusCompilingNative}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (c *MemoryCatalog) IsProgramVersionInUse(ctx context.Context, programID uuid.UUID, version int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.programs {
		if p.ProgramID == programID && p.Version == version {
			return true, nil
		}
	}
	return false, nil
}
