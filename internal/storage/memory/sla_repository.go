package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

type slaRepositoryInMemory struct {
	s *Store
}

func (r *slaRepositoryInMemory) Get(_ context.Context, entityID string) (domain.SLARecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rec, ok := r.s.sla[entityID]
	if !ok {
		return domain.SLARecord{}, domain.ErrSLARecordNotFound
	}
	return cloneSLA(rec), nil
}

// SweepBreaches помечает просроченные записи. Уже помеченные не возвращаются повторно.
func (r *slaRepositoryInMemory) SweepBreaches(ctx context.Context, now time.Time) ([]domain.SLARecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	flagged := make([]domain.SLARecord, 0)
	for id, rec := range r.s.sla {
		if rec.IsBreached || !rec.Deadline.Before(now) {
			continue
		}
		at := now
		rec.IsBreached = true
		rec.BreachedAt = &at
		rec.UpdatedAt = now
		r.s.sla[id] = rec
		flagged = append(flagged, cloneSLA(rec))
	}
	sortByDeadline(flagged)
	return flagged, nil
}

func (r *slaRepositoryInMemory) ListBreached(_ context.Context, d domain.Domain, limit int) ([]domain.SLARecord, error) {
	return r.collect(limit, func(rec domain.SLARecord) bool {
		return rec.IsBreached && (d == "" || rec.Domain == d)
	}), nil
}

func (r *slaRepositoryInMemory) ListDueBetween(_ context.Context, d domain.Domain, from, to time.Time, limit int) ([]domain.SLARecord, error) {
	return r.collect(limit, func(rec domain.SLARecord) bool {
		if rec.IsBreached || (d != "" && rec.Domain != d) {
			return false
		}
		return !rec.Deadline.Before(from) && !rec.Deadline.After(to)
	}), nil
}

func (r *slaRepositoryInMemory) collect(limit int, match func(domain.SLARecord) bool) []domain.SLARecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]domain.SLARecord, 0)
	for _, rec := range r.s.sla {
		if match(rec) {
			result = append(result, cloneSLA(rec))
		}
	}
	sortByDeadline(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func sortByDeadline(records []domain.SLARecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Deadline.Equal(records[j].Deadline) {
			return records[i].Deadline.Before(records[j].Deadline)
		}
		return records[i].EntityID < records[j].EntityID
	})
}

func cloneSLA(src domain.SLARecord) domain.SLARecord {
	dst := src
	if src.BreachedAt != nil {
		at := *src.BreachedAt
		dst.BreachedAt = &at
	}
	return dst
}

var _ domain.SLARepository = (*slaRepositoryInMemory)(nil)
