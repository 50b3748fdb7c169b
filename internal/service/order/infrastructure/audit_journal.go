package infrastructure

import (
	"context"
	"sync"

	"stockflow/internal/service/order/domain"
)

// AuditJournal 是固定容量的内存环形缓冲区, 保存最近的审计事件
type AuditJournal struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
	next   int
	full   bool
}

func NewAuditJournal(capacity int) *AuditJournal {
	if capacity <= 0 {
		capacity = 1000
	}
	return &AuditJournal{events: make([]domain.AuditEvent, capacity)}
}

func (j *AuditJournal) Publish(_ context.Context, event domain.AuditEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events[j.next] = event
	j.next = (j.next + 1) % len(j.events)
	if j.next == 0 {
		j.full = true
	}
	return nil
}

// Recent 按时间倒序返回至多 limit 条事件
func (j *AuditJournal) Recent(limit int) []domain.AuditEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size := j.next
	if j.full {
		size = len(j.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]domain.AuditEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (j.next - i + len(j.events)) % len(j.events)
		out = append(out, j.events[idx])
	}
	return out
}
