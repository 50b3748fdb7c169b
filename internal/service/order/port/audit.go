package port

import (
	"context"

	"stockflow/internal/service/order/domain"
)

// AuditSink 接收业务事件。Record 不返回错误, 审计失败不影响主流程。
type AuditSink interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// AuditLog 提供最近的审计事件查询
type AuditLog interface {
	// Recent 按时间倒序返回至多 limit 条事件
	Recent(limit int) []domain.AuditEvent
}
