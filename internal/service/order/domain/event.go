// internal/service/order/domain/event.go
package domain

import "time"

// AuditEventType 枚举了会被审计的业务事件
type AuditEventType string

const (
	EventOrderSubmitted     AuditEventType = "order_submitted"
	EventOrderPaid          AuditEventType = "order_paid"
	EventOrderCancelled     AuditEventType = "order_cancelled"
	EventOrderFulfilled     AuditEventType = "order_fulfilled"
	EventOrderFulfillFailed AuditEventType = "order_fulfill_failed"
	EventCatalogReset       AuditEventType = "catalog_reset"
	EventSubmitRejected     AuditEventType = "submit_rejected"
)

// AuditEvent 是发送给审计 sink 的事件
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	OrderID   string         `json:"orderId,omitempty"`
	ProductID string         `json:"productId,omitempty"`
	Quantity  int            `json:"quantity,omitempty"`
	BuyerID   string         `json:"buyerId,omitempty"`
	From      Status         `json:"from,omitempty"`
	To        Status         `json:"to,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	At        time.Time      `json:"at"`
}

// NewTransitionEvent 由一次成功的状态流转构造审计事件
func NewTransitionEvent(t AuditEventType, from Status, o *Order, at time.Time) AuditEvent {
	return AuditEvent{
		Type:      t,
		OrderID:   o.ID,
		ProductID: o.ProductID,
		Quantity:  o.ReservedQuantity,
		BuyerID:   o.BuyerID,
		From:      from,
		To:        o.Status,
		Reason:    string(o.CancelReason),
		At:        at,
	}
}

// PaymentTimeoutTask 是写入延迟队列的支付超时检查任务
type PaymentTimeoutTask struct {
	TraceID   string    `json:"traceId"`
	OrderID   string    `json:"orderId"`
	ProductID string    `json:"productId"`
	BuyerID   string    `json:"buyerId"`
	CreatedAt time.Time `json:"createdAt"`
	DueAt     time.Time `json:"dueAt"`
}
