// internal/service/order/domain/order.go
package domain

import (
	"strings"
	"time"
)

// Resolution 记录订单的预留库存最终是被确认还是被释放, 防止重复结算
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionConfirmed Resolution = "confirmed"
	ResolutionReleased  Resolution = "released"
)

// OrderRequest 是下单命令
type OrderRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	BuyerID   string `json:"buyerId"`
	BuyerName string `json:"buyerName"`
}

// Validate 只做字段级校验, 不涉及库存
func (r OrderRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ProductID) == "" {
		missing = append(missing, "productId")
	}
	if strings.TrimSpace(r.BuyerID) == "" {
		missing = append(missing, "buyerId")
	}
	if strings.TrimSpace(r.BuyerName) == "" {
		missing = append(missing, "buyerName")
	}
	if len(missing) > 0 {
		return InvalidArgument("missing required fields: %s", strings.Join(missing, ", "))
	}
	if r.Quantity <= 0 {
		return InvalidArgument("quantity must be positive, got %d", r.Quantity)
	}
	return nil
}

// Order 是订单聚合的根实体
type Order struct {
	ID               string         `json:"id"`
	ProductID        string         `json:"productId"`
	Quantity         int            `json:"quantity"`
	ReservedQuantity int            `json:"reservedQuantity"`
	BuyerID          string         `json:"buyerId"`
	BuyerName        string         `json:"buyerName"`
	Status           Status         `json:"status"`
	Resolution       Resolution     `json:"resolution,omitempty"`
	CancelReason     PaymentOutcome `json:"cancelReason,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	PaidAt           *time.Time     `json:"paidAt,omitempty"`
	FulfilledAt      *time.Time     `json:"fulfilledAt,omitempty"`
	CancelledAt      *time.Time     `json:"cancelledAt,omitempty"`
}

// 工厂函数: NewOrder 在库存预留成功后创建 pending 订单
func NewOrder(id string, req OrderRequest, now time.Time) (*Order, error) {
	if id == "" {
		return nil, InvalidArgument("order id is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Order{
		ID:               id,
		ProductID:        req.ProductID,
		Quantity:         req.Quantity,
		ReservedQuantity: req.Quantity,
		BuyerID:          req.BuyerID,
		BuyerName:        req.BuyerName,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Clone 返回深拷贝。状态变更总是先作用在拷贝上, 成功后再替换原值。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.PaidAt = cloneTime(o.PaidAt)
	c.FulfilledAt = cloneTime(o.FulfilledAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

// MarkPaid pending -> paid
func (o *Order) MarkPaid(now time.Time) error {
	if err := o.checkUnresolved(StatusPaid); err != nil {
		return err
	}
	o.Status = StatusPaid
	o.Resolution = ResolutionConfirmed
	o.PaidAt = &now
	o.UpdatedAt = now
	return nil
}

// Cancel pending -> cancelled, reason 为 failed 或 timeout
func (o *Order) Cancel(reason PaymentOutcome, now time.Time) error {
	if reason != PaymentFailed && reason != PaymentTimeout {
		return InvalidArgument("cancel reason must be failed or timeout, got %q", reason)
	}
	if err := o.checkUnresolved(StatusCancelled); err != nil {
		return err
	}
	o.Status = StatusCancelled
	o.Resolution = ResolutionReleased
	o.CancelReason = reason
	o.CancelledAt = &now
	o.UpdatedAt = now
	return nil
}

// MarkFulfilled paid -> fulfilled
func (o *Order) MarkFulfilled(now time.Time) error {
	if err := o.checkTransition(StatusFulfilled); err != nil {
		return err
	}
	o.Status = StatusFulfilled
	o.FulfilledAt = &now
	o.UpdatedAt = now
	return nil
}

// MarkFulfillFailed paid -> fulfill_failed
func (o *Order) MarkFulfillFailed(now time.Time) error {
	if err := o.checkTransition(StatusFulfillFailed); err != nil {
		return err
	}
	o.Status = StatusFulfillFailed
	o.UpdatedAt = now
	return nil
}

func (o *Order) checkTransition(to Status) error {
	if !CanTransition(o.Status, to) {
		return InvalidState("order %s cannot move from %s to %s", o.ID, o.Status, to)
	}
	return nil
}

func (o *Order) checkUnresolved(to Status) error {
	if err := o.checkTransition(to); err != nil {
		return err
	}
	if o.Resolution != ResolutionNone {
		return InvalidState("order %s reservation already %s", o.ID, o.Resolution)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
