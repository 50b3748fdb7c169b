package infrastructure

import (
	"database/sql"
	"time"

	"stockflow/internal/service/order/domain"
)

func ToDomainStock(m *StockModel) domain.Stock {
	return domain.Stock{
		ID:        m.ProductID,
		Name:      m.Name,
		Total:     m.Total,
		Available: m.Available,
		Locked:    m.Locked,
		Deducted:  m.Deducted,
	}
}

func FromDomainStock(s domain.Stock) StockModel {
	return StockModel{
		ProductID: s.ID,
		Name:      s.Name,
		Total:     s.Total,
		Available: s.Available,
		Locked:    s.Locked,
		Deducted:  s.Deducted,
	}
}

func ToDomainOrder(m *OrderModel) *domain.Order {
	return &domain.Order{
		ID:               m.ID,
		ProductID:        m.ProductID,
		Quantity:         m.Quantity,
		ReservedQuantity: m.ReservedQuantity,
		BuyerID:          m.BuyerID,
		BuyerName:        m.BuyerName,
		Status:           domain.Status(m.Status),
		Resolution:       domain.Resolution(m.Resolution),
		CancelReason:     domain.PaymentOutcome(m.CancelReason),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		PaidAt:           fromNullTime(m.PaidAt),
		FulfilledAt:      fromNullTime(m.FulfilledAt),
		CancelledAt:      fromNullTime(m.CancelledAt),
	}
}

func FromDomainOrder(o *domain.Order) *OrderModel {
	return &OrderModel{
		ID:               o.ID,
		ProductID:        o.ProductID,
		Quantity:         o.Quantity,
		ReservedQuantity: o.ReservedQuantity,
		BuyerID:          o.BuyerID,
		BuyerName:        o.BuyerName,
		Status:           string(o.Status),
		Resolution:       string(o.Resolution),
		CancelReason:     string(o.CancelReason),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		PaidAt:           toNullTime(o.PaidAt),
		FulfilledAt:      toNullTime(o.FulfilledAt),
		CancelledAt:      toNullTime(o.CancelledAt),
	}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
