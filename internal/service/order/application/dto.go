// internal/service/order/application/dto.go
package application

import "stockflow/internal/service/order/domain"

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	BuyerID   string `json:"buyerId"`
	BuyerName string `json:"buyerName"`
}

func (req *CreateOrderRequest) toDomain() domain.OrderRequest {
	return domain.OrderRequest{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		BuyerID:   req.BuyerID,
		BuyerName: req.BuyerName,
	}
}

// OutcomeRequest 是支付 / 履约回调的输入数据
type OutcomeRequest struct {
	Outcome string `json:"outcome"`
}

// ResetCatalogRequest 为空时使用配置中的默认目录
type ResetCatalogRequest struct {
	Products []domain.CatalogItem `json:"products"`
}
