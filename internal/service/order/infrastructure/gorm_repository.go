package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockflow/internal/service/order/domain"
)

// AutoMigrate 创建或更新 order-service 需要的表
func AutoMigrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&StockModel{}, &OrderModel{}), "auto migrate")
}

// GormStockRepository 是 domain.StockRepository 的 GORM 实现
type GormStockRepository struct {
	db *gorm.DB
}

func NewGormStockRepository(db *gorm.DB) *GormStockRepository {
	return &GormStockRepository{db: db}
}

func (r *GormStockRepository) LoadAll(ctx context.Context) ([]domain.Stock, error) {
	var models []StockModel
	if err := r.db.WithContext(ctx).Order("product_id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "load stock records")
	}
	out := make([]domain.Stock, 0, len(models))
	for i := range models {
		out = append(out, ToDomainStock(&models[i]))
	}
	return out, nil
}

// SaveAll 在一个事务中用 stocks 整体替换表内容
func (r *GormStockRepository) SaveAll(ctx context.Context, stocks []domain.Stock) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&StockModel{}).Error; err != nil {
			return err
		}
		if len(stocks) == 0 {
			return nil
		}
		models := make([]StockModel, 0, len(stocks))
		for _, s := range stocks {
			models = append(models, FromDomainStock(s))
		}
		return tx.CreateInBatches(models, 200).Error
	})
	return errors.Wrap(err, "save stock snapshot")
}

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) LoadAll(ctx context.Context) ([]*domain.Order, error) {
	var models []OrderModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "load orders")
	}
	out := make([]*domain.Order, 0, len(models))
	for i := range models {
		out = append(out, ToDomainOrder(&models[i]))
	}
	return out, nil
}

// Save 按主键 upsert 整个订单
func (r *GormOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	model := FromDomainOrder(order)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(model).Error
	return errors.Wrapf(err, "save order %s", order.ID)
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFound("order %s not found", id)
		}
		return nil, errors.Wrapf(err, "find order %s", id)
	}
	return ToDomainOrder(&model), nil
}

func (r *GormOrderRepository) DeleteAll(ctx context.Context) error {
	err := r.db.WithContext(ctx).Where("1 = 1").Delete(&OrderModel{}).Error
	return errors.Wrap(err, "delete orders")
}
