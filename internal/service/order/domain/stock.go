package domain

// Stock 是单个商品的库存记录。
// 不变式: 所有计数非负, 且 Available + Locked == Total。
type Stock struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Locked    int    `json:"locked"`
	Deducted  int    `json:"deducted"`
}

func NewStock(id, name string, total int) Stock {
	return Stock{ID: id, Name: name, Total: total, Available: total}
}

// CheckInvariants 校验库存记录的守恒关系
func (s Stock) CheckInvariants() error {
	if s.Available < 0 || s.Locked < 0 || s.Total < 0 || s.Deducted < 0 {
		return Internal(nil, "stock %s has negative counters: %+v", s.ID, s)
	}
	if s.Available+s.Locked != s.Total {
		return Internal(nil, "stock %s violates available+locked==total: %+v", s.ID, s)
	}
	return nil
}

// CatalogItem 是重置库存时使用的商品目录项
type CatalogItem struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Total int    `json:"total" yaml:"total"`
}

// ValidateCatalog 拒绝空 id、重复 id 和负库存
func ValidateCatalog(items []CatalogItem) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ID == "" {
			return InvalidArgument("catalog item id is required")
		}
		if it.Total < 0 {
			return InvalidArgument("catalog item %s has negative total %d", it.ID, it.Total)
		}
		if _, dup := seen[it.ID]; dup {
			return InvalidArgument("duplicate catalog item id %s", it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}
