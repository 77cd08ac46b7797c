package service

import (
	"time"

	"creditledger/internal/config"
	"creditledger/internal/model"

	"github.com/shopspring/decimal"
)

// Product 积分套餐，MembershipTier 为 0 表示不附带会员
type Product struct {
	ID             string
	Name           string
	Price          decimal.Decimal
	Credits        int64
	MembershipTier int
	MembershipDays int
}

func (p Product) GrantsMembership() bool {
	return p.MembershipTier > model.MembershipNormal && p.MembershipDays > 0
}

type ProductCatalog struct {
	products map[string]Product
	ordered  []Product
}

// DefaultProducts 配置文件未声明商品时使用
func DefaultProducts() []Product {
	return []Product{
		{ID: "credits_500", Name: "500 积分", Price: decimal.RequireFromString("0.99"), Credits: 500, MembershipTier: model.MembershipAdvanced, MembershipDays: 30},
		{ID: "credits_150", Name: "150 积分", Price: decimal.RequireFromString("2.90"), Credits: 150},
		{ID: "credits_1200", Name: "1200 积分", Price: decimal.RequireFromString("18.90"), Credits: 1200, MembershipTier: model.MembershipAdvanced, MembershipDays: 30},
		{ID: "credits_2400", Name: "2400 积分", Price: decimal.RequireFromString("29.90"), Credits: 2400, MembershipTier: model.MembershipAdvanced, MembershipDays: 30},
		{ID: "credits_5000", Name: "5000 积分", Price: decimal.RequireFromString("68.00"), Credits: 5000, MembershipTier: model.MembershipProfessional, MembershipDays: 30},
		{ID: "credits_16000", Name: "16000 积分", Price: decimal.RequireFromString("188.00"), Credits: 16000, MembershipTier: model.MembershipProfessional, MembershipDays: 90},
	}
}

func NewProductCatalog(products []Product) *ProductCatalog {
	c := &ProductCatalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		if _, dup := c.products[p.ID]; !dup {
			c.ordered = append(c.ordered, p)
		}
		c.products[p.ID] = p
	}
	return c
}

func NewProductCatalogFromConfig(cfg []config.ProductConfig) *ProductCatalog {
	if len(cfg) == 0 {
		return NewProductCatalog(DefaultProducts())
	}
	products := make([]Product, 0, len(cfg))
	for _, p := range cfg {
		products = append(products, Product{
			ID:             p.ID,
			Name:           p.Name,
			Price:          p.Price,
			Credits:        p.Credits,
			MembershipTier: p.MembershipTier,
			MembershipDays: p.MembershipDays,
		})
	}
	return NewProductCatalog(products)
}

func (c *ProductCatalog) Lookup(id string) (Product, bool) {
	p, ok := c.products[id]
	return p, ok
}

// List 按声明顺序返回全部商品
func (c *ProductCatalog) List() []Product {
	out := make([]Product, 0, len(c.ordered))
	for _, p := range c.ordered {
		out = append(out, c.products[p.ID])
	}
	return out
}

// ApplyMembership 计算购买会员后的等级和到期时间
//
//   - 已过期按普通用户处理
//   - 专业会员购买低级别不降级，保持原状
//   - 未过期时在原到期时间上顺延，否则从 now 起算
//   - 同级只延长，高级别直接升级
func ApplyMembership(currentTier int, currentExpires *time.Time, grantTier, days int, now time.Time) (int, *time.Time, bool) {
	if currentExpires != nil && !currentExpires.After(now) {
		currentTier = model.MembershipNormal
		currentExpires = nil
	}

	if currentTier == model.MembershipProfessional && grantTier < model.MembershipProfessional {
		return currentTier, currentExpires, false
	}

	base := now
	if currentExpires != nil && currentExpires.After(now) {
		base = *currentExpires
	}
	newExpires := base.AddDate(0, 0, days)

	if grantTier > currentTier || currentTier == model.MembershipNormal {
		return grantTier, &newExpires, true
	}
	if grantTier == currentTier {
		return currentTier, &newExpires, true
	}
	return currentTier, currentExpires, false
}
