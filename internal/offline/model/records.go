package model

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tiendapos/possync/internal/offline"
)

// Session is a cash-drawer session opened by a cashier.
type Session struct {
	ID           string          `json:"id" validate:"required"`
	CashierID    string          `json:"cashierId" validate:"required"`
	TerminalID   string          `json:"terminalId" validate:"required"`
	OpenedAt     time.Time       `json:"openedAt" validate:"required"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty"`
	OpeningFloat decimal.Decimal `json:"openingFloat" validate:"gte=0"`
	ExpectedCash decimal.Decimal `json:"expectedCash"`
	Status       string          `json:"status" validate:"oneof=open closed"`
	LastModified time.Time       `json:"lastModified" validate:"required"`
	Audit        []AuditEntry    `json:"audit,omitempty"`
	SyncMeta     SyncMeta        `json:"syncMeta"`
}

func (s *Session) Entity() offline.EntityType { return offline.EntitySessions }
func (s *Session) Key() string                { return s.ID }
func (s *Session) Meta() *SyncMeta            { return &s.SyncMeta }

// SaleItem is one line of a sale.
type SaleItem struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice" validate:"gte=0"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
}

// Subtotal is quantity * unit price - discount.
func (i SaleItem) Subtotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice).Sub(i.Discount)
}

// Sale is a completed sale rung up at the terminal.
type Sale struct {
	ID              string          `json:"id" validate:"required"`
	SessionID       string          `json:"sessionId" validate:"required"`
	SessionServerID string          `json:"sessionServerId,omitempty"`
	Items           []SaleItem      `json:"items" validate:"required,min=1,dive"`
	Total           decimal.Decimal `json:"total" validate:"gte=0"`
	PaymentMethod   string          `json:"paymentMethod" validate:"oneof=cash card transfer mixed"`
	CreatedAt       time.Time       `json:"createdAt" validate:"required"`
	LastModified    time.Time       `json:"lastModified"`
	SyncMeta        SyncMeta        `json:"syncMeta"`
}

func (s *Sale) Entity() offline.EntityType { return offline.EntitySales }
func (s *Sale) Key() string                { return s.ID }
func (s *Sale) Meta() *SyncMeta            { return &s.SyncMeta }

// ComputeTotal sums the item subtotals.
func (s *Sale) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range s.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Closure is the cash count taken when a session is closed.
type Closure struct {
	ID              string          `json:"id" validate:"required"`
	SessionID       string          `json:"sessionId" validate:"required"`
	SessionServerID string          `json:"sessionServerId,omitempty"`
	CountedCash     decimal.Decimal `json:"countedCash" validate:"gte=0"`
	ExpectedCash    decimal.Decimal `json:"expectedCash"`
	Difference      decimal.Decimal `json:"difference"`
	ClosedAt        time.Time       `json:"closedAt" validate:"required"`
	Notes           string          `json:"notes,omitempty" validate:"max=500"`
	LastModified    time.Time       `json:"lastModified"`
	SyncMeta        SyncMeta        `json:"syncMeta"`
}

func (c *Closure) Entity() offline.EntityType { return offline.EntityClosures }
func (c *Closure) Key() string                { return c.ID }
func (c *Closure) Meta() *SyncMeta            { return &c.SyncMeta }

// StockChange is a manual stock adjustment.
type StockChange struct {
	ID              string          `json:"id" validate:"required"`
	ProductID       string          `json:"productId" validate:"required"`
	ProductServerID string          `json:"productServerId,omitempty"`
	Delta           decimal.Decimal `json:"delta" validate:"ne=0"`
	Reason          string          `json:"reason" validate:"oneof=sale adjustment restock loss return"`
	CreatedAt       time.Time       `json:"createdAt" validate:"required"`
	LastModified    time.Time       `json:"lastModified"`
	SyncMeta        SyncMeta        `json:"syncMeta"`
}

func (c *StockChange) Entity() offline.EntityType { return offline.EntityStockChanges }
func (c *StockChange) Key() string                { return c.ID }
func (c *StockChange) Meta() *SyncMeta            { return &c.SyncMeta }

// PriceChange records a product's price moving from OldPrice to NewPrice.
type PriceChange struct {
	ID              string          `json:"id" validate:"required"`
	ProductID       string          `json:"productId" validate:"required"`
	ProductServerID string          `json:"productServerId,omitempty"`
	OldPrice        decimal.Decimal `json:"oldPrice" validate:"gte=0"`
	NewPrice        decimal.Decimal `json:"newPrice" validate:"gte=0"`
	CreatedAt       time.Time       `json:"createdAt" validate:"required"`
	LastModified    time.Time       `json:"lastModified"`
	SyncMeta        SyncMeta        `json:"syncMeta"`
}

func (c *PriceChange) Entity() offline.EntityType { return offline.EntityPriceChanges }
func (c *PriceChange) Key() string                { return c.ID }
func (c *PriceChange) Meta() *SyncMeta            { return &c.SyncMeta }

// Product is master data: an item for sale.
type Product struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required,max=200"`
	SKU          string          `json:"sku,omitempty"`
	Barcode      string          `json:"barcode,omitempty"`
	CategoryID   string          `json:"categoryId,omitempty"`
	Price        decimal.Decimal `json:"price" validate:"gte=0"`
	Cost         decimal.Decimal `json:"cost" validate:"gte=0"`
	Stock        decimal.Decimal `json:"stock"`
	Active       bool            `json:"active"`
	LastModified time.Time       `json:"lastModified"`
	SyncMeta     SyncMeta        `json:"syncMeta"`
}

func (p *Product) Entity() offline.EntityType { return offline.EntityProducts }
func (p *Product) Key() string                { return p.ID }
func (p *Product) Meta() *SyncMeta            { return &p.SyncMeta }

// Category is master data: a product category, optionally nested.
type Category struct {
	ID           string    `json:"id" validate:"required"`
	Name         string    `json:"name" validate:"required,max=100"`
	ParentID     string    `json:"parentId,omitempty"`
	Active       bool      `json:"active"`
	LastModified time.Time `json:"lastModified"`
	SyncMeta     SyncMeta  `json:"syncMeta"`
}

func (c *Category) Entity() offline.EntityType { return offline.EntityCategories }
func (c *Category) Key() string                { return c.ID }
func (c *Category) Meta() *SyncMeta            { return &c.SyncMeta }

// User is master data: a terminal operator.
type User struct {
	ID           string    `json:"id" validate:"required"`
	Username     string    `json:"username" validate:"required,min=3,max=50"`
	DisplayName  string    `json:"displayName,omitempty"`
	Role         string    `json:"role" validate:"oneof=admin supervisor cashier"`
	Active       bool      `json:"active"`
	LastModified time.Time `json:"lastModified"`
	SyncMeta     SyncMeta  `json:"syncMeta"`
}

func (u *User) Entity() offline.EntityType { return offline.EntityUsers }
func (u *User) Key() string                { return u.ID }
func (u *User) Meta() *SyncMeta            { return &u.SyncMeta }
