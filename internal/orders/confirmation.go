package orders

import "github.com/shopspring/decimal"

// Confirmation is a client's claim that an order was paid. It is one of
// OrderConfirmed or EscrowLinked.
type Confirmation interface {
	orderID() string
	txHash() string
	buyer() string
}

// OrderConfirmed is the checkout flow: the buyer paid Token directly to the
// receiving account.
type OrderConfirmed struct {
	OrderID      string
	BuyerAddress string
	TxHash       string
	Token        string
	Amount       decimal.Decimal // as claimed by the client; never trusted
	UserID       string
}

// EscrowLinked is the legacy flow: the buyer funded an escrow contract and
// the storefront links the escrow id to the order.
type EscrowLinked struct {
	OrderID      string
	EscrowID     string
	BuyerAddress string
	TxHash       string
}

func (c OrderConfirmed) orderID() string { return c.OrderID }
func (c OrderConfirmed) txHash() string  { return c.TxHash }
func (c OrderConfirmed) buyer() string   { return c.BuyerAddress }

func (c EscrowLinked) orderID() string { return c.OrderID }
func (c EscrowLinked) txHash() string  { return c.TxHash }
func (c EscrowLinked) buyer() string   { return c.BuyerAddress }
