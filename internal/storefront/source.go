package storefront

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/smokypay/internal/orders"
	"github.com/mbd888/smokypay/internal/strkey"
	"github.com/shopspring/decimal"
)

// Meta keys written by the checkout plugin and by this service.
const (
	MetaBuyerPublicKey = "stellar_public_key"
	MetaBuyerAddress   = "_stellar_buyer_address"
	MetaTxHash         = "_stellar_tx_hash"
	MetaEscrowID       = "_stellar_escrow_id"
	MetaCustomerKey    = "_stellar_public_key"
)

// BuyerAddress returns the buyer's account id recorded at checkout, or ""
// when none is recorded or it is not a valid account id.
func (o *Order) BuyerAddress() string {
	addr := strings.TrimSpace(o.Meta(MetaBuyerPublicKey, MetaBuyerAddress))
	if !strkey.IsValidAccountID(addr) {
		return ""
	}
	return addr
}

// Intake converts the order into what the reconciliation engine tracks.
// Guest orders (customer 0) carry no user id.
func (o *Order) Intake() (orders.Intake, error) {
	id := o.ID.String()
	if id == "" {
		return orders.Intake{}, errors.New("order has no id")
	}
	total, err := decimal.NewFromString(strings.TrimSpace(o.Total))
	if err != nil || total.IsNegative() {
		return orders.Intake{}, fmt.Errorf("order %s has invalid total %q", id, o.Total)
	}
	in := orders.Intake{
		ID:           id,
		BuyerAddress: o.BuyerAddress(),
		ExpectedUSD:  total,
	}
	if cid := o.CustomerID.String(); cid != "" && cid != "0" {
		in.UserID = cid
	}
	return in, nil
}

// Source looks up orders the storefront knows about.
type Source struct {
	client *Client
}

// NewSource creates an order source backed by client.
func NewSource(client *Client) *Source {
	return &Source{client: client}
}

// FetchOrder implements orders.OrderSource.
func (s *Source) FetchOrder(ctx context.Context, id string) (*orders.Intake, error) {
	o, err := s.client.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, orders.ErrUnknownOrder
		}
		return nil, err
	}
	in, err := o.Intake()
	if err != nil {
		return nil, err
	}
	return &in, nil
}

var _ orders.OrderSource = (*Source)(nil)
