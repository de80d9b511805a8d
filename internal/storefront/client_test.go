package storefront

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetOrder(t *testing.T) {
	wc := newFakeWC(t)
	wc.orders["100"] = `{"id":100,"status":"pending","total":"12.50","customer_id":7,
		"meta_data":[{"id":1,"key":"_stellar_buyer_address","value":"GX"},{"id":2,"key":"_qty","value":3}]}`

	o, err := wc.client().GetOrder(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "100", o.ID.String())
	assert.Equal(t, "12.50", o.Total)
	assert.Equal(t, "7", o.CustomerID.String())
	assert.Equal(t, "GX", o.Meta(MetaBuyerAddress))
	assert.Equal(t, "3", o.Meta("_qty"))
	assert.Empty(t, o.Meta("missing"))
}

func TestClient_NotFound(t *testing.T) {
	wc := newFakeWC(t)
	_, err := wc.client().GetOrder(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_WritesAuthenticated(t *testing.T) {
	wc := newFakeWC(t)
	c := wc.client()
	ctx := context.Background()

	require.NoError(t, c.UpdateOrder(ctx, "100", OrderUpdate{
		Status:   "processing",
		MetaData: []Meta{StringMeta(MetaTxHash, "abc")},
	}))
	require.NoError(t, c.AddNote(ctx, "100", "hello"))
	require.NoError(t, c.UpdateCustomerMeta(ctx, "7", StringMeta(MetaCustomerKey, "GKEY")))

	reqs := wc.recorded()
	require.Len(t, reqs, 3)

	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/orders/100", reqs[0].Path)
	assert.Equal(t, "processing", reqs[0].Body["status"])
	meta := reqs[0].Body["meta_data"].([]any)[0].(map[string]any)
	assert.Equal(t, MetaTxHash, meta["key"])
	assert.Equal(t, "abc", meta["value"])

	assert.Equal(t, http.MethodPost, reqs[1].Method)
	assert.Equal(t, "/orders/100/notes", reqs[1].Path)
	assert.Equal(t, "hello", reqs[1].Body["note"])
	assert.Equal(t, false, reqs[1].Body["customer_note"])

	assert.Equal(t, "/customers/7", reqs[2].Path)
}

func TestClient_BadCredentials(t *testing.T) {
	wc := newFakeWC(t)
	c := NewClient(wc.srv.URL, "wrong", "creds")

	err := c.AddNote(context.Background(), "1", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
}
