package scraper

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/models"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func TestParseProductPage_CorePriceBlock(t *testing.T) {
	data, err := ParseProductPage(bytes.NewReader(loadFixture(t, "product_us.html")))
	require.NoError(t, err)

	assert.Equal(t, "Acme Noise Cancelling Headphones, Wireless, 30h Battery", data.Title)
	assert.Equal(t, "Acme", data.Brand)
	require.NotNil(t, data.Price)
	assert.InDelta(t, 1299.99, *data.Price, 0.001)
	require.NotNil(t, data.ListPrice)
	assert.InDelta(t, 1599.00, *data.ListPrice, 0.001)
	assert.Equal(t, "USD", data.Currency)
	assert.InDelta(t, 4.6, data.Rating, 0.001)
	assert.Equal(t, 12408, data.ReviewCount)
	assert.True(t, data.Available)
	assert.True(t, data.Prime)
}

func TestParseProductPage_JSONLDFallback(t *testing.T) {
	data, err := ParseProductPage(bytes.NewReader(loadFixture(t, "product_de_jsonld.html")))
	require.NoError(t, err)

	assert.Equal(t, "Kaffeemaschine Deluxe 1,5 L", data.Title)
	assert.Equal(t, "Brühmeister", data.Brand)
	require.NotNil(t, data.Price)
	assert.InDelta(t, 1299.99, *data.Price, 0.001)
	assert.Equal(t, "EUR", data.Currency)
	require.NotNil(t, data.ListPrice)
	assert.InDelta(t, 1499.00, *data.ListPrice, 0.001)
	assert.InDelta(t, 4.2, data.Rating, 0.001)
	assert.Equal(t, 87, data.ReviewCount)
	assert.False(t, data.Available)
	assert.False(t, data.Prime)
}

func TestParseProductPage_DataAttributes(t *testing.T) {
	data, err := ParseProductPage(bytes.NewReader(loadFixture(t, "product_data_attrs.html")))
	require.NoError(t, err)

	assert.Equal(t, "Trail Running Shoes", data.Title)
	require.NotNil(t, data.Price)
	assert.InDelta(t, 54.90, *data.Price, 0.001)
	assert.Equal(t, "GBP", data.Currency)
	assert.Nil(t, data.ListPrice)
	assert.InDelta(t, 3.9, data.Rating, 0.001)
	assert.Equal(t, 1204, data.ReviewCount)
	assert.True(t, data.Available)
}

func TestParseProductPage_Captcha(t *testing.T) {
	_, err := ParseProductPage(bytes.NewReader(loadFixture(t, "captcha.html")))
	require.ErrorIs(t, err, models.ErrBlocked)
	assert.Equal(t, models.OutcomeBlocked, models.OutcomeForError(err))
}

func TestParseProductPage_NotAProductPage(t *testing.T) {
	_, err := ParseProductPage(bytes.NewReader(loadFixture(t, "empty.html")))
	require.ErrorIs(t, err, models.ErrParse)
	assert.Equal(t, models.OutcomeParseError, models.OutcomeForError(err))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in       string
		price    float64
		currency string
		ok       bool
	}{
		{"$1,299.99", 1299.99, "USD", true},
		{"1.299,99 €", 1299.99, "EUR", true},
		{"19,99 €", 19.99, "EUR", true},
		{"£54.90", 54.90, "GBP", true},
		{"R$ 2.499,00", 2499.00, "BRL", true},
		{"$1,299", 1299, "USD", true},
		{"1 299,50 EUR", 1299.50, "EUR", true},
		{"EUR 1.299", 1299, "EUR", true},
		{"$29.99 - $39.99", 29.99, "USD", true},
		{"", 0, "", false},
		{"Currently unavailable", 0, "", false},
		{"$0.00", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			price, currency, ok := ParsePrice(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.price, price, 0.001)
			assert.Equal(t, tt.currency, currency)
		})
	}
}

func TestIsCaptcha(t *testing.T) {
	assert.True(t, IsCaptcha(string(loadFixture(t, "captcha.html"))))
	assert.False(t, IsCaptcha(string(loadFixture(t, "product_us.html"))))
}
