package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefchain/engine/pkg/money"
)

func TestParse(t *testing.T) {
	t.Run("should parse whole and fractional amounts", func(t *testing.T) {
		for _, s := range []string{"15000", "0.01", "999.99", "-42.50", "0"} {
			_, err := money.Parse(s)
			assert.NoError(t, err, s)
		}
	})

	t.Run("should preserve exact decimal values", func(t *testing.T) {
		d, err := money.Parse("12345.67")
		require.NoError(t, err)
		assert.Equal(t, "12345.67", d.String())
	})

	t.Run("should reject garbage", func(t *testing.T) {
		for _, s := range []string{"", "abc", "12.3.4", "₹100"} {
			_, err := money.Parse(s)
			assert.ErrorIs(t, err, money.ErrInvalidAmount, s)
		}
	})

	t.Run("should reject sub-paisa precision", func(t *testing.T) {
		_, err := money.Parse("10.001")
		assert.ErrorIs(t, err, money.ErrTooManyDigits)
	})
}

func TestParsePositive(t *testing.T) {
	t.Run("should accept positive amounts", func(t *testing.T) {
		d, err := money.ParsePositive("250.50")
		require.NoError(t, err)
		assert.True(t, d.IsPositive())
	})

	t.Run("should reject zero and negatives", func(t *testing.T) {
		for _, s := range []string{"0", "0.00", "-1"} {
			_, err := money.ParsePositive(s)
			assert.ErrorIs(t, err, money.ErrNotPositive, s)
		}
	})
}

func TestFormatINR(t *testing.T) {
	assert.Equal(t, "₹15000.00", money.FormatINR(decimal.NewFromInt(15000)))
	assert.Equal(t, "₹99.90", money.FormatINR(decimal.RequireFromString("99.9")))
}
