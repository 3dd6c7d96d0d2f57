package paystatus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTable(t *testing.T) {
	want := map[string]Status{
		"PAID_OUT":             Paid,
		"PAID":                 Paid,
		"PAGO":                 Paid,
		"APPROVED":             Paid,
		"APROVADO":             Paid,
		"WAITING_FOR_APPROVAL": Paid,
		"CONFIRMED":            Paid,
		"CONFIRMADO":           Paid,
		"EXPIRED":              Expired,
		"EXPIRADO":             Expired,
		"CANCELLED":            Cancelled,
		"CANCELED":             Cancelled,
		"CANCELADO":            Cancelled,
		"CANCEL":               Cancelled,
	}
	assert.Len(t, tokens, len(want), "every table entry must be covered here")
	for raw, status := range want {
		assert.Equal(t, status, Normalize(raw, Flags{}), raw)
		assert.Equal(t, status, Normalize(strings.ToLower(raw), Flags{}), "lower-case "+raw)
		assert.Equal(t, status, Normalize("  "+raw+"\n", Flags{}), "padded "+raw)
	}
}

func TestNormalizeUnknownIsPending(t *testing.T) {
	for _, raw := range []string{"", "PENDING", "pendente", "WAITING_PAYMENT", "created", "paid out", "refunded"} {
		assert.Equal(t, Pending, Normalize(raw, Flags{}), raw)
	}
}

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		flags Flags
		want  Status
	}{
		{"paid flag alone", "", Flags{Paid: true}, Paid},
		{"expired flag alone", "", Flags{Expired: true}, Expired},
		{"cancelled flag alone", "unknown", Flags{Cancelled: true}, Cancelled},
		{"paid flag beats expired token", "EXPIRED", Flags{Paid: true}, Paid},
		{"paid token beats expired flag", "PAGO", Flags{Expired: true}, Paid},
		{"expired beats cancelled", "CANCELADO", Flags{Expired: true}, Expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw, tt.flags))
		})
	}
}

func TestParseAndTerminal(t *testing.T) {
	assert.Equal(t, Paid, Parse("paid"))
	assert.Equal(t, Cancelled, Parse(" CANCELLED "))
	assert.Equal(t, Pending, Parse("PAGO"), "stored values are canonical only")
	assert.False(t, Pending.Terminal())
	for _, s := range []Status{Paid, Expired, Cancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
}
