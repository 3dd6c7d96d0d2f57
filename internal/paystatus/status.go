// Package paystatus maps the status vocabularies of the PIX gateway and its webhooks onto the
// four canonical payment states.
package paystatus

import "strings"

// Status is the canonical payment state stored on a payment row.
type Status string

const (
	Pending   Status = "pending"
	Paid      Status = "paid"
	Expired   Status = "expired"
	Cancelled Status = "cancelled"
)

// tokens holds every recognized upstream spelling, upper-cased. Anything else is Pending.
var tokens = map[string]Status{
	"PAID_OUT":             Paid,
	"PAID":                 Paid,
	"PAGO":                 Paid,
	"APPROVED":             Paid,
	"APROVADO":             Paid,
	"WAITING_FOR_APPROVAL": Paid,
	"CONFIRMED":            Paid,
	"CONFIRMADO":           Paid,

	"EXPIRED":  Expired,
	"EXPIRADO": Expired,

	"CANCELLED": Cancelled,
	"CANCELED":  Cancelled,
	"CANCELADO": Cancelled,
	"CANCEL":    Cancelled,
}

// Flags are the boolean shortcuts some payloads carry next to (or instead of) a status string.
type Flags struct {
	Paid      bool
	Expired   bool
	Cancelled bool
}

// Normalize derives the canonical status from a raw token and flags. Paid wins over expired,
// expired over cancelled.
func Normalize(raw string, flags Flags) Status {
	token := tokens[strings.ToUpper(strings.TrimSpace(raw))]
	switch {
	case token == Paid || flags.Paid:
		return Paid
	case token == Expired || flags.Expired:
		return Expired
	case token == Cancelled || flags.Cancelled:
		return Cancelled
	default:
		return Pending
	}
}

// Parse reads a stored canonical value. Unknown values are Pending.
func Parse(stored string) Status {
	switch s := Status(strings.ToLower(strings.TrimSpace(stored))); s {
	case Paid, Expired, Cancelled:
		return s
	default:
		return Pending
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == Paid || s == Expired || s == Cancelled
}

func (s Status) String() string { return string(s) }
