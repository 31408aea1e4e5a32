// Package transaction defines the strongly typed transaction record scored
// by the decision core, together with its boundary validation.
//
// Transactions are built once at the system edge (HTTP, MCP) and never
// mutated after they are appended to a user's history.
package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mbd888/verifai/internal/idgen"
)

// ErrInvalidTransaction is returned when required fields are missing or malformed.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Transaction is a single payment attempt by a user.
type Transaction struct {
	ID               string   `json:"id"`
	UserID           string   `json:"userId" validate:"required"`
	Amount           float64  `json:"amount" validate:"gt=0"`
	Merchant         string   `json:"merchant" validate:"required"`
	MerchantCategory string   `json:"merchantCategory,omitempty"`
	DeviceType       string   `json:"deviceType,omitempty"`
	DeviceIP         string   `json:"deviceIp,omitempty" validate:"omitempty,ip"`
	Location         Location `json:"location"`
	Email            string   `json:"email,omitempty" validate:"omitempty,email"`

	// Derived signals. Nil means "not supplied"; Prepare fills them in.
	LocationDistanceKM *float64 `json:"locationDistanceKm,omitempty" validate:"omitempty,gte=0"`
	TransactionsToday  *int     `json:"transactionsToday,omitempty" validate:"omitempty,gte=0"`
	IsNewDevice        *bool    `json:"isNewDevice,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Demo signal heuristic used when the caller does not supply derived fields.
const (
	DemoLargeAmount = 10000.0

	demoFarDistanceKM   = 2500.0
	demoNearDistanceKM  = 10.0
	demoBurstCount      = 15
	demoNormalDailyRate = 1
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields. The returned error wraps ErrInvalidTransaction.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidTransaction, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return nil
}

// Prepare assigns an identifier and timestamp when absent and fills in any
// derived signal the caller left empty. Supplied values are never overwritten.
func Prepare(t Transaction, now time.Time) Transaction {
	if t.ID == "" {
		t.ID = idgen.Transaction()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	large := t.Amount > DemoLargeAmount
	if t.LocationDistanceKM == nil {
		d := demoNearDistanceKM
		if large {
			d = demoFarDistanceKM
		}
		t.LocationDistanceKM = &d
	}
	if t.TransactionsToday == nil {
		n := demoNormalDailyRate
		if large {
			n = demoBurstCount
		}
		t.TransactionsToday = &n
	}
	if t.IsNewDevice == nil {
		v := large
		t.IsNewDevice = &v
	}
	return t
}

// Category returns the normalized (upper-cased, trimmed) merchant category.
func (t Transaction) Category() string {
	return strings.ToUpper(strings.TrimSpace(t.MerchantCategory))
}
