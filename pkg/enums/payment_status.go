package enums

import "fmt"

// PaymentStatus tracks the lifecycle of an order payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusApproved   PaymentStatus = "approved"
	PaymentStatusDeclined   PaymentStatus = "declined"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusPaid,
	PaymentStatusFailed,
	PaymentStatusRefunded,
	PaymentStatusApproved,
	PaymentStatusDeclined,
	PaymentStatusExpired,
	PaymentStatusAuthorized,
	PaymentStatusCancelled,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsSuccess reports whether the provider has committed funds for the order.
func (p PaymentStatus) IsSuccess() bool {
	switch p {
	case PaymentStatusPaid, PaymentStatusApproved, PaymentStatusAuthorized:
		return true
	}
	return false
}

// IsFailure covers outcomes where the buyer may retry payment on the same order.
func (p PaymentStatus) IsFailure() bool {
	return p == PaymentStatusFailed || p == PaymentStatusDeclined
}

// IsTerminal covers outcomes that close the order.
func (p PaymentStatus) IsTerminal() bool {
	return p == PaymentStatusExpired || p == PaymentStatusCancelled
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}
