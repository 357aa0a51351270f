package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// ErrorCode classifies the outcome of a ticket.
type ErrorCode int

const (
	Success ErrorCode = iota
	MissingSecurity
	PreOrderChecksError
	SecurityPriceZero
	NonTradableSecurity
	OrderQuantityZero
	ExchangeNotOpen
	MarketOnCloseOrderTooLate
	QuantFundBackfilling
	ConversionRateZero
	ExceededMaximumOrders
	RiskManagementNotAllowed
	OrderNotFound
	BrokerageRejected
	ProcessingError
)

var errorCodeNames = [...]string{
	Success:                   "Success",
	MissingSecurity:           "MissingSecurity",
	PreOrderChecksError:       "PreOrderChecksError",
	SecurityPriceZero:         "SecurityPriceZero",
	NonTradableSecurity:       "NonTradableSecurity",
	OrderQuantityZero:         "OrderQuantityZero",
	ExchangeNotOpen:           "ExchangeNotOpen",
	MarketOnCloseOrderTooLate: "MarketOnCloseOrderTooLate",
	QuantFundBackfilling:      "QuantFundBackfilling",
	ConversionRateZero:        "ConversionRateZero",
	ExceededMaximumOrders:     "ExceededMaximumOrders",
	RiskManagementNotAllowed:  "RiskManagementNotAllowed",
	OrderNotFound:             "OrderNotFound",
	BrokerageRejected:         "BrokerageRejected",
	ProcessingError:           "ProcessingError",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
	return errorCodeNames[c]
}

// Response is the result attached to a ticket. Business errors travel here,
// never as Go errors.
type Response struct {
	Code    ErrorCode
	Message string
}

// OK is the successful response.
var OK = Response{Code: Success}

// Errorf builds an error response.
func Errorf(code ErrorCode, format string, args ...any) Response {
	return Response{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsSuccess reports whether the response carries no error.
func (r Response) IsSuccess() bool { return r.Code == Success }

func (r Response) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Message
}

// Kind is the kind of request a ticket carries.
type Kind int

const (
	Submit Kind = iota
	Update
	Cancel
)

func (k Kind) String() string {
	switch k {
	case Submit:
		return "Submit"
	case Update:
		return "Update"
	case Cancel:
		return "Cancel"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Ticket is a request to submit, update or cancel an order.
type Ticket struct {
	Kind     Kind
	FundID   string
	Security domain.Security
	OrderID  int64

	// Order is set on submit tickets.
	Order Order
	// Fields is set on update tickets.
	Fields UpdateFields

	Response Response
}

// NewSubmitTicket wraps o in a submit ticket.
func NewSubmitTicket(o Order) *Ticket {
	d := o.Details()
	return &Ticket{
		Kind:     Submit,
		FundID:   d.FundID,
		Security: d.Security,
		OrderID:  d.InternalID,
		Order:    o,
	}
}

// NewUpdateTicket requests that the fields of an open order change.
func NewUpdateTicket(fundID string, sec domain.Security, f UpdateFields) *Ticket {
	return &Ticket{
		Kind:     Update,
		FundID:   fundID,
		Security: sec,
		OrderID:  f.OrderID,
		Fields:   f,
	}
}

// NewCancelTicket requests the cancellation of an open order.
func NewCancelTicket(fundID string, sec domain.Security, orderID int64) *Ticket {
	return &Ticket{
		Kind:     Cancel,
		FundID:   fundID,
		Security: sec,
		OrderID:  orderID,
	}
}

// Quantity returns the quantity the ticket would trade: the order quantity
// for submits, the new quantity for updates that set one, else zero.
func (t *Ticket) Quantity() decimal.Decimal {
	switch {
	case t.Order != nil:
		return t.Order.Details().Quantity
	case t.Fields.Quantity != nil:
		return *t.Fields.Quantity
	}
	return decimal.Zero
}

// SetQuantity overwrites the quantity the ticket would trade.
func (t *Ticket) SetQuantity(q decimal.Decimal) {
	if t.Order != nil {
		t.Order.Details().Quantity = q
		return
	}
	t.Fields.Quantity = &q
}

// Type returns the order type of a submit ticket.
func (t *Ticket) Type() (Type, bool) {
	if t.Order == nil {
		return 0, false
	}
	return t.Order.Type(), true
}

// Reply records r on the ticket and returns it.
func (t *Ticket) Reply(r Response) Response {
	t.Response = r
	return r
}

// Event reports a change in the state of an order.
type Event struct {
	OrderID      int64
	FundID       string
	Security     domain.Security
	State        State
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Fee          decimal.Decimal
	Time         time.Time
	Message      string
}

// IsFill reports whether the event carries a fill.
func (e Event) IsFill() bool {
	return (e.State == StateFilled || e.State == StatePartiallyFilled) && !e.FillQuantity.IsZero()
}
