// internal/service/order/domain/state.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusPending       Status = "pending"        // 已预留库存, 等待支付
	StatusPaid          Status = "paid"           // 已支付, 库存已扣减
	StatusCancelled     Status = "cancelled"      // 支付失败或超时, 预留已释放
	StatusFulfilled     Status = "fulfilled"      // 已履约
	StatusFulfillFailed Status = "fulfill_failed" // 履约失败
)

// transitions 是订单状态机的唯一权威定义
var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusFulfilled, StatusFulfillFailed},
}

// CanTransition 判断 from -> to 是否是合法的状态流转
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 终态不再允许任何流转
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Stage 返回状态所处的阶段: pending 为 0, 支付结果为 1, 履约结果为 2。
// 流转只会让阶段递增, 同一订单的两份记录中阶段更大的更新。
func (s Status) Stage() int {
	switch s {
	case StatusPaid, StatusCancelled:
		return 1
	case StatusFulfilled, StatusFulfillFailed:
		return 2
	}
	return 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled, StatusFulfilled, StatusFulfillFailed:
		return true
	}
	return false
}

// PaymentOutcome 是支付回调的结果
type PaymentOutcome string

const (
	PaymentSuccess PaymentOutcome = "success"
	PaymentFailed  PaymentOutcome = "failed"
	PaymentTimeout PaymentOutcome = "timeout"
)

func ParsePaymentOutcome(s string) (PaymentOutcome, error) {
	switch o := PaymentOutcome(s); o {
	case PaymentSuccess, PaymentFailed, PaymentTimeout:
		return o, nil
	}
	return "", InvalidArgument("unknown payment outcome %q", s)
}

// FulfillmentOutcome 是履约回调的结果
type FulfillmentOutcome string

const (
	FulfillmentSuccess FulfillmentOutcome = "success"
	FulfillmentFailed  FulfillmentOutcome = "failed"
)

func ParseFulfillmentOutcome(s string) (FulfillmentOutcome, error) {
	switch o := FulfillmentOutcome(s); o {
	case FulfillmentSuccess, FulfillmentFailed:
		return o, nil
	}
	return "", InvalidArgument("unknown fulfillment outcome %q", s)
}
