package ratelimiter

import "time"

// ConsumptionProbe describes the outcome of TryConsumeAndReturnRemaining.
type ConsumptionProbe struct {
	Consumed             bool  `json:"consumed" bson:"consumed"`
	RemainingTokens      int64 `json:"remaining_tokens" bson:"remaining_tokens"`
	NanosToWaitForRefill int64 `json:"nanos_to_wait_for_refill" bson:"nanos_to_wait_for_refill"`
	NanosToWaitForReset  int64 `json:"nanos_to_wait_for_reset" bson:"nanos_to_wait_for_reset"`
}

// WaitForRefill is how long a rejected caller should wait before retrying.
func (p ConsumptionProbe) WaitForRefill() time.Duration {
	return time.Duration(p.NanosToWaitForRefill)
}

// WaitForReset is how long until the bucket is full again.
func (p ConsumptionProbe) WaitForReset() time.Duration {
	return time.Duration(p.NanosToWaitForReset)
}

// EstimationProbe describes whether tokens could be consumed now without
// consuming them.
type EstimationProbe struct {
	CanBeConsumed   bool  `json:"can_be_consumed" bson:"can_be_consumed"`
	RemainingTokens int64 `json:"remaining_tokens" bson:"remaining_tokens"`
	NanosToWait     int64 `json:"nanos_to_wait" bson:"nanos_to_wait"`
}

// Wait is how long until the estimated tokens become available.
func (p EstimationProbe) Wait() time.Duration {
	return time.Duration(p.NanosToWait)
}
