package aggregator

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Float64Accumulator implements a concurrent-safe sum accumulator for
// float64 values with 0 as its identity.
type Float64Accumulator struct {
	sum float64
}

// NewFloat64Accumulator can serve as an aggregator Factory.
func NewFloat64Accumulator() Aggregator {
	return new(Float64Accumulator)
}

// Type implements Aggregator.
func (a *Float64Accumulator) Type() string {
	return "Float64Accumulator"
}

// Get returns the current value of the accumulator.
func (a *Float64Accumulator) Get() interface{} {
	return loadFloat64(&a.sum)
}

// Set the current value of the accumulator.
func (a *Float64Accumulator) Set(v interface{}) {
	for v64 := toFloat64(v); ; {
		oldV := loadFloat64(&a.sum)
		if atomic.CompareAndSwapUint64(
			(*uint64)(unsafe.Pointer(&a.sum)),
			math.Float64bits(oldV),
			math.Float64bits(v64),
		) {
			return
		}
	}
}

// Aggregate adds a float64 value to the accumulator.
func (a *Float64Accumulator) Aggregate(v interface{}) {
	for v64 := toFloat64(v); ; {
		oldV := loadFloat64(&a.sum)
		newV := oldV + v64
		if atomic.CompareAndSwapUint64(
			(*uint64)(unsafe.Pointer(&a.sum)),
			math.Float64bits(oldV),
			math.Float64bits(newV),
		) {
			return
		}
	}
}

func loadFloat64(v *float64) float64 {
	return math.Float64frombits(
		atomic.LoadUint64((*uint64)(unsafe.Pointer(v))),
	)
}

// IntAccumulator implements a concurrent-safe sum accumulator for int
// values with 0 as its identity.
type IntAccumulator struct {
	sum int64
}

// NewIntAccumulator can serve as an aggregator Factory.
func NewIntAccumulator() Aggregator {
	return new(IntAccumulator)
}

// Type implements Aggregator.
func (a *IntAccumulator) Type() string {
	return "IntAccumulator"
}

// Get returns the current value of the accumulator.
func (a *IntAccumulator) Get() interface{} {
	return int(atomic.LoadInt64(&a.sum))
}

// Set the current value of the accumulator.
func (a *IntAccumulator) Set(v interface{}) {
	atomic.StoreInt64(&a.sum, toInt64(v))
}

// Aggregate adds an int value to the accumulator.
func (a *IntAccumulator) Aggregate(v interface{}) {
	_ = atomic.AddInt64(&a.sum, toInt64(v))
}

// toFloat64 widens the numeric types a serializer may hand back.
func toFloat64(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	panic("unsupported value type for Float64Accumulator")
}

func toInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int64:
		return val
	case float64:
		return int64(val)
	}
	panic("unsupported value type for IntAccumulator")
}
