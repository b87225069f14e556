package volume

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrInvalidFillValue is returned for fill values the sample type of a
// volume cannot represent.
var ErrInvalidFillValue = errors.New("fill value not representable by sample type")

// SampleRange returns the smallest and largest finite values of T.
func SampleRange[T Sample]() (lo, hi float64) {
	var zero T
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Int8:
		return math.MinInt8, math.MaxInt8
	case reflect.Int16:
		return math.MinInt16, math.MaxInt16
	case reflect.Int32:
		return math.MinInt32, math.MaxInt32
	case reflect.Int, reflect.Int64:
		return math.MinInt64, math.MaxInt64
	case reflect.Uint8:
		return 0, math.MaxUint8
	case reflect.Uint16:
		return 0, math.MaxUint16
	case reflect.Uint32:
		return 0, math.MaxUint32
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return 0, math.MaxUint64
	case reflect.Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// IsIntegral reports whether T is an integer type.
func IsIntegral[T Sample]() bool {
	var zero T
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Float32, reflect.Float64:
		return false
	}
	return true
}

// ConvertFill converts v to T. Integer sample types accept only integral
// values within range; float32 rejects finite values beyond its range. NaN
// and infinities are accepted for floating-point types only.
func ConvertFill[T Sample](v float64) (T, error) {
	lo, hi := SampleRange[T]()
	if IsIntegral[T]() {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			return 0, fmt.Errorf("%v for integer samples: %w", v, ErrInvalidFillValue)
		case v != math.Trunc(v):
			return 0, fmt.Errorf("%v is not integral: %w", v, ErrInvalidFillValue)
		// hi+1 keeps the bound exact for 64-bit types where hi rounds up.
		case v < lo || v >= hi+1:
			return 0, fmt.Errorf("%v outside [%v, %v]: %w", v, lo, hi, ErrInvalidFillValue)
		}
		return T(v), nil
	}
	if !math.IsNaN(v) && !math.IsInf(v, 0) && (v < lo || v > hi) {
		return 0, fmt.Errorf("%v outside [%v, %v]: %w", v, lo, hi, ErrInvalidFillValue)
	}
	return T(v), nil
}
