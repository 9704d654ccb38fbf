package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// maxSequenceN bounds fibonacci and factorial inputs so a single request
// cannot allocate an unbounded integer.
const maxSequenceN = 10000

var builtins = map[string]Func{
	"fibonacci":   fibonacciHandler,
	"factorial":   factorialHandler,
	"isPrime":     isPrimeHandler,
	"sum":         sumHandler,
	"hash_sha256": hashHandler,
}

type nPayload struct {
	N *int64 `json:"n"`
}

func (p nPayload) value(def int64) int64 {
	if p.N == nil {
		return def
	}
	return *p.N
}

func fibonacciHandler(payload json.RawMessage) (any, error) {
	var p nPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	n := p.value(10)
	if n > maxSequenceN {
		return nil, fmt.Errorf("n %d exceeds maximum %d", n, maxSequenceN)
	}
	return Fibonacci(n), nil
}

func factorialHandler(payload json.RawMessage) (any, error) {
	var p nPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	n := p.value(10)
	if n > maxSequenceN {
		return nil, fmt.Errorf("n %d exceeds maximum %d", n, maxSequenceN)
	}
	return Factorial(n), nil
}

func isPrimeHandler(payload json.RawMessage) (any, error) {
	var p nPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return IsPrime(p.value(2)), nil
}

func sumHandler(payload json.RawMessage) (any, error) {
	var p struct {
		Numbers []float64 `json:"numbers"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	var total float64
	for _, v := range p.Numbers {
		total += v
	}
	return total, nil
}

func hashHandler(payload json.RawMessage) (any, error) {
	var p struct {
		Message string `json:"message"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(p.Message))
	return hex.EncodeToString(sum[:]), nil
}

// Fibonacci returns the nth Fibonacci number, computed iteratively.
// For n <= 1 it returns n.
func Fibonacci(n int64) *big.Int {
	if n <= 1 {
		return big.NewInt(n)
	}
	a, b := big.NewInt(0), big.NewInt(1)
	for i := int64(2); i <= n; i++ {
		a.Add(a, b)
		a, b = b, a
	}
	return b
}

// Factorial returns n!, or -1 for negative n.
func Factorial(n int64) *big.Int {
	if n < 0 {
		return big.NewInt(-1)
	}
	result := big.NewInt(1)
	for i := int64(2); i <= n; i++ {
		result.Mul(result, big.NewInt(i))
	}
	return result
}

// IsPrime reports whether n is prime using trial division by 6k±1.
func IsPrime(n int64) bool {
	if n <= 1 {
		return false
	}
	if n <= 3 {
		return true
	}
	if n%2 == 0 || n%3 == 0 {
		return false
	}
	for i := int64(5); i <= n/i; i += 6 {
		if n%i == 0 || n%(i+2) == 0 {
			return false
		}
	}
	return true
}

// decode unmarshals payload into v. An absent or null payload leaves v untouched.
func decode(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
