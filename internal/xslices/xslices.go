// Package xslices has generic slice helpers shared across the module.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Map applies fn to each element of in and returns the results.
func Map[In, Out any](in []In, fn func(In) Out) []Out {
	out := make([]Out, len(in))
	for i, e := range in {
		out[i] = fn(e)
	}
	return out
}

// Iota returns a slice [start, start+1, ..., start+n-1].
func Iota[T constraints.Integer | constraints.Float](start T, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = start + T(i)
	}
	return out
}

// SliceWithValue returns a slice of length n filled with value.
func SliceWithValue[T any](n int, value T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = value
	}
	return out
}

// Last returns the last element of the slice.
func Last[T any](s []T) T {
	return s[len(s)-1]
}

// Reversed returns a new slice with the elements in reverse order.
func Reversed[T any](s []T) []T {
	out := make([]T, len(s))
	for i, e := range s {
		out[len(s)-1-i] = e
	}
	return out
}
