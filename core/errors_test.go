package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"omapi2c/reg"
)

func TestErrno(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrTimeout, -110},
		{fmt.Errorf("waiting for completion: %w", ErrTimeout), -110},
		{context.DeadlineExceeded, -110},
		{ErrNack, -121},
		{ErrArbitrationLost, -11},
		{ErrOverrunUnderflow, -5},
		{context.Canceled, -5},
		{errors.New("something else"), -5},
	}
	for _, tc := range testCases {
		if got := Errno(tc.err); got != tc.want {
			t.Errorf("Errno(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestStatusErrorPrecedence(t *testing.T) {
	testCases := []struct {
		bits uint16
		want error
	}{
		{0, nil},
		{reg.StatARDY, nil},
		{reg.StatNACK | reg.StatAL, ErrNack},
		{reg.StatAL | reg.StatROVR, ErrArbitrationLost},
		{reg.StatXUDF, ErrOverrunUnderflow},
	}
	for _, tc := range testCases {
		if got := statusError(tc.bits); got != tc.want {
			t.Errorf("statusError(0x%04x) = %v, want %v", tc.bits, got, tc.want)
		}
	}
}
