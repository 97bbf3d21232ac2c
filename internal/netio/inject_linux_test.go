//go:build linux

package netio

import "testing"

func TestHtons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want uint16
	}{
		{0x0003, 0x0300}, // ETH_P_ALL
		{0x0800, 0x0008},
		{0xffff, 0xffff},
		{0x0000, 0x0000},
	}
	for _, tt := range tests {
		if got := htons(tt.in); got != tt.want {
			t.Errorf("htons(%#04x) = %#04x, want %#04x", tt.in, got, tt.want)
		}
	}
}
