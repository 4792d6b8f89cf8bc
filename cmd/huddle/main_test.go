package main

import (
	"reflect"
	"testing"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		args     []string
		mode     string
		leftover []string
	}{
		{nil, modeClient, nil},
		{[]string{"server", "--addr", ":1"}, modeServer, []string{"--addr", ":1"}},
		{[]string{"LOCAL"}, modeLocal, []string{}},
		{[]string{"ABCD"}, modeClient, []string{"ABCD"}},
	}
	for _, tc := range cases {
		mode, rest := parseMode(tc.args)
		if mode != tc.mode {
			t.Errorf("parseMode(%v) mode = %s, want %s", tc.args, mode, tc.mode)
		}
		if len(rest) != len(tc.leftover) || (len(rest) > 0 && !reflect.DeepEqual(rest, tc.leftover)) {
			t.Errorf("parseMode(%v) rest = %v, want %v", tc.args, rest, tc.leftover)
		}
	}
}
