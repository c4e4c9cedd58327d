package sdbus

import (
	"strings"
	"testing"
)

func TestValidBusName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"org.freedesktop.DBus", true},
		{"org.freedesktop.systemd1", true},
		{"com.example.backup-agent", true},
		{":1.42", true},
		{":1.0.2", true},
		{"a.b", true},
		{"", false},
		{"org", false},
		{"org.", false},
		{".org", false},
		{"org..freedesktop", false},
		{"org.2foo", false},
		{":", false},
		{":1", false},
		{"org.freedesktop.DBüs", false},
		{"org.free desktop", false},
		{"a." + strings.Repeat("b", 255), false},
	}
	for _, tc := range tests {
		if got := validBusName(tc.in); got != tc.want {
			t.Errorf("validBusName(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidObjectPath(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/", true},
		{"/org/freedesktop/DBus", true},
		{"/a", true},
		{"/a/b0/_c", true},
		{"", false},
		{"org/freedesktop", false},
		{"/org/", false},
		{"//org", false},
		{"/org//freedesktop", false},
		{"/org/free-desktop", false},
		{"/org/frée", false},
	}
	for _, tc := range tests {
		if got := validObjectPath(tc.in); got != tc.want {
			t.Errorf("validObjectPath(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidInterfaceName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"org.freedesktop.DBus", true},
		{"org.freedesktop.DBus.Error.ServiceUnknown", true},
		{"a.b", true},
		{"a_1.b_2", true},
		{"", false},
		{"org", false},
		{"org.", false},
		{"org.2foo", false},
		{"org.foo-bar", false},
	}
	for _, tc := range tests {
		if got := validInterfaceName(tc.in); got != tc.want {
			t.Errorf("validInterfaceName(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidMemberName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"ListUnits", true},
		{"Hello", true},
		{"_private", true},
		{"Method2", true},
		{"", false},
		{"2Method", false},
		{"List.Units", false},
		{"List Units", false},
		{strings.Repeat("a", 256), false},
	}
	for _, tc := range tests {
		if got := validMemberName(tc.in); got != tc.want {
			t.Errorf("validMemberName(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
