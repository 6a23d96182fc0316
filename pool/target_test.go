package pool

import (
	"errors"
	"strings"
	"testing"
)

func TestIdentity(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   Identity
	}{
		{"oracle default", Target{Username: "scott", ConnectString: "db:1521/ORCL"}, "scott@db:1521/ORCL"},
		{"oracle explicit", Target{Username: "scott", ConnectString: "db:1521/ORCL", Driver: "ORACLE"}, "scott@db:1521/ORCL"},
		{"postgres prefixed", Target{Username: "app", ConnectString: "postgres://db/app", Driver: "postgres"}, "postgres:app@postgres://db/app"},
		{"duckdb no user", Target{ConnectString: ":memory:", Driver: "duckdb"}, "duckdb:@:memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.Identity(); got != tt.want {
				t.Fatalf("Identity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentityIgnoresPasswordAndName(t *testing.T) {
	a := Target{Name: "prod", Username: "scott", Password: "tiger", ConnectString: "db/ORCL"}
	b := Target{Name: "PROD copy", Username: "scott", Password: "other", ConnectString: "db/ORCL"}
	if a.Identity() != b.Identity() {
		t.Fatalf("identities differ: %q vs %q", a.Identity(), b.Identity())
	}
	if strings.Contains(a.String(), "tiger") {
		t.Fatalf("String() leaked the password: %q", a.String())
	}
}

func TestParseEZConnect(t *testing.T) {
	tests := []struct {
		in      string
		want    ezConnect
		wantErr bool
	}{
		{in: "db.example.com:1522/ORCLPDB1", want: ezConnect{Host: "db.example.com", Port: 1522, Service: "ORCLPDB1"}},
		{in: "//db.example.com/ORCL", want: ezConnect{Host: "db.example.com", Port: 1521, Service: "ORCL"}},
		{in: "[::1]:1521/XE", want: ezConnect{Host: "::1", Port: 1521, Service: "XE"}},
		{in: "db.example.com:1521", wantErr: true},
		{in: "/ORCL", wantErr: true},
		{in: "db:notaport/ORCL", wantErr: true},
		{in: "db:70000/ORCL", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseEZConnect(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrBadConnectString) {
				t.Errorf("parseEZConnect(%q): expected ErrBadConnectString, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseEZConnect(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEZConnect(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestMySQLAddress(t *testing.T) {
	addr, db, err := mysqlAddress("mysql.internal/orders")
	if err != nil {
		t.Fatalf("mysqlAddress: %v", err)
	}
	if addr != "mysql.internal:3306" || db != "orders" {
		t.Fatalf("got addr=%q db=%q", addr, db)
	}
	if _, _, err := mysqlAddress("/orders"); !errors.Is(err, ErrBadConnectString) {
		t.Fatalf("expected ErrBadConnectString, got %v", err)
	}
}
