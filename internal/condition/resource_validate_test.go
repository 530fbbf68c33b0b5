package condition

import "testing"

func TestValidateDNSHostname(t *testing.T) {
	cases := []struct {
		host    string
		wantErr bool
	}{
		{"example.com", false},
		{"**.example.com", false},
		{"?.xn--fssq61j.com", false},
		{"1.1.1.1", true},
		{".foo.com", true},
		{"foo..com", true},
		{"*.com", true},
		{"example.com:80", true},
	}
	for _, c := range cases {
		err := ValidateDNSHostname(c.host)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateDNSHostname(%q) error = %v, wantErr %v", c.host, err, c.wantErr)
		}
	}
}

func TestValidateIPAddress(t *testing.T) {
	cases := []struct {
		ip      string
		wantErr bool
	}{
		{"10.1.2.3", false},
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"169.254.1.1", true},
		{"224.0.0.1", true},
		{"not-an-ip", true},
	}
	for _, c := range cases {
		_, err := ValidateIPAddress(c.ip)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateIPAddress(%q) error = %v, wantErr %v", c.ip, err, c.wantErr)
		}
	}
}

func TestValidateCIDRAddress(t *testing.T) {
	got, err := ValidateCIDRAddress("192.168.1.1/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "192.168.1.0/24" {
		t.Fatalf("got %q, want 192.168.1.0/24", got)
	}

	if _, err := ValidateCIDRAddress("127.0.0.0/8"); err == nil {
		t.Fatal("expected loopback CIDR to be rejected")
	}
	if _, err := ValidateCIDRAddress("not-a-cidr"); err == nil {
		t.Fatal("expected parse error")
	}
}
