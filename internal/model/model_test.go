package model

import "testing"

func TestLogIDDeterministicAndSensitiveToBothInputs(t *testing.T) {
	a := LogID("endpoint-a", "orders")
	b := LogID("endpoint-a", "orders")
	if a != b {
		t.Fatalf("LogID not deterministic: %q != %q", a, b)
	}
	if LogID("endpoint-a", "orders") == LogID("endpoint-b", "orders") {
		t.Fatalf("LogID collided across different endpoint ids")
	}
	if LogID("endpoint-a", "orders") == LogID("endpoint-a", "invoices") {
		t.Fatalf("LogID collided across different log names")
	}
}

func TestApplicationVersionLess(t *testing.T) {
	cases := []struct {
		a, b ApplicationVersion
		want bool
	}{
		{ApplicationVersion{1, 0, 0}, ApplicationVersion{2, 0, 0}, true},
		{ApplicationVersion{2, 0, 0}, ApplicationVersion{1, 0, 0}, false},
		{ApplicationVersion{1, 0, 0}, ApplicationVersion{1, 0, 0}, false},
		{ApplicationVersion{1, 1, 0}, ApplicationVersion{1, 2, 0}, true},
		{ApplicationVersion{1, 1, 5}, ApplicationVersion{1, 1, 4}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%s.Less(%s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestPeerAddressStringFormat(t *testing.T) {
	addr := PeerAddress{Protocol: "ws", SystemName: "endpoint-a", Host: "10.0.0.1", Port: 9000}
	want := "ws://endpoint-a@10.0.0.1:9000/user/acceptor"
	if got := addr.String(); got != want {
		t.Fatalf("PeerAddress.String() = %q, want %q", got, want)
	}
}

func TestCommonLogNamesIsCommutativeIntersection(t *testing.T) {
	a := map[string]struct{}{"orders": {}, "invoices": {}, "users": {}}
	b := map[string]struct{}{"invoices": {}, "users": {}, "payments": {}}

	ab := CommonLogNames(a, b)
	ba := CommonLogNames(b, a)

	if len(ab) != len(ba) {
		t.Fatalf("CommonLogNames not commutative: len(ab)=%d len(ba)=%d", len(ab), len(ba))
	}
	for name := range ab {
		if _, ok := ba[name]; !ok {
			t.Fatalf("CommonLogNames not commutative: %q in a∩b but not b∩a", name)
		}
	}

	want := map[string]struct{}{"invoices": {}, "users": {}}
	if len(ab) != len(want) {
		t.Fatalf("CommonLogNames = %v, want %v", ab, want)
	}
	for name := range want {
		if _, ok := ab[name]; !ok {
			t.Fatalf("CommonLogNames missing expected member %q", name)
		}
	}
}

func TestCommonLogNamesEmptyWhenDisjoint(t *testing.T) {
	a := map[string]struct{}{"orders": {}}
	b := map[string]struct{}{"invoices": {}}
	if got := CommonLogNames(a, b); len(got) != 0 {
		t.Fatalf("CommonLogNames(disjoint) = %v, want empty", got)
	}
}
