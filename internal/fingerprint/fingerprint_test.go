package fingerprint

import "testing"

import "github.com/miekg/dns"

func TestOfIgnoresID(t *testing.T) {
	q1 := new(dns.Msg)
	q1.SetQuestion("Example.COM.", dns.TypeA)
	q1.Id = 1

	q2 := new(dns.Msg)
	q2.SetQuestion("example.com.", dns.TypeA)
	q2.Id = 2

	fp1, ok1 := Of(q1)
	fp2, ok2 := Of(q2)
	if !ok1 || !ok2 {
		t.Fatalf("expected both queries to have a question section")
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprints differ despite only id changing: %+v vs %+v", fp1, fp2)
	}
}

func TestOfCapturesDNSSECOK(t *testing.T) {
	plain := new(dns.Msg)
	plain.SetQuestion("example.com.", dns.TypeA)

	withDO := new(dns.Msg)
	withDO.SetQuestion("example.com.", dns.TypeA)
	withDO.SetEdns0(4096, true)

	fpPlain, _ := Of(plain)
	fpDO, _ := Of(withDO)
	if fpPlain.DO {
		t.Fatalf("expected DO=false for plain query")
	}
	if !fpDO.DO {
		t.Fatalf("expected DO=true for query with DNSSEC OK set")
	}
	if fpPlain.Key() == fpDO.Key() {
		t.Fatalf("expected different cache keys for different DO bit")
	}
}

func TestOfNoQuestion(t *testing.T) {
	msg := new(dns.Msg)
	if _, ok := Of(msg); ok {
		t.Fatalf("expected ok=false for a message with no question section")
	}
}

func TestOfDifferentTypeOrClass(t *testing.T) {
	a := new(dns.Msg)
	a.SetQuestion("example.com.", dns.TypeA)
	aaaa := new(dns.Msg)
	aaaa.SetQuestion("example.com.", dns.TypeAAAA)

	fpA, _ := Of(a)
	fpAAAA, _ := Of(aaaa)
	if fpA == fpAAAA {
		t.Fatalf("expected different fingerprints for A vs AAAA")
	}
}
