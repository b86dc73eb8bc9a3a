package dnscodec

import (
	"bytes"
	"testing"

	"github.com/miekg/dns"
)

func TestQueryRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		id      uint16
		payload []byte
		rd, cd  bool
	}{
		{"with-payload", 1234, []byte("hello world"), true, false},
		{"poll", 42, nil, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := EncodeQuery(QueryParams{ID: tc.id, Payload: tc.payload, Domain: "example.com", RD: tc.rd, CD: tc.cd})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			res := DecodeQueryWithDomains(raw, []string{"example.com"})
			if res.Action != ActionAccept {
				t.Fatalf("expected accept, got %v", res.Action)
			}
			if res.ID != tc.id || res.RD != tc.rd || res.CD != tc.cd {
				t.Fatalf("header fields not preserved: %+v", res)
			}
			if !bytes.Equal(res.Payload, tc.payload) {
				t.Fatalf("payload mismatch: got %v want %v", res.Payload, tc.payload)
			}
		})
	}
}

func TestDecodeQueryZeroQuestionIsFormErr(t *testing.T) {
	msg := new(dns.Msg)
	msg.Id = 7
	raw, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	res := DecodeQueryWithDomains(raw, []string{"example.com"})
	if res.Action != ActionReply || res.Rcode != dns.RcodeFormatError {
		t.Fatalf("expected FORMERR reply, got %+v", res)
	}
}

func TestDecodeQueryUnknownDomainRefused(t *testing.T) {
	raw, err := EncodeQuery(QueryParams{ID: 1, Payload: []byte("x"), Domain: "other.com"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res := DecodeQueryWithDomains(raw, []string{"example.com"})
	if res.Action != ActionReply || res.Rcode != dns.RcodeRefused {
		t.Fatalf("expected REFUSED, got %+v", res)
	}
}

func TestLongestSuffixDomainMatch(t *testing.T) {
	raw, err := EncodeQuery(QueryParams{ID: 1, Payload: []byte("x"), Domain: "b.example.com"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res := DecodeQueryWithDomains(raw, []string{"example.com", "b.example.com"})
	if res.Action != ActionAccept {
		t.Fatalf("expected accept, got %+v", res)
	}
	if res.Domain != "b.example.com" {
		t.Fatalf("expected longest suffix match b.example.com, got %q", res.Domain)
	}
}

func TestScenario5LiteralExample(t *testing.T) {
	payload, err := b32.DecodeString("AAAA")
	if err != nil {
		t.Fatalf("decode AAAA: %v", err)
	}
	msg := new(dns.Msg)
	msg.SetQuestion("AAAA.example.com.", dns.TypeTXT)
	raw, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	res := DecodeQueryWithDomains(raw, []string{"example.com"})
	if res.Action != ActionAccept {
		t.Fatalf("expected accept, got %+v", res)
	}
	if !bytes.Equal(res.Payload, payload) {
		t.Fatalf("payload mismatch: got %v want %v", res.Payload, payload)
	}

	respRaw, err := EncodeResponse(ResponseParams{
		ID:            res.ID,
		Question:      res.Question,
		Payload:       []byte("server says hi"),
		Authoritative: true,
		Rcode:         dns.RcodeSuccess,
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	respMsg := new(dns.Msg)
	if err := respMsg.Unpack(respRaw); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if !respMsg.Response || !respMsg.Authoritative || respMsg.Id != res.ID {
		t.Fatalf("response header fields wrong: %+v", respMsg.MsgHdr)
	}
	got, ok := DecodeResponse(respRaw)
	if !ok {
		t.Fatalf("decode response failed")
	}
	if !bytes.Equal(got, []byte("server says hi")) {
		t.Fatalf("response payload mismatch: got %q", got)
	}
}

func TestEmptyNoErrorResponseIsValid(t *testing.T) {
	raw, err := EncodeResponse(ResponseParams{ID: 9, Question: dns.Question{Name: "poll.example.com.", Qtype: dns.TypeTXT, Qclass: dns.ClassINET}, Rcode: dns.RcodeSuccess})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, ok := DecodeResponse(raw)
	if !ok || payload != nil {
		t.Fatalf("expected ok empty payload, got ok=%v payload=%v", ok, payload)
	}
}

func TestMaxPayloadLenForDomainIsSane(t *testing.T) {
	n, err := MaxPayloadLenForDomain("example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected positive capacity, got %d", n)
	}
	payload := bytes.Repeat([]byte{0xAB}, n)
	qname, err := BuildQname(payload, "example.com")
	if err != nil {
		t.Fatalf("BuildQname at capacity failed: %v", err)
	}
	if len(qname) > 255 {
		t.Fatalf("qname exceeds 255 octets: %d", len(qname))
	}
}
