// Package dnscodec builds and parses the DNS messages that carry tunnel
// payloads. A payload is packed into the qname of a query (base32, split
// into <=63 octet labels) and into the TXT rdata of a response (base64,
// split into <=255 octet strings within one TXT RR).
package dnscodec

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

const maxNameOctets = 255

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Action classifies the outcome of decoding an inbound query.
type Action int

const (
	// ActionAccept means the query carried a usable payload for a configured domain.
	ActionAccept Action = iota
	// ActionDrop means the query is silently ignored (the message cannot be
	// parsed). Unknown domains are not dropped; they get a REFUSED reply.
	ActionDrop
	// ActionReply means an error response must be sent with the given Rcode.
	ActionReply
)

// QueryParams are the fields needed to build an outbound query.
type QueryParams struct {
	ID      uint16
	Payload []byte
	Domain  string
	RD      bool
	CD      bool
}

// ResponseParams are the fields needed to build an outbound response.
type ResponseParams struct {
	ID            uint16
	RD            bool
	CD            bool
	Question      dns.Question
	Payload       []byte
	Authoritative bool
	Rcode         int
}

// DecodeResult is the outcome of DecodeQueryWithDomains.
type DecodeResult struct {
	Action   Action
	ID       uint16
	RD       bool
	CD       bool
	Question dns.Question
	Payload  []byte
	Domain   string
	Rcode    int
}

// MaxPayloadLenForDomain returns the largest raw payload, in bytes, that fits
// in one query's qname for the given (already-normalized, no trailing dot)
// domain. The computation is conservative: it reserves one extra octet per
// 63-octet label for the separating dot, so the capacity is never reported
// as larger than it is.
func MaxPayloadLenForDomain(domain string) (int, error) {
	overhead := len(domain) + 2 // one dot joining labels to domain, one trailing root dot
	available := maxNameOctets - overhead
	if available <= 0 {
		return 0, fmt.Errorf("dnscodec: domain %q leaves no qname budget", domain)
	}
	labelBudget := available - available/63
	if labelBudget <= 0 {
		return 0, fmt.Errorf("dnscodec: domain %q leaves no label budget", domain)
	}
	n := (labelBudget * 5) / 8
	if n <= 0 {
		return 0, fmt.Errorf("dnscodec: domain %q fits no payload", domain)
	}
	return n, nil
}

// BuildQname packs payload into the owner name of a query against domain.
// An empty payload produces the bare domain name: a "poll".
func BuildQname(payload []byte, domain string) (string, error) {
	if len(payload) == 0 {
		return dns.Fqdn(domain), nil
	}
	max, err := MaxPayloadLenForDomain(domain)
	if err != nil {
		return "", err
	}
	if len(payload) > max {
		return "", fmt.Errorf("dnscodec: payload of %d bytes exceeds max %d for domain %q", len(payload), max, domain)
	}
	encoded := b32.EncodeToString(payload)
	qname := splitLabels(encoded, 63) + "." + dns.Fqdn(domain)
	if len(qname) > maxNameOctets {
		return "", fmt.Errorf("dnscodec: encoded qname exceeds %d octets", maxNameOctets)
	}
	return qname, nil
}

func splitLabels(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += maxLen {
		if i > 0 {
			b.WriteByte('.')
		}
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// EncodeQuery builds a wire-format DNS query with QTYPE=TXT, QCLASS=IN.
func EncodeQuery(p QueryParams) ([]byte, error) {
	qname, err := BuildQname(p.Payload, p.Domain)
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	msg.Id = p.ID
	msg.RecursionDesired = p.RD
	msg.CheckingDisabled = p.CD
	msg.Question = []dns.Question{{Name: qname, Qtype: dns.TypeTXT, Qclass: dns.ClassINET}}
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(1232)
	msg.Extra = []dns.RR{opt}
	return msg.Pack()
}

// EncodeResponse builds a wire-format DNS response echoing the query fields.
func EncodeResponse(p ResponseParams) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = p.ID
	msg.Response = true
	msg.RecursionDesired = p.RD
	msg.CheckingDisabled = p.CD
	msg.Rcode = p.Rcode
	if p.Authoritative {
		msg.Authoritative = true
	} else {
		msg.RecursionAvailable = true
	}
	if p.Question.Name != "" {
		msg.Question = []dns.Question{p.Question}
	}
	if len(p.Payload) > 0 && p.Question.Name != "" {
		encoded := base64.StdEncoding.EncodeToString(p.Payload)
		msg.Answer = []dns.RR{&dns.TXT{
			Hdr: dns.RR_Header{Name: p.Question.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
			Txt: splitStrings(encoded, 255),
		}}
	}
	return msg.Pack()
}

func splitStrings(s string, maxLen int) []string {
	if len(s) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(s); i += maxLen {
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

// DecodeResponse extracts the payload from a wire-format response. The
// strings of every TXT answer are joined into one base64 text and decoded
// as a single payload. ok is false when the message cannot be parsed or
// that joined text is not valid base64; a NOERROR response with no TXT
// answer is a valid empty report (ok=true, payload=nil).
func DecodeResponse(raw []byte) (payload []byte, ok bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, false
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, true
	}
	var parts []string
	for _, rr := range msg.Answer {
		if txt, isTXT := rr.(*dns.TXT); isTXT {
			parts = append(parts, strings.Join(txt.Txt, ""))
		}
	}
	if len(parts) == 0 {
		return nil, true
	}
	raw2, err := base64.StdEncoding.DecodeString(strings.Join(parts, ""))
	if err != nil {
		return nil, false
	}
	return raw2, true
}

// DecodeQueryWithDomains parses an inbound query and matches its owner name
// against the configured domains by longest label-suffix.
func DecodeQueryWithDomains(raw []byte, domains []string) DecodeResult {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return DecodeResult{Action: ActionDrop}
	}
	if len(msg.Question) == 0 {
		return DecodeResult{Action: ActionReply, ID: msg.Id, RD: msg.RecursionDesired, CD: msg.CheckingDisabled, Rcode: dns.RcodeFormatError}
	}
	q := msg.Question[0]
	if q.Qtype != dns.TypeTXT || q.Qclass != dns.ClassINET {
		return DecodeResult{Action: ActionReply, ID: msg.Id, RD: msg.RecursionDesired, CD: msg.CheckingDisabled, Question: q, Rcode: dns.RcodeRefused}
	}
	domain, dataLabels, matched := matchLongestSuffix(q.Name, domains)
	if !matched {
		return DecodeResult{Action: ActionReply, ID: msg.Id, RD: msg.RecursionDesired, CD: msg.CheckingDisabled, Question: q, Rcode: dns.RcodeRefused}
	}
	var payload []byte
	if dataLabels != "" {
		encoded := strings.ToUpper(strings.ReplaceAll(dataLabels, ".", ""))
		raw2, err := b32.DecodeString(encoded)
		if err != nil {
			return DecodeResult{Action: ActionReply, ID: msg.Id, RD: msg.RecursionDesired, CD: msg.CheckingDisabled, Question: q, Rcode: dns.RcodeFormatError}
		}
		payload = raw2
	}
	return DecodeResult{Action: ActionAccept, ID: msg.Id, RD: msg.RecursionDesired, CD: msg.CheckingDisabled, Question: q, Payload: payload, Domain: domain}
}

// matchLongestSuffix finds, among domains, the one that is a label-suffix of
// qname with the most labels, and returns the remaining (data-carrying)
// labels as a dot-joined string.
func matchLongestSuffix(qname string, domains []string) (domain, dataLabels string, ok bool) {
	qlabels := dns.SplitDomainName(qname)
	bestLen := -1
	for _, d := range domains {
		dlabels := dns.SplitDomainName(dns.Fqdn(d))
		if len(dlabels) > len(qlabels) {
			continue
		}
		if !equalLabelsFold(qlabels[len(qlabels)-len(dlabels):], dlabels) {
			continue
		}
		if len(dlabels) > bestLen {
			bestLen = len(dlabels)
			domain = d
			ok = true
		}
	}
	if !ok {
		return "", "", false
	}
	dlabels := dns.SplitDomainName(dns.Fqdn(domain))
	dataLabels = strings.Join(qlabels[:len(qlabels)-len(dlabels)], ".")
	return domain, dataLabels, true
}

func equalLabelsFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
