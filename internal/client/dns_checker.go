package client

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSChecker resolves public hostnames against a fixed upstream resolver
type DNSChecker struct {
	resolver string
	client   *dns.Client
}

// NewDNSChecker creates a checker; resolver is host:port
func NewDNSChecker(resolver string) *DNSChecker {
	return &DNSChecker{
		resolver: resolver,
		client:   &dns.Client{Timeout: 5 * time.Second},
	}
}

// Lookup returns the A/AAAA/CNAME answers for hostname. No answer is not an error.
func (c *DNSChecker) Lookup(ctx context.Context, hostname string) ([]string, error) {
	var answers []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		message := new(dns.Msg)
		message.SetQuestion(dns.Fqdn(hostname), qtype)
		message.RecursionDesired = true

		response, _, err := c.client.ExchangeContext(ctx, message, c.resolver)
		if err != nil {
			return nil, fmt.Errorf("dns query %s: %w", hostname, err)
		}
		if response.Rcode != dns.RcodeSuccess && response.Rcode != dns.RcodeNameError {
			return nil, fmt.Errorf("dns query %s: %s", hostname, dns.RcodeToString[response.Rcode])
		}

		for _, answer := range response.Answer {
			switch rr := answer.(type) {
			case *dns.A:
				answers = append(answers, rr.A.String())
			case *dns.AAAA:
				answers = append(answers, rr.AAAA.String())
			case *dns.CNAME:
				answers = append(answers, rr.Target)
			}
		}
	}
	return answers, nil
}
