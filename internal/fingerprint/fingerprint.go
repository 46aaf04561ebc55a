// Package fingerprint derives a cache key from a DNS query's question section,
// independent of the transaction id, flags, or EDNS padding.
package fingerprint

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Fingerprint is the canonical identity of a query for caching purposes: the
// lowercased, fully-qualified name, the record type and class, and whether
// the DNSSEC OK (DO) bit was set. Two queries differing only in id, in other
// header flags, or in additional EDNS padding produce an equal Fingerprint.
type Fingerprint struct {
	Name  string
	Qtype uint16
	Class uint16
	DO    bool
}

// Of derives the Fingerprint of msg's first question. ok is false if msg has
// no question section.
func Of(msg *dns.Msg) (fp Fingerprint, ok bool) {
	if msg == nil || len(msg.Question) == 0 {
		return Fingerprint{}, false
	}
	q := msg.Question[0]
	return Fingerprint{
		Name:  normalizeName(q.Name),
		Qtype: q.Qtype,
		Class: q.Qclass,
		DO:    isDNSSECOK(msg),
	}, true
}

// isDNSSECOK reports whether msg carries an OPT pseudo-record with the DO bit set.
func isDNSSECOK(msg *dns.Msg) bool {
	opt := msg.IsEdns0()
	return opt != nil && opt.Do()
}

// normalizeName lowercases name and strips a trailing root dot.
func normalizeName(name string) string {
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}

// Key returns a string form suitable for use as a map or Redis key.
func (fp Fingerprint) Key() string {
	do := 0
	if fp.DO {
		do = 1
	}
	return fmt.Sprintf("dns:%s:%d:%d:%d", fp.Name, fp.Qtype, fp.Class, do)
}
