package risk

import (
	"fmt"
	"io"
	"strings"

	"github.com/mbd888/poisonguard/internal/address"
	"github.com/mbd888/poisonguard/internal/amount"
)

// Mark brackets the first prefix and last suffix characters of addr. The
// two spans never overlap.
func Mark(addr string, prefix, suffix int) string {
	n := len(addr)
	prefix = min(max(prefix, 0), n)
	suffix = min(max(suffix, 0), n-prefix)
	if prefix == 0 && suffix == 0 {
		return addr
	}
	var b strings.Builder
	if prefix > 0 {
		b.WriteString("[" + addr[:prefix] + "]")
	}
	b.WriteString(addr[prefix : n-suffix])
	if suffix > 0 {
		b.WriteString("[" + addr[n-suffix:] + "]")
	}
	return b.String()
}

// WriteText renders results as a plain-text report, one block per result.
func WriteText(w io.Writer, results []Result) error {
	s := Summarize(results)
	if s.Total == 0 {
		_, err := fmt.Fprintln(w, "No suspicious transactions.")
		return err
	}

	if _, err := fmt.Fprintf(w, "%d flagged transaction(s), highest action %s\n", s.Total, s.HighestAction); err != nil {
		return err
	}
	for i, r := range results {
		if _, err := fmt.Fprint(w, "\n"+describe(i+1, r)); err != nil {
			return err
		}
	}
	return nil
}

func describe(n int, r Result) string {
	var b strings.Builder
	d := r.Decision
	fmt.Fprintf(&b, "%d. %s %s confidence=%.3f z=%.3f\n", n, d.Action, d.Level, d.Confidence, d.Z)

	suspect := address.Checksum(r.Transaction.CounterpartyAddr)
	if r.Highlight != nil {
		suspect = Mark(suspect, r.Highlight.Prefix, r.Highlight.Suffix)
	}
	fmt.Fprintf(&b, "   counterparty %s (%s)\n", suspect, r.Transaction.CAIP2)

	if r.Anchor != nil {
		ref := address.Checksum(r.Anchor.AnchorToAddr)
		if r.Highlight != nil {
			ref = Mark(ref, r.Highlight.Prefix, r.Highlight.Suffix)
		}
		fmt.Fprintf(&b, "   anchor       %s\n", ref)
	}
	fmt.Fprintf(&b, "   traits       address=%.3f amount=%.0f time=%.3f\n", r.S1, r.S2, r.S3)
	if e := r.Trait2Evidence; e != nil {
		fmt.Fprintf(&b, "   amount       %s at or below %s\n", amount.Format(e.TokenAmount), amount.Format(e.Threshold))
	}
	if e := r.Trait1Evidence; e != nil {
		fmt.Fprintf(&b, "   similarity   %s rule %s prefix=%d suffix=%d\n", e.MatchType, e.PrimaryRule, e.PrefixLen, e.SuffixLen)
	}
	if e := r.Trait3Evidence; e != nil && e.DeltaSeconds != nil {
		fmt.Fprintf(&b, "   timing       %.0fs after anchor\n", *e.DeltaSeconds)
	}
	return b.String()
}
