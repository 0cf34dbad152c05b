package trustsource

import (
	"bufio"
	"bytes"
	"net/netip"
	"strings"

	"github.com/keithlinneman/servekit/forwarded"
	"github.com/keithlinneman/servekit/xerrors"
)

// ParsePolicy parses a trusted-range list: one CIDR prefix or bare address
// per line, blank lines and #-comments ignored. Bare addresses become
// single-host prefixes. Any bad line fails the whole parse so a typo cannot
// silently shrink the trust set.
func ParsePolicy(data []byte) (*forwarded.TrustPolicy, error) {
	var prefixes []netip.Prefix

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.ContainsRune(line, '/') {
			p, err := netip.ParsePrefix(line)
			if err != nil {
				return nil, xerrors.Wrapf(err, "line %d: bad prefix %q", lineNo, line)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(line)
		if err != nil {
			return nil, xerrors.Wrapf(err, "line %d: bad address %q", lineNo, line)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Wrap(err, "scan policy")
	}

	return forwarded.NewTrustPolicyFromPrefixes(prefixes), nil
}
