package ingest

import (
	"net"
	"strings"

	"github.com/sentrystack/siemcore/internal/syslogfmt"
)

// attribute resolves the tenant owning a frame, trying in order:
// (a) explicit tenant= key in RFC5424 structured data, (b) TLS SNI,
// (c) longest-prefix match of the peer IP against tenant CIDRs,
// (d) unattributed (returns "").
//
// sni is empty for UDP/TCP listeners (no TLS layer to carry it).
func attribute(resolver TenantResolver, parsed *syslogfmt.Message, peerAddr, sni string) string {
	if parsed != nil {
		for _, params := range parsed.StructuredData {
			if id, ok := params["tenant"]; ok && id != "" {
				if t := resolver.ResolveByStructuredData(id); t != "" {
					return t
				}
			}
		}
	}

	if sni != "" {
		if t := resolver.ResolveBySNI(sni); t != "" {
			return t
		}
	}

	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		if t := resolver.ResolveByPeerIP(host); t != "" {
			return t
		}
	} else if t := resolver.ResolveByPeerIP(peerAddr); t != "" {
		return t
	}

	return ""
}

// staticTenantResolver implements TenantResolver over an in-memory
// snapshot of the tenant registry, taken when it is constructed; it has
// no refresh path. It performs longest-prefix CIDR matching and exact SNI
// / structured-data-id matching.
type staticTenantResolver struct {
	byID  map[string]tenantAttrs
	order []string // tenant IDs, for deterministic longest-prefix tie-breaking
}

type tenantAttrs struct {
	cidrs []*net.IPNet
	sni   map[string]struct{}
}

// NewStaticTenantResolver builds a TenantResolver from tenant id -> (CIDRs, SNI hostnames).
func NewStaticTenantResolver(tenants map[string]struct {
	CIDRs []string
	SNI   []string
}) TenantResolver {
	r := &staticTenantResolver{byID: make(map[string]tenantAttrs)}
	for id, t := range tenants {
		attrs := tenantAttrs{sni: make(map[string]struct{})}
		for _, c := range t.CIDRs {
			if _, ipnet, err := net.ParseCIDR(c); err == nil {
				attrs.cidrs = append(attrs.cidrs, ipnet)
			}
		}
		for _, s := range t.SNI {
			attrs.sni[strings.ToLower(s)] = struct{}{}
		}
		r.byID[id] = attrs
		r.order = append(r.order, id)
	}
	return r
}

func (r *staticTenantResolver) ResolveByStructuredData(id string) string {
	if _, ok := r.byID[id]; ok {
		return id
	}
	return ""
}

func (r *staticTenantResolver) ResolveBySNI(sni string) string {
	sni = strings.ToLower(sni)
	for _, id := range r.order {
		if _, ok := r.byID[id].sni[sni]; ok {
			return id
		}
	}
	return ""
}

func (r *staticTenantResolver) ResolveByPeerIP(peerIP string) string {
	ip := net.ParseIP(peerIP)
	if ip == nil {
		return ""
	}

	bestID := ""
	bestPrefix := -1
	for _, id := range r.order {
		for _, ipnet := range r.byID[id].cidrs {
			if !ipnet.Contains(ip) {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			if ones > bestPrefix {
				bestPrefix = ones
				bestID = id
			}
		}
	}
	return bestID
}
