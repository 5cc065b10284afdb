package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

const mdnsPort = 5353

var mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)

// ZeroconfBrowser browses DNS-SD services over multicast DNS
type ZeroconfBrowser struct {
	opts []zeroconf.ClientOption
}

// NewZeroconfBrowser returns a browser listening on all multicast interfaces
func NewZeroconfBrowser(opts ...zeroconf.ClientOption) *ZeroconfBrowser {
	return &ZeroconfBrowser{opts: opts}
}

// Browse opens a resolver for this browse only; it is released when ctx is done.
// The resolver drops goodbye packets, so a second listener on the mDNS group
// turns them into TTL 0 advertisements.
func (b *ZeroconfBrowser) Browse(ctx context.Context, service, domain string, found chan<- Advertisement) error {
	resolver, err := zeroconf.NewResolver(b.opts...)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	if err := listenGoodbyes(ctx, serviceName(service, domain), found); err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("failed to browse %s: %w", service, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				select {
				case found <- toAdvertisement(entry):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func toAdvertisement(e *zeroconf.ServiceEntry) Advertisement {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Advertisement{
		Instance:  e.Instance,
		HostName:  e.HostName,
		Port:      e.Port,
		Addresses: addrs,
		Text:      e.Text,
		TTL:       e.TTL,
	}
}

// serviceName is the owner name of a service's PTR records, e.g. _rayz._tcp.local.
func serviceName(service, domain string) string {
	return fmt.Sprintf("%s.%s.", strings.Trim(service, "."), strings.Trim(domain, "."))
}

// listenGoodbyes joins the IPv4 mDNS group on every multicast interface and
// forwards goodbye records for name until ctx is done
func listenGoodbyes(ctx context.Context, name string, found chan<- Advertisement) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: mdnsGroupIPv4, Port: mdnsPort})
	if err != nil {
		return fmt.Errorf("failed to listen for mDNS goodbyes: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: mdnsGroupIPv4}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return errors.New("failed to join the mDNS group on any interface")
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go readGoodbyes(ctx, conn, name, found)
	return nil
}

// readGoodbyes forwards goodbyes read from conn until the read fails, which
// includes conn being closed
func readGoodbyes(ctx context.Context, conn net.PacketConn, name string, found chan<- Advertisement) {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil || !msg.Response {
			continue
		}
		for _, instance := range goodbyeInstances(msg, name) {
			select {
			case found <- Advertisement{Instance: instance, TTL: 0}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// goodbyeInstances returns the instances whose PTR record under name is
// withdrawn (TTL 0) by msg
func goodbyeInstances(msg *dns.Msg, name string) []string {
	var out []string
	for _, section := range [][]dns.RR{msg.Answer, msg.Extra} {
		for _, rr := range section {
			ptr, ok := rr.(*dns.PTR)
			if !ok || ptr.Hdr.Ttl != 0 || !strings.EqualFold(ptr.Hdr.Name, name) {
				continue
			}
			// same instance naming as the resolver
			out = append(out, strings.Trim(strings.Replace(ptr.Ptr, ptr.Hdr.Name, "", -1), "."))
		}
	}
	return out
}
