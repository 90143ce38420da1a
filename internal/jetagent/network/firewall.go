// Package network attaches floating IPs to instances with NAT rules.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/coreos/go-iptables/iptables"

	"github.com/bdobrica/jet-agent/internal/jetagent/store"
)

var (
	// ErrInvalidIP is returned for an address that does not parse.
	ErrInvalidIP = errors.New("network: invalid ip address")
	// ErrNoAddress is returned when the instance has no internal address
	// of the floating IP's family.
	ErrNoAddress = errors.New("network: instance has no usable address")
)

const (
	natTable    = "nat"
	dnatChain   = "PREROUTING"
	snatChain   = "POSTROUTING"
	commentBase = "jet-agent:"
)

// Networking is the contract the dispatcher calls.
type Networking interface {
	RemoveFirewallRule(ctx context.Context, name string) error
	AttachFloatingIP(ctx context.Context, name, ip string) error
}

// Tables is the part of go-iptables the firewall uses.
type Tables interface {
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// Registry is where floating IPs are persisted.
type Registry interface {
	GetInstance(ctx context.Context, name string) (*store.Instance, error)
	SetFloatingIP(ctx context.Context, name, ip string) error
}

// Firewall maps floating IPs to instance addresses with DNAT/SNAT rules.
type Firewall struct {
	v4, v6 Tables
	reg    Registry
}

var _ Networking = (*Firewall)(nil)

// NewFirewall uses the host's iptables and, when available, ip6tables.
func NewFirewall(reg Registry) (*Firewall, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("iptables: %w", err)
	}
	fw := &Firewall{v4: v4, reg: reg}
	if v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6); err == nil {
		fw.v6 = v6
	} else {
		slog.Warn("network: ip6tables unavailable, IPv6 floating IPs disabled", "err", err)
	}
	return fw, nil
}

// NewFirewallWithTables is NewFirewall with explicit rule tables; v6 may be nil.
func NewFirewallWithTables(v4, v6 Tables, reg Registry) *Firewall {
	return &Firewall{v4: v4, v6: v6, reg: reg}
}

type natRule struct {
	chain string
	spec  []string
}

func natRules(name string, floating, internal netip.Addr) []natRule {
	tag := commentBase + name
	return []natRule{
		{dnatChain, []string{
			"-d", netip.PrefixFrom(floating, floating.BitLen()).String(),
			"-m", "comment", "--comment", tag,
			"-j", "DNAT", "--to-destination", internal.String(),
		}},
		{snatChain, []string{
			"-s", netip.PrefixFrom(internal, internal.BitLen()).String(),
			"-m", "comment", "--comment", tag,
			"-j", "SNAT", "--to-source", floating.String(),
		}},
	}
}

// parseAddr parses s and unmaps IPv4-mapped IPv6 addresses.
func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

func (f *Firewall) tablesFor(addr netip.Addr) Tables {
	if addr.Is4() {
		return f.v4
	}
	return f.v6
}

// RemoveFirewallRule deletes the NAT rules of the instance's current
// floating IP and forgets it. Instances without one are left alone.
func (f *Firewall) RemoveFirewallRule(ctx context.Context, name string) error {
	in, err := f.reg.GetInstance(ctx, name)
	if err != nil {
		return err
	}
	if in.FloatingIP == "" {
		return nil
	}

	floating, ferr := parseAddr(in.FloatingIP)
	internal, ierr := parseAddr(in.IPAddress)
	if ferr == nil && ierr == nil && floating.Is4() == internal.Is4() {
		if t := f.tablesFor(floating); t != nil {
			for _, r := range natRules(name, floating, internal) {
				if err := t.DeleteIfExists(natTable, r.chain, r.spec...); err != nil {
					return fmt.Errorf("delete %s rule for %s: %w", r.chain, name, err)
				}
			}
		}
	} else {
		slog.Warn("network: stored addresses unusable, forgetting floating ip",
			"instance", name, "floating_ip", in.FloatingIP, "ip_address", in.IPAddress)
	}

	if err := f.reg.SetFloatingIP(ctx, name, ""); err != nil {
		return err
	}
	slog.Info("network: floating ip detached", "instance", name, "floating_ip", in.FloatingIP)
	return nil
}

// AttachFloatingIP routes ip to the instance and records it.
func (f *Firewall) AttachFloatingIP(ctx context.Context, name, ip string) error {
	floating, err := parseAddr(ip)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	in, err := f.reg.GetInstance(ctx, name)
	if err != nil {
		return err
	}
	internal, err := parseAddr(in.IPAddress)
	if err != nil || internal.Is4() != floating.Is4() {
		return fmt.Errorf("%w: %s has %q", ErrNoAddress, name, in.IPAddress)
	}
	t := f.tablesFor(floating)
	if t == nil {
		return fmt.Errorf("%w: no rule tables for %s", ErrNoAddress, floating)
	}

	rules := natRules(name, floating, internal)
	var applied []natRule
	rollback := func() {
		for _, r := range applied {
			if err := t.DeleteIfExists(natTable, r.chain, r.spec...); err != nil {
				slog.Warn("network: rollback failed", "instance", name, "chain", r.chain, "err", err)
			}
		}
	}
	for _, r := range rules {
		if err := t.AppendUnique(natTable, r.chain, r.spec...); err != nil {
			rollback()
			return fmt.Errorf("append %s rule for %s: %w", r.chain, name, err)
		}
		applied = append(applied, r)
	}

	if err := f.reg.SetFloatingIP(ctx, name, floating.String()); err != nil {
		rollback()
		return err
	}
	slog.Info("network: floating ip attached", "instance", name, "floating_ip", floating, "ip_address", internal)
	return nil
}

// Disabled records floating IPs without touching the host firewall.
type Disabled struct {
	reg Registry
}

var _ Networking = (*Disabled)(nil)

// NewDisabled returns a Networking that installs no rules.
func NewDisabled(reg Registry) *Disabled {
	return &Disabled{reg: reg}
}

func (d *Disabled) RemoveFirewallRule(ctx context.Context, name string) error {
	in, err := d.reg.GetInstance(ctx, name)
	if err != nil {
		return err
	}
	if in.FloatingIP == "" {
		return nil
	}
	slog.Info("network: firewall disabled, not removing rules", "instance", name, "floating_ip", in.FloatingIP)
	return d.reg.SetFloatingIP(ctx, name, "")
}

func (d *Disabled) AttachFloatingIP(ctx context.Context, name, ip string) error {
	addr, err := parseAddr(ip)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	slog.Info("network: firewall disabled, recording floating ip only", "instance", name, "floating_ip", addr)
	return d.reg.SetFloatingIP(ctx, name, addr.String())
}
