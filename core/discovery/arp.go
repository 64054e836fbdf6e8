// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/vishvananda/netlink"
)

// arpEntry is one emitted neighbor-table record.
type arpEntry struct {
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	Interface string `json:"interface"`
	State     string `json:"state"`
}

// ARPSource enumerates the kernel's neighbor (ARP/NDP) table via netlink,
// feeding the "ARP caches" discovery data spec.md §1 describes (component
// C11's one concrete, non-mock discovery feed).
type ARPSource struct {
	linkFilter string // optional: restrict to one interface name, "" means all
}

// NewARPSource creates an ARP/neighbor discovery source. linkFilter
// restricts enumeration to one interface name, or "" for every link.
func NewARPSource(linkFilter string) *ARPSource {
	return &ARPSource{linkFilter: linkFilter}
}

func (a *ARPSource) Name() string { return "arp" }

func (a *ARPSource) Collect() ([]byte, error) {
	var linkIndex int
	if a.linkFilter != "" {
		link, err := netlink.LinkByName(a.linkFilter)
		if err != nil {
			return nil, fmt.Errorf("discovery: arp: link %q: %w", a.linkFilter, err)
		}
		linkIndex = link.Attrs().Index
	}

	neighs, err := netlink.NeighList(linkIndex, 0)
	if err != nil {
		return nil, fmt.Errorf("discovery: arp: neigh list: %w", err)
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("discovery: arp: link list: %w", err)
	}
	nameByIndex := make(map[int]string, len(links))
	for _, l := range links {
		nameByIndex[l.Attrs().Index] = l.Attrs().Name
	}

	entries := make([]arpEntry, 0, len(neighs))
	for _, n := range neighs {
		if n.IP == nil || n.HardwareAddr == nil {
			continue
		}
		entries = append(entries, arpEntry{
			IP:        n.IP.String(),
			MAC:       n.HardwareAddr.String(),
			Interface: nameByIndex[n.LinkIndex],
			State:     neighStateString(n.State),
		})
	}

	return json.Marshal(entries)
}

func neighStateString(state int) string {
	switch state {
	case netlink.NUD_REACHABLE:
		return "reachable"
	case netlink.NUD_STALE:
		return "stale"
	case netlink.NUD_DELAY:
		return "delay"
	case netlink.NUD_PROBE:
		return "probe"
	case netlink.NUD_FAILED:
		return "failed"
	case netlink.NUD_PERMANENT:
		return "permanent"
	case netlink.NUD_NOARP:
		return "noarp"
	case netlink.NUD_INCOMPLETE:
		return "incomplete"
	default:
		return "unknown"
	}
}
