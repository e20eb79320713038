package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ObjectPrefix tags every firewall object this system owns.
const ObjectPrefix = "C2_"

// DefaultChunkSize is the maximum number of members per address group.
const DefaultChunkSize = 600

// AddressObject is a single /32 firewall address.
type AddressObject struct {
	Name   string
	Subnet string
}

// AddressGroup is a named collection of address object names.
type AddressGroup struct {
	Name    string
	Members []string
}

// AddressObjectFor derives the address object for ip. The name is a
// deterministic function of the IP so existence checks are idempotent.
func AddressObjectFor(ip string) AddressObject {
	return AddressObject{
		Name:   AddressName(ip),
		Subnet: ip + "/32",
	}
}

func AddressName(ip string) string {
	return ObjectPrefix + ip
}

// IPFromAddressName reverses AddressName. ok is false for foreign objects.
func IPFromAddressName(name string) (string, bool) {
	if !strings.HasPrefix(name, ObjectPrefix) {
		return "", false
	}
	ip := NormalizeIP(strings.TrimPrefix(name, ObjectPrefix))
	return ip, ip != ""
}

// GroupName builds C2_<YYYY_MM_DD>_<index> with a 1-based index.
func GroupName(day time.Time, index int) string {
	return fmt.Sprintf("%s%s_%d", ObjectPrefix, day.Format(GroupDayLayout), index)
}

// GroupPattern matches every group created on day.
func GroupPattern(day time.Time) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(ObjectPrefix+day.Format(GroupDayLayout)) + `_\d+$`)
}

// FilterGroups returns the groups whose names match pattern, in input order.
func FilterGroups(groups []AddressGroup, pattern *regexp.Regexp) []AddressGroup {
	var out []AddressGroup
	for _, g := range groups {
		if pattern.MatchString(g.Name) {
			out = append(out, g)
		}
	}
	return out
}
