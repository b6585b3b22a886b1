// Package referrers turns referrer URLs into display names for traffic sources.
package referrers

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Traffic mediums.
const (
	MediumDirect   = "direct"
	MediumReferral = "referral"
)

// Direct labels traffic without a usable referrer.
const Direct = "Direct"

//go:embed rules/sources.yml
var sourcesYAML []byte

// Rule maps a set of hosts to one traffic source.
type Rule struct {
	Name   string   `yaml:"name"`
	Medium string   `yaml:"medium"`
	Hosts  []string `yaml:"hosts"`
}

// Classification is the traffic source of one referrer.
type Classification struct {
	Source string
	Medium string
}

var (
	loadOnce sync.Once
	byHost   map[string]Classification
)

func loadRules(data []byte) (map[string]Classification, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("referrers: parse rules: %w", err)
	}
	hosts := make(map[string]Classification)
	for _, rule := range rules {
		for _, host := range rule.Hosts {
			hosts[strings.ToLower(host)] = Classification{Source: rule.Name, Medium: rule.Medium}
		}
	}
	return hosts, nil
}

func known() map[string]Classification {
	loadOnce.Do(func() {
		hosts, err := loadRules(sourcesYAML)
		if err != nil {
			// The rules are embedded; a parse error is a build mistake.
			panic(err)
		}
		byHost = hosts
	})
	return byHost
}

// lookup walks up the host's parent domains until one is known.
func lookup(hostname string) (Classification, bool) {
	hosts := known()
	for h := hostname; h != ""; {
		if c, ok := hosts[h]; ok {
			return c, true
		}
		dot := strings.IndexByte(h, '.')
		if dot < 0 {
			break
		}
		h = h[dot+1:]
	}
	return Classification{}, false
}

// FriendlyName returns a display name for a referrer hostname. Unknown hosts
// come back without "www." and with the first letter capitalised.
func FriendlyName(hostname string) string {
	hostname = strings.TrimPrefix(strings.ToLower(hostname), "www.")
	if c, ok := lookup(hostname); ok {
		return c.Source
	}
	return capitalizeFirst(hostname)
}

// Classify returns the source and medium for a raw referrer header value.
// Empty or unparseable referrers are Direct.
func Classify(referrer string) Classification {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return Classification{Source: Direct, Medium: MediumDirect}
	}
	if !strings.Contains(referrer, "://") {
		referrer = "https://" + referrer
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return Classification{Source: Direct, Medium: MediumDirect}
	}

	hostname := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if c, ok := lookup(hostname); ok {
		return c
	}
	return Classification{Source: capitalizeFirst(hostname), Medium: MediumReferral}
}

// Source returns the display name for a raw referrer header value.
func Source(referrer string) string {
	return Classify(referrer).Source
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
