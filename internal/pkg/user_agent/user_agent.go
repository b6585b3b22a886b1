// Package user_agent classifies raw User-Agent headers into browser, OS and device facets.
package user_agent

import (
	_ "embed"
	"log/slog"
	"strings"
	"sync"

	"github.com/mssola/useragent"
	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Device types
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// Facets is the classification of one user agent. Unknown or malformed
// input yields the zero value.
type Facets struct {
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browserVersion"`
	Device         string `json:"device"`
	DeviceType     string `json:"deviceType"`
	OS             string `json:"os"`
	OSVersion      string `json:"osVersion"`
	Bot            bool   `json:"bot"`
	BotCategory    string `json:"botCategory,omitempty"`
}

// IsEmpty reports whether nothing could be recognised.
func (f Facets) IsEmpty() bool {
	return f == Facets{}
}

//go:embed rules/bots.yml
var botRulesYAML []byte

// BotRule is one crawler signature from rules/bots.yml.
type BotRule struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

type osRule struct {
	match   string
	name    string
	version string
}

// Evaluated in order; the first matching rule wins.
var osRules = []osRule{
	{match: `iPad`, name: "iPadOS", version: `CPU OS (\d+(?:_\d+)*)`},
	{match: `iPhone|iPod`, name: "iOS", version: `iPhone OS (\d+(?:_\d+)*)`},
	{match: `Android`, name: "Android", version: `Android (\d+(?:\.\d+)*)`},
	{match: `Windows Phone`, name: "Windows Phone", version: `Windows Phone(?: OS)? (\d+(?:\.\d+)*)`},
	{match: `Windows`, name: "Windows", version: `Windows NT (\d+\.\d+)`},
	{match: `CrOS`, name: "Chrome OS", version: ``},
	{match: `Mac OS X|Macintosh`, name: "macOS", version: `Mac OS X (\d+(?:_\d+)*)`},
	{match: `Ubuntu`, name: "Ubuntu", version: ``},
	{match: `Fedora`, name: "Fedora", version: ``},
	{match: `Linux|X11`, name: "Linux", version: ``},
}

var windowsReleases = map[string]string{
	"10.0": "10",
	"6.3":  "8.1",
	"6.2":  "8",
	"6.1":  "7",
	"6.0":  "Vista",
	"5.1":  "XP",
}

var browserNames = map[string]string{
	"chrome":            "Chrome",
	"chromium":          "Chromium",
	"google chrome":     "Chrome",
	"headlesschrome":    "Chrome",
	"firefox":           "Firefox",
	"safari":            "Safari",
	"mobile safari":     "Safari",
	"edge":              "Edge",
	"microsoft edge":    "Edge",
	"opera":             "Opera",
	"opera mini":        "Opera Mini",
	"opera touch":       "Opera",
	"internet explorer": "Internet Explorer",
	"ie":                "Internet Explorer",
	"msie":              "Internet Explorer",
	"samsungbrowser":    "Samsung Browser",
	"samsung browser":   "Samsung Browser",
	"android":           "Android Browser",
	"silk":              "Silk",
	"vivaldi":           "Vivaldi",
	"brave":             "Brave",
	"yabrowser":         "Yandex Browser",
	"ucbrowser":         "UC Browser",
	"duckduckgo":        "DuckDuckGo",
}

// regexCache compiles each pattern once.
type regexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func (rc *regexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

// Classifier parses user agents. The zero value is not usable; call New or
// use the package level Parse.
type Classifier struct {
	bots   []BotRule
	regexp *regexCache
}

// New builds a Classifier from the embedded bot rules. Rules that fail to
// compile are skipped and logged.
func New(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{regexp: &regexCache{compiled: make(map[string]*pcre.Regexp)}}

	var rules []BotRule
	if err := yaml.Unmarshal(botRulesYAML, &rules); err != nil {
		logger.Error("Failed to parse bot rules", slog.Any("error", err))
	}
	for _, rule := range rules {
		if _, err := c.regexp.get(caseless(rule.Regex)); err != nil {
			logger.Warn("Skipping invalid bot rule",
				slog.String("name", rule.Name),
				slog.Any("error", err))
			continue
		}
		c.bots = append(c.bots, rule)
	}
	return c
}

var (
	defaultClassifier *Classifier
	once              sync.Once
)

// Parse classifies ua with the shared default Classifier.
func Parse(ua string) Facets {
	once.Do(func() {
		defaultClassifier = New(nil)
	})
	return defaultClassifier.Parse(ua)
}

// Parse classifies ua. It has no side effects and never fails.
func (c *Classifier) Parse(ua string) Facets {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return Facets{}
	}

	if rule := c.matchBot(ua); rule != nil {
		return botFacets(rule.Name, rule.Category)
	}

	parsed := useragent.New(ua)
	if parsed.Bot() {
		name, _ := parsed.Browser()
		if name == "" {
			name = "Unknown Bot"
		}
		return botFacets(name, "generic")
	}

	rawName, version := parsed.Browser()
	browser, knownBrowser := browserNames[strings.ToLower(rawName)]
	osName, osVersion := c.parseOS(ua)

	if !knownBrowser && osName == "" {
		return Facets{}
	}

	device, deviceType := classifyDevice(ua, parsed, osName)

	f := Facets{
		Device:     device,
		DeviceType: deviceType,
		OS:         osName,
		OSVersion:  osVersion,
	}
	if knownBrowser {
		f.Browser = browser
		f.BrowserVersion = version
	}
	return f
}

func botFacets(name, category string) Facets {
	return Facets{
		Browser:     name,
		Device:      "Bot",
		DeviceType:  DeviceBot,
		Bot:         true,
		BotCategory: category,
	}
}

func (c *Classifier) matchBot(ua string) *BotRule {
	for i := range c.bots {
		regex, err := c.regexp.get(caseless(c.bots[i].Regex))
		if err != nil {
			continue
		}
		if regex.MatchString(ua) {
			return &c.bots[i]
		}
	}
	return nil
}

func (c *Classifier) parseOS(ua string) (string, string) {
	for _, rule := range osRules {
		regex, err := c.regexp.get(rule.match)
		if err != nil || !regex.MatchString(ua) {
			continue
		}
		if rule.version == "" {
			return rule.name, ""
		}
		versionRegex, err := c.regexp.get(rule.version)
		if err != nil {
			return rule.name, ""
		}
		if matches := versionRegex.FindStringSubmatch(ua); len(matches) > 1 {
			version := strings.ReplaceAll(matches[1], "_", ".")
			if release, ok := windowsReleases[version]; ok && rule.name == "Windows" {
				version = release
			}
			return rule.name, version
		}
		return rule.name, ""
	}
	return "", ""
}

func classifyDevice(ua string, parsed *useragent.UserAgent, osName string) (string, string) {
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "ipad"):
		return "iPad", DeviceTablet
	case strings.Contains(lower, "iphone"):
		return "iPhone", DeviceMobile
	case strings.Contains(lower, "ipod"):
		return "iPod", DeviceMobile
	case strings.Contains(lower, "kindle") || strings.Contains(lower, "silk/") || strings.Contains(lower, "tablet"):
		return "Tablet", DeviceTablet
	case osName == "Android":
		if strings.Contains(lower, "mobile") {
			return "Android Phone", DeviceMobile
		}
		return "Android Tablet", DeviceTablet
	case osName == "Windows Phone" || parsed.Mobile():
		return "Phone", DeviceMobile
	case osName == "macOS":
		return "Mac", DeviceDesktop
	default:
		return "PC", DeviceDesktop
	}
}

func caseless(pattern string) string {
	return "(?i)" + pattern
}
