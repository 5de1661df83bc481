package worker

import (
	"net/http"
	"net/url"
	"strings"
)

// Strategy names the caching strategy chosen for a request.
type Strategy string

const (
	StrategyBypass               Strategy = "bypass"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Rule names reported in Route.Rule, in evaluation order.
const (
	RuleNonGet       = "non-get"
	RuleScheme       = "scheme"
	RuleAPI          = "api"
	RuleThumbnail    = "thumbnail"
	RuleBuildAssets  = "build-assets"
	RuleStaticAssets = "static-assets"
	RuleDefault      = "default"
)

// Rules holds the classification inputs. Hosts are compared case-insensitively
// without port; prefixes and extensions are matched against the escaped path.
type Rules struct {
	APIPrefix        string   `json:"api_prefix"`
	APIHosts         []string `json:"api_hosts"`
	ThumbnailHosts   []string `json:"thumbnail_hosts"`
	StaticPrefix     string   `json:"static_prefix"`
	IconsPrefix      string   `json:"icons_prefix"`
	StaticExtensions []string `json:"static_extensions"`
}

// DefaultRules returns the rules used by the Klarinet web client.
func DefaultRules() Rules {
	return Rules{
		APIPrefix:        "/api/",
		APIHosts:         []string{"api.yhimsical.com"},
		ThumbnailHosts:   []string{"i.ytimg.com"},
		StaticPrefix:     "/_next/static/",
		IconsPrefix:      "/icons/",
		StaticExtensions: []string{".png", ".svg", ".ico"},
	}
}

// StoreNames are the two versioned cache namespaces a worker writes to.
type StoreNames struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

// StoreNamesFor builds "<prefix>-static-<tag>" and "<prefix>-cache-<tag>".
func StoreNamesFor(prefix, staticVersion, dynamicVersion string) StoreNames {
	return StoreNames{
		Static:  prefix + "-static-" + staticVersion,
		Dynamic: prefix + "-cache-" + dynamicVersion,
	}
}

// List returns the current store names; any other store is stale.
func (n StoreNames) List() []string {
	return []string{n.Dynamic, n.Static}
}

func (n StoreNames) contains(name string) bool {
	return name == n.Static || name == n.Dynamic
}

// Route is the outcome of classifying one request.
type Route struct {
	Strategy Strategy `json:"strategy"`
	Store    string   `json:"store,omitempty"`
	Rule     string   `json:"rule"`
}

// Bypass reports whether the request must go straight to the network.
func (r Route) Bypass() bool {
	return r.Strategy == StrategyBypass
}

// Classifier maps requests to routes. It is stateless after construction and
// safe for concurrent use.
type Classifier struct {
	rules      Rules
	stores     StoreNames
	apiHosts   map[string]struct{}
	thumbHosts map[string]struct{}
}

// NewClassifier precomputes host lookups for the given rules.
func NewClassifier(rules Rules, stores StoreNames) *Classifier {
	return &Classifier{
		rules:      rules,
		stores:     stores,
		apiHosts:   hostSet(rules.APIHosts),
		thumbHosts: hostSet(rules.ThumbnailHosts),
	}
}

// Rules returns a copy of the rules in use.
func (c *Classifier) Rules() Rules {
	out := c.rules
	out.APIHosts = append([]string(nil), c.rules.APIHosts...)
	out.ThumbnailHosts = append([]string(nil), c.rules.ThumbnailHosts...)
	out.StaticExtensions = append([]string(nil), c.rules.StaticExtensions...)
	return out
}

// Classify evaluates the rules in order; the first match wins.
func (c *Classifier) Classify(method string, u *url.URL) Route {
	if !strings.EqualFold(strings.TrimSpace(method), http.MethodGet) {
		return Route{Strategy: StrategyBypass, Rule: RuleNonGet}
	}
	if u == nil {
		return Route{Strategy: StrategyBypass, Rule: RuleScheme}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Route{Strategy: StrategyBypass, Rule: RuleScheme}
	}

	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()

	if hasPrefix(path, c.rules.APIPrefix) || inSet(c.apiHosts, host) {
		return Route{Strategy: StrategyNetworkFirst, Store: c.stores.Dynamic, Rule: RuleAPI}
	}
	if inSet(c.thumbHosts, host) {
		return Route{Strategy: StrategyCacheFirst, Store: c.stores.Dynamic, Rule: RuleThumbnail}
	}
	if hasPrefix(path, c.rules.StaticPrefix) {
		return Route{Strategy: StrategyCacheFirst, Store: c.stores.Static, Rule: RuleBuildAssets}
	}
	if hasPrefix(path, c.rules.IconsPrefix) || c.hasStaticExtension(path) {
		return Route{Strategy: StrategyCacheFirst, Store: c.stores.Static, Rule: RuleStaticAssets}
	}
	return Route{Strategy: StrategyStaleWhileRevalidate, Store: c.stores.Dynamic, Rule: RuleDefault}
}

func (c *Classifier) hasStaticExtension(path string) bool {
	for _, ext := range c.rules.StaticExtensions {
		if ext != "" && strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func hasPrefix(path, prefix string) bool {
	return prefix != "" && strings.HasPrefix(path, prefix)
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		normalized := strings.ToLower(strings.TrimSpace(host))
		if normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func inSet(set map[string]struct{}, host string) bool {
	if host == "" {
		return false
	}
	_, ok := set[host]
	return ok
}
