package responsetransformer

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules adjust response headers before the cache evaluates them, so that
// responses from origins that send no caching headers can still be reused.
type Rules []Rule

type Rule struct {
	Host     string            `yaml:"host"`
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply applies the first rule matching a successful GET to u. It reports
// whether a rule was applied.
func (r Rules) Apply(method string, u *url.URL, statusCode int, header http.Header) bool {
	// only apply rules for successes
	if statusCode != http.StatusOK || method != http.MethodGet {
		return false
	}
	// if rule found, apply to response
	if rule := r.find(u); rule != nil {
		applyRuleToResponse(*rule, header)
		return true
	}
	return false
}

func applyRuleToResponse(rule Rule, header http.Header) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && header.Get("Cache-Control") == "" && header.Get("Expires") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}

func (r Rules) find(u *url.URL) *Rule {
	log.Trace().Msgf("Finding rule for %s", u)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Host != "" && !strings.EqualFold(rule.Host, u.Host) {
			continue
		}
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
