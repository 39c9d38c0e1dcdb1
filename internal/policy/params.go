// Package policy implements the parameter-merge and header-forwarding
// rules layered between a resolved alias and the outbound backend
// request (spec.md §4.7, §4.8): client values always win when present
// (they are not range-checked), the proxy's configured defaults fill
// gaps when they are in range, and headers
// are classified before any of them are forwarded or injected.
package policy

import (
	"regexp"
	"strings"

	"github.com/aidyou/ccproxy/internal/config"
	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/resolver"
)

// MergeSamplingParams applies the proxy's configured defaults to any
// sampling parameter the client omitted, and scales a client-supplied
// temperature by the alias's temp_ratio; other client-supplied values
// pass through unchanged. Precedence is always
// client value (scaled) over proxy default (if valid) over absent.
func MergeSamplingParams(req *ir.Request, pm *resolver.ProxyModel) {
	if req.Temperature != nil {
		if pm.TempRatio != 1.0 {
			scaled := *req.Temperature * pm.TempRatio
			req.Temperature = &scaled
		}
	} else if pm.Temperature != nil && validTemperature(*pm.Temperature) {
		t := *pm.Temperature
		req.Temperature = &t
	}

	if req.MaxTokens == nil && pm.MaxTokens != nil && *pm.MaxTokens > 0 {
		mt := *pm.MaxTokens
		req.MaxTokens = &mt
	}

	if req.TopP == nil && pm.TopP != nil && validTopP(*pm.TopP) {
		tp := *pm.TopP
		req.TopP = &tp
	}

	if req.TopK == nil && pm.TopK != nil && *pm.TopK > 0 {
		tk := *pm.TopK
		req.TopK = &tk
	}

	if req.PresencePenalty == nil && pm.PresencePenalty != nil && validPenalty(*pm.PresencePenalty) {
		p := *pm.PresencePenalty
		req.PresencePenalty = &p
	}
	if req.FrequencyPenalty == nil && pm.FrequencyPenalty != nil && validPenalty(*pm.FrequencyPenalty) {
		p := *pm.FrequencyPenalty
		req.FrequencyPenalty = &p
	}

	if len(req.StopSequences) == 0 && len(pm.StopSequences) > 0 {
		req.StopSequences = append([]string(nil), pm.StopSequences...)
	}
}

func validTemperature(v float64) bool { return v >= 0 && v <= 2 }
func validTopP(v float64) bool        { return v > 0 && v <= 1 }
func validPenalty(v float64) bool     { return v >= -2 && v <= 2 && v != 0 }

// ApplyPromptReplace runs every configured find/replace pair over s, in
// configured order. A key wrapped in "/.../" is compiled as a regular
// expression; anything else is matched as a literal substring.
func ApplyPromptReplace(s string, replacements []config.PromptReplacement) string {
	for _, r := range replacements {
		if r.Key == "" {
			continue
		}
		if pattern, ok := regexPattern(r.Key); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			s = re.ReplaceAllString(s, r.Value)
			continue
		}
		s = strings.ReplaceAll(s, r.Key, r.Value)
	}
	return s
}

// regexPattern reports whether key is wrapped in "/.../" and, if so,
// returns the pattern with the delimiters stripped.
func regexPattern(key string) (string, bool) {
	if len(key) < 2 || key[0] != '/' || key[len(key)-1] != '/' {
		return "", false
	}
	return key[1 : len(key)-1], true
}
