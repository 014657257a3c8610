package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"cognita_back/llm"
)

const (
	maxLinksSampled = 40
	maxLinksRanked  = 15

	rankTimeout = 30 * time.Second
)

// LinkRanking is one classified link, stored on Widget.LinkRankings for
// the owner's dashboard.
type LinkRanking struct {
	URL        string `json:"url"`
	Importance string `json:"importance"`
	Category   string `json:"category"`
}

var (
	importanceRank = map[string]int{"high": 0, "medium": 1, "low": 2}

	knownCategories = map[string]bool{
		"documentation": true,
		"pricing":       true,
		"contact":       true,
		"blog":          true,
		"product":       true,
		"other":         true,
	}
)

func canonicalHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// sampleLinks collects a bounded, deduplicated sample of in-domain links
// from the crawled pages. Query strings and fragments are dropped so the
// same page is not sampled twice, and the seed itself is excluded.
func sampleLinks(seedURL string, pages []CrawledPage, limit int) []string {
	seed, err := url.Parse(strings.TrimSpace(seedURL))
	if err != nil || seed.Host == "" {
		return nil
	}
	host := canonicalHost(seed.Host)
	seedPath := strings.TrimRight(seed.Path, "/")

	seen := make(map[string]bool)
	var sample []string
	for _, page := range pages {
		for _, raw := range page.Links {
			parsed, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || parsed.Host == "" {
				continue
			}
			if canonicalHost(parsed.Host) != host {
				continue
			}
			path := strings.TrimRight(parsed.Path, "/")
			if path == seedPath {
				continue
			}
			normalized := parsed.Scheme + "://" + parsed.Host + path
			if seen[normalized] {
				continue
			}
			seen[normalized] = true
			sample = append(sample, normalized)
			if len(sample) >= limit {
				return sample
			}
		}
	}
	return sample
}

// RankDiscoveredLinks classifies links by importance and category. One
// strict-JSON generation call when a model is configured; the URL-pattern
// heuristic otherwise or whenever the call or its output fails. Never
// returns an error: ranking is decoration, not pipeline.
func RankDiscoveredLinks(ctx context.Context, model *llm.ChatClient, links []string) []LinkRanking {
	if len(links) == 0 {
		return nil
	}
	if model != nil {
		ranked, err := rankWithModel(ctx, model, links)
		if err == nil && len(ranked) > 0 {
			return capRankings(ranked)
		}
		log.Printf("crawl: model link ranking failed, using heuristic: %v", err)
	}
	return capRankings(rankByPattern(links))
}

func rankWithModel(ctx context.Context, model *llm.ChatClient, links []string) ([]LinkRanking, error) {
	ctx, cancel := context.WithTimeout(ctx, rankTimeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("You rank website links for a site owner's dashboard.\n")
	b.WriteString("Classify each link's importance (high, medium, low) and category\n")
	b.WriteString("(documentation, pricing, contact, blog, product, other).\n\nLinks:\n")
	for _, link := range links {
		fmt.Fprintf(&b, "- %s\n", link)
	}
	b.WriteString("\nReply ONLY with a valid JSON array, no prose, in the form:\n")
	b.WriteString(`[{"url": "https://...", "importance": "high", "category": "documentation"}]`)

	result, err := model.Complete(ctx, b.String())
	if err != nil {
		return nil, err
	}

	payload := extractJSONArray(result.Content)
	if payload == "" {
		return nil, fmt.Errorf("crawl: no JSON array in ranking reply")
	}
	var ranked []LinkRanking
	if err := json.Unmarshal([]byte(payload), &ranked); err != nil {
		return nil, fmt.Errorf("crawl: decode ranking reply: %w", err)
	}

	// Keep only links we actually asked about; models invent URLs.
	asked := make(map[string]bool, len(links))
	for _, link := range links {
		asked[link] = true
	}
	cleaned := ranked[:0]
	for _, r := range ranked {
		if !asked[strings.TrimSpace(r.URL)] {
			continue
		}
		r.URL = strings.TrimSpace(r.URL)
		r.Importance = strings.ToLower(strings.TrimSpace(r.Importance))
		if _, ok := importanceRank[r.Importance]; !ok {
			r.Importance = "low"
		}
		r.Category = strings.ToLower(strings.TrimSpace(r.Category))
		if !knownCategories[r.Category] {
			r.Category = "other"
		}
		cleaned = append(cleaned, r)
	}
	return cleaned, nil
}

func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

var linkPatterns = []struct {
	keywords   []string
	importance string
	category   string
}{
	{[]string{"/docs", "/documentation", "/guide", "/help", "/faq", "/support"}, "high", "documentation"},
	{[]string{"/pricing", "/plans"}, "high", "pricing"},
	{[]string{"/product", "/features", "/solutions"}, "high", "product"},
	{[]string{"/contact", "/about"}, "medium", "contact"},
	{[]string{"/blog", "/news", "/articles"}, "medium", "blog"},
}

// rankByPattern is the no-model fallback: path keywords decide importance
// and category, everything else ranks low.
func rankByPattern(links []string) []LinkRanking {
	out := make([]LinkRanking, 0, len(links))
	for _, link := range links {
		lower := strings.ToLower(link)
		ranking := LinkRanking{URL: link, Importance: "low", Category: "other"}
		for _, pattern := range linkPatterns {
			for _, keyword := range pattern.keywords {
				if strings.Contains(lower, keyword) {
					ranking.Importance = pattern.importance
					ranking.Category = pattern.category
					break
				}
			}
			if ranking.Category != "other" {
				break
			}
		}
		out = append(out, ranking)
	}
	return out
}

// capRankings orders high before medium before low, stably, and keeps the
// top entries.
func capRankings(rankings []LinkRanking) []LinkRanking {
	sort.SliceStable(rankings, func(i, j int) bool {
		return importanceRank[rankings[i].Importance] < importanceRank[rankings[j].Importance]
	})
	if len(rankings) > maxLinksRanked {
		rankings = rankings[:maxLinksRanked]
	}
	return rankings
}
