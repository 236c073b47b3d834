package docparse

import (
	"regexp"
	"strings"
)

const snippetLength = 500

var (
	blockSeparator = regexp.MustCompile(`(?i)Git Detail`)
	fieldPatterns  = map[string]*regexp.Regexp{
		"tenant":  regexp.MustCompile(`(?i)Tenant\s*:?\s*(.*)`),
		"version": regexp.MustCompile(`(?i)Version\s*:?\s*(.*)`),
		"modul":   regexp.MustCompile(`(?i)Modul\s*:?\s*(.*)`),
		"env":     regexp.MustCompile(`(?i)Penambahan Env\s*:?\s*(.*)`),
	}
	jsonFileName = regexp.MustCompile(`[\w\-.]+\.json`)
)

// Service is one "Git Detail" block of a deployment document.
type Service struct {
	Tenant  *string `json:"tenant"`
	Version *string `json:"version"`
	Modul   *string `json:"modul"`
	Env     string  `json:"env"`
}

// Result is the structured content of a deployment document.
type Result struct {
	Services          []Service `json:"services"`
	GlobalJSONUpdates []string  `json:"global_json_updates"`
	RawTextSnippet    string    `json:"raw_text_snippet"`
}

// Scrape extracts service blocks and global JSON updates from document text.
// Text before the first "Git Detail" marker is a header and is ignored.
func Scrape(text string) Result {
	res := Result{
		Services:          []Service{},
		GlobalJSONUpdates: []string{},
		RawTextSnippet:    snippet(text),
	}
	blocks := blockSeparator.Split(text, -1)
	for _, block := range blocks[1:] {
		svc := Service{
			Tenant:  field("tenant", block),
			Version: field("version", block),
			Modul:   field("modul", block),
			Env:     "None",
		}
		if env := field("env", block); env != nil {
			svc.Env = *env
		}
		if svc.Tenant != nil || svc.Modul != nil {
			res.Services = append(res.Services, svc)
		}
	}

	if strings.Contains(text, "Global Json") {
		seen := make(map[string]struct{})
		for _, name := range jsonFileName.FindAllString(text, -1) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			res.GlobalJSONUpdates = append(res.GlobalJSONUpdates, name)
		}
	}
	return res
}

// field returns the trimmed, colon-free value after key, or nil when the
// key is absent. An empty value is reported as absent.
func field(key, block string) *string {
	m := fieldPatterns[key].FindStringSubmatch(block)
	if m == nil {
		return nil
	}
	v := strings.TrimSpace(strings.ReplaceAll(strings.TrimSpace(m[1]), ":", ""))
	if v == "" {
		return nil
	}
	return &v
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) > snippetLength {
		runes = runes[:snippetLength]
	}
	return string(runes) + "..."
}
