package render

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
)

// MergeTagFormatter turns a variable name into the placeholder syntax of the
// provider that substitutes it.
type MergeTagFormatter func(key string) string

var mergeTagPattern = regexp.MustCompile(`\{(\w+)(?:\s*,\s*"([^"]*)")?\}`)

var knownMergeTags = map[string]func(domain.EmailRecipient) string{
	"first_name": func(r domain.EmailRecipient) string { return r.FirstName() },
	"name":       func(r domain.EmailRecipient) string { return strings.TrimSpace(r.MemberName) },
	"email":      func(r domain.EmailRecipient) string { return r.MemberEmail },
	"uuid":       func(r domain.EmailRecipient) string { return r.MemberUUID },
}

type mergeVariable struct {
	name     string
	tag      string
	fallback string
}

// mergeTagSet tracks the variables referenced by a piece of content. A tag
// used with different fallbacks gets one variable per fallback.
type mergeTagSet struct {
	vars   []mergeVariable
	byPair map[[2]string]string
}

func newMergeTagSet() *mergeTagSet {
	return &mergeTagSet{byPair: make(map[[2]string]string)}
}

func (s *mergeTagSet) variable(tag, fallback string) string {
	key := [2]string{tag, fallback}
	if name, ok := s.byPair[key]; ok {
		return name
	}

	name := tag
	if fallback != "" {
		name = tag + "_fb" + strconv.Itoa(len(s.vars))
	}
	s.byPair[key] = name
	s.vars = append(s.vars, mergeVariable{name: name, tag: tag, fallback: fallback})
	return name
}

// replace swaps known merge tags for provider placeholders and drops unknown ones.
func (s *mergeTagSet) replace(content string, mergeTag MergeTagFormatter) string {
	return mergeTagPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := mergeTagPattern.FindStringSubmatch(match)
		tag := parts[1]
		if _, ok := knownMergeTags[tag]; !ok {
			return ""
		}
		return mergeTag(s.variable(tag, parts[2]))
	})
}

func (s *mergeTagSet) values(recipient domain.EmailRecipient) map[string]string {
	values := make(map[string]string, len(s.vars))
	for _, v := range s.vars {
		value := knownMergeTags[v.tag](recipient)
		if value == "" {
			value = v.fallback
		}
		values[v.name] = value
	}
	return values
}

// Personalize substitutes data into content that carries mergeTag placeholders.
func Personalize(content string, data map[string]string, mergeTag MergeTagFormatter) string {
	if content == "" || len(data) == 0 {
		return content
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, mergeTag(k), data[k])
	}
	return strings.NewReplacer(pairs...).Replace(content)
}
