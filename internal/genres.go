package internal

import "strings"

// _canonicalGenres maps normalized inputs (lowercased, depluralized) to their
// canonical display form. Unmapped inputs pass through untouched so no
// provider data is lost.
var _canonicalGenres = map[string]string{
	"fiction":             "Fiction",
	"nonfiction":          "Nonfiction",
	"non-fiction":         "Nonfiction",
	"thriller":            "Thriller",
	"mystery":             "Mystery",
	"crime":               "Crime",
	"classic":             "Classic Literature",
	"classic literature":  "Classic Literature",
	"science fiction":     "Science Fiction",
	"sci-fi":              "Science Fiction",
	"fantasy":             "Fantasy",
	"horror":              "Horror",
	"romance":             "Romance",
	"historical fiction":  "Historical Fiction",
	"history":             "History",
	"biography":           "Biography",
	"autobiography":       "Autobiography",
	"memoir":              "Memoir",
	"poetry":              "Poetry",
	"drama":               "Drama",
	"comic":               "Comics & Graphic Novels",
	"graphic novel":       "Comics & Graphic Novels",
	"young adult":         "Young Adult",
	"young adult fiction": "Young Adult",
	"juvenile fiction":    "Children's",
	"children":            "Children's",
	"childrens":           "Children's",
	"self-help":           "Self-Help",
	"self help":           "Self-Help",
	"philosophy":          "Philosophy",
	"psychology":          "Psychology",
	"science":             "Science",
	"travel":              "Travel",
	"cooking":             "Cooking",
	"busines":             "Business", // "business" after depluralization.
	"religion":            "Religion",
	"adventure":           "Adventure",
	"humor":               "Humor",
	"humour":              "Humor",
	"true crime":          "True Crime",
	"dystopia":            "Dystopian",
	"dystopian":           "Dystopian",
	"literary fiction":    "Literary Fiction",
	"western":             "Western",
	"suspense":            "Suspense",
	"short storie":        "Short Stories", // "short stories" after depluralization.
	"short story":         "Short Stories",
	"essay":               "Essays",
	"anthology":           "Anthology",
}

// canonicalGenre maps a single raw genre through the canonical table. The
// lookup key depends only on lowercase(strip_trailing_s(input)); unmapped
// inputs keep their original capitalization.
func canonicalGenre(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	key := strings.ToLower(trimmed)
	key = strings.TrimSuffix(key, "s")
	if mapped, ok := _canonicalGenres[key]; ok {
		return mapped
	}
	return trimmed
}

// normalizeGenres canonicalizes a raw genre list and de-duplicates it
// preserving first-seen order.
func normalizeGenres(raw []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, g := range raw {
		c := canonicalGenre(g)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
