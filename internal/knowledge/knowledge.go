// Package knowledge loads the self-service articles shown on the dashboard and filters them by category
// and search term.
package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ircad-africa/sofia-web/internal/models"
)

// CategoryAll matches every article.
const CategoryAll = "all"

// ErrMissingFrontMatter is returned for an article file that does not start with a YAML block.
var ErrMissingFrontMatter = errors.New("missing front matter")

// Category is a filter offered on the knowledge base view.
type Category struct {
	ID   string
	Name string
}

// Categories lists the filters in display order.
var Categories = []Category{
	{ID: CategoryAll, Name: "All Articles"},
	{ID: "equipment", Name: "Equipment"},
	{ID: "software", Name: "Software"},
	{ID: "network", Name: "Network"},
	{ID: "procedures", Name: "Procedures"},
}

// Article is a markdown document with its metadata.
type Article struct {
	ID            string    `yaml:"id"`
	Title         string    `yaml:"title"`
	Category      string    `yaml:"category"`
	Tags          []string  `yaml:"tags"`
	Difficulty    string    `yaml:"difficulty"`
	EstimatedTime string    `yaml:"estimatedTime"`
	Author        string    `yaml:"author"`
	Rating        float64   `yaml:"rating"`
	Views         int       `yaml:"views"`
	Updated       time.Time `yaml:"updated"`

	Content string `yaml:"-"`
}

// HTML renders the article body.
func (a Article) HTML() (template.HTML, error) {
	return models.RenderMarkdown(a.Content)
}

// Matches reports whether the article belongs to category and contains term in its title, body or tags.
// Both comparisons ignore case; an empty term matches everything.
func (a Article) Matches(category, term string) bool {
	if category != "" && category != CategoryAll && !strings.EqualFold(a.Category, category) {
		return false
	}

	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(a.Title), term) || strings.Contains(strings.ToLower(a.Content), term) {
		return true
	}
	for _, tag := range a.Tags {
		if strings.Contains(strings.ToLower(tag), term) {
			return true
		}
	}
	return false
}

// Base is an immutable set of articles.
type Base struct {
	articles []Article
	byID     map[string]int
}

// Load parses every markdown file of dir in fsys. Articles are ordered by most recent update.
func Load(fsys fs.FS, dir string) (*Base, error) {
	paths, err := fs.Glob(fsys, path.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}

	b := &Base{byID: make(map[string]int, len(paths))}
	for _, p := range paths {
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read article %s: %w", p, err)
		}
		a, err := parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse article %s: %w", p, err)
		}
		if a.ID == "" {
			a.ID = strings.TrimSuffix(path.Base(p), ".md")
		}
		if _, dup := b.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate article id %q in %s", a.ID, p)
		}
		b.byID[a.ID] = len(b.articles)
		b.articles = append(b.articles, a)
	}

	sort.SliceStable(b.articles, func(i, j int) bool {
		return b.articles[i].Updated.After(b.articles[j].Updated)
	})
	for i, a := range b.articles {
		b.byID[a.ID] = i
	}
	return b, nil
}

func parse(raw []byte) (Article, error) {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	rest, ok := bytes.CutPrefix(raw, []byte("---\n"))
	if !ok {
		return Article{}, ErrMissingFrontMatter
	}
	header, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return Article{}, ErrMissingFrontMatter
	}

	var a Article
	if err := yaml.Unmarshal(header, &a); err != nil {
		return Article{}, err
	}
	a.Content = strings.TrimSpace(string(body))
	return a, nil
}

// Articles returns every article.
func (b *Base) Articles() []Article {
	return append([]Article(nil), b.articles...)
}

// Article returns the article with the given id.
func (b *Base) Article(id string) (Article, bool) {
	i, ok := b.byID[id]
	if !ok {
		return Article{}, false
	}
	return b.articles[i], true
}

// Filter returns the articles matching category and term, see Article.Matches.
func (b *Base) Filter(category, term string) []Article {
	var out []Article
	for _, a := range b.articles {
		if a.Matches(category, term) {
			out = append(out, a)
		}
	}
	return out
}

// Count returns the number of articles in category.
func (b *Base) Count(category string) int {
	return len(b.Filter(category, ""))
}

// AskPrompt is the assistant message sent when the user asks Sofia about an article.
func AskPrompt(a Article) string {
	return fmt.Sprintf("I'm looking at the knowledge base article %q. "+
		"Can you help me understand this better or answer questions about it?", a.Title)
}

// SearchPrompt is the assistant message sent when the user asks Sofia to search for term.
func SearchPrompt(term string) string {
	return fmt.Sprintf("I'm searching for %q in the knowledge base. "+
		"Can you help me find relevant information about this topic?", strings.TrimSpace(term))
}
