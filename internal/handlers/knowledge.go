package handlers

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ircad-africa/sofia-web/internal/knowledge"
)

type articleSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Tags          []string  `json:"tags"`
	Difficulty    string    `json:"difficulty,omitempty"`
	EstimatedTime string    `json:"estimatedTime,omitempty"`
	Author        string    `json:"author,omitempty"`
	Rating        float64   `json:"rating,omitempty"`
	Views         int       `json:"views,omitempty"`
	Updated       time.Time `json:"updated"`
}

type knowledgeResponse struct {
	Articles []articleSummary `json:"articles"`
	// SearchMessage is what the widget submits when the user asks Sofia about the search term.
	SearchMessage string `json:"searchMessage,omitempty"`
}

type articleResponse struct {
	articleSummary
	HTML       template.HTML `json:"html"`
	AskMessage string        `json:"askMessage"`
}

// HandleKnowledge lists the articles matching the "category" and "q" query parameters.
func (m Main) HandleKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	term := q.Get("q")

	res := knowledgeResponse{Articles: []articleSummary{}}
	for _, a := range m.knowledge.Filter(q.Get("category"), term) {
		res.Articles = append(res.Articles, summarize(a))
	}
	if term != "" {
		res.SearchMessage = knowledge.SearchPrompt(term)
	}
	m.writeJSON(w, http.StatusOK, res)
}

// HandleKnowledgeArticle returns one article rendered to HTML.
func (m Main) HandleKnowledgeArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "articleID")
	a, ok := m.knowledge.Article(id)
	if !ok {
		m.writeError(w, http.StatusNotFound, "article not found")
		return
	}

	html, err := a.HTML()
	if err != nil {
		m.logger.Error("Failed to render article",
			slog.String("articleID", id),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "failed to render article")
		return
	}

	m.writeJSON(w, http.StatusOK, articleResponse{
		articleSummary: summarize(a),
		HTML:           html,
		AskMessage:     knowledge.AskPrompt(a),
	})
}

func summarize(a knowledge.Article) articleSummary {
	return articleSummary{
		ID:            a.ID,
		Title:         a.Title,
		Category:      a.Category,
		Tags:          a.Tags,
		Difficulty:    a.Difficulty,
		EstimatedTime: a.EstimatedTime,
		Author:        a.Author,
		Rating:        a.Rating,
		Views:         a.Views,
		Updated:       a.Updated,
	}
}
