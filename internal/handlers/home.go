package handlers

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/ircad-africa/sofia-web/internal/assistant"
	"github.com/ircad-africa/sofia-web/internal/knowledge"
	"github.com/ircad-africa/sofia-web/internal/models"
)

type landingPageData struct {
	User      *models.User
	Greeting  string
	QuickHelp []assistant.QuickHelpCategory
}

type dashboardPageData struct {
	User       models.User
	Categories []categoryView
	Category   string
	Query      string
	// SearchMessage asks the assistant about the current search term.
	SearchMessage string
	Articles      []knowledge.Article
	Article       *articleView
	QuickHelp     []assistant.QuickHelpCategory
}

type categoryView struct {
	knowledge.Category
	Count  int
	Active bool
}

type articleView struct {
	knowledge.Article
	HTML       template.HTML
	AskMessage string
}

// HandleLanding renders the public landing page.
func (m Main) HandleLanding(w http.ResponseWriter, r *http.Request) {
	data := landingPageData{
		Greeting:  assistant.NewChatGreeting,
		QuickHelp: assistant.QuickHelpCategories,
	}
	if user, ok := m.currentUser(r); ok {
		data.User = &user
	}
	m.render(w, http.StatusOK, "landing.html", data)
}

// HandleDashboard renders the knowledge base for the signed-in user. The "category" and "q" query
// parameters filter the article list and "article" opens one article.
func (m Main) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("category")
	if category == "" {
		category = knowledge.CategoryAll
	}

	data := dashboardPageData{
		User:      userFromContext(r.Context()),
		Category:  category,
		Query:     q.Get("q"),
		Articles:  m.knowledge.Filter(category, q.Get("q")),
		QuickHelp: assistant.QuickHelpCategories,
	}
	if data.Query != "" {
		data.SearchMessage = knowledge.SearchPrompt(data.Query)
	}
	for _, c := range knowledge.Categories {
		data.Categories = append(data.Categories, categoryView{
			Category: c,
			Count:    m.knowledge.Count(c.ID),
			Active:   c.ID == category,
		})
	}

	if id := q.Get("article"); id != "" {
		a, ok := m.knowledge.Article(id)
		if !ok {
			http.Error(w, "Article not found", http.StatusNotFound)
			return
		}
		html, err := a.HTML()
		if err != nil {
			m.logger.Error("Failed to render article",
				slog.String("articleID", id),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Article = &articleView{Article: a, HTML: html, AskMessage: knowledge.AskPrompt(a)}
	}

	m.render(w, http.StatusOK, "dashboard.html", data)
}

// render executes the named template into a buffer first, so a template error still produces a clean
// error response.
func (m Main) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, data); err != nil {
		m.logger.Error("Failed to render template",
			slog.String("template", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
