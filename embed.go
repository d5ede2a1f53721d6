package sofiaweb

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the landing, authentication and
// dashboard pages. Templates are split into layout, pages and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the stylesheet and the assistant widget script served under /static.
//
//go:embed static/*
var StaticFS embed.FS

// KnowledgeFS contains the knowledge base articles, one markdown file with YAML front matter per article.
//
//go:embed knowledge/*.md
var KnowledgeFS embed.FS
