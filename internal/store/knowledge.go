package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gorm.io/gorm"
)

const minKnowledgeTermLength = 3

type knowledgeSnippetRow struct {
	ID      uint   `gorm:"primaryKey"`
	Content string `gorm:"type:text"`
}

func (knowledgeSnippetRow) TableName() string {
	return "knowledge_snippets"
}

// ReplaceKnowledge swaps the stored knowledge snippets for snippets.
func (s *GormStore) ReplaceKnowledge(ctx context.Context, snippets []string) error {
	rows := make([]knowledgeSnippetRow, 0, len(snippets))
	for _, snippet := range snippets {
		if snippet = strings.TrimSpace(snippet); snippet != "" {
			rows = append(rows, knowledgeSnippetRow{Content: snippet})
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&knowledgeSnippetRow{}).Error; err != nil {
			return fmt.Errorf("clear knowledge snippets: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("create knowledge snippets: %w", err)
		}
		return nil
	})
}

// SearchKnowledge returns up to limit snippets sharing words with query,
// most shared words first.
func (s *GormStore) SearchKnowledge(ctx context.Context, query string, limit int) ([]string, error) {
	terms := knowledgeTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	tx := s.db.WithContext(ctx).Model(&knowledgeSnippetRow{})
	conditions := s.db.Where("LOWER(content) LIKE ?", "%"+terms[0]+"%")
	for _, term := range terms[1:] {
		conditions = conditions.Or("LOWER(content) LIKE ?", "%"+term+"%")
	}

	var rows []knowledgeSnippetRow
	if err := tx.Where(conditions).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search knowledge snippets: %w", err)
	}

	type match struct {
		content string
		score   int
	}
	matches := make([]match, 0, len(rows))
	for _, row := range rows {
		content := strings.ToLower(row.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		matches = append(matches, match{content: row.Content, score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]string, 0, min(limit, len(matches)))
	for _, m := range matches[:min(limit, len(matches))] {
		out = append(out, m.content)
	}
	return out, nil
}

func knowledgeTerms(query string) []string {
	seen := map[string]struct{}{}
	var terms []string
	for _, field := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(field)) < minKnowledgeTermLength {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
	}
	return terms
}

// LoadKnowledgeFile reads a plain text knowledge file. Snippets are separated
// by blank lines.
func LoadKnowledgeFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}

	var (
		snippets []string
		current  []string
	)
	flush := func() {
		if len(current) > 0 {
			snippets = append(snippets, strings.Join(current, " "))
			current = nil
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return snippets, nil
}
