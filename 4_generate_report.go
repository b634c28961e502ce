package opsignal

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	ghtml "github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/report.html
var htmlTemplate string

//go:embed templates/styles.css
var cssStyles string

var GenerateReportCmd = &cobra.Command{
	Use:   "generate-report",
	Short: "Generate the executive briefing from clustering results",
	Run: func(cmd *cobra.Command, args []string) {
		if err := generateExecutiveReport(); err != nil {
			log.Printf("Failed to generate report: %v", err)
			return
		}
		log.Println("Executive report generated: report.md, report.html")
	},
}

// generateExecutiveReport renders clusters/clusters.json into a markdown
// briefing plus a standalone HTML page.
func generateExecutiveReport() error {
	data, err := os.ReadFile("clusters/clusters.json")
	if err != nil {
		return fmt.Errorf("failed to read clustering result: %w", err)
	}

	var result HybridClusteringResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("failed to parse clustering result: %w", err)
	}

	markdown := renderExecutiveMarkdown(&result)
	if err := os.WriteFile("report.md", []byte(markdown), 0644); err != nil {
		return fmt.Errorf("failed to write markdown report: %w", err)
	}

	htmlContent, err := renderExecutiveHTML(markdown)
	if err != nil {
		return fmt.Errorf("failed to render HTML report: %w", err)
	}
	if err := os.WriteFile("report.html", []byte(htmlContent), 0644); err != nil {
		return fmt.Errorf("failed to write HTML report: %w", err)
	}

	return nil
}

// renderExecutiveMarkdown produces the briefing document. Clusters arrive
// already sorted by overall business impact.
func renderExecutiveMarkdown(result *HybridClusteringResult) string {
	var b strings.Builder

	b.WriteString("# Operational Signal Briefing\n\n")
	b.WriteString(fmt.Sprintf("Generated %s from %d signals grouped into %d issue clusters.\n\n",
		result.GeneratedAt.Format("2 January 2006"), result.InputSignalCount, len(result.FinalClusters)))

	b.WriteString("## Overview\n\n")
	b.WriteString(fmt.Sprintf("- Clustering quality: %s\n", result.QualityMetrics.QualityAssessment))
	b.WriteString(fmt.Sprintf("- Signal coverage: %.0f%%\n", result.QualityMetrics.CoverageRatio*100))
	b.WriteString(fmt.Sprintf("- Average cluster size: %.1f signals\n\n", result.QualityMetrics.MeanClusterSize))

	for i, fc := range result.FinalClusters {
		b.WriteString(fmt.Sprintf("## %d. %s\n\n", i+1, fc.Name))
		b.WriteString(fc.ExecutiveSummary + "\n\n")
		b.WriteString(fmt.Sprintf("**Relevance:** %s · **Impact:** %.0f%% · **Signals:** %d · **Urgency:** %.0f%%\n\n",
			fc.BusinessRelevance, fc.BusinessImpact.Overall*100, fc.SignalCount, fc.UrgencyScore*100))

		if len(fc.RecommendedActions) > 0 {
			b.WriteString("**Recommended actions:**\n\n")
			for _, action := range fc.RecommendedActions {
				b.WriteString(fmt.Sprintf("- %s (%s, %s priority, %s)\n",
					action.Title, action.OwnerRole, strings.ToLower(action.Priority), action.Timeframe))
			}
			b.WriteString("\n")
		}

		b.WriteString(fmt.Sprintf("**Stakeholders:** %s\n\n", strings.Join(fc.Stakeholders, ", ")))
		b.WriteString(fmt.Sprintf("**Resourcing:** %d person(s), %s, budget %s\n\n",
			fc.ResourceRequirement.Headcount, fc.ResourceRequirement.Timeline, fc.ResourceRequirement.BudgetEstimate))

		if fc.CatchAll {
			b.WriteString("_This cluster groups heterogeneous lower-priority signals; review them individually._\n\n")
		}
	}

	if len(result.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, warning := range result.Warnings {
			b.WriteString("- " + warning + "\n")
		}
		b.WriteString("\n")
	}

	if len(result.Recommendations) > 0 {
		b.WriteString("## Pipeline Recommendations\n\n")
		for _, recommendation := range result.Recommendations {
			b.WriteString("- " + recommendation + "\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

// renderExecutiveHTML converts the markdown body to HTML and wraps it in the
// embedded page template.
func renderExecutiveHTML(markdownContent string) (string, error) {
	// Strip the document h1; the page template carries its own title.
	lines := strings.Split(markdownContent, "\n")
	var filteredLines []string
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(line, "# ") {
			continue
		}
		if len(filteredLines) == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		filteredLines = append(filteredLines, line)
	}
	cleanMarkdown := strings.Join(filteredLines, "\n")

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Linkify,
			extension.Strikethrough,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			ghtml.WithHardWraps(),
			ghtml.WithXHTML(),
		),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(cleanMarkdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown to HTML: %w", err)
	}

	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML template: %w", err)
	}

	data := struct {
		Title string
		Date  string
		Body  template.HTML
		CSS   template.CSS
	}{
		Title: "Operational Signal Briefing",
		Date:  time.Now().Format("2 January 2006"),
		Body:  template.HTML(buf.String()),
		CSS:   template.CSS(cssStyles),
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return out.String(), nil
}
