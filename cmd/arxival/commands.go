package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skimlab/arxival/internal/arxiv"
	"github.com/skimlab/arxival/internal/config"
	"github.com/skimlab/arxival/internal/pdftext"
	"github.com/skimlab/arxival/internal/storage"
)

// --- update ---

var updateCmd = &cobra.Command{
	Use:   "update [categories...]",
	Short: "Refresh the knowledge base from arXiv",
	Long: `Refresh the knowledge base from arXiv.

Examples:
  arxival update                  # all configured categories
  arxival update cs.AI cs.LG      # specific categories
  arxival update --force          # refresh even if still fresh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"force_update": force}
		if len(args) > 0 {
			body["categories"] = args
		}
		resp, err := client.post("/knowledge-base/update", body)
		if err != nil {
			return err
		}

		var result struct {
			TaskID string `json:"task_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !wait {
			printSuccess("Update started (task %s)", result.TaskID)
			return nil
		}

		printStep("Update started (task %s), waiting...", result.TaskID)
		for {
			time.Sleep(time.Second)
			statusResp, err := client.get("/knowledge-base/update/" + result.TaskID)
			if err != nil {
				return err
			}
			var status struct {
				Task struct {
					Status string `json:"status"`
				} `json:"task"`
				Categories map[string]struct {
					Fetched int    `json:"fetched"`
					Skipped bool   `json:"skipped"`
					Error   string `json:"error"`
				} `json:"categories"`
			}
			if err := decodeJSON(statusResp, &status); err != nil {
				return err
			}
			if status.Task.Status == "pending" || status.Task.Status == "running" {
				continue
			}
			for cat, r := range status.Categories {
				switch {
				case r.Error != "":
					printError("%s: %s", cat, r.Error)
				case r.Skipped:
					printStatus(cat, "skipped (still fresh)")
				default:
					printStatus(cat, "%d papers fetched", r.Fetched)
				}
			}
			if status.Task.Status != "completed" {
				return fmt.Errorf("update %s", status.Task.Status)
			}
			printSuccess("Update completed")
			return nil
		}
	},
}

func init() {
	updateCmd.Flags().Bool("force", false, "refresh even if categories are still fresh")
	updateCmd.Flags().Bool("wait", false, "wait for the update to finish")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		categories, _ := cmd.Flags().GetStringSlice("category")
		yearFrom, _ := cmd.Flags().GetInt("year-from")
		yearTo, _ := cmd.Flags().GetInt("year-to")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/knowledge-base/search", map[string]any{
			"query":       query,
			"max_results": limit,
			"categories":  categories,
			"year_from":   yearFrom,
			"year_to":     yearTo,
		})
		if err != nil {
			return err
		}

		var result struct {
			Papers []paperLine `json:"papers"`
			Total  int         `json:"total"`
			Took   float64     `json:"took"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Papers) == 0 {
			fmt.Println("No papers found.")
			return nil
		}
		for i, p := range result.Papers {
			printPaper(i+1, p)
		}
		fmt.Printf("\n%d of %d results (%.2fs)\n", len(result.Papers), result.Total, result.Took)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().StringSlice("category", nil, "restrict to arXiv categories")
	searchCmd.Flags().Int("year-from", 0, "earliest publication year")
	searchCmd.Flags().Int("year-to", 0, "latest publication year")
}

type paperLine struct {
	ArxivID   string   `json:"arxiv_id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Published string   `json:"published"`
	Score     float64  `json:"score"`
}

func printPaper(n int, p paperLine) {
	fmt.Printf("\n%s %s\n", colorize(colorBold, fmt.Sprintf("%d. %s", n, p.Title)), colorize(colorCyan, "["+p.ArxivID+"]"))
	authors := strings.Join(p.Authors, ", ")
	if len(authors) > 80 {
		authors = authors[:80] + "..."
	}
	published := p.Published
	if len(published) > 10 {
		published = published[:10]
	}
	fmt.Printf("   %s · %s · score %.3f\n", authors, published, p.Score)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question grounded in cached papers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		noSources, _ := cmd.Flags().GetBool("no-sources")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/qa", map[string]any{
			"question":        question,
			"context_limit":   limit,
			"include_sources": !noSources,
		})
		if err != nil {
			return err
		}

		var result struct {
			Answer    string `json:"answer"`
			Citations []struct {
				PaperID string  `json:"paper_id"`
				Title   string  `json:"title"`
				URL     string  `json:"url"`
				Score   float64 `json:"relevance_score"`
			} `json:"citations"`
			Confidence     float64 `json:"confidence"`
			ProcessingTime float64 `json:"processing_time"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Citations) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Sources:"))
			for i, c := range result.Citations {
				fmt.Printf("  [%d] %s (%s, score %.3f)\n", i+1, c.Title, c.URL, c.Score)
			}
		}
		fmt.Printf("\nconfidence %.2f · %.2fs\n", result.Confidence, result.ProcessingTime)
		return nil
	},
}

func init() {
	askCmd.Flags().Int("limit", 0, "number of papers used as context (0 = server default)")
	askCmd.Flags().Bool("no-sources", false, "omit the citation list")
}

// --- trending ---

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Show recently published papers ranked by recency",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(fmt.Sprintf("/knowledge-base/trending?days=%d&max_results=%d", days, limit))
		if err != nil {
			return err
		}

		var result struct {
			Papers []paperLine `json:"trending_papers"`
			Days   int         `json:"days"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Papers) == 0 {
			fmt.Printf("No papers published in the last %d days.\n", result.Days)
			return nil
		}
		for i, p := range result.Papers {
			printPaper(i+1, p)
		}
		return nil
	},
}

func init() {
	trendingCmd.Flags().Int("days", 7, "trailing window in days")
	trendingCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- fetch-pdf ---

var fetchPDFCmd = &cobra.Command{
	Use:   "fetch-pdf <arxiv_id>",
	Short: "Download a paper's PDF and index its full text",
	Long: `Download a paper's PDF, extract its plain text, and store it so
keyword search matches the paper's body, not just title and abstract.
Runs locally against the data directory; the server does not need to be up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arxivID := args[0]

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		fetcher := arxiv.New(arxiv.Config{
			BaseURL:    cfg.Arxiv.BaseURL,
			MaxResults: cfg.Arxiv.MaxResults,
			Timeout:    cfg.Arxiv.RequestTimeout,
			RateLimit:  cfg.Arxiv.RateLimit,
		})

		ctx := context.Background()
		paper, err := store.GetPaper(arxivID)
		if err != nil {
			printStep("Paper not cached, fetching metadata...")
			paper, err = fetcher.GetByID(ctx, arxivID)
			if err != nil {
				return fmt.Errorf("fetching paper %s: %w", arxivID, err)
			}
			paper.CachedAt = time.Now().UTC()
			if err := store.SavePaper(paper); err != nil {
				return err
			}
		}

		printStep("Downloading PDF...")
		pdfDir := filepath.Join(cfg.Storage.DataDir, "pdfs")
		path, err := fetcher.DownloadPDF(ctx, paper, pdfDir)
		if err != nil {
			return fmt.Errorf("downloading PDF: %w", err)
		}

		printStep("Extracting text...")
		text, err := pdftext.Extract(path)
		if err != nil {
			return fmt.Errorf("extracting text: %w", err)
		}
		if err := store.SaveFullText(arxivID, text); err != nil {
			return err
		}

		printSuccess("Indexed %d characters of full text for %s", len(text), arxivID)
		return nil
	},
}
