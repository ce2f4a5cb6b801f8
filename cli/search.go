package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"folderd/ipc"
)

var (
	searchFolder  string
	searchLimit   int
	searchJSON    bool
	searchTOON    bool
	searchCompact bool
)

// SearchResultJSON is a lightweight struct for JSON output.
type SearchResultJSON struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float32 `json:"score"`
	Content   string  `json:"content"`
}

// SearchResultCompactJSON is a minimal struct for compact output (no content field).
type SearchResultCompactJSON struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float32 `json:"score"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search an indexed folder with natural language",
	Long: `Search an indexed folder using a natural language query.

The daemon vectorizes the query, ranks the folder's chunks by cosine
similarity and returns the best matches with file path, line numbers
and score. The folder defaults to the current directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchFolder, "folder", "", "Indexed folder to search (defaults to the current directory)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results to return")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results in JSON format (for AI agents)")
	searchCmd.Flags().BoolVarP(&searchTOON, "toon", "t", false, "Output results in TOON format (token-efficient for AI agents)")
	searchCmd.Flags().BoolVarP(&searchCompact, "compact", "c", false, "Output minimal format without content (requires --json or --toon)")
	searchCmd.MarkFlagsMutuallyExclusive("json", "toon")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := args[0]

	if searchCompact && !searchJSON && !searchTOON {
		return fmt.Errorf("--compact flag requires --json or --toon flag")
	}

	folder := searchFolder
	if folder == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		folder = cwd
	}
	folder, err := absFolderArg(folder)
	if err != nil {
		return err
	}

	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	hits, err := client.Search(ctx, folder, query, searchLimit)
	if err != nil {
		if searchJSON {
			return outputSearchErrorJSON(err)
		}
		if searchTOON {
			return outputSearchErrorTOON(err)
		}
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return outputSearchJSON(hits)
	}
	if searchTOON {
		return outputSearchTOON(hits)
	}

	if len(hits) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results for: %q\n\n", len(hits), query)

	for i, hit := range hits {
		fmt.Printf("─── Result %d (score: %.4f) ───\n", i+1, hit.Score)
		fmt.Printf("File: %s:%d-%d\n", hit.FilePath, hit.StartLine, hit.EndLine)
		fmt.Println()

		lines := strings.Split(hit.Content, "\n")
		// Skip the "File: xxx" prefix line if present
		startIdx := 0
		if len(lines) > 0 && strings.HasPrefix(lines[0], "File: ") {
			startIdx = 2 // Skip "File: xxx" and empty line
		}

		lineNum := hit.StartLine
		for j := startIdx; j < len(lines) && j < startIdx+15; j++ {
			fmt.Printf("%4d │ %s\n", lineNum, lines[j])
			lineNum++
		}
		if len(lines)-startIdx > 15 {
			fmt.Printf("     │ ... (%d more lines)\n", len(lines)-startIdx-15)
		}
		fmt.Println()
	}

	return nil
}

func searchHitsToJSON(hits []ipc.SearchHit) any {
	if searchCompact {
		results := make([]SearchResultCompactJSON, len(hits))
		for i, h := range hits {
			results[i] = SearchResultCompactJSON{
				FilePath:  h.FilePath,
				StartLine: h.StartLine,
				EndLine:   h.EndLine,
				Score:     h.Score,
			}
		}
		return results
	}
	results := make([]SearchResultJSON, len(hits))
	for i, h := range hits {
		results[i] = SearchResultJSON{
			FilePath:  h.FilePath,
			StartLine: h.StartLine,
			EndLine:   h.EndLine,
			Score:     h.Score,
			Content:   h.Content,
		}
	}
	return results
}

func outputSearchJSON(hits []ipc.SearchHit) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(searchHitsToJSON(hits))
}

func outputSearchErrorJSON(err error) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(map[string]string{"error": err.Error()})
	return nil
}

func outputSearchTOON(hits []ipc.SearchHit) error {
	output, err := gotoon.Encode(searchHitsToJSON(hits))
	if err != nil {
		return fmt.Errorf("failed to encode TOON: %w", err)
	}
	fmt.Println(output)
	return nil
}

func outputSearchErrorTOON(err error) error {
	output, encErr := gotoon.Encode(map[string]string{"error": err.Error()})
	if encErr != nil {
		return fmt.Errorf("failed to encode TOON error: %w", encErr)
	}
	fmt.Println(output)
	return nil
}
