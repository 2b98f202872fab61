// Package main provides the CLI entry point for the memvault document
// memory service.
//
// memvault stores documents durably with client-side encryption, splits
// them into token-bounded chunks with embeddings, and serves retrieval
// over four strategies (vector, llm, hybrid, rag_kg) backed by a
// knowledge graph.
//
// # Basic Usage
//
// Start the server:
//
//	memvault serve --config memvault.yaml
//
// Store and search documents:
//
//	memvault store notes.md --metadata team=infra
//	memvault search "postgres failover runbook" --strategy hybrid
//
// # Environment Variables
//
//   - MEMVAULT_CONFIG: Path to configuration file (default: memvault.yaml)
//   - OPENAI_API_KEY: OpenAI API key for embeddings and selection
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: credentials for S3 and KMS
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "memvault",
		Short:         "Durable document memory for LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildStoreCmd(),
		buildGetCmd(),
		buildSearchCmd(),
		buildUpdateCmd(),
		buildDeleteCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("memvault %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("MEMVAULT_CONFIG"); path != "" {
		return path
	}
	return "memvault.yaml"
}
