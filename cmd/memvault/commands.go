// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the memvault HTTP server",
		Long: `Start the memvault server.

The server verifies the blob store configuration (versioning and
encryption at rest), opens the catalog, and exposes the document and
search API over HTTP. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  memvault serve

  # Start with a custom config and listen address
  memvault serve --config /etc/memvault/production.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, listen)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	return cmd
}

func buildStoreCmd() *cobra.Command {
	var (
		configPath string
		id         string
		format     string
		metadata   []string
	)
	cmd := &cobra.Command{
		Use:   "store [file]",
		Short: "Store a document from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runStore(cmd.Context(), configPath, path, id, format, metadata)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&id, "id", "", "Document id (assigned when empty)")
	cmd.Flags().StringVar(&format, "format", "text", "Content format (text, markdown, json)")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "Metadata entries as key=value (repeatable)")
	return cmd
}

func buildGetCmd() *cobra.Command {
	var (
		configPath  string
		withContent bool
	)
	cmd := &cobra.Command{
		Use:   "get <document-id>",
		Short: "Fetch a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), configPath, args[0], withContent)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&withContent, "content", false, "Decrypt and include the document content")
	return cmd
}

func buildSearchCmd() *cobra.Command {
	var (
		configPath string
		strategy   string
		limit      int
		filters    []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored documents",
		Long: `Search stored documents with one of four strategies:

  vector  rank by embedding similarity (fastest)
  llm     rank by model reasoning over recent documents
  hybrid  vector candidates reranked by the model
  rag_kg  vector seeds expanded through the knowledge graph`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), configPath, args[0], strategy, limit, filters)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&strategy, "strategy", "vector", "Retrieval strategy (vector, llm, hybrid, rag_kg)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results (1-100)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Metadata filters as key=value (repeatable)")
	return cmd
}

func buildUpdateCmd() *cobra.Command {
	var (
		configPath string
		file       string
		format     string
		metadata   []string
	)
	cmd := &cobra.Command{
		Use:   "update <document-id>",
		Short: "Update a document's content, metadata, or both",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), configPath, args[0], file, format, metadata)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&file, "file", "", "Replace content with this file ('-' for stdin)")
	cmd.Flags().StringVar(&format, "format", "", "New content format (text, markdown, json)")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "Metadata entries as key=value (repeatable)")
	return cmd
}

func buildDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}
