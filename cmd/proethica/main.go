// Package main provides the proethica CLI: an MCP stdio server exposing the
// extraction pipeline, plus direct operator subcommands for extraction,
// publishing, feature building and precedent queries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"proethica/internal/config"
	"proethica/internal/document"
	"proethica/internal/precedent"
	"proethica/internal/staging"
	"proethica/internal/types"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "proethica",
		Short: "Ethics-case extraction pipeline and precedent engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON or TOML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newExtractCmd())
	root.AddCommand(newPublishCmd())
	root.AddCommand(newUnpublishCmd())
	root.AddCommand(newFeaturesCmd())
	root.AddCommand(newNeighborsCmd())
	root.AddCommand(newReconcileCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func withComponents(run func(ctx context.Context, comps *components) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	comps, err := initialize(cfg)
	if err != nil {
		return err
	}
	defer comps.close()
	return run(context.Background(), comps)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP stdio server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				if comps.cfg.Metrics.Enabled {
					go func() {
						mux := http.NewServeMux()
						mux.Handle("/metrics", promhttp.Handler())
						log.Printf("Metrics listener on %s", comps.cfg.Metrics.Addr)
						if err := http.ListenAndServe(comps.cfg.Metrics.Addr, mux); err != nil {
							log.Printf("Warning: metrics listener failed: %v", err)
						}
					}()
				}

				mcpServer := mcp.NewServer(&mcp.Implementation{
					Name:    comps.cfg.Server.Name,
					Version: comps.cfg.Server.Version,
				}, nil)
				comps.server.RegisterTools(mcpServer)
				log.Println("Registered tools: ingest-case, run-extraction, get-drafts, update-draft, publish-case, unpublish-draft, reconcile-case, build-features, find-precedents")

				return mcpServer.Run(ctx, &mcp.StdioTransport{})
			})
		},
	}
}

func newIngestCmd() *cobra.Command {
	var title, caseNumber string
	var year int
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Parse and store a raw case document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				if title == "" {
					title = args[0]
				}
				result := document.NewParser().Parse(string(data))
				c := &types.Case{
					Title:       title,
					CaseNumber:  caseNumber,
					Year:        year,
					RawText:     string(data),
					Sections:    result.Sections,
					ParseMethod: result.Method,
				}
				if err := comps.store.SaveCase(c); err != nil {
					return err
				}
				log.Printf("Ingested case %s (%s parse, %d sections)", c.ID, result.Method, len(result.Sections))
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "case title")
	cmd.Flags().StringVar(&caseNumber, "case-number", "", "source case number")
	cmd.Flags().IntVar(&year, "year", 0, "decision year")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var step int
	cmd := &cobra.Command{
		Use:   "extract <case-id>",
		Short: "Run the extraction pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				if step > 0 {
					if err := comps.orchestrator.RunStep(ctx, args[0], step); err != nil {
						return err
					}
				} else if err := comps.orchestrator.RunCase(ctx, args[0]); err != nil {
					return err
				}
				sessions, err := comps.store.ListSessions(args[0])
				if err != nil {
					return err
				}
				return printJSON(sessions)
			})
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "run a single step (1-4); 0 runs all")
	return cmd
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <case-id>",
		Short: "Publish a case's staged drafts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				count, err := comps.orchestrator.Publish(ctx, args[0], staging.Selector{})
				if err != nil {
					return err
				}
				log.Printf("Published %d drafts", count)

				if comps.graphStore != nil {
					c, err := comps.store.GetCase(args[0])
					if err != nil {
						return err
					}
					published := true
					drafts, err := comps.store.GetDrafts(args[0], staging.Filter{Published: &published})
					if err != nil {
						return err
					}
					if err := comps.graphStore.PublishCase(ctx, c, drafts); err != nil {
						log.Printf("Warning: knowledge graph mirror failed: %v", err)
					}
				}
				return nil
			})
		},
	}
}

func newUnpublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <draft-id>",
		Short: "Revert a published draft, invalidating the case's feature record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				if err := comps.store.Unpublish(args[0]); err != nil {
					return err
				}
				log.Printf("Unpublished draft %s", args[0])
				return nil
			})
		},
	}
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features <case-id>",
		Short: "Build the case feature record from published drafts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				record, err := comps.builder.Build(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(record)
			})
		},
	}
}

func newNeighborsCmd() *cobra.Command {
	var k int
	var provision, transformation string
	var minScore float64
	cmd := &cobra.Command{
		Use:   "neighbors <case-id>",
		Short: "Rank the most similar cases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				filter := &precedent.Filter{
					MinScore:       minScore,
					Provision:      provision,
					Transformation: types.TransformationType(transformation),
				}
				neighbors, err := comps.engine.Neighbors(ctx, args[0], k, filter)
				if err != nil {
					return err
				}
				return printJSON(neighbors)
			})
		},
	}
	cmd.Flags().IntVar(&k, "k", 10, "number of neighbors")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum overall score")
	cmd.Flags().StringVar(&provision, "provision", "", "require a cited provision")
	cmd.Flags().StringVar(&transformation, "transformation", "", "require a transformation type")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <case-id>",
		Short: "Re-link candidate class matches after ontology recovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, comps *components) error {
				relinked, err := comps.orchestrator.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				log.Printf("Re-linked %d drafts", relinked)
				return nil
			})
		},
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
