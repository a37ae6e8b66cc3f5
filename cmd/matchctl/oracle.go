package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/garnizeh/volunteer-match/internal/app"
	"github.com/garnizeh/volunteer-match/internal/config"
	"github.com/garnizeh/volunteer-match/pkg/ollama"
)

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Inspect the configured scoring model",
}

var oracleModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models installed on the Ollama instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, cfg, err := ollamaClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			marker := " "
			if m.Name == cfg.Oracle.Model || strings.TrimSuffix(m.Name, ":latest") == cfg.Oracle.Model {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, m.Name)
		}
		return nil
	},
}

var oracleHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that Ollama answers and has the configured model installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, cfg, err := ollamaClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Health(cmd.Context(), cfg.Oracle.Model); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ollama at %s serves %s.\n", cfg.Ollama.BaseURL, cfg.Oracle.Model)
		return nil
	},
}

func ollamaClient(cmd *cobra.Command) (*ollama.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Oracle.Provider != config.ProviderOllama {
		return nil, nil, fmt.Errorf("oracle.provider is %s, this command only works with ollama", cfg.Oracle.Provider)
	}
	ollama.SetLogger(newLogger(cmd.ErrOrStderr()))
	client, err := ollama.NewDefaultClient(cfg.Ollama)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

var (
	tryResumeFile      string
	tryOpportunityFile string
)

var oracleTryCmd = &cobra.Command{
	Use:   "try",
	Short: "Score a resume text file against an opportunity text file without storing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tryResumeFile == "" || tryOpportunityFile == "" {
			return errors.New("--resume and --opportunity are required")
		}
		resume, err := os.ReadFile(tryResumeFile)
		if err != nil {
			return err
		}
		opp, err := os.ReadFile(tryOpportunityFile)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Oracle.Score(ctx, string(resume), string(opp))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	oracleTryCmd.Flags().StringVar(&tryResumeFile, "resume", "", "file holding extracted resume text")
	oracleTryCmd.Flags().StringVar(&tryOpportunityFile, "opportunity", "", "file holding opportunity text")
	oracleCmd.AddCommand(oracleModelsCmd, oracleHealthCmd, oracleTryCmd)
	rootCmd.AddCommand(oracleCmd)
}
