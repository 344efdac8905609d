package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/tenement/pkg/auth"
	"github.com/cuemby/tenement/pkg/config"
	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/store"
	"github.com/cuemby/tenement/pkg/types"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage control-API bearer tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a bearer token (printed once, never stored)",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		label, _ := cmd.Flags().GetString("label")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return err
		}

		rec := &types.TokenRecord{
			ID:        uuid.NewString(),
			Hash:      hash,
			Label:     label,
			CreatedAt: time.Now(),
		}
		if ttl > 0 {
			expires := rec.CreatedAt.Add(ttl)
			rec.ExpiresAt = &expires
		}
		if err := st.InsertToken(context.Background(), rec); err != nil {
			return err
		}

		fmt.Printf("Token ID: %s\n", rec.ID)
		fmt.Printf("Token:    %s\n", token)
		fmt.Println("Store this token now; it cannot be recovered.")
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		tokens, err := st.ListTokens(context.Background())
		if err != nil {
			return err
		}
		for _, t := range tokens {
			line := fmt.Sprintf("%s  %-20s created=%s", t.ID, t.Label, t.CreatedAt.Format(time.RFC3339))
			if t.ExpiresAt != nil {
				line += "  expires=" + t.ExpiresAt.Format(time.RFC3339)
			}
			if t.LastUsedAt != nil {
				line += "  last_used=" + t.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a token by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.DeleteToken(context.Background(), args[0])
	},
}

func init() {
	tokenCreateCmd.Flags().String("label", "", "Human label for the token")
	tokenCreateCmd.Flags().Duration("ttl", 0, "Token lifetime (0 = never expires)")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenDeleteCmd)
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Server.DataDir, "tenement.db")
	}
	return store.Open(dbPath)
}
