package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowkeeper/pkg/config"
	"github.com/openfroyo/flowkeeper/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a flowkeeper workspace",
		Long: `Initialize a workspace with a database, an intent directory, an SSH key
for reaching OVS hosts and a default configuration file.`,
		Example: `  # Initialize in ./data with ./flowkeeper.yaml
  flowkeeper init

  # Initialize with custom paths
  flowkeeper init --data-dir /var/lib/flowkeeper --config /etc/flowkeeper/flowkeeper.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if configPath == "" {
				configPath = "./flowkeeper.yaml"
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(configPath), "data")
			}

			log.Info().
				Str("data_dir", dataDir).
				Str("config", configPath).
				Msg("Initializing workspace")

			// Step 1: Create directory structure
			intentsDir := filepath.Join(dataDir, "intents.d")
			keysDir := filepath.Join(dataDir, "keys")
			for _, dir := range []string{dataDir, intentsDir, keysDir} {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Initialize SQLite database
			cfg := config.Default()
			cfg.Store.Path = filepath.Join(dataDir, "flowkeeper.db")
			cfg.Intents.Dir = intentsDir

			store, err := stores.NewSQLiteStore(cfg.StoreOptions())
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Store.Path)

			// Step 3: Generate SSH key for OVS hosts
			keyPath := filepath.Join(keysDir, "flowkeeper-ed25519")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				if err := writeKeypair(keyPath); err != nil {
					return err
				}
				fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			// Step 4: Write default config file
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("✓ Config file already exists: %s\n", configPath)
			} else {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("failed to encode config: %w", err)
				}
				content := append([]byte("# Flowkeeper configuration\n"), data...)
				if err := os.WriteFile(configPath, content, 0644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Add devices and links under topology: in %s\n", configPath)
			fmt.Printf("  2. Drop intent files into %s\n", intentsDir)
			fmt.Printf("  3. flowkeeper serve --config %s\n\n", configPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: data/ next to the config file)")

	return cmd
}

func writeKeypair(keyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "flowkeeper")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
