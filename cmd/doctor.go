package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neomagi/neomagi/internal/budget"
	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/store/pg"
	"github.com/neomagi/neomagi/internal/workspace"
	"github.com/neomagi/neomagi/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("neomagi doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.PostgresDSN == "" {
		fmt.Printf("    %-12s NEOMAGI_POSTGRES_DSN not set\n", "Status:")
	} else if db, dbErr := pg.OpenDB(cfg.Database.PostgresDSN); dbErr != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
	} else {
		defer db.Close()
		fmt.Printf("    %-12s connected\n", "Status:")

		s := pg.CheckSchema(db)
		switch {
		case s.Dirty:
			fmt.Printf("    %-12s v%d (DIRTY, run: neomagi migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
		case s.Compatible:
			fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
		case s.CurrentVersion > s.RequiredVersion:
			fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
		default:
			fmt.Printf("    %-12s v%d (run: neomagi migrate up)\n", "Schema:", s.CurrentVersion)
		}

		if s.Compatible {
			stores := pg.NewStoresDB(db)
			gate := budget.NewGate(stores.Budget, cfg.Budget)
			if spend, err := gate.Cumulative(context.Background()); err == nil {
				fmt.Printf("    %-12s %.2f EUR of %.2f EUR ceiling\n", "Spend:", spend, cfg.Budget.StopEUR)
			}
		}
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Agent.Provider)
	checkProvider("openrouter", cfg.Providers.OpenRouter.APIKey, cfg.Agent.Provider)
	checkProvider("deepseek", cfg.Providers.DeepSeek.APIKey, cfg.Agent.Provider)
	checkProvider("groq", cfg.Providers.Groq.APIKey, cfg.Agent.Provider)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("curl")

	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND, run: neomagi gateway once to seed it)")
	} else {
		fmt.Println(" (OK)")
		for _, name := range workspace.AnchorFiles {
			checkAnchor(ws, name)
		}
		checkAnchor(ws, workspace.MemoryFile)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey, defaultName string) {
	label := name
	if name == defaultName {
		label = name + " (default)"
	}
	if apiKey == "" {
		fmt.Printf("    %-20s (no API key)\n", label+":")
		return
	}
	fmt.Printf("    %-20s %s\n", label+":", maskKey(apiKey))
}

// maskKey keeps the first and last four characters of a credential.
// Short keys mask entirely.
func maskKey(key string) string {
	if len(key) < 9 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-20s %s\n", name+":", status)
}

func checkAnchor(ws, name string) {
	path := filepath.Join(ws, name)
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-20s MISSING\n", name+":")
	} else {
		fmt.Printf("    %-20s OK\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-20s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-20s %s\n", name+":", path)
	}
}
