package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidyou/ccproxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the proxy's provider credentials and alias routing.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for one provider and a default alias route.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate example YAML configuration",
	Long:  `Generate an example YAML configuration file covering all four supported protocols.`,
	RunE:  runConfigGenerate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)

	configGenerateCmd.Flags().BoolP("force", "f", false, "Overwrite existing configuration file")
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("ccproxy configuration setup")
	color.Yellow("Follow the prompts to configure your first provider.")

	reader := bufio.NewReader(os.Stdin)
	read := func(prompt string) (string, error) {
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("error reading input: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	providerID, err := read("Provider ID (e.g. openai, anthropic-main): ")
	if err != nil {
		return err
	}
	protocol, err := read("Protocol (openai|anthropic|gemini|ollama): ")
	if err != nil {
		return err
	}
	baseURL, err := read("API Base URL: ")
	if err != nil {
		return err
	}
	apiKey, err := read("API Key (blank for ollama): ")
	if err != nil {
		return err
	}
	model, err := read("Model name behind this provider: ")
	if err != nil {
		return err
	}
	proxyAPIKey, err := read("Proxy API Key (optional, required from clients as Bearer/X-API-Key): ")
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: proxyAPIKey,
		Providers: []config.Provider{
			{ID: providerID, Name: providerID, Protocol: protocol, BaseURL: baseURL, APIKey: apiKey},
		},
		Groups: []config.Group{
			{
				Name: config.DefaultGroupName,
				Routes: []config.AliasRoute{
					{Pattern: "*", Targets: []config.BackendModelTarget{{ProviderID: providerID, Model: model}}},
				},
			},
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved to: %s", cfgMgr.GetYAMLPath())
	color.Cyan("Start the proxy with: ccproxy start")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'ccproxy config init' or 'ccproxy config generate' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-12s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-12s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-12s: %s\n", "Proxy Key", maskString(cfg.APIKey))

	fmt.Println("\nProviders:")
	for _, p := range cfg.Providers {
		fmt.Printf("  - %s (%s)\n", p.ID, p.Protocol)
		fmt.Printf("    base_url: %s\n", p.BaseURL)
		fmt.Printf("    api_key:  %s\n", maskString(p.APIKey))
		for _, m := range p.Models {
			fmt.Printf("    model: %s\n", m.ID)
		}
	}

	fmt.Println("\nGroups:")
	for _, g := range cfg.Groups {
		fmt.Printf("  - %s\n", g.Name)
		for _, r := range g.Routes {
			fmt.Printf("    %s -> %v\n", r.Pattern, r.Targets)
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return errors.New("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var validationErrors []string

	if len(cfg.Providers) == 0 {
		validationErrors = append(validationErrors, "no providers configured")
	}

	validProtocols := map[string]bool{"openai": true, "anthropic": true, "gemini": true, "ollama": true}
	providerIDs := map[string]bool{}
	for i, p := range cfg.Providers {
		if p.ID == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("provider %d: id is required", i))
		}
		providerIDs[p.ID] = true
		if !validProtocols[p.Protocol] {
			validationErrors = append(validationErrors, fmt.Sprintf("provider %q: unsupported protocol %q", p.ID, p.Protocol))
		}
		if p.BaseURL == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("provider %q: base_url is required", p.ID))
		}
		if p.APIKey == "" && p.Protocol != "ollama" {
			validationErrors = append(validationErrors, fmt.Sprintf("provider %q: api_key is required for protocol %q", p.ID, p.Protocol))
		}
	}

	if len(cfg.Groups) == 0 {
		validationErrors = append(validationErrors, "no groups configured")
	}
	for _, g := range cfg.Groups {
		for _, r := range g.Routes {
			if len(r.Targets) == 0 {
				validationErrors = append(validationErrors, fmt.Sprintf("group %q route %q: no targets", g.Name, r.Pattern))
			}
			for _, t := range r.Targets {
				if !providerIDs[t.ProviderID] {
					validationErrors = append(validationErrors, fmt.Sprintf("group %q route %q: unknown provider %q", g.Name, r.Pattern, t.ProviderID))
				}
			}
		}
	}

	if len(validationErrors) > 0 {
		color.Red("Configuration validation failed:")
		for _, e := range validationErrors {
			fmt.Printf("  - %s\n", e)
		}
		return errors.New("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}

func runConfigGenerate(cmd *cobra.Command, _ []string) error {
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if cfgMgr.Exists() && !force {
		color.Yellow("Configuration file already exists: %s", cfgMgr.GetYAMLPath())
		color.Cyan("Use --force to overwrite, or 'ccproxy config show' to view current config")
		return nil
	}

	example := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: "",
		Providers: []config.Provider{
			{ID: "openai", Name: "OpenAI", Protocol: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "sk-..."},
			{ID: "anthropic", Name: "Anthropic", Protocol: "anthropic", BaseURL: "https://api.anthropic.com/v1", APIKey: "sk-ant-..."},
			{ID: "gemini", Name: "Gemini", Protocol: "gemini", BaseURL: "https://generativelanguage.googleapis.com/v1beta", APIKey: "AIza..."},
			{ID: "ollama", Name: "Ollama", Protocol: "ollama", BaseURL: "http://localhost:11434"},
		},
		Groups: []config.Group{
			{
				Name: config.DefaultGroupName,
				Routes: []config.AliasRoute{
					{Pattern: "claude-3-opus*", Targets: []config.BackendModelTarget{{ProviderID: "anthropic", Model: "claude-3-opus-20240229"}}},
					{Pattern: "gpt-4*", Targets: []config.BackendModelTarget{{ProviderID: "openai", Model: "gpt-4o"}}},
					{Pattern: "gemini-*", Targets: []config.BackendModelTarget{{ProviderID: "gemini", Model: "gemini-1.5-pro"}}},
					{Pattern: "*", Targets: []config.BackendModelTarget{{ProviderID: "ollama", Model: "llama3"}}},
				},
			},
		},
	}

	if err := cfgMgr.Save(example); err != nil {
		return fmt.Errorf("failed to create example configuration: %w", err)
	}

	color.Green("Example YAML configuration created: %s", cfgMgr.GetYAMLPath())
	color.Cyan("\nNext steps:")
	fmt.Println("1. Edit the configuration file to add your real API keys")
	fmt.Println("2. Add or adjust alias routes under groups[].routes")
	fmt.Println("3. Run 'ccproxy config validate' to check your configuration")
	fmt.Println("4. Start the proxy with 'ccproxy start'")

	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
