package cmd

import (
	"os"
	"os/exec"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidyou/ccproxy/internal/process"
)

var execProtocol string

var codeCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command with its provider env vars pointed at this proxy",
	Long: `Start the proxy service if needed and execute a client command with
its provider base-url/key environment variables rewritten to point at this
proxy, so the client believes it is talking to the provider directly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCode,
}

func init() {
	codeCmd.Flags().StringVar(&execProtocol, "protocol", "anthropic", "client protocol to emulate (openai|anthropic|gemini)")
}

func runCode(cmd *cobra.Command, args []string) error {
	procMgr := process.NewManager(baseDir)
	cfg := cfgMgr.Get()

	serviceStartedByUs, err := procMgr.StartServiceIfNeeded()
	if err != nil {
		return err
	}

	env := os.Environ()
	baseURL := "http://" + cfg.Host + ":" + strconv.Itoa(cfg.Port)

	switch execProtocol {
	case "openai":
		env = filterEnv(env, "OPENAI_API_KEY")
		env = filterEnv(env, "OPENAI_BASE_URL")
		env = append(env, "OPENAI_BASE_URL="+baseURL)
		env = append(env, "OPENAI_API_KEY="+firstNonEmptyKey(cfg.APIKey, "proxy"))
	case "gemini":
		env = filterEnv(env, "GOOGLE_API_KEY")
		env = filterEnv(env, "GOOGLE_GEMINI_BASE_URL")
		env = append(env, "GOOGLE_GEMINI_BASE_URL="+baseURL)
		env = append(env, "GOOGLE_API_KEY="+firstNonEmptyKey(cfg.APIKey, "proxy"))
	default:
		env = filterEnv(env, "ANTHROPIC_AUTH_TOKEN")
		env = filterEnv(env, "ANTHROPIC_API_KEY")
		env = filterEnv(env, "ANTHROPIC_BASE_URL")
		if cfg.APIKey != "" {
			env = append(env, "ANTHROPIC_API_KEY="+cfg.APIKey)
		} else {
			env = append(env, "ANTHROPIC_AUTH_TOKEN=proxy")
		}
		env = append(env, "ANTHROPIC_BASE_URL="+baseURL)
	}
	env = append(env, "API_TIMEOUT_MS=600000")

	procMgr.IncrementRef()
	defer func() {
		procMgr.DecrementRef()
		if serviceStartedByUs && procMgr.ReadRef() == 0 {
			color.Yellow("No more active sessions, stopping auto-started service...")
			procMgr.Stop()
		}
	}()

	child := exec.Command(args[0], args[1:]...)
	child.Env = env
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	return child.Run()
}

func firstNonEmptyKey(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func filterEnv(env []string, key string) []string {
	var filtered []string
	prefix := key + "="
	for _, e := range env {
		if !startsWith(e, prefix) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
