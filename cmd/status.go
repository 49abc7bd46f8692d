package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lunamoth/lunamoth/internal/config"
	"github.com/lunamoth/lunamoth/internal/providers"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lunamoth status",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfgPath := config.ConfigPath()

	fmt.Printf("%s lunamoth Status\n\n", logo)

	_, statErr := os.Stat(cfgPath)
	cfgMark := "✗"
	if statErr == nil {
		cfgMark = "✓"
	}
	fmt.Printf("Config:    %s %s\n", cfgPath, cfgMark)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	ws := cfg.WorkspacePath()
	_, wsErr := os.Stat(ws)
	wsMark := "✗"
	if wsErr == nil {
		wsMark = "✓"
	}

	fmt.Printf("Workspace: %s %s\n", ws, wsMark)
	fmt.Printf("Model:     %s\n\n", cfg.Agents.Defaults.Model)

	fmt.Println("Providers:")
	rows := []struct {
		name string
		pc   config.ProviderConfig
	}{
		{"anthropic", cfg.Providers.Anthropic},
		{"openai", cfg.Providers.OpenAI},
		{"openrouter", cfg.Providers.OpenRouter},
		{"deepseek", cfg.Providers.DeepSeek},
		{"custom", cfg.Providers.Custom},
	}
	for _, r := range rows {
		switch {
		case r.pc.APIKey != "":
			fmt.Printf("  %-20s ✓\n", r.name)
		case r.pc.APIBase != "":
			fmt.Printf("  %-20s ✓ %s\n", r.name, r.pc.APIBase)
		default:
			fmt.Printf("  %-20s (not set)\n", r.name)
		}
	}

	if spec := providers.FindByModel(cfg.Agents.Defaults.Model); spec != nil {
		fmt.Printf("\nActive provider: %s\n", spec.Name)
	}

	fmt.Println("\nFeatures:")
	fmt.Printf("  %-20s %s\n", "self-agent", onOff(cfg.SelfAgent.Enabled))
	fmt.Printf("  %-20s every %dm\n", "heartbeat", cfg.Heartbeat.IntervalMinutes)
	fmt.Printf("  %-20s max %d concurrent\n", "subagents", cfg.Subagents.MaxConcurrent)

	fmt.Println("\nScheduled jobs:")
	if svc, err := openStore(); err != nil {
		fmt.Printf("  (could not load job store: %v)\n", err)
	} else if jobs := svc.ListAllJobs(true); len(jobs) == 0 {
		fmt.Println("  (none)")
	} else {
		for _, j := range jobs {
			nextRun := "-"
			if j.State.NextRunAtMs != nil {
				nextRun = time.UnixMilli(*j.State.NextRunAtMs).Format("2006-01-02 15:04")
			}
			fmt.Printf("  %-10s %-20s next %s\n", j.ID, truncStr(j.Name, 19), nextRun)
		}
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
