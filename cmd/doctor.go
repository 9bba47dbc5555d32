package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/conneroisu/docfactory/internal/config"
	"github.com/conneroisu/docfactory/internal/renderer"
	"github.com/conneroisu/docfactory/internal/vcs"
	"github.com/conneroisu/docfactory/internal/version"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the factory can run here",
	Long: `Check every prerequisite of docfactory serve: the configuration, git, the
renderer, the tracked document and its repository, the output directory, and
the server port.

Examples:
  docfactory doctor
  docfactory doctor --file docs/guide.adoc
  docfactory doctor --format json`,
	RunE: runDoctor,
}

var doctorFormat string

// Check statuses.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusError   = "error"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name       string `json:"name" yaml:"name"`
	Status     string `json:"status" yaml:"status"`
	Message    string `json:"message" yaml:"message"`
	Suggestion string `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp time.Time          `json:"timestamp" yaml:"timestamp"`
	Version   string             `json:"version" yaml:"version"`
	Platform  string             `json:"platform" yaml:"platform"`
	Results   []DiagnosticResult `json:"results" yaml:"results"`
	Summary   ReportSummary      `json:"summary" yaml:"summary"`
}

// ReportSummary counts results by status.
type ReportSummary struct {
	Total    int `json:"total" yaml:"total"`
	OK       int `json:"ok" yaml:"ok"`
	Warnings int `json:"warnings" yaml:"warnings"`
	Errors   int `json:"errors" yaml:"errors"`
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().StringVar(&doctorFormat, "format", "table", "Output format (table|json|yaml)")
	doctorCmd.Flags().StringP("file", "f", "", "tracked document to check (overrides factory.file)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		cfg = config.Default()
	}
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		cfg.Factory.File = file
	}

	report := buildReport(ctx, cfg, cfgErr)
	if err := outputReport(cmd.OutOrStdout(), report, doctorFormat); err != nil {
		return err
	}
	if report.Summary.Errors > 0 {
		return fmt.Errorf("doctor found %d problem(s)", report.Summary.Errors)
	}
	return nil
}

func buildReport(ctx context.Context, cfg *config.Config, cfgErr error) *DoctorReport {
	report := &DoctorReport{
		Timestamp: time.Now(),
		Version:   version.GetShortVersion(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	report.Results = append(report.Results,
		checkConfiguration(cfgErr),
		checkGit(ctx),
		checkRenderer(cfg),
		checkDocument(cfg),
		checkOutputDirectory(cfg),
		checkPort(cfg),
	)
	report.Summary = calculateSummary(report.Results)
	return report
}

func checkConfiguration(cfgErr error) DiagnosticResult {
	result := DiagnosticResult{Name: "Configuration", Status: StatusOK, Message: "Configuration is valid"}
	if cfgErr != nil {
		result.Status = StatusError
		result.Message = cfgErr.Error()
		result.Suggestion = "Fix " + configPath() + " or regenerate it with 'docfactory config init --force'"
	}
	return result
}

func checkGit(ctx context.Context) DiagnosticResult {
	result := DiagnosticResult{Name: "Git", Status: StatusOK}
	v, err := vcs.New(".").Version(ctx)
	if err != nil {
		result.Status = StatusError
		result.Message = "git not found: " + err.Error()
		result.Suggestion = "Install git and make sure it is on PATH"
		return result
	}
	result.Message = v
	return result
}

func checkRenderer(cfg *config.Config) DiagnosticResult {
	result := DiagnosticResult{Name: "Renderer", Status: StatusOK}
	r, err := renderer.New(cfg.Renderer.Command, cfg.Renderer.Args, cfg.Renderer.Timeout)
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result
	}
	path, err := r.LookPath()
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.Suggestion = "Install Asciidoctor (gem install asciidoctor) or set renderer.command"
		return result
	}
	result.Message = path
	return result
}

func checkDocument(cfg *config.Config) DiagnosticResult {
	result := DiagnosticResult{Name: "Tracked document", Status: StatusOK}
	if cfg.Factory.File == "" {
		result.Status = StatusWarning
		result.Message = "No tracked document configured"
		result.Suggestion = "Pass --file or set factory.file"
		return result
	}
	if _, err := os.Stat(cfg.Factory.File); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result
	}
	root, err := vcs.FindRepoRoot(cfg.Factory.File)
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.Suggestion = "The tracked document must be inside a git working tree"
		return result
	}
	abs, _ := filepath.Abs(cfg.Factory.File)
	rel, _ := filepath.Rel(root, abs)
	result.Message = fmt.Sprintf("%s in repository %s", filepath.ToSlash(rel), root)
	return result
}

func checkOutputDirectory(cfg *config.Config) DiagnosticResult {
	result := DiagnosticResult{Name: "Output directory", Status: StatusOK}
	if cfg.Factory.Directory == "" {
		result.Status = StatusWarning
		result.Message = "No output directory configured"
		result.Suggestion = "Pass --directory to serve or set factory.directory"
		return result
	}

	// Probe the nearest existing ancestor, since serve creates the rest.
	dir := cfg.Factory.Directory
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	probe, err := os.CreateTemp(dir, ".docfactory-doctor-*")
	if err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("%s is not writable: %v", dir, err)
		return result
	}
	probe.Close()
	os.Remove(probe.Name())
	result.Message = fmt.Sprintf("%s is writable", cfg.Factory.Directory)
	return result
}

func checkPort(cfg *config.Config) DiagnosticResult {
	result := DiagnosticResult{Name: "Server port", Status: StatusOK}
	listener, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%s is unavailable: %v", cfg.Server.Address(), err)
		result.Suggestion = fmt.Sprintf("Use another port, e.g. --port %d", cfg.Server.Port+1)
		return result
	}
	listener.Close()
	result.Message = cfg.Server.Address() + " is available"
	return result
}

func calculateSummary(results []DiagnosticResult) ReportSummary {
	summary := ReportSummary{Total: len(results)}
	for _, result := range results {
		switch result.Status {
		case StatusOK:
			summary.OK++
		case StatusWarning:
			summary.Warnings++
		case StatusError:
			summary.Errors++
		}
	}
	return summary
}

func outputReport(out io.Writer, report *DoctorReport, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "table":
		fmt.Fprintf(out, "docfactory doctor (%s, %s)\n\n", report.Version, report.Platform)
		for _, result := range report.Results {
			fmt.Fprintf(out, "  %-8s %-18s %s\n", "["+result.Status+"]", result.Name, result.Message)
			if result.Suggestion != "" {
				fmt.Fprintf(out, "  %-8s %-18s -> %s\n", "", "", result.Suggestion)
			}
		}
		fmt.Fprintf(out, "\n%d checks: %d ok, %d warnings, %d errors\n",
			report.Summary.Total, report.Summary.OK, report.Summary.Warnings, report.Summary.Errors)
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (supported: table, json, yaml)", format)
	}
}
