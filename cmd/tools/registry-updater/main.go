// cmd/tools/registry-updater/main.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"loan-orchestrator/internal/common/validation"
	"loan-orchestrator/pkg/registry"
)

var registryPath string

func main() {
	exportCmd := flag.NewFlagSet("export", flag.ExitOnError)
	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	for _, fs := range []*flag.FlagSet{exportCmd, updateCmd, validateCmd, listCmd} {
		fs.StringVar(&registryPath, "path", "configs/stages.json", "Path to stage registry file")
	}

	// Update command flags
	idUpdate := updateCmd.String("id", "", "Stage ID to update (intake, credit, income, risk)")
	field := updateCmd.String("field", "", "Field to update (timeout, retries, displayName, description)")
	value := updateCmd.String("value", "", "New value for the field")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		exportCmd.Parse(os.Args[2:])
		reg, err := registry.Default()
		if err != nil {
			fmt.Printf("Error loading built-in registry: %v\n", err)
			os.Exit(1)
		}
		if err := saveRegistry(reg, registryPath); err != nil {
			fmt.Printf("Error exporting registry: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Exported built-in registry to %s\n", registryPath)

	case "update":
		updateCmd.Parse(os.Args[2:])
		if *idUpdate == "" || *field == "" || *value == "" {
			fmt.Println("Error: id, field, and value are required for update.")
			updateCmd.Usage()
			os.Exit(1)
		}
		if err := updateStage(*idUpdate, *field, *value); err != nil {
			fmt.Printf("Error updating stage: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated stage %s, field %s to %s\n", *idUpdate, *field, *value)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := validateRegistry(); err != nil {
			fmt.Printf("Registry validation failed: %v\n", err)
			os.Exit(1)
		}

	case "list":
		listCmd.Parse(os.Args[2:])
		if err := listStages(); err != nil {
			fmt.Printf("Error listing stages: %v\n", err)
			os.Exit(1)
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func updateStage(id, field, value string) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	found := false
	for i := range reg.Stages {
		if reg.Stages[i].ID != id {
			continue
		}
		found = true
		switch field {
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid timeout value: %w", err)
			}
			reg.Stages[i].Timeout = value
		case "retries":
			retries, err := strconv.Atoi(value)
			if err != nil || retries < 0 {
				return fmt.Errorf("invalid retries value: %s", value)
			}
			reg.Stages[i].Retries = &retries
		case "displayName":
			reg.Stages[i].DisplayName = value
		case "description":
			reg.Stages[i].Description = value
		default:
			return fmt.Errorf("unknown field: %s", field)
		}
		break
	}

	if !found {
		return fmt.Errorf("stage with ID %s not found", id)
	}
	if err := reg.Validate(); err != nil {
		return err
	}

	reg.LastUpdated = time.Now().Format("2006-01-02")
	return saveRegistry(reg, registryPath)
}

func validateRegistry() error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	for _, stage := range reg.Stages {
		if _, err := validation.Compile(stage.OutputSchema); err != nil {
			return fmt.Errorf("stage %s output schema: %w", stage.ID, err)
		}
	}

	fmt.Printf("Registry validation passed. Found %d stages.\n", len(reg.Stages))
	return nil
}

func listStages() error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	fmt.Printf("%-8s %-24s %-10s %-8s %s\n", "ID", "NAME", "TIMEOUT", "RETRIES", "CAPABILITIES")
	for _, s := range reg.Stages {
		timeout, retries := "default", "default"
		if s.Timeout != "" {
			timeout = s.Timeout
		}
		if s.Retries != nil {
			retries = strconv.Itoa(*s.Retries)
		}
		fmt.Printf("%-8s %-24s %-10s %-8s %s\n", s.ID, s.DisplayName, timeout, retries, strings.Join(s.Capabilities, ","))
	}
	return nil
}

// saveRegistry handles saving the registry to file
func saveRegistry(reg *registry.StageRegistry, path string) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	return nil
}

func help() {
	fmt.Println("Usage: registry-updater <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  export    Write the built-in stage registry to -path")
	fmt.Println("  update    Update a stage override (-id, -field, -value)")
	fmt.Println("  validate  Validate the registry and compile every output schema")
	fmt.Println("  list      List stages with their overrides and capabilities")
	fmt.Println("  help      Show this help message")
}
