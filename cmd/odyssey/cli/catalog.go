package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PermissionCreator registers a permission in the catalog.
type PermissionCreator interface {
	Create(ctx context.Context, in permissions.CreateInput) (rbac.Permission, error)
}

// Catalog is the YAML bootstrap file.
type Catalog struct {
	Permissions []CatalogEntry `yaml:"permissions"`
}

// CatalogEntry mirrors the registry create payload.
type CatalogEntry struct {
	Code             string   `yaml:"code"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Category         string   `yaml:"category"`
	Actions          []string `yaml:"actions"`
	PermissionType   string   `yaml:"type"`
	RiskLevel        string   `yaml:"risk"`
	Effect           string   `yaml:"effect"`
	BusinessTemplate string   `yaml:"template"`
	RequiresMFA      bool     `yaml:"requires_mfa"`
}

func (e CatalogEntry) input() permissions.CreateInput {
	return permissions.CreateInput{
		Code:             e.Code,
		Name:             e.Name,
		Description:      e.Description,
		Category:         e.Category,
		Actions:          e.Actions,
		PermissionType:   e.PermissionType,
		RiskLevel:        e.RiskLevel,
		Effect:           e.Effect,
		BusinessTemplate: e.BusinessTemplate,
		RequiresMFA:      e.RequiresMFA,
	}
}

// ParseCatalog decodes a catalog and rejects duplicate codes.
func ParseCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, errors.New("catalog: empty document")
		}
		return Catalog{}, fmt.Errorf("catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Permissions))
	for i, p := range c.Permissions {
		code := strings.ToLower(strings.TrimSpace(p.Code))
		if code == "" {
			return Catalog{}, fmt.Errorf("catalog: entry %d has no code", i+1)
		}
		if seen[code] {
			return Catalog{}, fmt.Errorf("catalog: duplicate code %q", code)
		}
		seen[code] = true
	}
	return c, nil
}

// CatalogImportOptions defines available flags for the catalog import command.
type CatalogImportOptions struct {
	Path       string
	DryRun     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CatalogImportSummary describes the JSON response for catalog import.
type CatalogImportSummary struct {
	OK       bool            `json:"ok"`
	Created  []string        `json:"created"`
	Existing []string        `json:"existing"`
	Failed   []CatalogFailed `json:"failed"`
}

// CatalogFailed reports an entry the registry rejected.
type CatalogFailed struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// CatalogCLI imports permission catalogs into the registry.
type CatalogCLI struct {
	registry PermissionCreator
}

// NewCatalogCLI constructs the helper. registry may be nil for dry runs.
func NewCatalogCLI(registry PermissionCreator) *CatalogCLI {
	return &CatalogCLI{registry: registry}
}

// ImportCommand executes the catalog import and prints the outcome. It
// returns 0 on success, 1 on usage or read errors and 10 when any entry failed.
func (c *CatalogCLI) ImportCommand(ctx context.Context, opts CatalogImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if strings.TrimSpace(opts.Path) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "catalog import: --file is required")
		return 1
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog import: %v\n", err)
		return 1
	}
	defer f.Close()
	catalog, err := ParseCatalog(f)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "catalog import: %v\n", err)
		return 1
	}

	summary := c.Import(ctx, catalog, opts.DryRun)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "catalog import: encode json: %v\n", err)
			return 1
		}
	} else {
		renderImportHuman(opts.Stdout, summary, opts.DryRun)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

// Import registers each catalog entry. Existing codes are left untouched.
func (c *CatalogCLI) Import(ctx context.Context, catalog Catalog, dryRun bool) CatalogImportSummary {
	summary := CatalogImportSummary{Created: []string{}, Existing: []string{}, Failed: []CatalogFailed{}}
	for _, entry := range catalog.Permissions {
		code := strings.ToLower(strings.TrimSpace(entry.Code))
		if dryRun || c.registry == nil {
			summary.Created = append(summary.Created, code)
			continue
		}
		_, err := c.registry.Create(ctx, entry.input())
		switch {
		case err == nil:
			summary.Created = append(summary.Created, code)
		case errors.Is(err, shared.ErrConflict):
			summary.Existing = append(summary.Existing, code)
		default:
			summary.Failed = append(summary.Failed, CatalogFailed{Code: code, Error: err.Error()})
		}
	}
	sort.Strings(summary.Created)
	sort.Strings(summary.Existing)
	summary.OK = len(summary.Failed) == 0
	return summary
}

func renderImportHuman(out io.Writer, s CatalogImportSummary, dryRun bool) {
	verb := "created"
	if dryRun {
		verb = "would create"
	}
	_, _ = fmt.Fprintf(out, "%s %d, existing %d, failed %d\n", verb, len(s.Created), len(s.Existing), len(s.Failed))
	for _, f := range s.Failed {
		_, _ = fmt.Fprintf(out, " - %s: %s\n", f.Code, f.Error)
	}
}
