package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"budget-sync-service/internal/mapping"
	"budget-sync-service/internal/models"
	"budget-sync-service/internal/parsers"
	"budget-sync-service/internal/syncer"
	"budget-sync-service/internal/validator"
	"budget-sync-service/pkg/errors"
	"budget-sync-service/pkg/logger"
)

// Flags shared by map and validate
var (
	inspectFile        string
	inspectTenant      string
	inspectDepartments []string
	inspectCurrencies  []string
	inspectStrict      bool
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Classify the columns of a budget file",
	Long: `Map reads a CSV or Excel file and shows which budget field each column was
mapped to, with the confidence and the reason for every decision.

Known departments enable typo detection on the department column. They can
be given with --known-departments or taken from a configured tenant.

Examples:
  budgetsync map --file budgets.csv
  budgetsync map --file budgets.xlsx --known-departments Engineering,Sales,Marketing
  budgetsync map --file budgets.csv --tenant acme --strict`,
	PreRunE: validateInspectFlags,
	RunE:    runMap,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Map and validate a budget file without importing it",
	Long: `Validate maps a file's columns, then checks every row the way a sync would,
and prints the errors and warnings found. Nothing is written to the ledger.
The command exits non-zero when any row has an error.

Examples:
  budgetsync validate --file budgets.csv
  budgetsync validate --file budgets.csv --tenant acme --output-format csv`,
	PreRunE: validateInspectFlags,
	RunE:    runValidate,
}

func init() {
	for _, c := range []*cobra.Command{mapCmd, validateCmd} {
		rootCmd.AddCommand(c)

		c.Flags().StringVar(&inspectFile, "file", "", "path to a .csv, .xlsx or .xls file (required)")
		c.Flags().StringVarP(&inspectTenant, "tenant", "t", "", "take known departments, currencies and strict mode from a configured tenant")
		c.Flags().StringSliceVar(&inspectDepartments, "known-departments", nil, "comma-separated known department names")
		c.Flags().StringSliceVar(&inspectCurrencies, "currencies", nil, "comma-separated supported currency codes")
		c.Flags().BoolVar(&inspectStrict, "strict", false, "drop mappings below the strict confidence threshold")
		_ = c.MarkFlagRequired("file")
	}
}

func validateInspectFlags(cmd *cobra.Command, args []string) error {
	if err := validateFileExists(inspectFile, "budget file"); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "file", inspectFile, err)
	}
	if !parsers.IsSupported(inspectFile) {
		return errors.ParseError(errors.CodeUnsupportedFileType, inspectFile,
			fmt.Errorf("supported extensions: %v", parsers.SupportedExtensions()))
	}

	if inspectTenant != "" {
		tenant, err := appConfig.Tenant(inspectTenant)
		if err != nil {
			return err
		}
		if len(inspectDepartments) == 0 {
			inspectDepartments = tenant.KnownDepartments
		}
		if len(inspectCurrencies) == 0 {
			inspectCurrencies = tenant.SupportedCurrencies
		}
		if !cmd.Flags().Changed("strict") {
			inspectStrict = tenant.StrictMapping
		}
	}
	return nil
}

// inspect parses the file and classifies its headers
func inspect(ctx context.Context) (*parsers.ParsedFile, *models.MappingResult, error) {
	log := logger.GetGlobalLogger()

	parser := parsers.NewBaseParser(nil)
	parser.SetLogger(log)
	parsed, err := parser.ParseFile(ctx, inspectFile)
	if err != nil {
		return nil, nil, err
	}

	engine, err := mapping.NewEngine(nil)
	if err != nil {
		return nil, nil, err
	}
	engine.SetLogger(log)

	result := engine.Classify(parsed.Headers, parsed.Sample(syncer.MappingSampleRows), &mapping.Options{
		KnownValues: map[models.CanonicalField][]string{
			models.FieldDepartment: inspectDepartments,
		},
		Strict: inspectStrict,
	})
	return parsed, result, nil
}

func runMap(cmd *cobra.Command, _ []string) error {
	_, result, err := inspect(cmd.Context())
	if err != nil {
		return err
	}
	return writeReport(result)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	parsed, mappingResult, err := inspect(cmd.Context())
	if err != nil {
		return err
	}

	v := validator.New(nil)
	v.SetLogger(logger.GetGlobalLogger())
	result := v.Validate(parsed.Headers, parsed.Rows, mappingResult.Mappings, &validator.TenantConfig{
		KnownDepartments:    inspectDepartments,
		SupportedCurrencies: inspectCurrencies,
	})

	if err := writeReport(result); err != nil {
		return err
	}
	if !result.Valid {
		return errors.ValidationError(errors.CodeRowTransform, "file", inspectFile,
			fmt.Errorf("%d errors in %d rows", result.Stats.Errors, result.Stats.ErrorRows)).
			WithSuggestion("Fix the rows listed above and validate again")
	}
	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()

	return nil
}
