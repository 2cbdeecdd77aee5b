package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
	"sigs.k8s.io/yaml"

	"github.com/G-Research/batchflow/internal/scheduler"
	"github.com/G-Research/batchflow/internal/scheduler/configuration"
	"github.com/G-Research/batchflow/internal/store"
)

func validateRecipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-recipe <definition file>...",
		Short: "validates recipe definitions against the known job and recipe types",
		Long: "Validates recipe definitions written in YAML or JSON. With the memdb database the job types " +
			"listed in the configuration are the known job types.",
		Args:   cobra.MinimumNArgs(1),
		PreRun: useCommandLineFormatter,
		RunE:   validateRecipes,
	}
	return cmd
}

func validateRecipes(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, _, err := scheduler.OpenStore(ctx, config.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if config.Database.Backend == configuration.MemDbBackend || config.Database.Backend == "" {
		if err := scheduler.SeedJobTypes(ctx, st, config.JobTypes, clock.RealClock{}.Now()); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	invalid := 0
	for _, path := range args {
		raw, err := readYamlOrJson(path)
		if err != nil {
			return err
		}
		err = st.View(ctx, func(tx store.Tx) error {
			def, warnings, err := store.ValidateRecipeDefinition(ctx, tx, raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: valid, %d node(s)\n", path, len(def.NodeNames()))
			for _, warning := range warnings {
				fmt.Fprintf(out, "  warning %s\n", warning)
			}
			return nil
		})
		if err != nil {
			invalid++
			fmt.Fprintf(out, "%s: invalid: %v\n", path, err)
		}
	}
	if invalid > 0 {
		return errors.Errorf("%d of %d recipe definition(s) are invalid", invalid, len(args))
	}
	return nil
}

// readYamlOrJson reads a file and returns its content as JSON. JSON is valid YAML, so either can be read.
func readYamlOrJson(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	converted, err := yaml.YAMLToJSON(b)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", path)
	}
	return converted, nil
}
