package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/inn"
	"github.com/samuelfneumann/inn/distribution"
	"github.com/samuelfneumann/inn/envconfig"
	"github.com/samuelfneumann/inn/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inn",
		Short: "Build and inspect invertible flows",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level()))
		},
	}

	cobra.EnableCommandSorting = false

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  envHandler,
	}

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample from an untrained flow",
		Long: "Build a flow of invertible linear and real NVP blocks, draw " +
			"samples from its base density, map them through the inverse " +
			"of the flow and report their log-likelihoods.",
		Args: cobra.NoArgs,
		RunE: sampleHandler,
	}
	sampleCmd.Flags().Int("dim", 2, "Number of features")
	sampleCmd.Flags().IntP("samples", "n", 5, "Number of samples")
	sampleCmd.Flags().Int("blocks", 2, "Number of flow blocks")
	sampleCmd.Flags().String("base", "normal", "Base density (normal or laplace)")
	sampleCmd.Flags().Bool("residual", false, "Append a contractive residual block to each flow block")
	sampleCmd.Flags().Uint64("seed", 0, "Seed for weights and samples (default INN_SEED)")

	rootCmd.AddCommand(envCmd, sampleCmd)

	return rootCmd
}

func envHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value),
			v.Description})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// flowConfig holds the sample command's flags
type flowConfig struct {
	dim, samples, blocks int
	base                 string
	residual             bool
	seed                 uint64
}

func flowFlags(cmd *cobra.Command) (flowConfig, error) {
	var c flowConfig
	var err error
	if c.dim, err = cmd.Flags().GetInt("dim"); err != nil {
		return c, err
	}
	if c.samples, err = cmd.Flags().GetInt("samples"); err != nil {
		return c, err
	}
	if c.blocks, err = cmd.Flags().GetInt("blocks"); err != nil {
		return c, err
	}
	if c.base, err = cmd.Flags().GetString("base"); err != nil {
		return c, err
	}
	if c.residual, err = cmd.Flags().GetBool("residual"); err != nil {
		return c, err
	}
	if c.seed, err = cmd.Flags().GetUint64("seed"); err != nil {
		return c, err
	}
	if !cmd.Flags().Changed("seed") {
		c.seed = envconfig.Seed
	}

	if c.dim < 1 || c.samples < 1 || c.blocks < 0 {
		return c, fmt.Errorf("expected positive dim and samples and "+
			"non-negative blocks: %w", inn.ErrConfig)
	}
	return c, nil
}

// buildFlow returns a flow of c.blocks blocks over (c.samples, c.dim)
// inputs, each an invertible linear layer followed by a combined real
// NVP layer and, if requested, a residual block
func buildFlow(g *G.ExprGraph, c flowConfig) (*inn.Sequential,
	distribution.Distribution, error) {
	seeds := rand.New(rand.NewSource(c.seed))

	var base distribution.Distribution
	switch c.base {
	case "normal":
		base = distribution.StandardNormal(seeds.Uint64())
	case "laplace":
		var err error
		if base, err = distribution.NewLaplace(0, 1, seeds.Uint64()); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown base density %q: %w", c.base,
			inn.ErrConfig)
	}

	shape := tensor.Shape{c.samples, c.dim}
	var layers []inn.Layer
	for i := 0; i < c.blocks; i++ {
		linear, err := inn.NewInvertibleLinear(g, c.dim, inn.WithPositiveS(),
			inn.WithSeed(seeds.Uint64()))
		if err != nil {
			return nil, nil, err
		}

		logS, err := inn.NewMLP(g, c.dim, inn.WithActivation(inn.ActTanh),
			inn.WithSeed(seeds.Uint64()))
		if err != nil {
			return nil, nil, err
		}
		shift, err := inn.NewMLP(g, c.dim, inn.WithSeed(seeds.Uint64()))
		if err != nil {
			return nil, nil, err
		}
		coupling, err := inn.NewCombinedRealNVP(g, shape, logS, shift,
			inn.WithClip(2))
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, linear, coupling)

		if c.residual {
			block, err := inn.NewIResNet(g, shape, inn.WithBeta(0.5),
				inn.WithSeed(seeds.Uint64()))
			if err != nil {
				return nil, nil, err
			}
			layers = append(layers, block)
		}
	}

	slog.Debug("inn: flow", "dim", c.dim, "blocks", c.blocks, "layers",
		len(layers), "base", c.base)
	return inn.NewSequential(base, layers...), base, nil
}

func sampleHandler(cmd *cobra.Command, args []string) error {
	c, err := flowFlags(cmd)
	if err != nil {
		return err
	}

	g := G.NewGraph()
	flow, base, err := buildFlow(g, c)
	if err != nil {
		return err
	}

	z, err := base.Sample(g, tensor.Shape{c.samples, c.dim})
	if err != nil {
		return err
	}
	x, err := flow.Inverse(z)
	if err != nil {
		return err
	}
	ll, err := flow.LogLikelihood(x)
	if err != nil {
		return err
	}

	var xVal, llVal G.Value
	G.Read(x, &xVal)
	G.Read(ll, &llVal)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return err
	}

	xs, ok := xVal.Data().([]float64)
	if !ok {
		return fmt.Errorf("unexpected sample type %T", xVal.Data())
	}
	lls, ok := llVal.Data().([]float64)
	if !ok {
		return fmt.Errorf("unexpected log-likelihood type %T", llVal.Data())
	}

	var data [][]string
	for i := 0; i < c.samples; i++ {
		row := make([]string, c.dim)
		for j := range row {
			row[j] = strconv.FormatFloat(xs[i*c.dim+j], 'f', 4, 64)
		}
		data = append(data, []string{strconv.Itoa(i),
			strings.Join(row, " "), strconv.FormatFloat(lls[i], 'f', 4, 64)})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"SAMPLE", "X", "LOGP"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
