// clipfield-train fits an implicit CLIP field to a labeled point dataset and
// writes periodic checkpoints.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clipfield/clipfield/field"
	"github.com/clipfield/clipfield/optimizer"
	"github.com/clipfield/clipfield/tensor"
	"github.com/clipfield/clipfield/training"
	"github.com/clipfield/clipfield/zeroshot"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "clipfield-train",
		Short: "Train an implicit CLIP field over a labeled 3D point dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default clipfield.yaml)")

	flags := root.Flags()
	flags.String("dataset", "", "path to a gob dataset artifact (empty generates a synthetic dataset)")
	flags.Int("epochs", 100, "number of training epochs")
	flags.Int("batch-size", 256, "samples per batch")
	flags.Int("workers", 4, "batch loading workers")
	flags.Int64("seed", 42, "random seed for shuffling and initialization")
	flags.String("device", "cpu", "compute device (cpu)")
	flags.String("optimizer", "adam", "optimizer (adam or sgd)")
	flags.Float64("lr", 1e-4, "learning rate")
	flags.Float64("label-ratio", 1.0, "scale on the semantic contrastive loss")
	flags.Float64("image-ratio", 1.0, "scale on the visual contrastive loss")
	flags.Float64("distance-decay", 0.1, "exponential decay for distance-based visual weights")
	flags.Int("save-every", 5, "checkpoint interval in epochs")
	flags.String("checkpoint", "clipfield-checkpoint.json", "checkpoint artifact path")
	flags.String("report-file", "", "optional JSONL run file for epoch reports")
	flags.Int("hidden-size", 256, "trunk hidden width")
	flags.Int("trunk-depth", 2, "trunk hidden layers")
	flags.Int("hash-levels", 16, "hash encoding levels")
	flags.Int("hash-table-size", 1<<14, "entries per hash table level")

	cobra.OnInitialize(initConfig)
	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("clipfield")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("CLIPFIELD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		slog.Info("loaded config file", "path", viper.ConfigFileUsed())
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	device, err := tensor.ParseDevice(viper.GetString("device"))
	if err != nil {
		return err
	}

	seed := viper.GetInt64("seed")
	field.SetRandomSeed(seed)

	dataset, err := loadOrGenerateDataset(seed, logger)
	if err != nil {
		return err
	}
	minBound, maxBound := dataset.Bounds()

	fieldConfig := field.DefaultConfig()
	fieldConfig.HiddenSize = viper.GetInt("hidden-size")
	fieldConfig.TrunkDepth = viper.GetInt("trunk-depth")
	fieldConfig.Levels = viper.GetInt("hash-levels")
	fieldConfig.TableSize = viper.GetInt("hash-table-size")

	model, err := field.NewCLIPField(fieldConfig, minBound, maxBound, device)
	if err != nil {
		return fmt.Errorf("failed to build field: %v", err)
	}

	opt, err := buildOptimizer(model)
	if err != nil {
		return err
	}

	trainerConfig := training.DefaultTrainerConfig()
	trainerConfig.Epochs = viper.GetInt("epochs")
	trainerConfig.BatchSize = viper.GetInt("batch-size")
	trainerConfig.NumWorkers = viper.GetInt("workers")
	trainerConfig.Seed = seed
	trainerConfig.Device = device
	trainerConfig.LabelRatio = viper.GetFloat64("label-ratio")
	trainerConfig.ImageRatio = viper.GetFloat64("image-ratio")
	trainerConfig.DistanceDecay = viper.GetFloat64("distance-decay")
	trainerConfig.SaveEvery = viper.GetInt("save-every")
	trainerConfig.CheckpointPath = viper.GetString("checkpoint")

	loader, err := training.NewDataLoader(dataset, trainerConfig.BatchSize, true,
		trainerConfig.NumWorkers, seed, device)
	if err != nil {
		return err
	}

	extractor, err := zeroshot.NewClassExtractor(dataset.ClassNames(),
		dataset.ClassAnchors(fieldConfig.SemanticDim, seed), 100.0)
	if err != nil {
		return fmt.Errorf("failed to build class extractor: %v", err)
	}
	evaluator, err := zeroshot.NewEvaluator(extractor)
	if err != nil {
		return err
	}

	reporter, cleanup, err := buildReporter(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	checkpointManager, err := training.NewCheckpointManager(trainerConfig.CheckpointPath)
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(model, model.ParameterNames(), opt, loader,
		evaluator, training.DefaultMetricSet(len(dataset.ClassNames())),
		reporter, checkpointManager, trainerConfig)
	if err != nil {
		return err
	}

	logger.Info("starting training",
		"samples", dataset.Len(),
		"classes", len(dataset.ClassNames()),
		"epochs", trainerConfig.Epochs,
		"batch_size", trainerConfig.BatchSize,
		"checkpoint", trainerConfig.CheckpointPath)

	if err := trainer.Fit(); err != nil {
		return fmt.Errorf("training failed: %v", err)
	}

	logger.Info("training complete", "checkpoint", checkpointManager.Path())
	return nil
}

func loadOrGenerateDataset(seed int64, logger *slog.Logger) (*training.InMemoryDataset, error) {
	if path := viper.GetString("dataset"); path != "" {
		dataset, err := training.LoadDataset(path)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded dataset", "path", path, "samples", dataset.Len())
		return dataset, nil
	}

	logger.Info("no dataset given, generating a synthetic one")
	return training.NewSyntheticDataset(training.SyntheticConfig{
		NumSamples:    4096,
		NumImages:     32,
		NumClasses:    8,
		VisualDim:     512,
		SemanticDim:   768,
		UnlabeledFrac: 0.1,
		Seed:          seed,
	})
}

func buildOptimizer(model *field.CLIPField) (optimizer.Optimizer, error) {
	lr := viper.GetFloat64("lr")
	switch name := viper.GetString("optimizer"); name {
	case "adam":
		return optimizer.DefaultAdam(model.Parameters(), lr)
	case "sgd":
		return optimizer.NewSGD(model.Parameters(), lr, 0.9, 0, false)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func buildReporter(logger *slog.Logger) (training.Reporter, func(), error) {
	logReporter := training.NewLogReporter(logger)
	path := viper.GetString("report-file")
	if path == "" {
		return logReporter, func() {}, nil
	}

	jsonlReporter, err := training.NewJSONLReporter(path)
	if err != nil {
		return nil, nil, err
	}
	reporter := training.NewMultiReporter(logReporter, jsonlReporter)
	return reporter, func() { jsonlReporter.Close() }, nil
}
