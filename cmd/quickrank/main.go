package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/sbinet/npyio"

	"github.com/marsStoneS/quickrank/data"
	"github.com/marsStoneS/quickrank/forest"
	"github.com/marsStoneS/quickrank/linear"
	"github.com/marsStoneS/quickrank/metric"
	"github.com/marsStoneS/quickrank/pruning"
)

type renderConfig struct {
	Prefix    string `yaml:"prefix"`
	Format    string `yaml:"format"`
	Directory string `yaml:"directory"`
}

type pruningConfig struct {
	Method string  `yaml:"method"`
	Rate   float64 `yaml:"rate"`
	Seed   int64   `yaml:"seed"`
}

type runConfig struct {
	// dataset paths are either svml files or an npy triple
	// "features.npy,labels.npy,qids.npy"
	Train    string `yaml:"train"`
	Valid    string `yaml:"valid"`
	Test     string `yaml:"test"`
	Features int    `yaml:"features"`

	Model  string `yaml:"model"`
	Resume string `yaml:"resume"`
	Scores string `yaml:"scores"`

	Metric string `yaml:"metric"` // e.g. NDCG@10

	Training   forest.Config `yaml:"training"`
	LineSearch linear.Config `yaml:"line_search"`
	Pruning    pruningConfig `yaml:"pruning"`
	Render     renderConfig  `yaml:"render"`
}

func decodeConfig(path string) (runConfig, error) {
	cfg := runConfig{
		Metric:     "NDCG@10",
		Training:   forest.DefaultConfig(),
		LineSearch: linear.DefaultConfig(),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func loadDataset(path string, nfeatures int) (*data.Dataset, error) {
	if path == "" {
		return nil, nil
	}
	if strings.Contains(path, ".npy") {
		parts := strings.Split(path, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("npy dataset wants features,labels,qids, got %q", path)
		}
		return data.ReadNpyDataset(parts[0], parts[1], parts[2])
	}
	return data.ReadSVMLightFile(path, nfeatures)
}

func buildMetric(name string) (metric.Metric, error) {
	cutoff := 10
	base, suffix, found := strings.Cut(name, "@")
	if found {
		k, err := strconv.Atoi(suffix)
		if err != nil {
			return nil, fmt.Errorf("bad metric cutoff in %q", name)
		}
		cutoff = k
	}
	switch strings.ToUpper(base) {
	case "NDCG":
		return metric.NewNDCG(cutoff), nil
	}
	return nil, fmt.Errorf("unknown metric %q", name)
}

func train(cfg runConfig, log *zap.SugaredLogger) error {
	scorer, err := buildMetric(cfg.Metric)
	if err != nil {
		return err
	}
	trainSet, err := loadDataset(cfg.Train, cfg.Features)
	if err != nil {
		return err
	}
	validSet, err := loadDataset(cfg.Valid, cfg.Features)
	if err != nil {
		return err
	}

	booster, err := forest.NewBooster(cfg.Training, scorer)
	if err != nil {
		return err
	}
	booster.SetLogger(log)

	if cfg.Resume != "" {
		saved, err := forest.LoadModel(cfg.Resume)
		if err != nil {
			return err
		}
		booster.ImportEnsemble(saved.Ensemble)
		log.Infow("resume", "model", cfg.Resume, "trees", saved.Ensemble.Size())
	}
	if cfg.Training.PartialSave > 0 && cfg.Model != "" {
		booster.Checkpoint = func(iteration int) error {
			return booster.SaveModel(fmt.Sprintf("%s.%d", cfg.Model, iteration))
		}
	}

	if err := booster.Learn(trainSet, validSet, 0); err != nil {
		return err
	}
	if cfg.Model != "" {
		if err := booster.SaveModel(cfg.Model); err != nil {
			return err
		}
		log.Infow("model saved", "path", cfg.Model)
	}

	if cfg.Test != "" {
		testSet, err := loadDataset(cfg.Test, cfg.Features)
		if err != nil {
			return err
		}
		scores := booster.Ensemble().Score(testSet)
		log.Infow("test", "metric", cfg.Metric,
			"value", scorer.Evaluate(testSet, scores))
	}
	return nil
}

func predict(cfg runConfig, log *zap.SugaredLogger) error {
	saved, err := forest.LoadModel(cfg.Model)
	if err != nil {
		return err
	}
	testSet, err := loadDataset(cfg.Test, cfg.Features)
	if err != nil {
		return err
	}
	if testSet == nil {
		return fmt.Errorf("predict needs a test dataset")
	}
	scores := saved.Ensemble.Score(testSet)

	if strings.HasSuffix(cfg.Scores, ".npy") {
		dst, err := os.Create(cfg.Scores)
		if err != nil {
			return err
		}
		defer dst.Close()
		return npyio.Write(dst, mat.NewDense(len(scores), 1, scores))
	}

	var sb strings.Builder
	for _, s := range scores {
		fmt.Fprintf(&sb, "%g\n", s)
	}
	if err := os.WriteFile(cfg.Scores, []byte(sb.String()), 0644); err != nil {
		return err
	}
	log.Infow("scores written", "path", cfg.Scores, "instances", len(scores))
	return nil
}

func prune(cfg runConfig, log *zap.SugaredLogger) error {
	scorer, err := buildMetric(cfg.Metric)
	if err != nil {
		return err
	}
	saved, err := forest.LoadModel(cfg.Model)
	if err != nil {
		return err
	}
	trainSet, err := loadDataset(cfg.Train, cfg.Features)
	if err != nil {
		return err
	}
	validSet, err := loadDataset(cfg.Valid, cfg.Features)
	if err != nil {
		return err
	}

	method, err := pruning.ParseMethod(cfg.Pruning.Method)
	if err != nil {
		return err
	}
	var search *linear.LineSearch
	if method.RequiresLineSearch() {
		if search, err = linear.New(cfg.LineSearch); err != nil {
			return err
		}
		search.SetLogger(log)
	}

	pruner, err := pruning.New(method, cfg.Pruning.Rate, search, cfg.Pruning.Seed)
	if err != nil {
		return err
	}
	pruner.SetLogger(log)

	if err := pruner.Prune(saved.Ensemble, trainSet, validSet, scorer); err != nil {
		return err
	}
	saved.Ensemble.FilterOutZeroWeightedTrees()

	booster, err := forest.NewBooster(saved.Config, scorer)
	if err != nil {
		return err
	}
	booster.ImportEnsemble(saved.Ensemble)
	if err := booster.SaveModel(cfg.Model); err != nil {
		return err
	}
	log.Infow("pruned model saved", "path", cfg.Model,
		"trees", saved.Ensemble.Size())
	return nil
}

func graph(cfg runConfig, log *zap.SugaredLogger) error {
	saved, err := forest.LoadModel(cfg.Model)
	if err != nil {
		return err
	}
	prefix, format, dir := cfg.Render.Prefix, cfg.Render.Format, cfg.Render.Directory
	if prefix == "" {
		prefix = "tree"
	}
	if format == "" {
		format = "svg"
	}
	if dir == "" {
		dir = "."
	}
	if err := saved.Ensemble.RenderTrees(prefix, format, dir); err != nil {
		return err
	}
	log.Infow("trees rendered", "directory", dir, "trees", saved.Ensemble.Size())
	return nil
}

func main() {
	runMode := flag.String("mode", "train", "one of 'train', 'predict', 'prune' or 'graph'")
	config := flag.String("config", "quickrank.yaml", "a config file for the run of the program")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := decodeConfig(*config)
	if err != nil {
		log.Fatalw("config", "error", err)
	}

	run, ok := map[string]func(runConfig, *zap.SugaredLogger) error{
		"train":   train,
		"predict": predict,
		"prune":   prune,
		"graph":   graph,
	}[*runMode]
	if !ok {
		log.Fatalw("unknown mode", "mode", *runMode)
	}
	if err := run(cfg, log); err != nil {
		log.Fatalw(*runMode, "error", err)
	}
}
