// Package forest implements gradient-boosting orchestration over
// regression trees: the generic boosting loop plus the MART,
// LambdaMART, selective-sampling, DART and random-forest variants,
// expressed as pluggable response, sampling and tree-weight
// strategies rather than an inheritance chain.
package forest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Algorithm names accepted by Config.Algorithm.
const (
	AlgoMART               = "MART"
	AlgoLambdaMART         = "LAMBDAMART"
	AlgoLambdaMARTSelective = "LAMBDAMART-SELECTIVE"
	AlgoDart               = "DART"
	AlgoRandomForest       = "RANDOMFOREST"
)

// DartSampleType selects how DART picks trees to drop.
type DartSampleType int

const (
	SampleUniform DartSampleType = iota
	SampleWeighted
	SampleWeightedInv
	SampleCount2
	SampleCount3
	SampleCount2N
	SampleCount3N
	SampleTopFifty
)

var dartSampleNames = map[string]DartSampleType{
	"UNIFORM":      SampleUniform,
	"WEIGHTED":     SampleWeighted,
	"WEIGHTED_INV": SampleWeightedInv,
	"COUNT2":       SampleCount2,
	"COUNT3":       SampleCount3,
	"COUNT2N":      SampleCount2N,
	"COUNT3N":      SampleCount3N,
	"TOP_FIFTY":    SampleTopFifty,
}

func (t DartSampleType) String() string {
	for name, v := range dartSampleNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("DartSampleType(%d)", int(t))
}

// ParseDartSampleType resolves a sampling-type name.
func ParseDartSampleType(name string) (DartSampleType, error) {
	if t, ok := dartSampleNames[name]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("forest: unknown dart sample type %q", name)
}

// isCounting reports whether the type permanently drops trees once
// their drop count passes a threshold.
func (t DartSampleType) isCounting() bool {
	switch t {
	case SampleCount2, SampleCount3, SampleCount2N, SampleCount3N:
		return true
	}
	return false
}

func (t DartSampleType) countThreshold() int {
	if t == SampleCount3 || t == SampleCount3N {
		return 3
	}
	return 2
}

// normalizesOnCountDrop reports whether a permanent count drop also
// renormalizes the surviving dropped trees.
func (t DartSampleType) normalizesOnCountDrop() bool {
	return t == SampleCount2N || t == SampleCount3N
}

// DartNormalizeType selects the weight rule applied when a dropout
// iteration restores the dropped trees next to the new tree.
type DartNormalizeType int

const (
	NormalizeTree DartNormalizeType = iota
	NormalizeNone
	NormalizeWeighted
	NormalizeForest
	NormalizeTreeAdaptive
	NormalizeLineSearch
	NormalizeTreeBoost3
)

var dartNormalizeNames = map[string]DartNormalizeType{
	"TREE":          NormalizeTree,
	"NONE":          NormalizeNone,
	"WEIGHTED":      NormalizeWeighted,
	"FOREST":        NormalizeForest,
	"TREE_ADAPTIVE": NormalizeTreeAdaptive,
	"LINESEARCH":    NormalizeLineSearch,
	"TREE_BOOST3":   NormalizeTreeBoost3,
}

func (t DartNormalizeType) String() string {
	for name, v := range dartNormalizeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("DartNormalizeType(%d)", int(t))
}

// ParseDartNormalizeType resolves a normalization-type name.
func ParseDartNormalizeType(name string) (DartNormalizeType, error) {
	if t, ok := dartNormalizeNames[name]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("forest: unknown dart normalization type %q", name)
}

// DartConfig are the dropout hyperparameters.
type DartConfig struct {
	SampleType    string  `yaml:"sample_type" json:"sample_type"`
	NormalizeType string  `yaml:"normalize_type" json:"normalize_type"`
	RateDrop      float64 `yaml:"rate_drop" json:"rate_drop"`
	SkipDrop      float64 `yaml:"skip_drop" json:"skip_drop"`
	KeepDrop      bool    `yaml:"keep_drop" json:"keep_drop"`
}

// SelectiveConfig parameterizes per-query instance sampling.
type SelectiveConfig struct {
	SamplingIterations   int     `yaml:"sampling_iterations" json:"sampling_iterations"`
	RankSamplingFactor   float64 `yaml:"rank_sampling_factor" json:"rank_sampling_factor"`
	RandomSamplingFactor float64 `yaml:"random_sampling_factor" json:"random_sampling_factor"`
	NormalizationFactor  float64 `yaml:"normalization_factor" json:"normalization_factor"`
	AdaptiveStrategy     string  `yaml:"adaptive_strategy" json:"adaptive_strategy"`
	NegativeStrategy     string  `yaml:"negative_strategy" json:"negative_strategy"`
}

// Config are the training hyperparameters of every boosting variant.
type Config struct {
	Algorithm string `yaml:"algorithm" json:"algorithm"`

	Trees          int     `yaml:"trees" json:"trees"`
	Leaves         int     `yaml:"leaves" json:"leaves"` // 0 = unbounded
	Shrinkage      float64 `yaml:"shrinkage" json:"shrinkage"`
	MinLeafSupport int     `yaml:"min_leaf_support" json:"min_leaf_support"`
	Thresholds     int     `yaml:"thresholds" json:"thresholds"` // 0 = no discretization
	EarlyStopping  int     `yaml:"early_stopping_rounds" json:"early_stopping_rounds"`
	SubSample      float64 `yaml:"subsample" json:"subsample"`
	MaxFeatures    float64 `yaml:"max_features" json:"max_features"`
	CollapseLeaves float64 `yaml:"collapse_leaves" json:"collapse_leaves"`
	RequireDevianceLTParent bool `yaml:"require_deviance_lt_parent" json:"require_deviance_lt_parent"`

	Seed        int64 `yaml:"seed" json:"seed"`
	PartialSave int   `yaml:"partial_save" json:"partial_save"`
	Workers     int   `yaml:"workers" json:"workers"`

	Dart      DartConfig      `yaml:"dart" json:"dart"`
	Selective SelectiveConfig `yaml:"selective" json:"selective"`
}

// DefaultConfig returns the baseline LambdaMART setup.
func DefaultConfig() Config {
	return Config{
		Algorithm:      AlgoLambdaMART,
		Trees:          1000,
		Leaves:         10,
		Shrinkage:      0.1,
		MinLeafSupport: 1,
		EarlyStopping:  100,
		SubSample:      1,
		Dart: DartConfig{
			SampleType:    "UNIFORM",
			NormalizeType: "TREE",
			RateDrop:      0.1,
			SkipDrop:      0,
		},
		Selective: SelectiveConfig{
			SamplingIterations: 10,
			AdaptiveStrategy:   "NO",
			NegativeStrategy:   "RATIO",
		},
	}
}

// Validate fails fast on configuration errors, before any training
// work happens.
func (c *Config) Validate() error {
	switch c.Algorithm {
	case AlgoMART, AlgoLambdaMART, AlgoLambdaMARTSelective, AlgoDart, AlgoRandomForest:
	default:
		return fmt.Errorf("forest: unknown algorithm %q", c.Algorithm)
	}
	if c.Trees <= 0 {
		return fmt.Errorf("forest: tree count must be positive, got %d", c.Trees)
	}
	if c.MinLeafSupport <= 0 {
		return fmt.Errorf("forest: minimum leaf support must be positive, got %d", c.MinLeafSupport)
	}
	if c.Shrinkage <= 0 {
		return fmt.Errorf("forest: shrinkage must be positive, got %g", c.Shrinkage)
	}
	if c.Leaves < 0 || c.Thresholds < 0 || c.EarlyStopping < 0 || c.PartialSave < 0 {
		return fmt.Errorf("forest: negative hyperparameter")
	}
	if c.Algorithm == AlgoDart {
		if _, err := ParseDartSampleType(c.Dart.SampleType); err != nil {
			return err
		}
		if _, err := ParseDartNormalizeType(c.Dart.NormalizeType); err != nil {
			return err
		}
		if c.Dart.RateDrop < 0 || c.Dart.SkipDrop < 0 || c.Dart.SkipDrop > 1 {
			return fmt.Errorf("forest: dart rates out of range: rate_drop=%g skip_drop=%g",
				c.Dart.RateDrop, c.Dart.SkipDrop)
		}
	}
	if c.Algorithm == AlgoLambdaMARTSelective {
		switch c.Selective.AdaptiveStrategy {
		case "NO", "FIXED", "RATIO", "MIX":
		default:
			return fmt.Errorf("forest: unknown adaptive strategy %q", c.Selective.AdaptiveStrategy)
		}
		switch c.Selective.NegativeStrategy {
		case "RATIO", "MUL", "POS":
		default:
			return fmt.Errorf("forest: unknown negative strategy %q", c.Selective.NegativeStrategy)
		}
		if c.Selective.SamplingIterations < 0 {
			return fmt.Errorf("forest: sampling iterations must not be negative")
		}
	}
	return nil
}

// LoadConfig reads a yaml config file and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("forest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("forest: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
