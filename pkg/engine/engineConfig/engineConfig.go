package engineConfig

import (
	"encoding/json"
	"slices"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"

	"github.com/rewardmesh/rewardmesh/pkg/config"
)

const (
	EnvPrefix = "ENGINE_"

	Debug = "debug"
)

const (
	StorageTypeMemory = "memory"
	StorageTypeBadger = "badger"
)

type Chain struct {
	Name    string         `json:"name" yaml:"name"`
	ChainId config.ChainId `json:"chainId" yaml:"chainId"`
	RpcURL  string         `json:"rpcUrl" yaml:"rpcUrl"`
}

func (c *Chain) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if c.Name == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("name"), "name is required"))
	}
	if c.ChainId == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("chainId"), "chainId is required"))
	}
	if !slices.Contains(config.SupportedChainIds, c.ChainId) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("chainId"), c.ChainId, "unsupported chainId"))
	}
	return allErrors
}

type QuorumConfig struct {
	Numerator   uint64 `json:"numerator" yaml:"numerator"`
	Denominator uint64 `json:"denominator" yaml:"denominator"`
}

func (q *QuorumConfig) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if q.Denominator == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("denominator"), "denominator is required"))
	}
	if q.Numerator == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("numerator"), "numerator is required"))
	}
	if q.Denominator != 0 && q.Numerator > q.Denominator {
		allErrors = append(allErrors, field.Invalid(field.NewPath("numerator"), q.Numerator, "numerator exceeds denominator"))
	}
	return allErrors
}

type SchedulerConfig struct {
	MaxBatchSize               int    `json:"maxBatchSize" yaml:"maxBatchSize"`
	MaxBatchDelaySeconds       int    `json:"maxBatchDelaySeconds" yaml:"maxBatchDelaySeconds"`
	GlobalClaimIntervalSeconds uint64 `json:"globalClaimIntervalSeconds" yaml:"globalClaimIntervalSeconds"`
}

func (s *SchedulerConfig) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if s.MaxBatchSize <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxBatchSize"), s.MaxBatchSize, "maxBatchSize must be positive"))
	}
	if s.MaxBatchDelaySeconds <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxBatchDelaySeconds"), s.MaxBatchDelaySeconds, "maxBatchDelaySeconds must be positive"))
	}
	if s.GlobalClaimIntervalSeconds == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("globalClaimIntervalSeconds"), "globalClaimIntervalSeconds is required"))
	}
	return allErrors
}

type PlannerConfig struct {
	MinProfitThreshold string `json:"minProfitThreshold" yaml:"minProfitThreshold"`
	LowGasThreshold    string `json:"lowGasThreshold" yaml:"lowGasThreshold"`
}

type BadgerConfig struct {
	Dir              string `json:"dir" yaml:"dir"`
	InMemory         bool   `json:"inMemory" yaml:"inMemory"`
	ValueLogFileSize int64  `json:"valueLogFileSize" yaml:"valueLogFileSize"`
}

type StorageConfig struct {
	Type   string        `json:"type" yaml:"type"`
	Badger *BadgerConfig `json:"badger" yaml:"badger"`
}

func (s *StorageConfig) Validate() field.ErrorList {
	var allErrors field.ErrorList
	switch s.Type {
	case "", StorageTypeMemory:
	case StorageTypeBadger:
		if s.Badger == nil || (s.Badger.Dir == "" && !s.Badger.InMemory) {
			allErrors = append(allErrors, field.Required(field.NewPath("badger", "dir"), "dir is required for badger storage"))
		}
	default:
		allErrors = append(allErrors, field.Invalid(field.NewPath("type"), s.Type, "unsupported storage type"))
	}
	return allErrors
}

type EngineConfig struct {
	Debug                      bool            `json:"debug" yaml:"debug"`
	Chains                     []Chain         `json:"chains" yaml:"chains"`
	Quorum                     QuorumConfig    `json:"quorum" yaml:"quorum"`
	AggregationDeadlineSeconds int             `json:"aggregationDeadlineSeconds" yaml:"aggregationDeadlineSeconds"`
	Scheduler                  SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Planner                    PlannerConfig   `json:"planner" yaml:"planner"`
	Storage                    StorageConfig   `json:"storage" yaml:"storage"`
}

func (ec *EngineConfig) Validate() error {
	var allErrors field.ErrorList
	if len(ec.Chains) == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("chains"), "at least one chain is required"))
	} else {
		for _, chain := range ec.Chains {
			if chainErrors := chain.Validate(); len(chainErrors) > 0 {
				allErrors = append(allErrors, field.Invalid(field.NewPath("chains"), chain, "invalid chain config"))
			}
		}
	}
	allErrors = append(allErrors, ec.Quorum.Validate()...)
	allErrors = append(allErrors, ec.Scheduler.Validate()...)
	if ec.AggregationDeadlineSeconds <= 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("aggregationDeadlineSeconds"), "aggregation deadline is required"))
	}
	allErrors = append(allErrors, ec.Storage.Validate()...)
	return allErrors.ToAggregate()
}

func NewEngineConfigFromJsonBytes(data []byte) (*EngineConfig, error) {
	var c EngineConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal EngineConfig from JSON")
	}
	return &c, nil
}

func NewEngineConfigFromYamlBytes(data []byte) (*EngineConfig, error) {
	var c EngineConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal EngineConfig from YAML")
	}
	return &c, nil
}

func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		Debug: viper.GetBool(config.NormalizeFlagName(Debug)),
	}
}
