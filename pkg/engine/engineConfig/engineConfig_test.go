package engineConfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	validJson = `
{
	"chains": [
		{
			"name": "ethereum",
			"chainId": 1,
			"rpcUrl": "https://mainnet.infura.io/v3/YOUR_INFURA_PROJECT_ID"
		}
	],
	"quorum": {
		"numerator": 2,
		"denominator": 3
	},
	"aggregationDeadlineSeconds": 300,
	"scheduler": {
		"maxBatchSize": 25,
		"maxBatchDelaySeconds": 60,
		"globalClaimIntervalSeconds": 86400
	}
}`
	invalidJson = `
{
	"chains": [
		{
			"name": 5679,
			"chainId": 1
		}
	]
}`

	validYaml = `
---
chains:
  - name: ethereum
    chainId: 1
    rpcUrl: https://mainnet.infura.io/v3/YOUR_INFURA_PROJECT_ID
quorum:
  numerator: 2
  denominator: 3
aggregationDeadlineSeconds: 300
scheduler:
  maxBatchSize: 25
  maxBatchDelaySeconds: 60
  globalClaimIntervalSeconds: 86400
storage:
  type: badger
  badger:
    dir: /var/lib/rewardmesh
`
	invalidYaml = `
---
chains:
  - name: ethereum
    chainId: True
`
)

func Test_EngineConfig(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		t.Run("Should create a new engine config from a json string", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			assert.NotNil(t, c)
			assert.Nil(t, c.Validate())
		})
		t.Run("Should fail to create a new engine config from an invalid json string", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(invalidJson))
			assert.NotNil(t, err)
			assert.Nil(t, c)
		})
	})
	t.Run("YAML", func(t *testing.T) {
		t.Run("Should create a new engine config from a yaml string", func(t *testing.T) {
			c, err := NewEngineConfigFromYamlBytes([]byte(validYaml))
			assert.Nil(t, err)
			assert.NotNil(t, c)
			assert.Nil(t, c.Validate())
			assert.Equal(t, StorageTypeBadger, c.Storage.Type)
		})
		t.Run("Should fail to create a new engine config from an invalid yaml string", func(t *testing.T) {
			c, err := NewEngineConfigFromYamlBytes([]byte(invalidYaml))
			assert.NotNil(t, err)
			assert.Nil(t, c)
		})
	})
	t.Run("Validate", func(t *testing.T) {
		t.Run("Should reject a quorum numerator above the denominator", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			c.Quorum.Numerator = 4
			assert.NotNil(t, c.Validate())
		})
		t.Run("Should reject an unsupported chain", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			c.Chains[0].ChainId = 999
			assert.NotNil(t, c.Validate())
		})
		t.Run("Should reject a non-positive batch size", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			c.Scheduler.MaxBatchSize = 0
			assert.NotNil(t, c.Validate())
		})
		t.Run("Should reject a non-positive batch delay", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			c.Scheduler.MaxBatchDelaySeconds = -1
			assert.NotNil(t, c.Validate())
		})
		t.Run("Should reject a missing global claim interval", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			c.Scheduler.GlobalClaimIntervalSeconds = 0
			assert.NotNil(t, c.Validate())
		})
		t.Run("Should reject badger storage without a directory", func(t *testing.T) {
			c, err := NewEngineConfigFromJsonBytes([]byte(validJson))
			assert.Nil(t, err)
			c.Storage.Type = StorageTypeBadger
			assert.NotNil(t, c.Validate())
		})
	})
}
